// Package config locates mediasweep's state directory and loads its
// settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mediasweep/internal/artifacts"
	"mediasweep/internal/cache"
	"mediasweep/internal/common"
	"mediasweep/internal/remote"
)

// EnvConfigDir overrides the config directory, mainly for test isolation.
const EnvConfigDir = "MEDIASWEEP_CONFIG_DIR"

// getConfigDir returns the config directory path.
// Uses MEDIASWEEP_CONFIG_DIR env var if set, otherwise defaults to ~/.mediasweep.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mediasweep")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// LogPath returns the log file path.
// Uses MEDIASWEEP_LOG env var if set, otherwise defaults to config_dir/mediasweep.log.
func LogPath() string {
	if envPath := os.Getenv("MEDIASWEEP_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "mediasweep.log")
}

// LockPath returns the run lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "mediasweep.lock")
}

// LedgerPath returns the provenance ledger path
func LedgerPath() string {
	return filepath.Join(getConfigDir(), "ledger.csv")
}

// TrackerPath returns the copy log path
func TrackerPath() string {
	return filepath.Join(getConfigDir(), "copied.log")
}

// StateDBPath returns the state database path
func StateDBPath() string {
	return filepath.Join(getConfigDir(), "state.db")
}

// RunLogDir returns the directory of run summaries and the transfer log
func RunLogDir() string {
	return filepath.Join(getConfigDir(), "logs")
}

// DigestPath returns the digest cache file of one population root.
func DigestPath(root string, algo cache.Algorithm) string {
	return filepath.Join(getConfigDir(), "digests", common.RootKey(root)+"."+string(algo))
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files.
// It reports whether a new settings file was written.
func InitConfigDir() (bool, error) {
	if err := EnsureConfigDir(); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); err == nil {
		return false, nil
	}
	if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
		return false, fmt.Errorf("failed to create default settings: %w", err)
	}
	return true, nil
}

// RemoteSettings describes the device.
type RemoteSettings struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Root           string `yaml:"root"`            // media root on the device
	IdentityFile   string `yaml:"identity_file"`   // ssh key, empty = ssh default
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	SSHCommand     string `yaml:"ssh_command"`
	RsyncCommand   string `yaml:"rsync_command"`
}

// Settings represents settings.yaml
type Settings struct {
	LogLevel       string         `yaml:"log_level"`       // trace, debug, info, warn, off
	ArchiveRoot    string         `yaml:"archive_root"`    // durable archive folder
	StagingRoot    string         `yaml:"staging_root"`    // local folder receiving transfers
	HashAlgorithm  string         `yaml:"hash_algorithm"`  // sha1 (default) or sha256
	HashWorkers    int            `yaml:"hash_workers"`    // parallel hashing, <=1 sequential
	FollowSymlinks bool           `yaml:"follow_symlinks"` // follow links while scanning
	Excludes       []string       `yaml:"excludes"`        // gitignore-style patterns
	DBBusyTimeout  int            `yaml:"db_busy_timeout"` // SQLite busy_timeout (ms), 0 = use default
	Remote         RemoteSettings `yaml:"remote"`
}

// loadDefaultSettings parses default settings from embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings loads settings.yaml from the config dir. Keys missing from
// the file keep their embedded defaults; a missing file yields the defaults.
func LoadSettings() (*Settings, error) {
	settings := loadDefaultSettings()
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", SettingsPath(), err)
	}
	settings.ArchiveRoot = expandHome(settings.ArchiveRoot)
	settings.StagingRoot = expandHome(settings.StagingRoot)
	settings.Remote.IdentityFile = expandHome(settings.Remote.IdentityFile)
	return &settings, nil
}

// SaveSettings saves the settings to the config dir
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# mediasweep settings\n# See: mediasweep init --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Algorithm returns the configured digest algorithm.
func (s *Settings) Algorithm() (cache.Algorithm, error) {
	return cache.ParseAlgorithm(s.HashAlgorithm)
}

// NormalizedLogLevel returns the lowercase log level; "" and "none" mean off.
func (s *Settings) NormalizedLogLevel() string {
	level := strings.ToLower(strings.TrimSpace(s.LogLevel))
	if level == "" || level == "none" {
		return "off"
	}
	return level
}

// RemoteConfig converts the remote section for the remote adapters.
func (s *Settings) RemoteConfig() remote.Config {
	return remote.Config{
		Host:           s.Remote.Host,
		Port:           s.Remote.Port,
		User:           s.Remote.User,
		Root:           s.Remote.Root,
		IdentityFile:   s.Remote.IdentityFile,
		ConnectTimeout: time.Duration(s.Remote.ConnectTimeout) * time.Second,
		SSHCommand:     s.Remote.SSHCommand,
		RsyncCommand:   s.Remote.RsyncCommand,
	}
}

// RequireArchiveRoot returns the archive root or a precondition error.
func (s *Settings) RequireArchiveRoot() (string, error) {
	return requireDir("archive_root", s.ArchiveRoot)
}

// RequireStagingRoot returns the staging root or a precondition error.
func (s *Settings) RequireStagingRoot() (string, error) {
	return requireDir("staging_root", s.StagingRoot)
}

func requireDir(key, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%s is not set in %s: %w", key, SettingsPath(), common.ErrPreconditionMissing)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%s %q: %w", key, path, common.ErrInvalidPath)
	}
	return abs, nil
}
