package config

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLogSize is the size above which the log file is truncated on startup.
const maxLogSize = 50 * 1024 * 1024

// SetupLogging points logrus at the log file for the given level
// (trace, debug, info, warn; "off" discards). The returned closer closes
// the log file.
func SetupLogging(level string) (io.Closer, error) {
	if level == "off" || level == "" {
		log.SetOutput(io.Discard)
		return io.NopCloser(nil), nil
	}
	if err := EnsureConfigDir(); err != nil {
		return nil, err
	}
	if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
		// Non-fatal, just report to stderr
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(logFile)

	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
	return logFile, nil
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func truncateLogFile(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil // File doesn't exist, nothing to truncate
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	// Keep the last half, starting at a line boundary
	startIdx := len(data) - len(data)/2
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	truncatedData := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(truncatedData)))
	return os.WriteFile(logPath, append(header, truncatedData...), 0600)
}
