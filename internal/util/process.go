package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// CommandConfig configures an external command run.
type CommandConfig struct {
	Timeout   time.Duration // Overall deadline (0: only the caller's context)
	WaitDelay time.Duration // Grace period for output pipes after kill (default: 2s)
	Stdin     io.Reader
	Env       []string // Appended to the inherited environment
}

// CommandError describes a command that ran but failed.
type CommandError struct {
	Name     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Name, e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// RunCommand runs name with args and returns its stdout. A non-zero exit is
// reported as *CommandError carrying the exit code and stderr.
func RunCommand(ctx context.Context, cfg CommandConfig, name string, args ...string) ([]byte, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = 2 * time.Second
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = cfg.WaitDelay
	cmd.Stdin = cfg.Stdin
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.WithFields(log.Fields{
		"cmd":      name,
		"args":     len(args),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("external command finished")
	if err == nil {
		return stdout.Bytes(), nil
	}

	cerr := &CommandError{Name: name, ExitCode: -1, Stderr: stderr.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		cerr.Err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return stdout.Bytes(), cerr
}
