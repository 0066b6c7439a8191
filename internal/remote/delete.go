package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	"mediasweep/internal/common"
	"mediasweep/internal/util"
)

// Deleter removes files on the device over ssh.
type Deleter struct {
	cfg Config
	run Runner
}

// NewDeleter creates a remote deleter. run may be nil for util.RunCommand.
func NewDeleter(cfg Config, run Runner) *Deleter {
	if run == nil {
		run = util.RunCommand
	}
	return &Deleter{cfg: cfg, run: run}
}

func (d *Deleter) Location() string { return "remote" }

// Delete removes one remote file. Paths outside the configured remote root
// are refused.
func (d *Deleter) Delete(ctx context.Context, p string) error {
	p = path.Clean(p)
	root := path.Clean(d.cfg.Root)
	if d.cfg.Root == "" || !strings.HasPrefix(p, root+"/") {
		return fmt.Errorf("%s is outside remote root %q: %w", p, d.cfg.Root, common.ErrInvalidPath)
	}
	if _, err := ssh(ctx, d.run, d.cfg, "rm", "--", p); err != nil {
		return fmt.Errorf("remote rm %s: %w", p, err)
	}
	return nil
}
