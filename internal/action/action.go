// Package action runs begin/end command strings through the shell, the
// external collaborator described in §4.5 ("Execution").
package action

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
)

// Config controls how commands are executed.
type Config struct {
	Shell   string        // defaults to "/bin/sh"
	Timeout time.Duration // 0 means no timeout
}

func (c Config) shell() string {
	if c.Shell == "" {
		return "/bin/sh"
	}
	return c.Shell
}

// Executor runs a converted shell command string via the shell (§4.5:
// "The begin-action string is passed to the shell executor, which is an
// external collaborator; its non-zero exit is logged but does not abort
// the daemon").
type Executor struct {
	cfg Config
	log *logging.Logger
}

// New returns an Executor using cfg.
func New(cfg Config) *Executor {
	return &Executor{cfg: cfg, log: logging.WithComponent("action")}
}

// Execute runs shellCommand to completion, returning an error on a
// non-zero exit or spawn failure. Callers are responsible for deciding
// whether the error is fatal — for begin actions it never is (§4.5); for
// end actions it is logged and never retried (§4.5).
func (e *Executor) Execute(ctx context.Context, shellCommand string) error {
	if shellCommand == "" {
		return nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.cfg.shell(), "-c", shellCommand)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		e.log.Warn("action exited non-zero", "command", shellCommand, "elapsed", elapsed, "stderr", stderr.String(), "err", err)
		return errors.ActionError("action: command failed: %s", shellCommand)
	}
	e.log.Debug("action completed", "command", shellCommand, "elapsed", elapsed)
	return nil
}
