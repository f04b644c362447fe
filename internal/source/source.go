// Package source implements the §1 log-source adapter contract: an
// external collaborator that yields lines tagged with an optional
// unit/service name for internal/rule.Engine.Feed to consume. The core
// spec treats this as a thin, replaceable adapter; this package supplies
// one concrete implementation, a rotation-aware file tailer.
package source

import (
	"context"
	"time"

	"github.com/nxadm/tail"

	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
)

// restartBackoff is how long Group waits before re-running a tailer that
// exited with a transient error.
const restartBackoff = 2 * time.Second

// Feeder is the subset of internal/rule.Engine a tailer drives.
type Feeder interface {
	Feed(ctx context.Context, source, line, unit string)
}

// ActivityTracker is notified of the source currently being tailed, for
// crash attribution (internal/supervisor.Supervisor.MarkActive
// implements this): a line that panics the process is usually
// attacker-controlled input from one specific source, and knowing which
// one helps an operator staring at a safe-mode warning.
type ActivityTracker interface {
	MarkActive(source string)
}

// FileConfig describes one file of a configured §6 "sources" entry: the
// source name and a single file path (already resolved from its location
// glob by the caller).
type FileConfig struct {
	Name string
	Path string
}

// FileTailer follows one log file, re-opening it across rotation
// (truncate or rename-and-recreate) the way the predecessor's file
// sources do, and feeds every line it reads to a Feeder. It carries no
// unit/service tag — that's only meaningful for the systemd journal
// adapter, out of scope here.
type FileTailer struct {
	cfg     FileConfig
	feeder  Feeder
	tracker ActivityTracker // optional; nil disables attribution
	log     *logging.Logger
}

// NewFileTailer returns a tailer for cfg, ready to Run. tracker may be
// nil, in which case no activity attribution is recorded.
func NewFileTailer(cfg FileConfig, feeder Feeder, tracker ActivityTracker) *FileTailer {
	return &FileTailer{cfg: cfg, feeder: feeder, tracker: tracker, log: logging.WithComponent("source")}
}

// Run tails the configured file from its current end, feeding each line
// to the feeder under the configured source name, until ctx is
// cancelled. A missing or unreadable file is a KindTransientIO condition
// (§7: "log file unavailable... retried by the source/listener backoff");
// Run returns that error to its caller, which owns the retry/backoff
// policy.
func (f *FileTailer) Run(ctx context.Context) error {
	t, err := tail.TailFile(f.cfg.Path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Whence: 2}, // start at end-of-file, like the predecessor's initial seek
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return errors.Errorf(errors.KindTransientIO, "source: tailing %s: %v", f.cfg.Path, err)
	}
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				f.log.Warn("tail read error", "source", f.cfg.Name, "path", f.cfg.Path, "err", line.Err)
				continue
			}
			if f.tracker != nil {
				f.tracker.MarkActive(f.cfg.Name)
			}
			f.feeder.Feed(ctx, f.cfg.Name, line.Text, "")
		}
	}
}

// Group runs one FileTailer per configured file concurrently, restarting
// any tailer whose Run returns a transient error after a short backoff,
// until ctx is cancelled (§5: the reader tasks are independent and
// crash-isolated from one another and from the rest of the daemon).
type Group struct {
	tailers []*FileTailer
	log     *logging.Logger
}

// NewGroup builds a Group from the given file configs. tracker may be
// nil.
func NewGroup(configs []FileConfig, feeder Feeder, tracker ActivityTracker) *Group {
	g := &Group{log: logging.WithComponent("source")}
	for _, c := range configs {
		g.tailers = append(g.tailers, NewFileTailer(c, feeder, tracker))
	}
	return g
}

// Run starts every tailer and blocks until ctx is cancelled.
func (g *Group) Run(ctx context.Context) {
	done := make(chan struct{}, len(g.tailers))
	for _, t := range g.tailers {
		go func(t *FileTailer) {
			defer func() { done <- struct{}{} }()
			for ctx.Err() == nil {
				if err := t.Run(ctx); err != nil {
					g.log.Error("tailer exited, restarting", "source", t.cfg.Name, "err", err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(restartBackoff):
					}
					continue
				}
				return
			}
		}(t)
	}
	for range g.tailers {
		<-done
	}
}
