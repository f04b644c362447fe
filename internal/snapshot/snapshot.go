// Package snapshot implements the §4.9 snapshotter: periodic and
// on-demand persistence of the end-queue to a text file of "+" command
// lines, and startup restore that replays each line through the same
// add path a live wire frame would take.
package snapshot

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ladcd/ladc/internal/endqueue"
	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
	"github.com/ladcd/ladc/internal/wire"
)

// QueueSource is the subset of *endqueue.Queue the snapshotter needs.
type QueueSource interface {
	Snapshot() []endqueue.SnapshotEntry
}

// AddApplier replays one restored line through the same path a live
// wire "add" verb takes (§4.9 "feeds each line through the add path
// with the original (end-time, factor)"). Implemented by
// internal/control's dispatcher.
type AddApplier interface {
	ApplyAdd(payload wire.AddPayload) error
}

// Config controls where the snapshot file lives and how often it's
// refreshed.
type Config struct {
	Path            string
	Interval        time.Duration // default 300s (§4.9); Dump is also callable on demand
	BackupOnRestore bool
}

// Snapshotter owns the persistent file writer, guarded by its own lock
// strictly below the end-queue lock (§5 "Snapshot lock").
type Snapshotter struct {
	cfg   Config
	mu    sync.Mutex
	queue QueueSource
	log   *logging.Logger
}

// New returns a Snapshotter. queue supplies the live state to dump.
func New(cfg Config, queue QueueSource) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Second
	}
	return &Snapshotter{cfg: cfg, queue: queue, log: logging.WithComponent("snapshot")}
}

// Run fires Dump every cfg.Interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Dump(); err != nil {
				s.log.Error("periodic snapshot failed", "err", err)
			}
		}
	}
}

// Dump writes every live end-queue entry to a fresh file and atomically
// renames it over cfg.Path (§4.9: "acquire the snapshot mutex, write to
// a fresh file, close, then atomically rename over the destination").
func (s *Snapshotter) Dump() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.queue.Snapshot()

	dir := filepath.Dir(s.cfg.Path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return errors.Errorf(errors.KindFatalIO, "snapshot: creating temp file in %s: %v", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below has succeeded

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, formatEntry(e)); err != nil {
			tmp.Close()
			return errors.Errorf(errors.KindFatalIO, "snapshot: writing entry: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Errorf(errors.KindFatalIO, "snapshot: flushing: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Errorf(errors.KindFatalIO, "snapshot: closing temp file: %v", err)
	}
	if err := os.Rename(tmpPath, s.cfg.Path); err != nil {
		return errors.Errorf(errors.KindFatalIO, "snapshot: renaming into place: %v", err)
	}
	s.log.Info("wrote snapshot", "entries", len(entries), "path", s.cfg.Path)
	return nil
}

func formatEntry(e endqueue.SnapshotEntry) string {
	endTime := e.Deadline.Unix()
	factor := e.Factor
	payload := wire.FormatAddPayload(wire.AddPayload{
		AddrCIDR: e.Address.String(),
		Rule:     e.RuleName,
		EndTime:  &endTime,
		Factor:   &factor,
	})
	return string(rune(wire.VerbAdd)) + payload
}

// Restore reads cfg.Path line by line, replaying every add line through
// apply. A parse failure aborts immediately and returns a
// KindStateCorruption error without touching the file (§4.9: "Parsing
// errors abort the restore (the file is left intact) so that a
// corrupted snapshot never destroys state"). A missing file is not an
// error — it means there is nothing to restore. On success, when
// cfg.BackupOnRestore is set, the file is rotated to "<path>.bak".
func (s *Snapshotter) Restore(apply AddApplier) (int, error) {
	f, err := os.Open(s.cfg.Path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Errorf(errors.KindFatalIO, "snapshot: opening %s: %v", s.cfg.Path, err)
	}
	defer f.Close()

	var restored int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		msg, err := wire.ParseLine(line)
		if err == wire.ErrIgnored {
			continue
		}
		if err != nil {
			return restored, errors.StateCorruptionError(err, fmt.Sprintf("snapshot: malformed line %q", line))
		}
		if msg.Verb != wire.VerbAdd {
			return restored, errors.New(errors.KindStateCorruption, fmt.Sprintf("snapshot: unexpected verb %q in snapshot file", string(rune(msg.Verb))))
		}
		payload, err := wire.ParseAddPayload(msg.Payload)
		if err != nil {
			return restored, errors.StateCorruptionError(err, fmt.Sprintf("snapshot: malformed add payload %q", msg.Payload))
		}
		if err := apply.ApplyAdd(payload); err != nil {
			return restored, fmt.Errorf("snapshot: applying %q: %w", line, err)
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, errors.StateCorruptionError(err, "snapshot: reading file")
	}

	if s.cfg.BackupOnRestore {
		if err := os.Rename(s.cfg.Path, s.cfg.Path+".bak"); err != nil {
			s.log.Warn("failed to rotate snapshot to backup", "err", err)
		}
	}
	return restored, nil
}
