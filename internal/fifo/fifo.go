// Package fifo implements the §6 control FIFO: a named pipe created at a
// configured path with a configured uid/gid/mask, read one line at a
// time and handed to the control dispatcher (§4.6, "same grammar... ,
// unencrypted and unpadded").
package fifo

import (
	"bufio"
	"context"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/ladcd/ladc/internal/errors"
	"github.com/ladcd/ladc/internal/logging"
)

// LineHandler is the subset of internal/control.Dispatcher the FIFO
// reader drives.
type LineHandler interface {
	HandleLine(ctx context.Context, line string) error
}

// Config describes where and how the FIFO is created (§6: "a named pipe
// at a configured path created with a specified uid/gid/mask").
type Config struct {
	Path  string
	User  string // numeric uid, or "" to leave ownership unchanged
	Group string // numeric gid, or "" to leave ownership unchanged
	Mask  uint32
}

// FIFO owns the lifecycle of the control named pipe: create on Listen,
// remove on Close, matching the predecessor's create_fifo/cleanup_fifo
// pairing.
type FIFO struct {
	cfg     Config
	handler LineHandler
	log     *logging.Logger
	file    *os.File
}

// New returns a FIFO bound to cfg; nothing is created on disk until
// Listen runs.
func New(cfg Config, handler LineHandler) *FIFO {
	return &FIFO{cfg: cfg, handler: handler, log: logging.WithComponent("fifo")}
}

// Listen creates the named pipe (replacing any stale file left at the
// same path) and reads it line by line until ctx is cancelled, handing
// every non-empty line to the handler. A create/open failure is
// KindFatalIO (§7: "fifo creation failure: daemon exits non-zero").
func (f *FIFO) Listen(ctx context.Context) error {
	if err := f.create(); err != nil {
		return err
	}
	defer f.Close()

	// A FIFO opened O_RDONLY returns EOF once the last writer closes.
	// Opening it read+write instead, as the predecessor's fopen(path, "r+")
	// does, keeps a writer open on this side, so the reader never sees
	// EOF and stays alive across every client connection.
	file, err := os.OpenFile(f.cfg.Path, os.O_RDWR, 0)
	if err != nil {
		return errors.Errorf(errors.KindFatalIO, "fifo: opening %s: %v", f.cfg.Path, err)
	}
	f.file = file

	scanner := bufio.NewScanner(file)
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					f.log.Error("fifo read error", "err", err)
				}
				return nil
			}
			if line == "" {
				continue
			}
			if err := f.handler.HandleLine(ctx, line); err != nil {
				f.log.Warn("handling fifo line failed", "line", line, "err", err)
			}
		}
	}
}

// Close removes the named pipe from disk, matching cleanup_fifo's
// "remove(fifo_path)" (ENOENT is not an error: the pipe may already be
// gone).
func (f *FIFO) Close() error {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
	if err := os.Remove(f.cfg.Path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf(errors.KindFatalIO, "fifo: removing %s: %v", f.cfg.Path, err)
	}
	return nil
}

func (f *FIFO) create() error {
	if err := os.Remove(f.cfg.Path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf(errors.KindFatalIO, "fifo: clearing stale %s: %v", f.cfg.Path, err)
	}

	// Mask holds the pipe's permission bits; the umask is cleared while
	// the pipe is created so they apply exactly.
	mode := uint32(0o666)
	if f.cfg.Mask != 0 {
		oldMask := unix.Umask(0)
		defer unix.Umask(oldMask)
		mode = f.cfg.Mask
	}

	if err := unix.Mkfifo(f.cfg.Path, mode); err != nil {
		return errors.Errorf(errors.KindFatalIO, "fifo: creating %s: %v", f.cfg.Path, err)
	}

	uid, gid, ok, err := resolveOwner(f.cfg.User, f.cfg.Group)
	if err != nil {
		return errors.Errorf(errors.KindFatalIO, "fifo: resolving owner: %v", err)
	}
	if ok {
		if err := os.Chown(f.cfg.Path, uid, gid); err != nil {
			return errors.Errorf(errors.KindFatalIO, "fifo: chown %s: %v", f.cfg.Path, err)
		}
	}
	return nil
}

// resolveOwner parses numeric uid/gid strings. Config only ever carries
// numeric ids (§6 "specified uid/gid/mask"); name resolution is the
// CLI/config layer's job, not this package's.
func resolveOwner(user, group string) (uid, gid int, ok bool, err error) {
	if user == "" && group == "" {
		return 0, 0, false, nil
	}
	if user != "" {
		uid, err = strconv.Atoi(user)
		if err != nil {
			return 0, 0, false, err
		}
	} else {
		uid = -1
	}
	if group != "" {
		gid, err = strconv.Atoi(group)
		if err != nil {
			return 0, 0, false, err
		}
	} else {
		gid = -1
	}
	return uid, gid, true, nil
}
