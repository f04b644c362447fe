// Command logactiond runs the intrusion-response daemon: it tails the
// configured log sources, matches patterns against rules, fires begin
// actions through the end-queue, and serves the control FIFO and peer
// sync socket until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/ladcd/ladc/internal/config"
	"github.com/ladcd/ladc/internal/daemon"
	"github.com/ladcd/ladc/internal/logging"
	"github.com/ladcd/ladc/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/ladc/ladc.hcl", "path to the config file")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	check := flag.Bool("check", false, "validate the config file and exit")
	cleanup := flag.Bool("cleanup", false, "run every live ban's end action once and exit, without starting the daemon")
	flag.Parse()

	if *check {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "logactiond: config check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("config OK")
		return
	}

	logging.SetDefault(logging.New(logging.Config{Level: *logLevel, ReportTimestamp: true}))
	log := logging.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(*configPath, cancel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logactiond: %v\n", err)
		os.Exit(1)
	}

	sup := d.Supervisor()
	safeMode := !supervisor.ShouldSkipDetection() && sup.ShouldEnterSafeMode()
	if safeMode {
		if src, ok := sup.LastCrashSource(); ok {
			log.Warn("too many recent crashes, starting in safe mode (log sources disabled)", "last_crash_source", src)
		} else {
			log.Warn("too many recent crashes, starting in safe mode (log sources disabled)")
		}
	}
	d.SetSafeMode(safeMode)

	defer func() {
		if r := recover(); r != nil {
			_ = sup.RecordExit(1, 0, true)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	if *cleanup {
		if _, err := d.RestoreSnapshot(); err != nil {
			log.Error("snapshot restore failed", "err", err)
		}
		d.Shutdown(ctx)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGPIPE)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("SIGHUP received, reloading config")
				if err := d.Reload(); err != nil {
					log.Error("config reload failed", "err", err)
				}
			case syscall.SIGUSR1:
				log.Info("SIGUSR1 received, flushing end-queue")
				d.Flush(ctx)
			case syscall.SIGPIPE:
				// Ignored: a peer closing a read before we finish a
				// write must not kill the daemon.
			default:
				log.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			}
		}
	}()

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited with error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	d.Shutdown(shutdownCtx)
	_ = sup.RecordExit(0, 0, false)
	log.Info("logactiond stopped")
}
