// Command ladc is the §6 CLI front-end to logactiond: it writes
// control-FIFO lines for daemon actions and cats the status dump files
// for the read-only local readouts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ladcd/ladc/internal/config"
	"github.com/ladcd/ladc/internal/wire"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "ladc",
	Short: "control client for the logactiond intrusion-response daemon",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/ladc/ladc.hcl", "path to the config file")
	rootCmd.AddCommand(
		banCmd(),
		unbanCmd(),
		flushCmd(),
		reloadCmd(),
		shutdownCmd(),
		saveStateCmd(),
		logLevelCmd(),
		resetCountersCmd(),
		syncCmd(),
		stopSyncCmd(),
		dumpStatusCmd(),
		enableRuleCmd(),
		disableRuleCmd(),
		monitoringLevelCmd(),
		hostsCmd(),
		rulesCmd(),
		diagnosticsCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// send writes one control line to the configured FIFO: verb followed by
// payload, newline-terminated, unencrypted and unpadded (§6: "same
// grammar as §4.6").
func send(verb wire.Verb, payload string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	f, err := os.OpenFile(cfg.Files.FifoPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening control fifo: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s%s\n", string(rune(verb)), payload)
	return err
}

func banCmd() *cobra.Command {
	var endTime int64
	var factor int
	cmd := &cobra.Command{
		Use:   "ban <address> <rule>",
		Short: "manually ban an address under a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := wire.AddPayload{AddrCIDR: args[0], Rule: args[1]}
			if cmd.Flags().Changed("end-time") {
				payload.EndTime = &endTime
			}
			if cmd.Flags().Changed("factor") {
				payload.Factor = &factor
			}
			return send(wire.VerbAdd, wire.FormatAddPayload(payload))
		},
	}
	cmd.Flags().Int64Var(&endTime, "end-time", 0, "explicit ban end time (unix seconds)")
	cmd.Flags().IntVar(&factor, "factor", 0, "explicit escalation factor")
	return cmd
}

func unbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <address>",
		Short: "remove an address's live ban and run its end action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbDel, args[0])
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "run end actions for every live ban not marked quick_shutdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbFlush, "")
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "reload the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbReloadConfig, "")
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "stop the daemon gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbShutdown, "")
		},
	}
}

func saveStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save-state",
		Short: "dump the end-queue to the snapshot file now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbDumpState, "")
		},
	}
}

func logLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-level <level>",
		Short: "change the daemon's log level (debug|info|warn|error)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbSetLogLevel, args[0])
		},
	}
}

func resetCountersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-counters",
		Short: "zero every rule's detection/invocation counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbResetCounters, "")
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [destination]",
		Short: "bulk-sync the end-queue to a peer (or to the requester, if omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			return send(wire.VerbSync, dest)
		},
	}
}

func stopSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-sync",
		Short: "cancel a running bulk sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbStopSync, "")
		},
	}
}

func dumpStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-status",
		Short: "refresh the rules/hosts status dump files now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbDumpStatus, "")
		},
	}
}

func enableRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <rule>",
		Short: "enable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbEnableRule, args[0])
		},
	}
}

func disableRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <rule>",
		Short: "disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbDisableRule, args[0])
		},
	}
}

func monitoringLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor-level <level>",
		Short: "change the status monitor's verbosity level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(wire.VerbMonitoringLevel, args[0])
		},
	}
}

// readout cats a status dump file written by internal/metrics.Collector
// (§6: local readouts "cat the corresponding status files").
func readout(kind string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	data, err := os.ReadFile(cfg.StatusDumpPath(kind))
	if err != nil {
		return fmt.Errorf("reading %s status: %w", kind, err)
	}
	fmt.Print(string(data))
	return nil
}

func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "show currently banned addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return readout("hosts")
		},
	}
}

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "show every rule's state and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return readout("rules")
		},
	}
}

func diagnosticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "show daemon diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return readout("diagnostics")
		},
	}
}
