package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/diogo/chatrelay/internal/delivery"
)

var watchInterval time.Duration

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued messages now",
	Long: `Replay the outbox in order. The first failure stops the pass and leaves
the failed message at the head of the queue.`,
	Args: cobra.NoArgs,
	RunE: runFlush,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Flush the outbox whenever connectivity returns",
	Long: `Flush once, then keep probing connectivity and flush on every
offline to online transition until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Probe interval (default: probe_interval from config)")
}

func runFlush(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()
	defer deps.Close(ctx)

	if err := deps.RequireWebhook(); err != nil {
		return err
	}
	coord := deps.Coordinator

	var spin *spinner
	if isStdoutTTY() {
		spin = newSpinner(cmd.ErrOrStderr(), "Flushing outbox")
		spin.start()
	}

	report, err := coord.Flush(ctx)
	if spin != nil {
		switch {
		case err != nil || report.Halted != nil:
			spin.stopWithError()
		case report.Skipped && report.Remaining > 0:
			spin.stopWithWarning("Offline")
		default:
			spin.stopWithSuccess("Done")
		}
	}
	if err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	printFlushReport(cmd, report)
	return nil
}

func printFlushReport(cmd *cobra.Command, report delivery.FlushReport) {
	out := cmd.OutOrStdout()

	if report.Skipped {
		if report.Remaining == 0 {
			fmt.Fprintln(out, "Outbox is empty.")
		} else {
			fmt.Fprintf(out, "Offline: %d message(s) still pending.\n", report.Remaining)
		}
		return
	}

	fmt.Fprintf(out, "Delivered %d, dropped %d, pending %d.\n", report.Delivered, report.Dropped, report.Remaining)
	if report.Halted != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), formatErrorMessage(report.Halted, "Flush stopped"))
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer deps.Close(ctx)

	if err := deps.RequireWebhook(); err != nil {
		return err
	}
	coord := deps.Coordinator

	interval := watchInterval
	if interval <= 0 {
		interval = deps.Config.ProbeIntervalDuration()
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching connectivity every %s (Ctrl-C to stop)\n", interval)
	coord.Run(ctx, interval)
	return nil
}
