package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"pubsched/internal/app"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling daemon",
		Long: `Run the scheduler, the upload workers and the control API in the foreground.
Under systemd (Type=notify) readiness and watchdog pings are reported over sd_notify.`,
		Args: cobra.NoArgs,
		RunE: runMain,
	}

	stopTimeout time.Duration
)

func init() {
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 0, "Upper bound for graceful shutdown (default: longest upload call timeout plus a margin)")
	rootCmd.AddCommand(runCmd)
}

func runMain(cmd *cobra.Command, _ []string) error {
	a, err := app.NewApp(cfgFile)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if stopTimeout <= 0 {
		stopTimeout = a.ShutdownBudget()
	}

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	// Not running under systemd is fine; SdNotify then reports false.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdog(ctx, interval/2)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}
	runErr := a.Err()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return runErr
}

func watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
