package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pubsched/internal/api"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the scheduler state and running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			snap, err := c.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return printSnapshot(snap)
		},
	}
	pauseCmd = &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching due jobs; running uploads continue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			snap, err := c.Pause(cmd.Context())
			if err != nil {
				return fmt.Errorf("pause: %w", err)
			}
			return printSnapshot(snap)
		},
	}
	resumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			snap, err := c.Resume(cmd.Context())
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			return printSnapshot(snap)
		},
	}
)

func init() {
	rootCmd.AddCommand(statusCmd, pauseCmd, resumeCmd)
}

func printSnapshot(s api.SnapshotView) error {
	if outputJSON {
		return printJSON(s)
	}
	state := "running"
	switch {
	case !s.Started:
		state = "stopped"
	case s.Paused:
		state = "paused"
	}
	fmt.Printf("Scheduler: %s\n", state)
	if !s.NextWake.IsZero() {
		fmt.Printf("Next wake: %s\n", humanize.Time(s.NextWake))
	}
	fmt.Printf("Dispatched: %s\n", humanize.Comma(int64(s.Dispatched)))
	if len(s.Running) == 0 {
		fmt.Println("No running jobs")
		return nil
	}
	fmt.Println("Running:")
	for _, r := range s.Running {
		fmt.Printf("  %s  %-16s  attempt %d  since %s\n", r.JobID, r.AccountID, r.Attempt, humanize.Time(r.Started))
	}
	return nil
}
