package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pubsched/pkg/unitctl"
)

var (
	serviceCmd = &cobra.Command{
		Use:   "service",
		Short: "Inspect or control the systemd unit running the daemon",
	}
	serviceStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the unit state",
		Args:  cobra.NoArgs,
		RunE:  serviceStatusMain,
	}

	unitName string
)

func init() {
	serviceCmd.PersistentFlags().StringVar(&unitName, "unit", "pubsched", "systemd unit name")
	serviceCmd.AddCommand(serviceStatusCmd,
		unitActionCmd("start", "Start the unit", (*unitctl.Manager).Start),
		unitActionCmd("stop", "Stop the unit", (*unitctl.Manager).Stop),
		unitActionCmd("restart", "Restart the unit (required after storage, remote, telegram or api changes)", (*unitctl.Manager).Restart),
	)
	rootCmd.AddCommand(serviceCmd)
}

func withUnits(cmd *cobra.Command, fn func(ctx context.Context, m *unitctl.Manager) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	m, err := unitctl.New(ctx)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, m)
}

func unitActionCmd(action, short string, op func(*unitctl.Manager, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withUnits(cmd, func(ctx context.Context, m *unitctl.Manager) error {
				if err := op(m, ctx, unitName); err != nil {
					return err
				}
				fmt.Printf("%s %s: ok\n", action, unitctl.UnitName(unitName))
				return nil
			})
		},
	}
}

func serviceStatusMain(cmd *cobra.Command, _ []string) error {
	return withUnits(cmd, func(ctx context.Context, m *unitctl.Manager) error {
		st, err := m.Status(ctx, unitName)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(st)
		}
		if !st.Found() {
			return fmt.Errorf("unit %s not found", st.Unit)
		}
		fmt.Printf("Unit:    %s (%s)\n", st.Unit, st.Description)
		fmt.Printf("State:   %s/%s\n", st.Active, st.SubState)
		if up := st.Uptime(time.Now()); up > 0 {
			fmt.Printf("Since:   %s (pid %d)\n", humanize.Time(st.ActiveSince), st.MainPID)
		} else if !st.StateChange.IsZero() {
			fmt.Printf("Changed: %s\n", humanize.Time(st.StateChange))
		}
		if st.Memory > 0 {
			fmt.Printf("Memory:  %s\n", humanize.IBytes(st.Memory))
		}
		return nil
	})
}
