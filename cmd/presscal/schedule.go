package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage unattended calibration runs",
		Long: `Manage unattended calibration runs.

  presscal schedule 'minute hour day month weekday'  Set the schedule
  presscal schedule show                             Show the current schedule
  presscal schedule disable                          Remove the schedule`,
		Example: `  presscal schedule '0 6 * * 1' (At 06:00 on Monday)
  presscal schedule '0 6 1 * *' (At 06:00 on the first day of every month)`,
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(args[0])
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the current schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleShow(cmd)
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Remove the calibration schedule",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				if _, err := apiClient.ClearSchedule(); err != nil {
					return fmt.Errorf("failed to disable schedule: %w", err)
				}
				logrus.Info("schedule disabled")
				return nil
			},
		},
	)

	return cmd
}

func runScheduleSet(expr string) error {
	if _, err := apiClient.SetSchedule(expr); err != nil {
		return fmt.Errorf("failed to set schedule: %w", err)
	}
	logrus.Infof("schedule set to %q", expr)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetSchedule()
	if err != nil {
		return fmt.Errorf("failed to get schedule: %w", err)
	}

	if !st.Active {
		cmd.Println("no schedule is set")
		return nil
	}

	cmd.Printf("schedule: %s\n", st.Cron)
	cmd.Printf("next run: %s\n", st.NextRun)
	return nil
}
