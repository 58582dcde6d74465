package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/presscal/presscal/pkg/calibration"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the rig",
		Long:    `Get the rig status, live pressure and the active configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			raw, err := apiClient.GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}
			run, err := raw.BuildRun()
			if err != nil {
				return fmt.Errorf("daemon configuration is invalid: %w", err)
			}

			cmd.Println(bold("Rig:"))
			cmd.Printf("  State:    %s\n", stateText(st.State))
			cmd.Printf("  Pressure: %.2f kPa\n", st.PressureKPa)
			if st.State.Running() || st.ManualActive {
				cmd.Printf("  Setpoint: %.2f kPa\n", st.SetpointKPa)
				cmd.Printf("  Pump:     %.0f %%\n", st.PumpU*100)
			}
			cmd.Printf("  Valve open:  %s\n", bool2Text(st.ValveOpen))
			cmd.Printf("  Manual hold: %s\n", bool2Text(st.ManualActive))
			if st.TareDone {
				cmd.Printf("  Zero baseline: %.3f kPa\n", st.PZeroKPa)
			} else {
				cmd.Println("  Zero baseline: not captured")
			}
			if st.State.Running() {
				cmd.Printf("  Point: %d of %d\n", st.PointIndex+1, st.PointCount)
			}
			if st.LastError != "" {
				cmd.Printf("  Last error: %s\n", st.LastError)
			}

			cmd.Println()
			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Range:     %.0f to %.0f kPa, %d points, direction %s\n",
				run.PMinKPa, run.PMaxKPa, run.PointCount, run.Direction)
			cmd.Printf("  DUT:       channel %s, %.1f to %.1f\n", run.DUTChannel, run.SigMin, run.SigMax)
			cmd.Printf("  Safety:    abort outside [%.0f, %.0f] kPa\n", run.PMinSafetyKPa, run.PMaxSafetyKPa)
			cmd.Printf("  Measure:   %d samples every %.0f ms\n", run.NSamplesMeasure, run.SampleDtMeasureS*1000)

			return nil
		},
	}
}

func stateText(s calibration.State) string {
	if s.Terminal() {
		return bold("%s", string(s))
	}
	return string(s)
}
