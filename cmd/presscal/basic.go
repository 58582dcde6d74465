package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/presscal/presscal/pkg/config"
	"github.com/presscal/presscal/pkg/utils/ptr"
	"github.com/presscal/presscal/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStartCommand() *cobra.Command {
	var direction string
	var points int
	var pMax float64

	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a calibration run",
		GroupID: gBasic,
		Long: `Start a calibration run.

The daemon vents the rig, captures the zero baseline, then walks the
configured setpoint sequence, measures every point and fits the transducer
characteristic. Watch progress with 'presscal status'.

The flags override and persist the corresponding configuration values; left
unset, the stored configuration is used.`,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			var override *config.RawFileConfig
			flags := cobraCmd.Flags()
			if flags.Changed("direction") || flags.Changed("points") || flags.Changed("p-max") {
				override = &config.RawFileConfig{}
				if flags.Changed("direction") {
					override.Direction = ptr.To(direction)
				}
				if flags.Changed("points") {
					override.PointCount = ptr.To(points)
				}
				if flags.Changed("p-max") {
					override.PMaxKPa = ptr.To(pMax)
				}
			}

			ret, err := apiClient.StartCalibration(override)
			if err != nil {
				return fmt.Errorf("failed to start calibration: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&direction, "direction", "", "setpoint ordering (UP, DOWN or BOTH)")
	cmd.Flags().IntVar(&points, "points", 0, "number of calibration points")
	cmd.Flags().Float64Var(&pMax, "p-max", 0, "full-scale pressure in kPa")

	return cmd
}

func NewAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "abort [reason]",
		Short:   "Abort the running calibration",
		GroupID: gBasic,
		Long: `Abort the running calibration or the manual hold.

The pump is switched off and the rig vents immediately.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reason := "operator abort"
			if len(args) == 1 {
				reason = args[0]
			}

			if _, err := apiClient.AbortCalibration(reason); err != nil {
				return fmt.Errorf("failed to abort: %v", err)
			}

			logrus.Info("abort requested")
			return nil
		},
	}
}

func NewZeroCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "zero",
		Aliases: []string{"tara", "tare"},
		Short:   "Capture the vented reading as the zero baseline",
		GroupID: gBasic,
		Long: `Capture the current reference reading as the zero baseline.

Vent the rig first; the baseline is subtracted from every later reading.
A calibration run captures its own baseline automatically, so this is only
needed for manual work.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			pZero, err := apiClient.Zero()
			if err != nil {
				return fmt.Errorf("failed to zero: %v", err)
			}

			logrus.Infof("zero baseline captured at %.3f kPa", pZero)
			return nil
		},
	}
}

func NewManualCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "manual [setpoint-kpa]",
		Short:   "Hold the rig at a fixed pressure",
		GroupID: gAdvanced,
		Long: `Hold the rig at a fixed pressure.

The controller drives the pump toward the given setpoint and keeps it there
until 'presscal manual stop' or an abort. Useful for spot checks and leak
hunting. Refused while a calibration run is active.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			sp, err := parseFloatArg(args, "setpoint")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetManual(sp)
			if err != nil {
				return fmt.Errorf("failed to enter manual hold: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}
			logrus.Infof("holding at %.2f kPa", sp)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Leave manual hold and vent",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := apiClient.StopManual(); err != nil {
				return fmt.Errorf("failed to stop manual hold: %v", err)
			}
			logrus.Info("manual hold stopped, rig venting")
			return nil
		},
	})

	return cmd
}
