package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/daemon"
)

func NewResultCommand() *cobra.Command {
	var jsonOut bool
	var csvPath string

	cmd := &cobra.Command{
		Use:     "result",
		GroupID: gBasic,
		Short:   "Show the last calibration result",
		Long: `Show the last calibration result.

Prints the measured point table and the fitted transducer characteristic.
Use --json for machine-readable output or --csv to export the point table.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := apiClient.GetResult()
			if err != nil {
				return fmt.Errorf("failed to get result: %w", err)
			}

			if jsonOut {
				b, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			if csvPath != "" {
				if err := daemon.WriteResultCSV(csvPath, res); err != nil {
					return fmt.Errorf("failed to write CSV: %w", err)
				}
				cmd.Printf("point table written to %s\n", csvPath)
				return nil
			}

			printResult(cmd, res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the point table to a CSV file")

	return cmd
}

func printResult(cmd *cobra.Command, res *calibration.Result) {
	cmd.Println(bold("Calibration result:"))
	cmd.Printf("  State:    %s\n", stateText(res.State))
	if res.AbortReason != "" {
		cmd.Printf("  Abort:    %s\n", res.AbortReason)
	}
	cmd.Printf("  Started:  %s\n", res.StartedAt.Format("2006-01-02 15:04:05"))
	cmd.Printf("  Finished: %s\n", res.FinishedAt.Format("2006-01-02 15:04:05"))
	cmd.Printf("  Range:    %.0f to %.0f kPa, direction %s, DUT %s\n",
		res.PMinKPa, res.PMaxKPa, res.Direction, res.DUTChannel)
	cmd.Printf("  Zero:     %.3f kPa\n", res.PZeroKPa)

	if len(res.Points) > 0 {
		cmd.Println()
		cmd.Println(bold("Points:"))
		cmd.Printf("  %3s  %9s  %9s  %7s  %9s  %7s  %7s  %7s\n",
			"#", "set kPa", "ref kPa", "std", "dut", "std", "span %", "err %")
		for _, p := range res.Points {
			flag := " "
			if p.Degraded {
				flag = "!"
			}
			cmd.Printf("  %2d%s  %9.2f  %9.3f  %7.3f  %9.4f  %7.4f  %7.2f  %7.3f\n",
				p.Index, flag, p.SetpointKPa, p.PressureMean, p.PressureStd,
				p.DUTMean, p.DUTStd, p.SpanPct, p.ErrorPct)
		}
		if hasDegraded(res.Points) {
			fmt.Fprintln(os.Stderr, "note: points marked '!' were measured before the pressure settled")
		}
	}

	if res.Fit != nil {
		cmd.Println()
		cmd.Println(bold("Fit:"))
		cmd.Printf("  dut = %.6f * p + %.6f\n", res.Fit.Slope, res.Fit.Intercept)
		cmd.Printf("  R^2 = %.6f\n", res.Fit.R2)
	}
}

func hasDegraded(points []calibration.Point) bool {
	for _, p := range points {
		if p.Degraded {
			return true
		}
	}
	return false
}
