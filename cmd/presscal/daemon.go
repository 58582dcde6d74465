package main

import (
	"github.com/spf13/cobra"

	"github.com/presscal/presscal/pkg/daemon"
)

func NewDaemonCommand() *cobra.Command {
	useSim := false
	allowNonRoot := false

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the presscal daemon in the foreground",
		Long: `Run the presscal daemon in the foreground.

The daemon owns the rig hardware, runs the control loop and serves the HTTP
API on a unix socket. With --sim it drives a simulated rig instead of the
ADS1115/GPIO hardware, which is useful for development and dry runs.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return daemon.Run(configPath, unixSocketPath, useSim, allowNonRoot)
		},
	}

	cmd.Flags().BoolVar(&useSim, "sim", false, "use the simulated rig instead of real hardware")
	cmd.Flags().BoolVar(&allowNonRoot, "allow-non-root", false, "allow non-root users to access the daemon socket")

	return cmd
}
