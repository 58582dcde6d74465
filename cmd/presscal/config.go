package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/presscal/presscal/pkg/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: gAdvanced,
		Short:   "Show or change the daemon configuration",
		Long: `Show or change the daemon configuration.

Without arguments the active configuration is printed as JSON. Use
'config apply <file>' to send a partial update; only the fields present in
the file are changed. Updates are rejected while a calibration is running.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := apiClient.GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}

			b, err := json.MarshalIndent(raw, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(b))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a partial configuration update from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			var u config.RawFileConfig
			if err := json.Unmarshal(b, &u); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}

			ret, err := apiClient.SetConfig(&u)
			if err != nil {
				return fmt.Errorf("failed to apply config: %w", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}
			logrus.Info("configuration applied")
			return nil
		},
	})

	return cmd
}
