// Command scanbox runs the barcode scanning service and its offline tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scanbox/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scanbox",
		Short:        "Barcode scanning service",
		Long:         "Reads frames from a camera, stream or image directory, detects barcodes centered in the focus box and publishes them.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "scanbox.toml", "Path to the TOML configuration file")

	root.AddCommand(newServeCmd(), newScanCmd(), newHashPasswordCmd())
	return root
}

// loadConfig reads --config, layers environment and set flags on top and
// validates the result
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	cfg, err := loadConfigFile(cmd, path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func loadConfigFile(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyFlags(cfg, cmd.Flags()); err != nil {
		return nil, fmt.Errorf("invalid flag: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
