package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fleetinv",
		Short: "Fleet-wide hardware inventory collection",
		Long: `fleetinv discovers live hosts on a subnet, classifies them as physical or virtual,
pushes the inventory probe to every physical host, runs it and pulls the resulting artifact.

Examples:
  fleetinv scan --config config.yaml
  fleetinv collect --hosts results/scan_results.csv --strict-physical
  fleetinv collect --targets 10.0.0.10-10.0.0.20
  fleetinv run
  fleetinv config example > config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to the YAML configuration file")

	cmd.AddCommand(newScanCmd(opts))
	cmd.AddCommand(newCollectCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newConfigCmd())

	return cmd
}
