package main

import (
	"github.com/spf13/cobra"

	"github.com/nmslite/fleetinv/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.DumpExampleConfig(cmd.OutOrStdout())
		},
	})

	return cmd
}
