package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newScanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Sweep the configured subnet and write the scan results file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.scan(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d hosts online\n", len(records))
			return nil
		},
	}
}
