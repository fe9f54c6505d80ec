package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nmslite/fleetinv/internal/scanner"
)

type runOptions struct {
	strictPhysical bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan the subnet, then collect inventory from every physical host found",
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

			hosts := scanner.PhysicalTargets(records, opts.strictPhysical)
			a.logger.Info("Physical hosts selected", "online", len(records), "targets", len(hosts))
			if len(hosts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No physical hosts with remote management found")
				return nil
			}

			summary, err := a.collect(ctx, hosts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d succeeded, %d failed, %d skipped\n",
				summary.Success, summary.Failed, summary.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.strictPhysical, "strict-physical", false, "exclude hosts whose type could not be determined")

	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
