package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nmslite/fleetinv/internal/discovery"
	"github.com/nmslite/fleetinv/internal/scanner"
)

type collectOptions struct {
	hostsFile      string
	targets        []string
	strictPhysical bool
}

func newCollectCmd(root *rootOptions) *cobra.Command {
	opts := &collectOptions{}

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect inventory from a list of hosts",
		Long: `Collect runs the inventory pipeline against each host in order.

Hosts come from --targets (single IP, range or CIDR, comma separated) or from --hosts.
A --hosts file ending in .csv is read as scan results and filtered to physical hosts with
remote management; any other file holds one target per line. Without either flag the
configured scan results file is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.hostsFile != "" && len(opts.targets) > 0 {
				return errors.New("--hosts and --targets are mutually exclusive")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var hosts []string
			if len(opts.targets) > 0 {
				hosts, err = discovery.ExpandTargets(opts.targets)
			} else {
				file := opts.hostsFile
				if file == "" {
					file = a.scanResultsPath()
				}
				hosts, err = loadHosts(file, opts.strictPhysical)
			}
			if err != nil {
				return err
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

	flags := cmd.Flags()
	flags.StringVar(&opts.hostsFile, "hosts", "", "scan results CSV or a file with one target per line")
	flags.StringSliceVar(&opts.targets, "targets", nil, "targets to collect from (IP, range or CIDR)")
	flags.BoolVar(&opts.strictPhysical, "strict-physical", false, "exclude hosts whose type could not be determined")

	return cmd
}

// loadHosts reads collection targets from a scan results CSV or a plain target list.
func loadHosts(path string, strict bool) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		records, err := scanner.LoadCSV(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read scan results: %w", err)
		}
		return scanner.PhysicalTargets(records, strict), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts file: %w", err)
	}

	var targets []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	return discovery.ExpandTargets(targets)
}
