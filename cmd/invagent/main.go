// Command invagent is the inventory probe pushed to each host. It writes one JSON artifact
// and prints its path as the last line of stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nmslite/fleetinv/internal/agent"
)

func main() {
	subnet := flag.String("subnet", "", "management subnet prefix (default: read config/subnet.txt)")
	out := flag.String("out", "", "artifact directory (default: output/ next to the executable)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	path, err := run(*subnet, *out, logger)
	if err != nil {
		logger.Error("Inventory collection failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(path)
}

func run(subnet, outDir string, logger *slog.Logger) (string, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	base := filepath.Dir(exe)

	if subnet == "" {
		if subnet, err = agent.ReadSubnet(base); err != nil {
			return "", err
		}
	}
	if outDir == "" {
		outDir = filepath.Join(base, agent.OutputDir)
	}

	inv, err := agent.NewCollector(agent.SystemSource{}, logger).Collect(ctx, subnet)
	if err != nil {
		return "", err
	}
	return agent.Write(outDir, inv)
}
