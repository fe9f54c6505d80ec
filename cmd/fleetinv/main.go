// Command fleetinv sweeps a subnet for live hosts and collects a hardware inventory
// artifact from every physical machine it finds.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
