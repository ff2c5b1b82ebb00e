// Package main implements gmrctl, a small driver for the gmr one-sided
// RMA runtime. It does not launch real MPI-like processes: every peer in
// its demos and self-test is a goroutine sharing one process's address
// space, talking over the mock substrate (pkg/substrate).
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "gmrctl",
		Short: "Driver for the gmr one-sided RMA runtime",
		Long: `gmrctl spins up an in-process group of simulated peers over gmr's mock
message-passing substrate and exercises put/get/accumulate, distributed
mutexes, and the collective layer without any real cluster deployment.

* GitHub: https://github.com/ja7ad/gmr

Examples:
  gmrctl run --peers 4
  gmrctl run --peers 2 --bench pingpong --iters 10000
  gmrctl selftest --peers 4
  gmrctl config`,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newSelftestCmd())
	root.AddCommand(newConfigCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
