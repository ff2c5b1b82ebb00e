package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ja7ad/gmr/pkg/runtime"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Dump the runtime options resolved from the environment",
		Long: `config parses the recognized environment variables
(IOV_METHOD, STRIDED_METHOD, SHR_BUF_METHOD, DEBUG_ALLOC, DISABLE_IOV_CHECKS,
NO_MPI_BOTTOM, VERBOSE, PROFILE, PROFILE_OUTPUT) the same way runtime.Init
would and prints the resulting Options, without starting any runtime state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runtime.ParseOptions()
			fmt.Fprintf(cmd.OutOrStdout(), "iov_method:         %s\n", iovMethodName(opts.IOVMethod))
			fmt.Fprintf(cmd.OutOrStdout(), "strided_method:     %s\n", stridedMethodName(opts.StridedMethod))
			fmt.Fprintf(cmd.OutOrStdout(), "shr_buf_method:     %s\n", opts.ShrBufMethod)
			fmt.Fprintf(cmd.OutOrStdout(), "mutex_backend:      %s\n", mutexBackendName(opts.MutexBackend))
			fmt.Fprintf(cmd.OutOrStdout(), "rma_atomicity:      %v\n", opts.RMAAtomicity)
			fmt.Fprintf(cmd.OutOrStdout(), "no_flush_local:     %v\n", opts.NoFlushLocal)
			fmt.Fprintf(cmd.OutOrStdout(), "debug_alloc:        %v\n", opts.DebugAlloc)
			fmt.Fprintf(cmd.OutOrStdout(), "disable_iov_checks: %v\n", opts.DisableIOVChecks)
			fmt.Fprintf(cmd.OutOrStdout(), "no_mpi_bottom:      %v\n", opts.NoMPIBottom)
			fmt.Fprintf(cmd.OutOrStdout(), "verbose:            %v\n", opts.Verbose)
			fmt.Fprintf(cmd.OutOrStdout(), "profile:            %q\n", opts.Profile)
			fmt.Fprintf(cmd.OutOrStdout(), "profile_output:     %q\n", opts.ProfileOutput)
			return nil
		},
	}
}
