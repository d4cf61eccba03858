package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/quotakit/pkg/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. loadOpts are appended to every
// configuration load, so tests can pin the environment.
func newRootCmd(loadOpts ...config.Option) *cobra.Command {
	var envFiles []string

	load := func(v any) error {
		opts := make([]config.Option, 0, len(loadOpts)+1)
		if len(envFiles) > 0 {
			opts = append(opts, config.WithEnvFiles(envFiles...))
		}
		opts = append(opts, loadOpts...)
		return loadConfig(v, opts...)
	}

	root := &cobra.Command{
		Use:           "quotakit",
		Short:         "Feature entitlements and daily quotas",
		Long:          `quotakit runs the entitlement service and talks to it the way an application would: evaluating access, spending credits and trial sessions, and managing plans.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to read (default .env when present)")

	root.AddCommand(
		newServeCmd(load),
		newStatusCmd(load),
		newCheckCmd(load),
		newConsumeCmd(load),
		newTrialCmd(load),
		newUpgradeCmd(load),
		newCancelCmd(load),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "quotakit %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}
