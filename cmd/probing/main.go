// Package main provides the probing CLI: the injector front-end and the
// query client for agents running inside live processes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/probing-io/probing/internal/cli"
	"github.com/probing-io/probing/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "probing",
		Short:         "Probing - runtime diagnostics for live AI workloads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cli.RegisterCommands(rootCmd)
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCodeFor(err))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("probing %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
