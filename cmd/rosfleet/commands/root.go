// Package commands implements the rosfleet CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rosfleet",
		Short: "RouterOS fleet orchestration engine",
		Long: `rosfleet rolls configuration changes across a RouterOS device fleet
through a plan/approve/apply workflow.

A plan freezes the exact forward and inverse operations for every target
device at compile time. An operator approves the plan, receiving a signed
single-use token, and applies it with that token. A worker then executes
the plan batch by batch, health-checking the fleet after every batch and
rolling back on failure.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rosfleet.yaml", "config file path")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}
