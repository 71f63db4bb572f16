package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCommand() *cobra.Command {
	var issuer string

	cmd := &cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Approve a plan and issue an apply token",
		Long: `Approve a plan.

Approval issues a signed, single-use token bound to the plan's fingerprint.
The token expires after the configured TTL and is consumed by the first
apply; re-approving issues a fresh token.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			token, err := app.service.ApprovePlan(cmd.Context(), args[0], issuer)
			if err != nil {
				return err
			}

			fmt.Printf("Plan %s approved.\n", args[0])
			fmt.Printf("Apply token (single use, expires in %s):\n%s\n", app.cfg.ApprovalTTL, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&issuer, "issuer", "", "approving operator")
	_ = cmd.MarkFlagRequired("issuer")
	return cmd
}

func newRejectCommand() *cobra.Command {
	var (
		actor  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "reject <plan-id>",
		Short: "Reject a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.service.RejectPlan(cmd.Context(), args[0], actor, reason); err != nil {
				return err
			}
			fmt.Printf("Plan %s rejected.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "rejecting operator")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
