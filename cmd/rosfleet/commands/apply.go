package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	var (
		token string
		actor string
	)

	cmd := &cobra.Command{
		Use:   "apply <plan-id>",
		Short: "Apply an approved plan",
		Long: `Apply an approved plan with its approval token.

Applying consumes the token, flips the plan to executing, and enqueues a
job. A running worker picks the job up and executes it batch by batch;
this command returns immediately with the job ID.`,
		Example: `  rosfleet apply 4f1c... --token eyJwbGFuX2lkIjo... --actor alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			job, err := app.service.ApplyPlan(cmd.Context(), args[0], token, actor)
			if err != nil {
				return err
			}

			fmt.Printf("Plan %s queued for execution.\n", args[0])
			fmt.Printf("Job: %s\n", job.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "approval token")
	cmd.Flags().StringVar(&actor, "actor", "", "applying operator")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newRollbackCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "rollback <plan-id>",
		Short: "Manually roll back a finished plan",
		Long: `Replay the pre-change snapshots of a plan's most recent job.

The plan must have finished executing. Devices that were never touched
have no snapshot and are left alone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			res, err := app.service.RollbackPlan(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}

			for device, outcome := range res.Outcomes {
				line := fmt.Sprintf("  %-20s %s", device, outcome)
				if msg, ok := res.Errors[device]; ok {
					line += "  " + msg
				}
				fmt.Println(line)
			}
			if res.Complete() {
				fmt.Println("Rollback complete.")
			} else {
				fmt.Println("Rollback incomplete; some devices need manual attention.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "requesting operator")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
