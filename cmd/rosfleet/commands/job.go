package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control jobs",
	}
	cmd.AddCommand(newJobStatusCommand())
	cmd.AddCommand(newJobListCommand())
	cmd.AddCommand(newJobCancelCommand())
	return cmd
}

func newJobStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's progress and per-device results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			job, err := app.service.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
}

func newJobListCommand() *cobra.Command {
	var planID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs for a plan, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			jobs, err := app.service.ListJobs(cmd.Context(), planID)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-10s  %3d%%  batch %d  %s\n",
					j.ID, j.Status, j.ProgressPercent, j.CurrentBatchIndex,
					j.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "plan ID")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newJobCancelCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a running job",
		Long: `Ask the executor to stop at the next device or batch boundary.

Cancellation is cooperative: in-flight device calls always finish, so the
fleet is never left mid-operation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.service.CancelJob(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for job %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "requesting operator")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func printJob(job *engine.Job) {
	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Plan:     %s\n", job.PlanID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Progress: %d%% (next batch %d)\n", job.ProgressPercent, job.CurrentBatchIndex)
	if job.CancellationRequested {
		fmt.Println("Cancellation requested.")
	}
	if job.StartedAt != nil {
		fmt.Printf("Started:  %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if len(job.ResultSummary) == 0 {
		return
	}
	ids := make([]string, 0, len(job.ResultSummary))
	for id := range job.ResultSummary {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("Devices:")
	for _, id := range ids {
		r := job.ResultSummary[id]
		line := fmt.Sprintf("  %-20s %-22s batch %d", id, r.Outcome, r.BatchIndex)
		if r.Latency > 0 {
			line += fmt.Sprintf("  %s", r.Latency)
		}
		if r.Error != "" {
			line += "  " + r.Error
		}
		if r.RollbackError != "" {
			line += "  rollback: " + r.RollbackError
		}
		fmt.Println(line)
	}
}
