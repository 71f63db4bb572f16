package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compile and inspect change plans",
	}
	cmd.AddCommand(newPlanCompileCommand())
	cmd.AddCommand(newPlanShowCommand())
	cmd.AddCommand(newPlanListCommand())
	return cmd
}

func newPlanCompileCommand() *cobra.Command {
	var (
		topic       string
		deviceIDs   []string
		desired     string
		batchSize   int
		pause       time.Duration
		rollback    bool
		bestEffort  bool
		requestedBy string
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a frozen, fingerprinted plan",
		Long: `Compile a plan for a set of devices.

Compilation diffs each device's current state against the desired state,
freezes the forward and inverse operations, orders devices into batches
(lab before staging before prod), and evaluates admission policies. The
resulting plan never changes; edit and recompile to get a new fingerprint.`,
		Example: `  # Roll new DNS servers across three routers, two at a time
  rosfleet plan compile --topic dns \
    --devices lab-r1,staging-r1,prod-r1 \
    --desired '{"servers":["1.1.1.1","8.8.8.8"]}' \
    --batch-size 2 --pause 5m --rollback-on-failure`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			plan, err := app.service.CompilePlan(cmd.Context(), engine.CompileRequest{
				DeviceIDs:           deviceIDs,
				Topic:               engine.ChangeTopic(topic),
				Desired:             json.RawMessage(desired),
				BatchSize:           batchSize,
				PauseBetweenBatches: pause,
				RollbackOnFailure:   rollback,
				BestEffort:          bestEffort,
				RequestedBy:         requestedBy,
			})
			if err != nil {
				return err
			}

			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "change topic (dns, ntp)")
	cmd.Flags().StringSliceVar(&deviceIDs, "devices", nil, "target device IDs in order")
	cmd.Flags().StringVar(&desired, "desired", "", "desired state as JSON")
	cmd.Flags().IntVar(&batchSize, "batch-size", 1, "devices per batch")
	cmd.Flags().DurationVar(&pause, "pause", 0, "soak period between batches")
	cmd.Flags().BoolVar(&rollback, "rollback-on-failure", true, "roll back touched devices when execution halts")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "drop devices that fail validation instead of failing compilation")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "requesting operator")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("devices")
	_ = cmd.MarkFlagRequired("desired")

	return cmd
}

func newPlanShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			plan, err := app.service.GetPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		},
	}
}

func newPlanListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			plans, err := app.service.ListPlans(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			for _, p := range plans {
				fmt.Printf("%s  %-10s  %-4s  %d devices  %s\n",
					p.ID, p.Status, p.Topic, len(p.DeviceChanges), p.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum plans to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "plans to skip")
	return cmd
}

func printPlan(plan *engine.Plan) {
	fmt.Printf("Plan:        %s\n", plan.ID)
	fmt.Printf("Status:      %s\n", plan.Status)
	fmt.Printf("Topic:       %s\n", plan.Topic)
	fmt.Printf("Fingerprint: %s\n", plan.Fingerprint)
	fmt.Printf("Rollback:    %v\n", plan.RollbackOnFailure)
	if plan.PauseBetweenBatches > 0 {
		fmt.Printf("Soak pause:  %s\n", plan.PauseBetweenBatches)
	}
	if plan.CreatedBy != "" {
		fmt.Printf("Requested:   %s\n", plan.CreatedBy)
	}
	if plan.RejectReason != "" {
		fmt.Printf("Rejected:    %s\n", plan.RejectReason)
	}

	fmt.Println("Batches:")
	for _, b := range plan.Batches {
		fmt.Printf("  %d: %s\n", b.Index, strings.Join(b.DeviceIDs, ", "))
	}

	if len(plan.DeviceStatuses) > 0 {
		fmt.Println("Device statuses:")
		for _, id := range plan.DeviceIDs() {
			outcome := plan.DeviceStatuses[id]
			marker := ""
			if plan.DeviceChanges[id].AlreadyApplied {
				marker = "  (already at desired state)"
			}
			fmt.Printf("  %-20s %s%s\n", id, outcome, marker)
		}
	}

	if len(plan.RiskScores) > 0 {
		total, max := 0, 0
		for _, score := range plan.RiskScores {
			total += score
			if score > max {
				max = score
			}
		}
		fmt.Printf("Risk:        total %d, max %d\n", total, max)
	}

	for _, w := range plan.PolicyWarnings {
		fmt.Printf("Warning:     %s\n", w)
	}
}
