package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

func newDevicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect the device inventory",
	}
	cmd.AddCommand(newDevicesListCommand())
	return cmd
}

func newDevicesListCommand() *cobra.Command {
	var (
		environment string
		capability  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inventory devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			devices, err := app.directory.ListDevices(cmd.Context(), engine.DeviceFilter{
				Environment: engine.Environment(environment),
				Capability:  capability,
			})
			if err != nil {
				return err
			}

			for _, d := range devices {
				healthy := "healthy"
				if !d.Healthy {
					healthy = "unhealthy"
				}
				fmt.Printf("%-20s %-22s %-8s %-10s %s\n",
					d.ID, d.Address, d.Environment, healthy, strings.Join(d.Capabilities, ","))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&environment, "environment", "", "filter by environment (lab, staging, prod)")
	cmd.Flags().StringVar(&capability, "capability", "", "filter by capability (dns, ntp)")
	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		target string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			entries, err := app.service.Audit(cmd.Context(), target, limit, offset)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-22s  %-12s  %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.TargetID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "filter by plan or job ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}
