package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fieldroute/internal/app"
)

var (
	planTenant      string
	planDate        string
	planTechnicians []string
)

// planCmd plans and saves routes directly against the store
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan and save routes for a plan date",
	Long: `Sequence each technician's assigned stops for the plan date and save the
routes. Without --technician every technician with stops that day is planned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := time.Parse(time.DateOnly, planDate); err != nil {
			return fmt.Errorf("--plan-date %q is not YYYY-MM-DD", planDate)
		}
		return withDeps(cmd, func(ctx context.Context, d *app.Deps, log *zap.Logger) error {
			routes, err := d.Planner.PlanBatch(ctx, planTenant, planDate, planTechnicians)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TECHNICIAN\tROUTE\tVERSION\tSTOPS\tPLANAR\tKM")
			for _, r := range routes {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.4f\t%.1f\n", r.TechnicianID, r.ID, r.Version, len(r.Stops), r.PlanarDistance, float64(r.DistM)/1000)
			}
			return tw.Flush()
		})
	},
}

func init() {
	planCmd.Flags().StringVarP(&planTenant, "tenant", "t", "", "Tenant id")
	planCmd.Flags().StringVarP(&planDate, "plan-date", "d", "", "Plan date (YYYY-MM-DD)")
	planCmd.Flags().StringSliceVar(&planTechnicians, "technician", nil, "Technician ids (repeatable)")
	_ = planCmd.MarkFlagRequired("tenant")
	_ = planCmd.MarkFlagRequired("plan-date")
}
