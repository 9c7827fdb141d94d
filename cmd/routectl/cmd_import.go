package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fieldroute/internal/app"
	"fieldroute/internal/integrations"
	"fieldroute/internal/integrations/csvimport"
)

var (
	importFile   string
	importTenant string
)

// importCmd loads stop assignments into the configured store
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import technician stop assignments from CSV",
	Long: `Load assignments from a CSV file with the columns
technician_id,plan_date,stop_id,lat,lng,label into the configured store.
Each technician/day in the file replaces what was assigned before.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *app.Deps, log *zap.Logger) error {
			return importFrom(ctx, cmd, d, csvimport.Source{Path: importFile}, log)
		})
	},
}

func init() {
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "Assignments CSV file")
	importCmd.Flags().StringVarP(&importTenant, "tenant", "t", "", "Tenant id")
	_ = importCmd.MarkFlagRequired("file")
	_ = importCmd.MarkFlagRequired("tenant")
}

func importFrom(ctx context.Context, cmd *cobra.Command, d *app.Deps, src integrations.StopSource, log *zap.Logger) error {
	assignments, err := src.FetchStops(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", src.Name(), err)
	}
	total := 0
	for _, a := range assignments {
		n, err := d.Planner.AssignStops(ctx, importTenant, a)
		if err != nil {
			return fmt.Errorf("%s %s: %w", a.TechnicianID, a.PlanDate, err)
		}
		log.Debug("assigned", zap.String("technician", a.TechnicianID), zap.String("plan_date", a.PlanDate), zap.Int("stops", n))
		total += n
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d stops for %d technician-days from %s\n", total, len(assignments), src.Name())
	return nil
}
