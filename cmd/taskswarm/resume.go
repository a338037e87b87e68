package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskswarm/internal/report"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue an interrupted run from its last checkpoint",
	Long: `Resume reloads the last checkpoint of a run. Accepted, failed and blocked
tasks keep their outcome; every other task is dispatched again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]
		return execute(cmd, func(ctx context.Context, a *app) (*report.Report, error) {
			snap, err := a.store.LoadCheckpoint(ctx, runID)
			if err != nil {
				return nil, fmt.Errorf("loading run %s: %w", runID, err)
			}
			return a.swarm.Resume(ctx, snap)
		})
	},
}
