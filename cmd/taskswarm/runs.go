package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/taskswarm/internal/persistence"
	"github.com/aristath/taskswarm/internal/report"
	"github.com/aristath/taskswarm/internal/scheduler"
)

var (
	reportJSON     bool
	reportAttempts bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List checkpointed runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context())
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs yet. Start one with 'taskswarm run <request>'.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), runsTable(runs))
		return nil
	},
}

func runsTable(runs []persistence.RunSummary) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "ROUND", "DONE", "FAILED", "BLOCKED", "STATE", "UPDATED", "REQUEST")
	for _, r := range runs {
		state := "interrupted"
		if r.Finished() {
			state = "finished"
		}
		t.Row(
			r.RunID,
			fmt.Sprint(r.Round),
			fmt.Sprintf("%d/%d", r.Completed, r.Total),
			fmt.Sprint(r.Failed),
			fmt.Sprint(r.Blocked),
			state,
			r.TakenAt.Local().Format(time.DateTime),
			truncate(r.Request, 48),
		)
	}
	return t.String()
}

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print the report of a checkpointed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		snap, err := store.LoadCheckpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		r := reportFromSnapshot(snap)

		out := cmd.OutOrStdout()
		if reportJSON {
			return r.WriteJSON(out)
		}
		fmt.Fprint(out, r.Summary())

		if reportAttempts {
			attempts, err := store.ListAttempts(cmd.Context(), snap.RunID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, attemptsTable(attempts))
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the report as JSON")
	reportCmd.Flags().BoolVar(&reportAttempts, "attempts", false, "Also list every solver attempt")
}

// reportFromSnapshot aggregates a stored run. Tasks that were still in
// flight are reported as pending.
func reportFromSnapshot(snap scheduler.Snapshot) *report.Report {
	g, err := scheduler.GraphFromSnapshot(snap)
	var r *report.Report
	if err != nil {
		r = report.Aggregate(nil, err)
	} else {
		r = report.Aggregate(g, nil)
	}
	r.RunID, r.Request = snap.RunID, snap.Request
	return r
}

func attemptsTable(attempts []scheduler.Attempt) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TASK", "WORKER", "#", "REVISION", "DURATION", "ERROR")
	for _, a := range attempts {
		errText := ""
		if a.Kind != "" {
			errText = fmt.Sprintf("%s: %s", a.Kind, truncate(a.Message, 60))
		}
		revision := ""
		if a.Revision {
			revision = "yes"
		}
		t.Row(a.TaskID, a.WorkerID, fmt.Sprint(a.Number), revision, a.Duration.Round(time.Millisecond).String(), errText)
	}
	return t.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
