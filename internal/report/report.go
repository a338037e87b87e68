// Package report aggregates a finished task graph into a run report.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aristath/taskswarm/internal/scheduler"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// TaskReport is the per-task line of a report.
type TaskReport struct {
	ID        string              `json:"id"`
	Type      string              `json:"type,omitempty"`
	Status    string              `json:"status"`
	Verdict   scheduler.Verdict   `json:"verdict,omitempty"`
	Score     *int                `json:"score,omitempty"`
	ErrorKind scheduler.ErrorKind `json:"error_kind,omitempty"`
	Error     string              `json:"error,omitempty"`
	Attempts  int                 `json:"attempts"`
	Revisions int                 `json:"revisions,omitempty"`
	WorkerID  string              `json:"worker_id,omitempty"`
	Truncated bool                `json:"truncated,omitempty"`
}

// Failure is a machine-readable failure entry.
type Failure struct {
	TaskID  string              `json:"task_id,omitempty"` // Empty for run-level failures
	Kind    scheduler.ErrorKind `json:"kind"`
	Message string              `json:"message"`
}

// Report is the structured result of a run.
type Report struct {
	RunID       string       `json:"run_id,omitempty"`
	Request     string       `json:"request,omitempty"`
	Status      Status       `json:"status"`
	SuccessRate float64      `json:"success_rate"`
	Total       int          `json:"total"`
	Accepted    int          `json:"accepted"`
	Failed      int          `json:"failed"`
	Blocked     int          `json:"blocked"`
	Error       *Failure     `json:"error,omitempty"` // Run-level error, if any
	Tasks       []TaskReport `json:"tasks"`
	Failures    []Failure    `json:"failures"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Aggregate builds a report from the graph. It never fails: a nil graph
// yields an empty task list, and runErr (possibly nil) is recorded as the
// run-level error. Only fatal error kinds make the status "failed".
func Aggregate(g *scheduler.Graph, runErr error) *Report {
	r := &Report{
		Tasks:       []TaskReport{},
		Failures:    []Failure{},
		GeneratedAt: time.Now(),
	}

	if g != nil {
		for _, task := range g.Tasks() {
			tr := TaskReport{
				ID:        task.ID,
				Type:      task.Type,
				Status:    task.Status.String(),
				Verdict:   task.Verdict,
				Score:     task.Score,
				Attempts:  task.Attempts,
				Revisions: task.Revisions,
				WorkerID:  task.WorkerID,
				Truncated: task.Truncated,
			}
			if task.Error != nil {
				tr.ErrorKind = task.Error.Kind
				tr.Error = task.Error.Message
			}
			r.Tasks = append(r.Tasks, tr)

			switch {
			case task.Accepted():
				r.Accepted++
			case task.Status == scheduler.TaskFailed:
				r.Failed++
			case task.Status == scheduler.TaskBlocked:
				r.Blocked++
			}
			if (task.Status == scheduler.TaskFailed || task.Status == scheduler.TaskBlocked) && task.Error != nil {
				r.Failures = append(r.Failures, Failure{TaskID: task.ID, Kind: task.Error.Kind, Message: task.Error.Message})
			}
		}
	}

	r.Total = len(r.Tasks)
	if r.Total > 0 {
		r.SuccessRate = float64(r.Accepted) / float64(r.Total)
	}

	var fatal bool
	if runErr != nil {
		kind := scheduler.KindOf(runErr)
		r.Error = &Failure{Kind: kind, Message: runErr.Error()}
		fatal = kind.Fatal()
	}

	switch {
	case fatal:
		r.Status = StatusFailed
	case r.Total > 0 && r.Accepted == r.Total:
		r.Status = StatusCompleted
	default:
		r.Status = StatusPartial
	}
	return r
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// Summary renders a short human-readable description of the report.
func (r *Report) Summary() string {
	var sb strings.Builder
	if r.RunID != "" {
		fmt.Fprintf(&sb, "run %s: ", r.RunID)
	}
	fmt.Fprintf(&sb, "%s, %d/%d accepted (%.0f%%)", r.Status, r.Accepted, r.Total, r.SuccessRate*100)
	if r.Failed > 0 || r.Blocked > 0 {
		fmt.Fprintf(&sb, ", %d failed, %d blocked", r.Failed, r.Blocked)
	}
	sb.WriteString("\n")
	if r.Error != nil {
		fmt.Fprintf(&sb, "  error: %s: %s\n", r.Error.Kind, r.Error.Message)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&sb, "  %-24s %-20s %s\n", f.TaskID, f.Kind, f.Message)
	}
	return sb.String()
}
