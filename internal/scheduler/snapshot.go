package scheduler

import (
	"fmt"
	"time"
)

// Snapshot is a serialisable copy of a graph and its outcomes, taken after
// every dispatch round for external persistence and resume.
type Snapshot struct {
	RunID   string    `json:"run_id"`
	Request string    `json:"request,omitempty"`
	Round   int       `json:"round"`
	TakenAt time.Time `json:"taken_at"`
	Tasks   []*Task   `json:"tasks"`
}

// Snapshot copies the graph state.
func (g *Graph) Snapshot(runID, request string, round int) Snapshot {
	return Snapshot{
		RunID:   runID,
		Request: request,
		Round:   round,
		TakenAt: g.now(),
		Tasks:   g.Tasks(),
	}
}

// GraphFromSnapshot rebuilds a validated graph from a snapshot.
// Terminal tasks keep their outcome, except tasks failed by run
// cancellation. Those, and tasks that were READY, ASSIGNED or EXECUTING when
// the snapshot was taken, restart from PENDING with their attempt history
// preserved.
func GraphFromSnapshot(snap Snapshot) (*Graph, error) {
	g := NewGraph()
	for _, task := range snap.Tasks {
		if err := g.AddTask(task); err != nil {
			return nil, fmt.Errorf("restoring snapshot %s: %w", snap.RunID, err)
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, fmt.Errorf("restoring snapshot %s: %w", snap.RunID, err)
	}

	// AddTask resets status; reapply terminal outcomes.
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, saved := range snap.Tasks {
		task := g.tasks[saved.ID]
		if saved.Status.Terminal() && !interrupted(saved) {
			task.Status = saved.Status
			continue
		}
		task.WorkerID = ""
		task.Result = nil
		task.Error = nil
		task.Verdict = VerdictNone
		task.Score = nil
		task.Revisions = 0
		task.StartedAt = time.Time{}
		task.EndedAt = time.Time{}
	}
	return g, nil
}

// interrupted reports whether a task was failed only because its run was
// cancelled.
func interrupted(task *Task) bool {
	return task.Status == TaskFailed && task.Error != nil && task.Error.Kind == KindCancelled
}

// Attempt is one Solver invocation for a task, kept for run history.
type Attempt struct {
	TaskID    string        `json:"task_id"`
	WorkerID  string        `json:"worker_id"`
	Number    int           `json:"number"`
	Revision  bool          `json:"revision,omitempty"`
	Kind      ErrorKind     `json:"kind,omitempty"` // Empty when the Solver succeeded
	Message   string        `json:"message,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
