package orchestrator

import (
	"context"
	"errors"

	"github.com/aristath/taskswarm/internal/scheduler"
)

// ErrSolverTimeout may be returned by a Solver that enforces its own deadline.
// It is classified like an expired per-task timeout.
var ErrSolverTimeout = errors.New("solver timed out")

// Solver produces a result for a leaf task given the assembled context.
type Solver interface {
	Solve(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error)
}

// SolverFunc adapts a function to the Solver interface.
type SolverFunc func(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error)

func (f SolverFunc) Solve(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
	return f(ctx, task, input)
}

// Assessment is what a Scorer says about a result. Verdict is advisory;
// the Validator derives the verdict from Score and its thresholds.
type Assessment struct {
	Score    int               `json:"score"`
	Verdict  scheduler.Verdict `json:"verdict,omitempty"`
	Feedback string            `json:"feedback,omitempty"`
}

// Scorer rates a task result from 0 to 100.
type Scorer interface {
	Score(ctx context.Context, task *scheduler.Task, result scheduler.Result) (Assessment, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, task *scheduler.Task, result scheduler.Result) (Assessment, error)

func (f ScorerFunc) Score(ctx context.Context, task *scheduler.Task, result scheduler.Result) (Assessment, error) {
	return f(ctx, task, result)
}

// CheckpointSink persists graph snapshots after every round.
type CheckpointSink interface {
	SaveCheckpoint(ctx context.Context, snap scheduler.Snapshot) error
}

// AttemptRecorder is an optional extension of CheckpointSink that keeps a
// history of individual attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, runID string, attempt scheduler.Attempt) error
}
