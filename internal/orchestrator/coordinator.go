package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskswarm/internal/events"
	"github.com/aristath/taskswarm/internal/registry"
	"github.com/aristath/taskswarm/internal/scheduler"
)

const (
	DefaultShortTimeout = 30 * time.Second
	DefaultLongTimeout  = 10 * time.Minute
	DefaultMaxAttempts  = 3
)

// Timeouts are the per-type Solver budgets.
type Timeouts struct {
	Short            time.Duration            // Default budget
	Long             time.Duration            // Budget for LongRunningTypes
	LongRunningTypes []string                 // Task types that get the Long budget
	PerType          map[string]time.Duration // Explicit overrides by task type
}

// For returns the timeout for a task type.
func (t Timeouts) For(taskType string) time.Duration {
	if d, ok := t.PerType[taskType]; ok && d > 0 {
		return d
	}
	if slices.Contains(t.LongRunningTypes, taskType) {
		if t.Long > 0 {
			return t.Long
		}
		return DefaultLongTimeout
	}
	if t.Short > 0 {
		return t.Short
	}
	return DefaultShortTimeout
}

// CoordinatorConfig configures task execution.
type CoordinatorConfig struct {
	Timeouts    Timeouts
	MaxAttempts int // Solver attempts per execution (default 3)
	Retry       RetryConfig
	Breakers    *CircuitBreakerRegistry // Optional; nil disables circuit breaking
	Bus         *events.Bus             // Optional event sink
}

// Outcome is the terminal result of one execution.
type Outcome struct {
	TaskID   string
	WorkerID string
	Accepted bool
	Score    int
	Kind     scheduler.ErrorKind // Empty when accepted
	Err      error
}

// Coordinator runs a single task on an assigned worker: context assembly,
// Solver calls with timeout and retry, validation and the single revision.
type Coordinator struct {
	cfg       CoordinatorConfig
	validator *Validator

	mu            sync.RWMutex
	solvers       map[string]Solver // worker kind -> solver
	defaultSolver Solver
	onAttempt     func(scheduler.Attempt)
}

// NewCoordinator creates a Coordinator. defaultSolver serves workers whose
// kind has no registered solver and may be nil.
func NewCoordinator(defaultSolver Solver, validator *Validator, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Coordinator{
		cfg:           cfg,
		validator:     validator,
		solvers:       make(map[string]Solver),
		defaultSolver: defaultSolver,
	}
}

// RegisterSolver sets the solver used for workers of the given kind.
func (c *Coordinator) RegisterSolver(kind string, s Solver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.solvers[kind] = s
}

// OnAttempt installs a hook called after every Solver attempt.
func (c *Coordinator) OnAttempt(fn func(scheduler.Attempt)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAttempt = fn
}

func (c *Coordinator) solverFor(kind string) (Solver, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.solvers[kind]; ok {
		return s, nil
	}
	if c.defaultSolver != nil {
		return c.defaultSolver, nil
	}
	return nil, fmt.Errorf("no solver registered for worker kind %q", kind)
}

// BuildContext concatenates the results of the task's dependencies in
// ascending dependency-ID order.
func BuildContext(g *scheduler.Graph, task *scheduler.Task) string {
	deps := append([]string(nil), task.DependsOn...)
	slices.Sort(deps)

	var sb strings.Builder
	for _, id := range deps {
		dep, ok := g.Get(id)
		if !ok || dep.Result == nil {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n%s\n", id, dep.Result.Solution)
		for _, a := range dep.Result.Artifacts {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func withFeedback(input string, score int, feedback string) string {
	var sb strings.Builder
	sb.WriteString(input)
	fmt.Fprintf(&sb, "## revision feedback (score %d)\n%s\n", score, feedback)
	return sb.String()
}

// Execute runs an ASSIGNED task to a terminal status. The returned error is
// non-nil only when the graph rejects a transition; every collaborator
// failure is recorded on the task and reported through the Outcome.
func (c *Coordinator) Execute(ctx context.Context, g *scheduler.Graph, taskID string, worker registry.Worker) (Outcome, error) {
	if err := g.MarkExecuting(taskID); err != nil {
		return Outcome{TaskID: taskID, WorkerID: worker.ID}, err
	}
	task, _ := g.Get(taskID)
	start := time.Now()
	log := slog.With("task_id", taskID, "worker_id", worker.ID)

	fail := func(kind scheduler.ErrorKind, cause error) (Outcome, error) {
		if err := g.MarkFailed(taskID, kind, cause); err != nil {
			return Outcome{TaskID: taskID, WorkerID: worker.ID, Kind: kind, Err: cause}, err
		}
		log.Warn("task failed", "kind", kind, "error", cause)
		c.cfg.Bus.Publish(events.TaskFailedEvent{
			ID: taskID, WorkerID: worker.ID, Kind: string(kind), Err: cause,
			Duration: time.Since(start), Timestamp: time.Now(),
		})
		return Outcome{TaskID: taskID, WorkerID: worker.ID, Kind: kind, Err: cause}, nil
	}

	input := BuildContext(g, task)
	revision := false
	for {
		result, kind, err := c.solve(ctx, g, task, worker, input, revision)
		if err != nil {
			return fail(kind, err)
		}
		if err := g.SetResult(taskID, result); err != nil {
			return Outcome{TaskID: taskID, WorkerID: worker.ID}, err
		}

		vr, err := c.validator.Validate(ctx, task, result)
		if err != nil {
			if ctx.Err() != nil {
				return fail(scheduler.KindCancelled, err)
			}
			return fail(scheduler.KindValidationError, err)
		}

		verdict := vr.Verdict
		if revision && verdict != scheduler.VerdictAccepted {
			verdict = scheduler.VerdictRejected
		}
		if err := g.RecordValidation(taskID, vr.Score, verdict); err != nil {
			return Outcome{TaskID: taskID, WorkerID: worker.ID}, err
		}
		log.Debug("result validated", "score", vr.Score, "verdict", verdict, "revision", revision)

		switch verdict {
		case scheduler.VerdictAccepted:
			if err := g.MarkCompleted(taskID); err != nil {
				return Outcome{TaskID: taskID, WorkerID: worker.ID}, err
			}
			log.Info("task completed", "score", vr.Score)
			c.cfg.Bus.Publish(events.TaskCompletedEvent{
				ID: taskID, WorkerID: worker.ID, Score: vr.Score, Solution: result.Solution,
				Duration: time.Since(start), Timestamp: time.Now(),
			})
			return Outcome{TaskID: taskID, WorkerID: worker.ID, Accepted: true, Score: vr.Score}, nil

		case scheduler.VerdictNeedsRevision:
			granted, err := g.BeginRevision(taskID)
			if err != nil {
				return Outcome{TaskID: taskID, WorkerID: worker.ID}, err
			}
			if granted {
				log.Info("revision requested", "score", vr.Score)
				c.cfg.Bus.Publish(events.TaskRevisionEvent{
					ID: taskID, Score: vr.Score, Feedback: vr.Feedback, Timestamp: time.Now(),
				})
				input = withFeedback(input, vr.Score, vr.Feedback)
				revision = true
				continue
			}
		}

		out, err := fail(scheduler.KindValidationRejected,
			fmt.Errorf("score %d below accept threshold %d", vr.Score, c.validator.Thresholds().Accept))
		out.Score = vr.Score
		return out, err
	}
}

// solve calls the worker's Solver with per-attempt timeout, circuit breaker
// and exponential backoff. On failure it returns the kind of the last error.
func (c *Coordinator) solve(ctx context.Context, g *scheduler.Graph, task *scheduler.Task, worker registry.Worker, input string, revision bool) (scheduler.Result, scheduler.ErrorKind, error) {
	solver, err := c.solverFor(worker.Kind)
	if err != nil {
		return scheduler.Result{}, scheduler.KindSolverError, err
	}
	timeout := c.cfg.Timeouts.For(task.Type)

	var (
		result   scheduler.Result
		lastKind = scheduler.KindSolverError
	)
	err = retry(ctx, c.cfg.Retry, c.cfg.MaxAttempts, func(int) error {
		number, err := g.RecordAttempt(task.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.cfg.Bus.Publish(events.TaskStartedEvent{
			ID: task.ID, Description: task.Description, WorkerID: worker.ID,
			Attempt: number, Timestamp: time.Now(),
		})

		started := time.Now()
		res, kind, err := c.solveOnce(ctx, solver, task, worker, input, timeout)
		c.recordAttempt(task.ID, worker.ID, number, revision, kind, err, started)
		if err == nil {
			result = res
			return nil
		}

		lastKind = kind
		slog.Warn("solver attempt failed", "task_id", task.ID, "worker_id", worker.ID,
			"attempt", number, "kind", kind, "error", err)
		if kind == scheduler.KindCancelled || breakerRejected(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			lastKind = scheduler.KindCancelled
		}
		return scheduler.Result{}, lastKind, err
	}
	return result, "", nil
}

func (c *Coordinator) solveOnce(ctx context.Context, solver Solver, task *scheduler.Task, worker registry.Worker, input string, timeout time.Duration) (scheduler.Result, scheduler.ErrorKind, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := func() (interface{}, error) {
		return solver.Solve(callCtx, task, input)
	}
	var (
		out interface{}
		err error
	)
	if c.cfg.Breakers != nil {
		out, err = c.cfg.Breakers.Get(worker.ID).Execute(call)
	} else {
		out, err = call()
	}

	switch {
	case err == nil:
		return out.(scheduler.Result), "", nil
	case ctx.Err() != nil:
		return scheduler.Result{}, scheduler.KindCancelled, fmt.Errorf("solver cancelled: %w", ctx.Err())
	case errors.Is(err, ErrSolverTimeout), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return scheduler.Result{}, scheduler.KindSolverTimeout, fmt.Errorf("solver exceeded %s: %w", timeout, err)
	default:
		return scheduler.Result{}, scheduler.KindSolverError, err
	}
}

func (c *Coordinator) recordAttempt(taskID, workerID string, number int, revision bool, kind scheduler.ErrorKind, err error, started time.Time) {
	c.mu.RLock()
	hook := c.onAttempt
	c.mu.RUnlock()
	if hook == nil {
		return
	}
	a := scheduler.Attempt{
		TaskID:    taskID,
		WorkerID:  workerID,
		Number:    number,
		Revision:  revision,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		a.Kind = kind
		a.Message = err.Error()
	}
	hook(a)
}
