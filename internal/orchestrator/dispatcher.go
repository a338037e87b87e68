package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskswarm/internal/events"
	"github.com/aristath/taskswarm/internal/registry"
	"github.com/aristath/taskswarm/internal/scheduler"
)

const (
	DefaultMaxParallelism   = 4
	DefaultNoWorkerAttempts = 3
	DefaultGracePeriod      = 5 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
)

// DispatcherConfig configures the dispatch loop.
type DispatcherConfig struct {
	MaxParallelism   int           // Max concurrently executing tasks (default 4)
	NoWorkerAttempts int           // Selection attempts before NoWorkerAvailable (default 3)
	NoWorkerBackoff  RetryConfig   // Delay between selection attempts
	GracePeriod      time.Duration // In-flight grace after cancellation (default 5s)
	PollInterval     time.Duration // Re-check interval while capable workers are busy (default 100ms)
	Weights          registry.Weights

	RunID   string
	Request string
	Round   int // Round number to continue from when resuming

	Sink CheckpointSink // Optional
	Bus  *events.Bus    // Optional
}

// Dispatcher drives a validated graph to completion in rounds.
type Dispatcher struct {
	cfg   DispatcherConfig
	reg   *registry.Registry
	sel   *registry.Selector
	coord *Coordinator
}

// NewDispatcher creates a Dispatcher over the worker registry.
func NewDispatcher(reg *registry.Registry, coord *Coordinator, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = DefaultMaxParallelism
	}
	if cfg.NoWorkerAttempts <= 0 {
		cfg.NoWorkerAttempts = DefaultNoWorkerAttempts
	}
	if cfg.NoWorkerBackoff == (RetryConfig{}) {
		cfg.NoWorkerBackoff = DefaultRetryConfig()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Weights == (registry.Weights{}) {
		cfg.Weights = registry.DefaultWeights()
	}
	return &Dispatcher{
		cfg:   cfg,
		reg:   reg,
		sel:   registry.NewSelector(reg, cfg.Weights),
		coord: coord,
	}
}

// selectionWait tracks a READY task for which no worker declares the capability.
type selectionWait struct {
	attempts int
	policy   *backoff.ExponentialBackOff
	until    time.Time
}

// Run dispatches tasks until every task is terminal, the run is cancelled or
// a dependency deadlock is detected. Cancellation returns the context error
// after in-flight tasks have finished or the grace period has expired.
func (d *Dispatcher) Run(ctx context.Context, g *scheduler.Graph) error {
	if !g.Validated() {
		return scheduler.ErrGraphNotValidated
	}

	// Executions outlive ctx by the grace period, then are cancelled explicitly.
	execCtx, forceCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer forceCancel()

	var eg errgroup.Group
	eg.SetLimit(d.cfg.MaxParallelism)

	done := make(chan Outcome, g.Len())
	waiting := make(map[string]*selectionWait)
	inflight := make(map[string]string) // task ID -> worker ID
	round := d.cfg.Round
	log := slog.With("run_id", d.cfg.RunID)

	var (
		ctxDone   = ctx.Done()
		cancelled bool
		grace     <-chan time.Time
	)
	cancel := func() {
		ctxDone = nil
		cancelled = true
		grace = time.After(d.cfg.GracePeriod)
		n := d.cancelUndispatched(g, ctx.Err())
		log.Warn("run cancelled", "round", round, "in_flight", len(inflight), "undispatched", n, "grace", d.cfg.GracePeriod)
	}

	for {
		round++
		busy := false

		if !cancelled && ctx.Err() != nil {
			cancel()
		}
		if !cancelled {
			d.propagate(g)
			busy = d.dispatch(execCtx, g, &eg, done, waiting, inflight)
			d.propagate(g)
		}

		d.checkpoint(ctx, g, round)

		if g.AllTerminal() || (cancelled && len(inflight) == 0) {
			break
		}
		if !cancelled && len(inflight) == 0 && len(g.Ready()) == 0 {
			err := d.deadlock(g)
			log.Error("dispatch stalled", "round", round, "error", err)
			d.checkpoint(ctx, g, round)
			return err
		}

		var timer *time.Timer
		var wake <-chan time.Time
		if wait, ok := d.nextWake(waiting, busy); ok && !cancelled {
			timer = time.NewTimer(wait)
			wake = timer.C
		}

		select {
		case out := <-done:
			delete(inflight, out.TaskID)
			// Collect everything else that has finished before the next round.
			for drained := false; !drained; {
				select {
				case out := <-done:
					delete(inflight, out.TaskID)
				default:
					drained = true
				}
			}
		case <-wake:
		case <-ctxDone:
			cancel()
		case <-grace:
			forceCancel()
			for id, workerID := range inflight {
				if err := g.MarkFailed(id, scheduler.KindCancelled, errors.New("grace period expired")); err == nil {
					d.cfg.Bus.Publish(events.TaskFailedEvent{
						ID: id, WorkerID: workerID, Kind: string(scheduler.KindCancelled),
						Err: context.Canceled, Timestamp: time.Now(),
					})
				}
			}
			log.Warn("grace period expired, abandoning in-flight tasks", "count", len(inflight))
			d.checkpoint(ctx, g, round)
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}

	_ = eg.Wait()
	d.checkpoint(ctx, g, round)
	if cancelled {
		return ctx.Err()
	}
	return nil
}

// propagate blocks the dependents of failed tasks and promotes the ready ones.
func (d *Dispatcher) propagate(g *scheduler.Graph) {
	for _, id := range g.BlockDependents() {
		task, _ := g.Get(id)
		reason := ""
		if task.Error != nil {
			reason = task.Error.Message
		}
		slog.Info("task blocked", "task_id", id, "reason", reason)
		d.cfg.Bus.Publish(events.TaskBlockedEvent{ID: id, Reason: reason, Timestamp: time.Now()})
	}
	for _, id := range g.PromoteReady() {
		d.cfg.Bus.Publish(events.TaskReadyEvent{ID: id, Timestamp: time.Now()})
	}
}

// dispatch assigns READY tasks in ascending ID order while capacity lasts.
// It reports whether any task waited on a busy capable worker.
func (d *Dispatcher) dispatch(ctx context.Context, g *scheduler.Graph, eg *errgroup.Group, done chan<- Outcome, waiting map[string]*selectionWait, inflight map[string]string) bool {
	busy := false
	now := time.Now()

	for _, task := range g.Ready() {
		if len(inflight) >= d.cfg.MaxParallelism {
			break
		}
		if w, ok := waiting[task.ID]; ok && now.Before(w.until) {
			continue
		}

		capability := task.RequiredCapability()
		worker, err := d.sel.Acquire(capability)
		switch {
		case errors.Is(err, registry.ErrNoCapableWorker):
			d.noWorker(g, task.ID, capability, waiting, now)
			continue
		case errors.Is(err, registry.ErrAllBusy):
			busy = true
			continue
		case err != nil:
			slog.Error("worker selection failed", "task_id", task.ID, "error", err)
			continue
		}
		delete(waiting, task.ID)

		if err := g.MarkAssigned(task.ID, worker.ID); err != nil {
			slog.Error("assigning task", "task_id", task.ID, "worker_id", worker.ID, "error", err)
			_ = d.reg.Release(worker.ID)
			continue
		}
		slog.Debug("task assigned", "task_id", task.ID, "worker_id", worker.ID, "load", worker.Load)
		d.cfg.Bus.Publish(events.TaskAssignedEvent{ID: task.ID, WorkerID: worker.ID, Timestamp: now})

		inflight[task.ID] = worker.ID
		id, w := task.ID, worker
		eg.Go(func() error {
			done <- d.execute(ctx, g, id, w)
			return nil
		})
	}
	return busy
}

// noWorker consumes one selection attempt for a task nobody can serve.
func (d *Dispatcher) noWorker(g *scheduler.Graph, taskID, capability string, waiting map[string]*selectionWait, now time.Time) {
	w, ok := waiting[taskID]
	if !ok {
		w = &selectionWait{policy: d.cfg.NoWorkerBackoff.exponential()}
		waiting[taskID] = w
	}
	w.attempts++

	if w.attempts >= d.cfg.NoWorkerAttempts {
		delete(waiting, taskID)
		cause := fmt.Errorf("no worker declares capability %q after %d attempts", capability, w.attempts)
		if err := g.MarkFailed(taskID, scheduler.KindNoWorkerAvailable, cause); err != nil {
			slog.Error("failing task", "task_id", taskID, "error", err)
			return
		}
		slog.Warn("task failed", "task_id", taskID, "kind", scheduler.KindNoWorkerAvailable, "error", cause)
		d.cfg.Bus.Publish(events.TaskFailedEvent{
			ID: taskID, Kind: string(scheduler.KindNoWorkerAvailable), Err: cause, Timestamp: now,
		})
		return
	}

	delay := w.policy.NextBackOff()
	w.until = now.Add(delay)
	slog.Info("no capable worker, requeued", "task_id", taskID, "capability", capability, "attempt", w.attempts, "retry_in", delay)
}

// execute runs one task on its reserved worker and frees the slot.
func (d *Dispatcher) execute(ctx context.Context, g *scheduler.Graph, taskID string, worker registry.Worker) Outcome {
	out, err := d.coord.Execute(ctx, g, taskID, worker)
	if err != nil {
		slog.Error("task execution aborted", "task_id", taskID, "worker_id", worker.ID, "error", err)
		if ferr := g.MarkFailed(taskID, scheduler.KindSolverError, err); ferr == nil {
			out = Outcome{TaskID: taskID, WorkerID: worker.ID, Kind: scheduler.KindSolverError, Err: err}
		}
	}

	if err := d.reg.Release(worker.ID); err != nil {
		slog.Error("releasing worker", "worker_id", worker.ID, "error", err)
	}
	if out.Kind != scheduler.KindCancelled {
		_ = d.reg.RecordOutcome(worker.ID, out.Accepted)
	}
	return out
}

// nextWake returns how long to sleep before the next round when no
// completion arrives first.
func (d *Dispatcher) nextWake(waiting map[string]*selectionWait, busy bool) (time.Duration, bool) {
	var (
		wait  time.Duration
		found bool
	)
	now := time.Now()
	for _, w := range waiting {
		delay := max(w.until.Sub(now), 0)
		if !found || delay < wait {
			wait, found = delay, true
		}
	}
	if busy && (!found || d.cfg.PollInterval < wait) {
		wait, found = d.cfg.PollInterval, true
	}
	return wait, found
}

// cancelUndispatched fails every PENDING or READY task with Cancelled.
func (d *Dispatcher) cancelUndispatched(g *scheduler.Graph, cause error) int {
	n := 0
	for _, task := range g.Tasks() {
		if task.Status != scheduler.TaskPending && task.Status != scheduler.TaskReady {
			continue
		}
		if err := g.MarkFailed(task.ID, scheduler.KindCancelled, cause); err != nil {
			continue
		}
		d.cfg.Bus.Publish(events.TaskFailedEvent{
			ID: task.ID, Kind: string(scheduler.KindCancelled), Err: cause, Timestamp: time.Now(),
		})
		n++
	}
	return n
}

// deadlock fails every non-terminal task and returns the diagnostic error.
func (d *Dispatcher) deadlock(g *scheduler.Graph) error {
	var stuck []string
	for _, task := range g.Tasks() {
		if task.Status.Terminal() {
			continue
		}
		stuck = append(stuck, fmt.Sprintf("%s(%s)", task.ID, task.Status))
	}
	err := fmt.Errorf("%w: %s", scheduler.ErrDependencyDeadlock, strings.Join(stuck, ", "))
	for _, task := range g.Tasks() {
		if !task.Status.Terminal() {
			_ = g.MarkFailed(task.ID, scheduler.KindDependencyDeadlock, err)
		}
	}
	return err
}

func (d *Dispatcher) checkpoint(ctx context.Context, g *scheduler.Graph, round int) {
	p := g.Progress()
	d.cfg.Bus.Publish(events.RoundCompletedEvent{
		RunID: d.cfg.RunID, Round: round,
		Total: p.Total, Pending: p.Pending, Ready: p.Ready, Running: p.Running,
		Completed: p.Completed, Failed: p.Failed, Blocked: p.Blocked,
		Timestamp: time.Now(),
	})
	if d.cfg.Sink == nil {
		return
	}
	if err := d.cfg.Sink.SaveCheckpoint(context.WithoutCancel(ctx), g.Snapshot(d.cfg.RunID, d.cfg.Request, round)); err != nil {
		slog.Warn("saving checkpoint", "run_id", d.cfg.RunID, "round", round, "error", err)
	}
}
