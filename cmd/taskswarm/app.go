package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aristath/taskswarm/internal/backend"
	"github.com/aristath/taskswarm/internal/config"
	"github.com/aristath/taskswarm/internal/decompose"
	"github.com/aristath/taskswarm/internal/events"
	"github.com/aristath/taskswarm/internal/orchestrator"
	"github.com/aristath/taskswarm/internal/persistence"
	"github.com/aristath/taskswarm/internal/registry"
)

// app is a fully wired swarm with the resources it owns.
type app struct {
	swarm    *orchestrator.Swarm
	store    persistence.Store
	bus      *events.Bus
	pm       *backend.ProcessManager
	backends map[string]backend.Backend
}

// newApp builds backends, workers and the swarm from cfg. The store and bus
// are owned by the caller.
func newApp(cfg *config.Config, store persistence.Store, bus *events.Bus, pm *backend.ProcessManager) (*app, error) {
	a := &app{store: store, bus: bus, pm: pm, backends: make(map[string]backend.Backend)}

	for _, name := range slices.Sorted(maps.Keys(cfg.Backends)) {
		b, err := backend.New(backendConfig(name, cfg.Backends[name]), pm)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		a.backends[name] = b
	}

	decomposer, err := a.decomposer(cfg.Graph.Decomposer)
	if err != nil {
		a.Close()
		return nil, err
	}
	builder := decompose.NewBuilder(decomposer, decompose.Options{
		MaxDepth:          cfg.Graph.MaxDepth,
		MaxNodes:          cfg.Graph.MaxNodes,
		DecomposableTypes: cfg.Graph.DecomposableTypes,
	})

	reg := registry.New()
	reg.SetSmoothing(cfg.Selection.Smoothing)
	for _, id := range slices.Sorted(maps.Keys(cfg.Workers)) {
		w := cfg.Workers[id]
		if err := reg.Register(registry.Worker{
			ID:            id,
			Kind:          w.Backend,
			Capabilities:  w.Capabilities,
			MaxConcurrent: w.MaxConcurrent,
		}); err != nil {
			a.Close()
			return nil, err
		}
		if w.SuccessRate != nil {
			if err := reg.SetSuccessRate(id, *w.SuccessRate); err != nil {
				a.Close()
				return nil, err
			}
		}
	}

	retry := retryConfig(cfg.Execution.Retry)
	validator := orchestrator.NewValidator(backend.NewScorer(a.backends[cfg.Validation.Scorer]), orchestrator.ValidatorConfig{
		Thresholds: &orchestrator.Thresholds{
			Accept: cfg.Validation.AcceptThreshold,
			Revise: cfg.Validation.ReviseThreshold,
		},
		Timeout:     cfg.Validation.Timeout.Std(),
		MaxAttempts: cfg.Validation.MaxAttempts,
		Retry:       retry,
	})

	perType := make(map[string]time.Duration, len(cfg.Execution.TypeTimeouts))
	for typ, d := range cfg.Execution.TypeTimeouts {
		perType[typ] = d.Std()
	}
	breakers := orchestrator.DefaultBreakerConfig()
	breakers.ConsecutiveFailures = cfg.Execution.Breaker.ConsecutiveFailures
	breakers.OpenTimeout = cfg.Execution.Breaker.OpenTimeout.Std()

	coord := orchestrator.NewCoordinator(nil, validator, orchestrator.CoordinatorConfig{
		Timeouts: orchestrator.Timeouts{
			Short:            cfg.Execution.ShortTimeout.Std(),
			Long:             cfg.Execution.LongTimeout.Std(),
			LongRunningTypes: cfg.Execution.LongRunningTypes,
			PerType:          perType,
		},
		MaxAttempts: cfg.Execution.MaxAttempts,
		Retry:       retry,
		Breakers:    orchestrator.NewCircuitBreakerRegistry(breakers),
		Bus:         bus,
	})
	// Workers select their solver by kind, which is the backend name.
	for name, b := range a.backends {
		coord.RegisterSolver(name, backend.NewSolver(b))
	}

	a.swarm = &orchestrator.Swarm{
		Builder:     builder,
		Registry:    reg,
		Coordinator: coord,
		Dispatch: orchestrator.DispatcherConfig{
			MaxParallelism:   cfg.Dispatch.MaxParallelism,
			NoWorkerAttempts: cfg.Dispatch.NoWorkerAttempts,
			NoWorkerBackoff:  retry,
			GracePeriod:      cfg.Dispatch.GracePeriod.Std(),
			PollInterval:     cfg.Dispatch.PollInterval.Std(),
			Weights: registry.Weights{
				Capability: cfg.Selection.CapabilityWeight,
				Load:       cfg.Selection.LoadWeight,
				History:    cfg.Selection.HistoryWeight,
			},
			Sink: store,
			Bus:  bus,
		},
	}
	return a, nil
}

func (a *app) decomposer(name string) (decompose.Decomposer, error) {
	if path, ok := strings.CutPrefix(name, config.PlanPrefix); ok {
		plan, err := decompose.LoadPlan(path)
		if err != nil {
			return nil, err
		}
		return plan, nil
	}
	b, ok := a.backends[name]
	if !ok {
		return nil, fmt.Errorf("decomposer backend %q is not configured", name)
	}
	return backend.NewDecomposer(b), nil
}

// Close releases the backends.
func (a *app) Close() error {
	var errs []error
	for name, b := range a.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func backendConfig(name string, bc config.BackendConfig) backend.Config {
	rules := make([]backend.Rule, len(bc.Rules))
	for i, r := range bc.Rules {
		rules[i] = backend.Rule{Match: r.Match, Reply: r.Reply}
	}
	return backend.Config{
		Name:         name,
		Type:         bc.Type,
		Command:      bc.Command,
		Args:         bc.Args,
		Env:          bc.Env,
		WorkDir:      bc.WorkDir,
		Output:       bc.Output,
		SystemPrompt: bc.SystemPrompt,
		Rules:        rules,
	}
}

func retryConfig(rc config.RetryConfig) orchestrator.RetryConfig {
	retry := orchestrator.DefaultRetryConfig()
	retry.InitialInterval = rc.InitialInterval.Std()
	retry.MaxInterval = rc.MaxInterval.Std()
	retry.Multiplier = rc.Multiplier
	return retry
}

// logEvents writes bus events to the default logger until the subscription
// closes or ctx is done.
func logEvents(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			logEvent(e)
		}
	}
}

func logEvent(e events.Event) {
	switch e := e.(type) {
	case events.TaskStartedEvent:
		slog.Info("task started", "task_id", e.ID, "worker_id", e.WorkerID, "attempt", e.Attempt)
	case events.TaskRevisionEvent:
		slog.Info("task needs revision", "task_id", e.ID, "score", e.Score)
	case events.TaskCompletedEvent:
		slog.Info("task accepted", "task_id", e.ID, "worker_id", e.WorkerID, "score", e.Score, "duration", e.Duration)
	case events.TaskFailedEvent:
		slog.Warn("task failed", "task_id", e.ID, "kind", e.Kind, "error", e.Err)
	case events.TaskBlockedEvent:
		slog.Warn("task blocked", "task_id", e.ID, "reason", e.Reason)
	case events.RoundCompletedEvent:
		slog.Debug("round completed", "round", e.Round, "completed", e.Completed, "running", e.Running, "total", e.Total)
	default:
		slog.Debug("event", "type", e.EventType(), "task_id", e.TaskID())
	}
}
