package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aristath/taskswarm/internal/decompose"
	"github.com/aristath/taskswarm/internal/registry"
	"github.com/aristath/taskswarm/internal/report"
	"github.com/aristath/taskswarm/internal/scheduler"
)

// Swarm wires the builder, dispatcher and aggregator into a single run.
type Swarm struct {
	Builder     *decompose.Builder
	Registry    *registry.Registry
	Coordinator *Coordinator
	Dispatch    DispatcherConfig // RunID, Request and Round are set per run

	// NewRunID generates run identifiers (default uuid.NewString).
	NewRunID func() string
}

// Run decomposes the request, executes the graph and returns the report.
// It never returns nil; build and dispatch errors are reported in it.
func (s *Swarm) Run(ctx context.Context, request string) *report.Report {
	runID := s.runID()
	log := slog.With("run_id", runID)
	log.Info("run started", "request", request)

	g, err := s.Builder.Build(ctx, request)
	if err != nil {
		log.Error("building task graph", "error", err)
		r := report.Aggregate(nil, err)
		r.RunID, r.Request = runID, request
		return r
	}
	log.Info("task graph built", "tasks", g.Len())

	return s.execute(ctx, g, runID, request, 0)
}

// Resume continues a run from a checkpoint. Terminal tasks keep their
// outcome; everything else is dispatched again.
func (s *Swarm) Resume(ctx context.Context, snap scheduler.Snapshot) (*report.Report, error) {
	g, err := scheduler.GraphFromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("resuming run %s: %w", snap.RunID, err)
	}
	slog.Info("run resumed", "run_id", snap.RunID, "round", snap.Round, "tasks", g.Len())
	return s.execute(ctx, g, snap.RunID, snap.Request, snap.Round), nil
}

func (s *Swarm) execute(ctx context.Context, g *scheduler.Graph, runID, request string, round int) *report.Report {
	cfg := s.Dispatch
	cfg.RunID, cfg.Request, cfg.Round = runID, request, round

	if rec, ok := cfg.Sink.(AttemptRecorder); ok {
		s.Coordinator.OnAttempt(func(a scheduler.Attempt) {
			if err := rec.RecordAttempt(context.WithoutCancel(ctx), runID, a); err != nil {
				slog.Warn("recording attempt", "run_id", runID, "task_id", a.TaskID, "error", err)
			}
		})
		defer s.Coordinator.OnAttempt(nil)
	}

	err := NewDispatcher(s.Registry, s.Coordinator, cfg).Run(ctx, g)
	r := report.Aggregate(g, err)
	r.RunID, r.Request = runID, request
	slog.Info("run finished", "run_id", runID, "status", r.Status, "success_rate", r.SuccessRate)
	return r
}

func (s *Swarm) runID() string {
	if s.NewRunID != nil {
		return s.NewRunID()
	}
	return uuid.NewString()
}
