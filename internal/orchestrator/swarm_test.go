package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskswarm/internal/decompose"
	"github.com/aristath/taskswarm/internal/report"
	"github.com/aristath/taskswarm/internal/scheduler"
)

func planner(plan map[string][]decompose.TaskSpec) decompose.Decomposer {
	return decompose.DecomposerFunc(func(ctx context.Context, req decompose.Request) ([]decompose.TaskSpec, error) {
		return plan[req.ParentID], nil
	})
}

func TestSwarm_RunEndToEnd(t *testing.T) {
	sink := &memorySink{}
	s := &Swarm{
		Builder: decompose.NewBuilder(planner(map[string][]decompose.TaskSpec{
			"": {
				{ID: "design", Type: "code"},
				{ID: "build", Type: "code", DependsOn: []string{"design"}},
				{ID: "ship", Type: "deploy", DependsOn: []string{"build"}},
			},
		}), decompose.DefaultOptions()),
		Registry:    newTestRegistry(t, coder("w1", 1), coder("w2", 1)),
		Coordinator: newTestCoordinator(echoSolver(), fixedScore(90)),
		Dispatch:    DispatcherConfig{NoWorkerBackoff: fastRetry(), Sink: sink},
		NewRunID:    func() string { return "run-42" },
	}

	r := s.Run(context.Background(), "ship the feature")

	if r.RunID != "run-42" || r.Request != "ship the feature" {
		t.Errorf("report identity = %q/%q", r.RunID, r.Request)
	}
	if r.Status != report.StatusPartial {
		t.Errorf("Status = %s, want partial", r.Status)
	}
	if r.Accepted != 2 || r.Total != 3 {
		t.Errorf("accepted %d/%d, want 2/3", r.Accepted, r.Total)
	}
	if len(r.Failures) != 1 || r.Failures[0].Kind != scheduler.KindNoWorkerAvailable {
		t.Errorf("failures = %+v", r.Failures)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.attempts) != 2 {
		t.Errorf("recorded attempts = %d, want 2", len(sink.attempts))
	}
	if len(sink.snaps) == 0 || sink.snaps[0].Request != "ship the feature" {
		t.Error("checkpoints should carry the request")
	}
}

func TestSwarm_RunBuildFailures(t *testing.T) {
	tests := []struct {
		name string
		d    decompose.Decomposer
		kind scheduler.ErrorKind
	}{
		{
			name: "cycle",
			d: planner(map[string][]decompose.TaskSpec{"": {
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			}}),
			kind: scheduler.KindGraphCyclic,
		},
		{
			name: "decomposer down",
			d: decompose.DecomposerFunc(func(ctx context.Context, req decompose.Request) ([]decompose.TaskSpec, error) {
				return nil, errors.New("planner unavailable")
			}),
			kind: scheduler.KindBuildFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var solved bool
			solver := SolverFunc(func(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
				solved = true
				return scheduler.Result{}, nil
			})
			s := &Swarm{
				Builder:     decompose.NewBuilder(tt.d, decompose.DefaultOptions()),
				Registry:    newTestRegistry(t, coder("w1", 1)),
				Coordinator: newTestCoordinator(solver, fixedScore(90)),
			}
			r := s.Run(context.Background(), "req")
			if r.Status != report.StatusFailed {
				t.Errorf("Status = %s, want failed", r.Status)
			}
			if r.Error == nil || r.Error.Kind != tt.kind {
				t.Errorf("Error = %+v, want kind %s", r.Error, tt.kind)
			}
			if r.RunID == "" {
				t.Error("RunID should be generated")
			}
			if solved {
				t.Error("solver must not run when the build fails")
			}
		})
	}
}

// TestSwarm_Resume restores a snapshot taken mid-run and only re-executes
// unfinished tasks.
func TestSwarm_Resume(t *testing.T) {
	g := newTestGraph(t, &scheduler.Task{ID: "a"}, &scheduler.Task{ID: "b", DependsOn: []string{"a"}})
	accept(t, g, "a", "A")
	g.PromoteReady()
	_ = g.MarkAssigned("b", "w1")
	_ = g.MarkExecuting("b")
	snap := g.Snapshot("run-7", "req", 3)

	var (
		mu     sync.Mutex
		solved []string
		inputs []string
	)
	solver := SolverFunc(func(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		solved = append(solved, task.ID)
		inputs = append(inputs, input)
		return scheduler.Result{Solution: "B"}, nil
	})
	sink := &memorySink{}
	s := &Swarm{
		Registry:    newTestRegistry(t, coder("w1", 1)),
		Coordinator: newTestCoordinator(solver, fixedScore(100)),
		Dispatch:    DispatcherConfig{Sink: sink},
	}

	r, err := s.Resume(context.Background(), snap)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.Status != report.StatusCompleted || r.RunID != "run-7" {
		t.Errorf("report = %s/%s, want completed run-7", r.Status, r.RunID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(solved) != 1 || solved[0] != "b" {
		t.Errorf("solved = %v, want [b]", solved)
	}
	if inputs[0] != "## a\nA\n\n" {
		t.Errorf("resumed context = %q", inputs[0])
	}
	if first := sink.snaps[0]; first.Round != 4 {
		t.Errorf("first resumed round = %d, want 4", first.Round)
	}
}

// TestSwarm_ResumeAfterCancellation interrupts a run while its first task is
// executing and resumes it from the last checkpoint.
func TestSwarm_ResumeAfterCancellation(t *testing.T) {
	plan := planner(map[string][]decompose.TaskSpec{
		"": {
			{ID: "a", Type: "code"},
			{ID: "b", Type: "code", DependsOn: []string{"a"}},
		},
	})

	started := make(chan struct{})
	var once sync.Once
	blocking := SolverFunc(func(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return scheduler.Result{}, ctx.Err()
	})
	sink := &memorySink{}
	first := &Swarm{
		Builder:     decompose.NewBuilder(plan, decompose.DefaultOptions()),
		Registry:    newTestRegistry(t, coder("w1", 1)),
		Coordinator: newTestCoordinator(blocking, fixedScore(100)),
		Dispatch:    DispatcherConfig{GracePeriod: 20 * time.Millisecond, Sink: sink},
		NewRunID:    func() string { return "run-9" },
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	if r := first.Run(ctx, "req"); r.Status == report.StatusCompleted {
		t.Fatalf("interrupted run reported %s", r.Status)
	}
	snap := sink.last()
	for _, task := range snap.Tasks {
		if task.Status != scheduler.TaskFailed || task.Error.Kind != scheduler.KindCancelled {
			t.Fatalf("checkpoint has %s in %s/%v, want FAILED Cancelled", task.ID, task.Status, task.Error)
		}
	}

	var (
		mu     sync.Mutex
		solved []string
	)
	solver := SolverFunc(func(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		solved = append(solved, task.ID)
		return scheduler.Result{Solution: task.ID}, nil
	})
	second := &Swarm{
		Registry:    newTestRegistry(t, coder("w1", 1)),
		Coordinator: newTestCoordinator(solver, fixedScore(100)),
		Dispatch:    DispatcherConfig{Sink: &memorySink{}},
	}
	r, err := second.Resume(context.Background(), snap)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.Status != report.StatusCompleted || r.Accepted != 2 {
		t.Errorf("resumed report = %s with %d accepted, want completed 2/2", r.Status, r.Accepted)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(solved, ",") != "a,b" {
		t.Errorf("solved = %v, want [a b]", solved)
	}
}

func TestSwarm_ResumeRejectsBadSnapshot(t *testing.T) {
	s := &Swarm{Registry: newTestRegistry(t), Coordinator: newTestCoordinator(echoSolver(), fixedScore(100))}
	snap := scheduler.Snapshot{RunID: "bad", Tasks: []*scheduler.Task{{ID: "a", DependsOn: []string{"missing"}}}}
	if _, err := s.Resume(context.Background(), snap); !errors.Is(err, scheduler.ErrUnknownDependency) {
		t.Errorf("Resume error = %v, want ErrUnknownDependency", err)
	}
}
