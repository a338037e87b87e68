package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskswarm/internal/registry"
	"github.com/aristath/taskswarm/internal/scheduler"
)

func TestTimeoutsFor(t *testing.T) {
	tm := Timeouts{
		Short:            time.Second,
		Long:             time.Minute,
		LongRunningTypes: []string{"research"},
		PerType:          map[string]time.Duration{"deploy": 5 * time.Minute},
	}
	tests := []struct {
		taskType string
		want     time.Duration
	}{
		{"code", time.Second},
		{"research", time.Minute},
		{"deploy", 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := tm.For(tt.taskType); got != tt.want {
			t.Errorf("For(%q) = %v, want %v", tt.taskType, got, tt.want)
		}
	}
	if got := (Timeouts{}).For("code"); got != DefaultShortTimeout {
		t.Errorf("zero Timeouts For = %v, want %v", got, DefaultShortTimeout)
	}
	if got := (Timeouts{LongRunningTypes: []string{"x"}}).For("x"); got != DefaultLongTimeout {
		t.Errorf("zero Long For = %v, want %v", got, DefaultLongTimeout)
	}
}

// accept drives a task to COMPLETED with the given solution.
func accept(t *testing.T, g *scheduler.Graph, id, solution string) {
	t.Helper()
	g.PromoteReady()
	for _, step := range []func() error{
		func() error { return g.MarkAssigned(id, "w") },
		func() error { return g.MarkExecuting(id) },
		func() error { return g.SetResult(id, scheduler.Result{Solution: solution}) },
		func() error { return g.MarkCompleted(id) },
	} {
		if err := step(); err != nil {
			t.Fatalf("accepting %s: %v", id, err)
		}
	}
}

func TestBuildContext_AscendingDependencyOrder(t *testing.T) {
	g := newTestGraph(t,
		&scheduler.Task{ID: "zeta"},
		&scheduler.Task{ID: "alpha"},
		&scheduler.Task{ID: "mid"},
		&scheduler.Task{ID: "final", DependsOn: []string{"zeta", "mid", "alpha"}},
	)
	accept(t, g, "zeta", "Z")
	accept(t, g, "alpha", "A")
	accept(t, g, "mid", "M")

	final, _ := g.Get("final")
	got := BuildContext(g, final)
	want := "## alpha\nA\n\n## mid\nM\n\n## zeta\nZ\n\n"
	if got != want {
		t.Errorf("BuildContext =\n%q\nwant\n%q", got, want)
	}
	if again := BuildContext(g, final); again != got {
		t.Error("BuildContext is not deterministic")
	}
}

func TestCoordinator_SolverSelectedByWorkerKind(t *testing.T) {
	var (
		mu   sync.Mutex
		used []string
	)
	named := func(name string) Solver {
		return SolverFunc(func(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
			mu.Lock()
			used = append(used, name)
			mu.Unlock()
			return scheduler.Result{Solution: name}, nil
		})
	}

	c := NewCoordinator(named("default"), NewValidator(fixedScore(90), ValidatorConfig{}), CoordinatorConfig{Retry: fastRetry()})
	c.RegisterSolver("rule", named("rule"))

	g := newTestGraph(t, &scheduler.Task{ID: "a"}, &scheduler.Task{ID: "b"})
	g.PromoteReady()
	_ = g.MarkAssigned("a", "w1")
	_ = g.MarkAssigned("b", "w2")

	if _, err := c.Execute(context.Background(), g, "a", registry.Worker{ID: "w1", Kind: "rule"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(context.Background(), g, "b", registry.Worker{ID: "w2", Kind: "llm"}); err != nil {
		t.Fatal(err)
	}
	if strings.Join(used, ",") != "rule,default" {
		t.Errorf("solvers used = %v, want [rule default]", used)
	}
}

func TestCoordinator_NoSolverFails(t *testing.T) {
	c := NewCoordinator(nil, NewValidator(fixedScore(90), ValidatorConfig{}), CoordinatorConfig{Retry: fastRetry()})
	g := newTestGraph(t, &scheduler.Task{ID: "a"})
	g.PromoteReady()
	_ = g.MarkAssigned("a", "w1")

	out, err := c.Execute(context.Background(), g, "a", registry.Worker{ID: "w1", Kind: "unknown"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Accepted || out.Kind != scheduler.KindSolverError {
		t.Errorf("outcome = %+v, want SolverError", out)
	}
}

func TestCoordinator_RejectsUnmetDependencies(t *testing.T) {
	c := newTestCoordinator(echoSolver(), fixedScore(100))
	g := newTestGraph(t, &scheduler.Task{ID: "a"}, &scheduler.Task{ID: "b", DependsOn: []string{"a"}})

	_, err := c.Execute(context.Background(), g, "b", coder("w1", 1))
	if !errors.Is(err, scheduler.ErrDependenciesUnmet) {
		t.Errorf("Execute error = %v, want ErrDependenciesUnmet", err)
	}
}

func TestCoordinator_ScorerFailureIsValidationError(t *testing.T) {
	var calls int
	scorer := ScorerFunc(func(ctx context.Context, task *scheduler.Task, result scheduler.Result) (Assessment, error) {
		calls++
		return Assessment{}, errors.New("scorer offline")
	})
	c := NewCoordinator(echoSolver(), NewValidator(scorer, ValidatorConfig{Retry: fastRetry()}), CoordinatorConfig{Retry: fastRetry()})
	g := newTestGraph(t, &scheduler.Task{ID: "a"})
	g.PromoteReady()
	_ = g.MarkAssigned("a", "w1")

	out, err := c.Execute(context.Background(), g, "a", coder("w1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != scheduler.KindValidationError {
		t.Errorf("kind = %s, want ValidationError", out.Kind)
	}
	if calls != DefaultMaxAttempts {
		t.Errorf("scorer calls = %d, want %d", calls, DefaultMaxAttempts)
	}
	a, _ := g.Get("a")
	if a.Status != scheduler.TaskFailed || a.Result == nil {
		t.Errorf("task = %s result=%v, want FAILED with the unscored result kept", a.Status, a.Result)
	}
}

func TestCoordinator_RecordsAttempts(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []scheduler.Attempt
		n        int
	)
	solver := SolverFunc(func(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
		n++
		if n == 1 {
			return scheduler.Result{}, errors.New("flaky")
		}
		return scheduler.Result{Solution: "ok"}, nil
	})
	c := newTestCoordinator(solver, fixedScore(100))
	c.OnAttempt(func(a scheduler.Attempt) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, a)
	})

	g := newTestGraph(t, &scheduler.Task{ID: "a"})
	g.PromoteReady()
	_ = g.MarkAssigned("a", "w1")
	if _, err := c.Execute(context.Background(), g, "a", coder("w1", 1)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %+v, want 2", attempts)
	}
	if attempts[0].Kind != scheduler.KindSolverError || attempts[0].Number != 1 {
		t.Errorf("first attempt = %+v", attempts[0])
	}
	if attempts[1].Kind != "" || attempts[1].Number != 2 || attempts[1].WorkerID != "w1" {
		t.Errorf("second attempt = %+v", attempts[1])
	}
}
