package decompose

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/aristath/taskswarm/internal/scheduler"
)

// planDecomposer returns canned specs keyed by parent ID ("" is the root).
type planDecomposer struct {
	mu    sync.Mutex
	plans map[string][]TaskSpec
	errs  map[string]error
	calls []Request
}

func (p *planDecomposer) Decompose(ctx context.Context, req Request) ([]TaskSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if err := p.errs[req.ParentID]; err != nil {
		return nil, err
	}
	return p.plans[req.ParentID], nil
}

func ids(g *scheduler.Graph) []string {
	var out []string
	for _, t := range g.Tasks() {
		out = append(out, t.ID)
	}
	return out
}

func deps(t *testing.T, g *scheduler.Graph, id string) []string {
	t.Helper()
	task, ok := g.Get(id)
	if !ok {
		t.Fatalf("task %q missing; graph has %v", id, ids(g))
	}
	out := append([]string(nil), task.DependsOn...)
	slices.Sort(out)
	return out
}

func TestBuild_FlatPlan(t *testing.T) {
	d := &planDecomposer{plans: map[string][]TaskSpec{
		"": {
			{ID: "a", Type: "code"},
			{ID: "b", Type: "code"},
			{ID: "c", Type: "test", DependsOn: []string{"a", "b"}},
		},
	}}

	g, err := NewBuilder(d, DefaultOptions()).Build(context.Background(), "ship it")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := ids(g); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("tasks = %v", got)
	}
	if got := deps(t, g, "c"); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("c deps = %v", got)
	}
	if !g.Validated() {
		t.Error("graph should be validated")
	}
	if d.calls[0].Description != "ship it" || d.calls[0].Depth != 1 {
		t.Errorf("root call = %+v", d.calls[0])
	}
}

func TestBuild_EmptyDecompositionKeepsRequestAsLeaf(t *testing.T) {
	g, err := NewBuilder(&planDecomposer{}, DefaultOptions()).Build(context.Background(), "tiny")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	root, ok := g.Get(RootID)
	if !ok || g.Len() != 1 {
		t.Fatalf("graph = %v, want single root leaf", ids(g))
	}
	if root.Description != "tiny" || root.Type != RootType {
		t.Errorf("root = %+v", root)
	}
}

// TestBuild_RecursiveRewiring expands a composite task and checks children
// inherit its dependencies while its dependents wait on the children's sinks.
func TestBuild_RecursiveRewiring(t *testing.T) {
	d := &planDecomposer{plans: map[string][]TaskSpec{
		"": {
			{ID: "setup", Type: "code"},
			{ID: "feature", Type: "composite", DependsOn: []string{"setup"}},
			{ID: "release", Type: "ops", DependsOn: []string{"feature"}},
		},
		"feature": {
			{ID: "api", Type: "code"},
			{ID: "ui", Type: "code"},
			{ID: "tests", Type: "test", DependsOn: []string{"api"}},
		},
	}}

	g, err := NewBuilder(d, DefaultOptions()).Build(context.Background(), "req")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{"feature/api", "feature/tests", "feature/ui", "release", "setup"}
	if got := ids(g); !slices.Equal(got, want) {
		t.Fatalf("tasks = %v, want %v", got, want)
	}
	if got := deps(t, g, "feature/api"); !slices.Equal(got, []string{"setup"}) {
		t.Errorf("feature/api deps = %v, want [setup]", got)
	}
	if got := deps(t, g, "feature/tests"); !slices.Equal(got, []string{"feature/api"}) {
		t.Errorf("feature/tests deps = %v", got)
	}
	if got := deps(t, g, "release"); !slices.Equal(got, []string{"feature/tests", "feature/ui"}) {
		t.Errorf("release deps = %v, want sinks of feature", got)
	}
	api, _ := g.Get("feature/api")
	if api.Parent != "feature" || api.Depth != 2 {
		t.Errorf("feature/api parent=%q depth=%d", api.Parent, api.Depth)
	}
}

func TestBuild_MaxDepthTruncates(t *testing.T) {
	d := &planDecomposer{plans: map[string][]TaskSpec{
		"":        {{ID: "x", Type: "composite"}},
		"x":       {{ID: "y", Type: "composite"}},
		"x/y":     {{ID: "z", Type: "code"}},
		"x/y/z":   nil,
		"unused":  nil,
		"another": nil,
	}}

	g, err := NewBuilder(d, Options{MaxDepth: 2, MaxNodes: 10}).Build(context.Background(), "req")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := ids(g); !slices.Equal(got, []string{"x/y"}) {
		t.Fatalf("tasks = %v, want [x/y]", got)
	}
	leaf, _ := g.Get("x/y")
	if !leaf.Truncated {
		t.Error("x/y should carry the truncation marker")
	}
	for _, c := range d.calls {
		if c.ParentID == "x/y" {
			t.Error("decomposer called beyond max depth")
		}
	}
}

func TestBuild_MaxNodesTruncatesBranch(t *testing.T) {
	d := &planDecomposer{plans: map[string][]TaskSpec{
		"": {
			{ID: "a", Type: "composite"},
			{ID: "b", Type: "code"},
		},
		"a": {
			{ID: "1", Type: "code"},
			{ID: "2", Type: "code"},
			{ID: "3", Type: "code"},
		},
	}}

	g, err := NewBuilder(d, Options{MaxDepth: 2, MaxNodes: 3}).Build(context.Background(), "req")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := ids(g); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("tasks = %v, want [a b]", got)
	}
	a, _ := g.Get("a")
	if !a.Truncated {
		t.Error("a should be truncated")
	}
	if g.Len() > 3 {
		t.Errorf("graph has %d nodes, cap is 3", g.Len())
	}
}

func TestBuild_RootOverCapKeepsRequest(t *testing.T) {
	var specs []TaskSpec
	for i := 0; i < 5; i++ {
		specs = append(specs, TaskSpec{ID: fmt.Sprintf("t%d", i), Type: "code"})
	}
	d := &planDecomposer{plans: map[string][]TaskSpec{"": specs}}

	g, err := NewBuilder(d, Options{MaxNodes: 4}).Build(context.Background(), "req")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := ids(g); !slices.Equal(got, []string{RootID}) {
		t.Fatalf("tasks = %v, want [root]", got)
	}
}

func TestBuild_CycleIsFatal(t *testing.T) {
	d := &planDecomposer{plans: map[string][]TaskSpec{
		"": {
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}}
	_, err := NewBuilder(d, DefaultOptions()).Build(context.Background(), "req")
	if !errors.Is(err, scheduler.ErrGraphCyclic) {
		t.Fatalf("Build error = %v, want ErrGraphCyclic", err)
	}
}

func TestBuild_UnknownDependencyIsFatal(t *testing.T) {
	d := &planDecomposer{plans: map[string][]TaskSpec{
		"": {{ID: "a", DependsOn: []string{"ghost"}}},
	}}
	_, err := NewBuilder(d, DefaultOptions()).Build(context.Background(), "req")
	if !errors.Is(err, scheduler.ErrUnknownDependency) {
		t.Fatalf("Build error = %v, want ErrUnknownDependency", err)
	}
}

func TestBuild_DecomposerErrors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewBuilder(&planDecomposer{errs: map[string]error{"": boom}}, DefaultOptions()).
		Build(context.Background(), "req")
	if !errors.Is(err, boom) {
		t.Fatalf("root failure error = %v, want boom", err)
	}

	d := &planDecomposer{
		plans: map[string][]TaskSpec{"": {{ID: "a", Type: "composite"}, {ID: "b", Type: "code"}}},
		errs:  map[string]error{"a": boom},
	}
	g, err := NewBuilder(d, DefaultOptions()).Build(context.Background(), "req")
	if err != nil {
		t.Fatalf("child failure should truncate, got %v", err)
	}
	if got := ids(g); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("tasks = %v", got)
	}
}

func TestBuild_DuplicateSiblingIDs(t *testing.T) {
	d := &planDecomposer{plans: map[string][]TaskSpec{
		"": {{ID: "a"}, {ID: "a"}},
	}}
	_, err := NewBuilder(d, DefaultOptions()).Build(context.Background(), "req")
	if !errors.Is(err, scheduler.ErrDuplicateTask) {
		t.Fatalf("Build error = %v, want ErrDuplicateTask", err)
	}
}

// TestBuild_RandomPlansAreAcyclic generates random acyclic plans at two
// levels and checks every built graph has a topological order.
func TestBuild_RandomPlansAreAcyclic(t *testing.T) {
	for seed := 0; seed < 20; seed++ {
		d := DecomposerFunc(func(ctx context.Context, req Request) ([]TaskSpec, error) {
			n := 2 + (seed+len(req.ParentID))%4
			var specs []TaskSpec
			for i := 0; i < n; i++ {
				spec := TaskSpec{ID: fmt.Sprintf("n%d", i), Type: "code"}
				if i%2 == 1 {
					spec.Type = "composite"
				}
				for j := 0; j < i; j++ {
					if (i*7+j*3+seed)%5 == 0 {
						spec.DependsOn = append(spec.DependsOn, fmt.Sprintf("n%d", j))
					}
				}
				specs = append(specs, spec)
			}
			return specs, nil
		})

		g, err := NewBuilder(d, Options{MaxDepth: 2, MaxNodes: 40}).Build(context.Background(), "req")
		if err != nil {
			t.Fatalf("seed %d: Build: %v", seed, err)
		}
		order, err := g.Validate()
		if err != nil {
			t.Fatalf("seed %d: Validate: %v", seed, err)
		}
		pos := map[string]int{}
		for i, id := range order {
			pos[id] = i
		}
		for _, task := range g.Tasks() {
			for _, dep := range task.DependsOn {
				if pos[dep] >= pos[task.ID] {
					t.Errorf("seed %d: %s ordered after dependent %s", seed, dep, task.ID)
				}
			}
		}
		if g.Len() > 40 {
			t.Errorf("seed %d: %d nodes exceeds cap", seed, g.Len())
		}
	}
}
