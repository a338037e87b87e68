// Package decompose builds the task graph for a request by recursively
// calling a Decomposer, bounded by depth and node limits.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/aristath/taskswarm/internal/scheduler"
)

const (
	DefaultMaxDepth = 2
	DefaultMaxNodes = 64

	// RootID is the task ID used when the request itself is the only leaf.
	RootID = "root"
	// RootType is the type of the root node.
	RootType = "request"
)

// TaskSpec is one task proposed by a Decomposer.
type TaskSpec struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	Type        string   `json:"type" yaml:"type"`
	Capability  string   `json:"capability,omitempty" yaml:"capability,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Request is the input of one Decomposer call.
type Request struct {
	Description string
	Type        string
	ParentID    string // Empty for the root request
	Depth       int    // Decomposition level being produced, starting at 1
	Path        []string
}

// Decomposer splits a request into subtasks. An empty result means the
// request is already a leaf.
type Decomposer interface {
	Decompose(ctx context.Context, req Request) ([]TaskSpec, error)
}

// DecomposerFunc adapts a function to the Decomposer interface.
type DecomposerFunc func(ctx context.Context, req Request) ([]TaskSpec, error)

func (f DecomposerFunc) Decompose(ctx context.Context, req Request) ([]TaskSpec, error) {
	return f(ctx, req)
}

// Options bound the decomposition.
type Options struct {
	MaxDepth          int      // Levels of decomposition (default 2; negative disables)
	MaxNodes          int      // Maximum leaf tasks in the graph (default 64)
	DecomposableTypes []string // Task types that are decomposed further (default "composite")
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MaxDepth:          DefaultMaxDepth,
		MaxNodes:          DefaultMaxNodes,
		DecomposableTypes: []string{"composite"},
	}
}

// Builder is the Task Graph Builder.
type Builder struct {
	decomposer Decomposer
	opts       Options
}

// NewBuilder creates a Builder. Zero limits fall back to the defaults.
func NewBuilder(d Decomposer, opts Options) *Builder {
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = DefaultMaxNodes
	}
	if opts.DecomposableTypes == nil {
		opts.DecomposableTypes = DefaultOptions().DecomposableTypes
	}
	return &Builder{decomposer: d, opts: opts}
}

// node is a task under construction. Expanded nodes are replaced by their
// children in the final graph.
type node struct {
	task     *scheduler.Task
	children []string // set when expanded
	sinks    []string // children no sibling depends on
	order    int
}

type assembly struct {
	nodes  map[string]*node
	leaves int
	seq    int
}

func (a *assembly) add(task *scheduler.Task) *node {
	n := &node{task: task, order: a.seq}
	a.seq++
	a.nodes[task.ID] = n
	return n
}

// Build decomposes the request into a validated graph of leaf tasks.
// Limit hits truncate the affected branch; a Decomposer error fails the
// build only at the root. Cycles fail with scheduler.ErrGraphCyclic.
func (b *Builder) Build(ctx context.Context, request string) (*scheduler.Graph, error) {
	a := &assembly{nodes: make(map[string]*node)}
	root := a.add(&scheduler.Task{
		ID:          RootID,
		Description: request,
		Type:        RootType,
	})
	a.leaves = 1

	queue := []*node{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("building task graph: %w", err)
		}
		n := queue[0]
		queue = queue[1:]

		isRoot := n == root
		if !isRoot && !slices.Contains(b.opts.DecomposableTypes, n.task.Type) {
			continue
		}
		level := n.task.Depth + 1
		if b.opts.MaxDepth < 0 || level > b.opts.MaxDepth {
			b.truncate(n, "max_depth")
			continue
		}

		specs, err := b.decomposer.Decompose(ctx, Request{
			Description: n.task.Description,
			Type:        n.task.Type,
			ParentID:    parentID(n, isRoot),
			Depth:       level,
			Path:        path(a, n),
		})
		if err != nil {
			if isRoot {
				return nil, fmt.Errorf("decomposing request: %w", err)
			}
			slog.Warn("decomposition failed, keeping task as leaf", "task_id", n.task.ID, "error", err)
			b.truncate(n, "decomposer_error")
			continue
		}
		if len(specs) == 0 {
			continue
		}
		if a.leaves-1+len(specs) > b.opts.MaxNodes {
			b.truncate(n, "max_nodes")
			continue
		}

		children, err := b.expand(a, n, isRoot, specs, level)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)
	}

	return b.assemble(a)
}

// expand replaces n by child nodes built from specs.
func (b *Builder) expand(a *assembly, n *node, isRoot bool, specs []TaskSpec, level int) ([]*node, error) {
	prefix := ""
	if !isRoot {
		prefix = n.task.ID + "/"
	}

	local := make(map[string]string, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("decomposer returned a task without id under %q", n.task.ID)
		}
		if _, dup := local[spec.ID]; dup {
			return nil, fmt.Errorf("%w: %q under %q", scheduler.ErrDuplicateTask, spec.ID, n.task.ID)
		}
		id := prefix + spec.ID
		if _, exists := a.nodes[id]; exists {
			return nil, fmt.Errorf("%w: %q", scheduler.ErrDuplicateTask, id)
		}
		local[spec.ID] = id
	}

	dependedOn := make(map[string]bool)
	children := make([]*node, 0, len(specs))
	for _, spec := range specs {
		var deps []string
		hasSibling := false
		for _, dep := range spec.DependsOn {
			if id, ok := local[dep]; ok {
				deps = append(deps, id)
				dependedOn[id] = true
				hasSibling = true
				continue
			}
			// Not a sibling: keep as a global reference; Validate rejects unknown IDs.
			deps = append(deps, dep)
		}
		if !hasSibling {
			deps = append(deps, n.task.DependsOn...)
		}

		parent := n.task.ID
		if isRoot {
			parent = ""
		}
		child := a.add(&scheduler.Task{
			ID:          local[spec.ID],
			Description: spec.Description,
			Type:        spec.Type,
			Capability:  spec.Capability,
			DependsOn:   dedupe(deps),
			Parent:      parent,
			Depth:       level,
		})
		children = append(children, child)
		n.children = append(n.children, child.task.ID)
	}
	for _, c := range children {
		if !dependedOn[c.task.ID] {
			n.sinks = append(n.sinks, c.task.ID)
		}
	}
	a.leaves += len(children) - 1
	return children, nil
}

func (b *Builder) truncate(n *node, reason string) {
	n.task.Truncated = true
	slog.Info("decomposition truncated", "task_id", n.task.ID, "depth", n.task.Depth, "truncated", true, "reason", reason)
}

// assemble adds every leaf to a graph, rewiring dependencies on expanded
// nodes to those nodes' sinks, and validates the result.
func (b *Builder) assemble(a *assembly) (*scheduler.Graph, error) {
	ordered := make([]*node, 0, len(a.nodes))
	for _, n := range a.nodes {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	g := scheduler.NewGraph()
	for _, n := range ordered {
		if len(n.children) > 0 {
			continue
		}
		task := *n.task
		task.DependsOn = resolve(a, n.task.DependsOn)
		if err := g.AddTask(&task); err != nil {
			return nil, fmt.Errorf("assembling task graph: %w", err)
		}
	}

	if _, err := g.Validate(); err != nil {
		return nil, fmt.Errorf("validating task graph: %w", err)
	}
	return g, nil
}

// resolve replaces references to expanded nodes with their sinks, recursively.
func resolve(a *assembly, deps []string) []string {
	var out []string
	for _, dep := range deps {
		n, ok := a.nodes[dep]
		if !ok || len(n.children) == 0 {
			out = append(out, dep)
			continue
		}
		out = append(out, resolve(a, n.sinks)...)
	}
	return dedupe(out)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func parentID(n *node, isRoot bool) string {
	if isRoot {
		return ""
	}
	return n.task.ID
}

func path(a *assembly, n *node) []string {
	var p []string
	for cur := n.task; cur != nil && cur.Parent != ""; {
		p = append([]string{cur.Parent}, p...)
		parent, ok := a.nodes[cur.Parent]
		if !ok {
			break
		}
		cur = parent.task
	}
	return append(p, n.task.ID)
}
