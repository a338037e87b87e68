package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PlanPrefix marks a Graph.Decomposer that reads a static plan file instead
// of asking a backend.
const PlanPrefix = "plan:"

// Validate rejects settings that can never run. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Graph.MaxNodes < 1 {
		add("graph.max_nodes must be at least 1, got %d", c.Graph.MaxNodes)
	}
	if c.Dispatch.MaxParallelism < 1 {
		add("dispatch.max_parallelism must be at least 1, got %d", c.Dispatch.MaxParallelism)
	}
	if c.Dispatch.NoWorkerAttempts < 1 {
		add("dispatch.no_worker_attempts must be at least 1, got %d", c.Dispatch.NoWorkerAttempts)
	}
	if c.Execution.MaxAttempts < 1 {
		add("execution.max_attempts must be at least 1, got %d", c.Execution.MaxAttempts)
	}
	if c.Execution.ShortTimeout <= 0 || c.Execution.LongTimeout <= 0 {
		add("execution timeouts must be positive")
	}
	for typ, d := range c.Execution.TypeTimeouts {
		if d <= 0 {
			add("execution.type_timeouts[%s] must be positive", typ)
		}
	}

	v := c.Validation
	if v.AcceptThreshold < 0 || v.AcceptThreshold > 100 || v.ReviseThreshold < 0 || v.ReviseThreshold > 100 {
		add("validation thresholds must be within 0..100")
	}
	if v.ReviseThreshold > v.AcceptThreshold {
		add("validation.revise_threshold (%d) exceeds accept_threshold (%d)", v.ReviseThreshold, v.AcceptThreshold)
	}

	if s := c.Selection.Smoothing; s <= 0 || s > 1 {
		add("selection.smoothing must be in (0, 1], got %g", s)
	}

	for _, name := range sortedKeys(c.Backends) {
		b := c.Backends[name]
		switch b.Type {
		case "command":
			if b.Command == "" {
				add("backend %s: command is required", name)
			}
			switch b.Output {
			case "", "text", "json", "jsonl":
			default:
				add("backend %s: unknown output format %q", name, b.Output)
			}
		case "template":
			for i, r := range b.Rules {
				if _, err := regexp.Compile(r.Match); err != nil {
					add("backend %s: rule %d: %v", name, i, err)
				}
			}
		default:
			add("backend %s: unknown type %q", name, b.Type)
		}
	}

	if len(c.Workers) == 0 {
		add("at least one worker is required")
	}
	for _, id := range sortedKeys(c.Workers) {
		w := c.Workers[id]
		if _, ok := c.Backends[w.Backend]; !ok {
			add("worker %s: unknown backend %q", id, w.Backend)
		}
		if len(w.Capabilities) == 0 {
			add("worker %s: no capabilities declared", id)
		}
		if r := w.SuccessRate; r != nil && (*r < 0 || *r > 1) {
			add("worker %s: success_rate must be within 0..1, got %g", id, *r)
		}
	}

	if d := c.Graph.Decomposer; !strings.HasPrefix(d, PlanPrefix) {
		if _, ok := c.Backends[d]; !ok {
			add("graph.decomposer: unknown backend %q", d)
		}
	}
	if _, ok := c.Backends[v.Scorer]; !ok {
		add("validation.scorer: unknown backend %q", v.Scorer)
	}

	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
