package decompose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plan is a Decomposer that replays a fixed decomposition read from a file.
//
//	tasks:
//	  - {id: api, description: Write the API, type: composite}
//	  - {id: docs, description: Document it, type: docs, depends_on: [api]}
//	subtasks:
//	  api:
//	    - {id: handlers, description: HTTP handlers, type: code}
//
// Tasks are the split of the request. Subtasks are keyed by the full ID of
// the parent in the graph ("api", "api/handlers"); parents without an entry
// are leaves.
type Plan struct {
	Tasks    []TaskSpec            `json:"tasks" yaml:"tasks"`
	Subtasks map[string][]TaskSpec `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
}

// LoadPlan reads a plan from a YAML or JSON file. JSON is accepted by the
// YAML decoder as well, so the extension is only used in error messages.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	return ParsePlan(data, filepath.Base(path))
}

// ParsePlan decodes a plan document. name identifies it in errors.
func ParsePlan(data []byte, name string) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", name, err)
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no tasks", name)
	}
	return &p, nil
}

// Decompose returns the planned split for the request's parent.
func (p *Plan) Decompose(ctx context.Context, req Request) ([]TaskSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var specs []TaskSpec
	if req.ParentID == "" {
		specs = p.Tasks
	} else {
		specs = p.Subtasks[req.ParentID]
	}
	return append([]TaskSpec(nil), specs...), nil
}
