package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/aristath/taskswarm/internal/decompose"
	"github.com/aristath/taskswarm/internal/orchestrator"
	"github.com/aristath/taskswarm/internal/scheduler"
)

// Roles written in the "role:" header of every prompt.
const (
	RoleDecompose = "decompose"
	RoleSolve     = "solve"
	RoleScore     = "score"
)

var errEmptyReply = errors.New("backend returned an empty reply")

// prompt renders a header of "key: value" lines, a blank line, then the
// instructions and sections. Header values are kept on one line.
func prompt(header [][2]string, instructions string, sections ...[2]string) string {
	var b strings.Builder
	for _, kv := range header {
		fmt.Fprintf(&b, "%s: %s\n", kv[0], strings.Join(strings.Fields(kv[1]), " "))
	}
	b.WriteString("\n")
	b.WriteString(instructions)
	b.WriteString("\n")
	for _, s := range sections {
		if strings.TrimSpace(s[1]) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", s[0], strings.TrimRight(s[1], "\n"))
	}
	return b.String()
}

// decodeReply decodes the first JSON value embedded in a reply, so replies
// wrapped in prose or code fences still parse.
func decodeReply(reply string, v any) error {
	start := strings.IndexAny(reply, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON in reply %q", truncate(reply, 80))
	}
	dec := json.NewDecoder(strings.NewReader(reply[start:]))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	return nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func send(ctx context.Context, b Backend, role, content string) (string, error) {
	resp, err := b.Send(ctx, Message{Role: role, Content: content})
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

// Solver adapts a backend to orchestrator.Solver. Replies are either
// {"solution": "...", "artifacts": [...]} or plain text taken as the solution.
type Solver struct {
	backend Backend
}

// NewSolver wraps a backend as a Solver.
func NewSolver(b Backend) *Solver {
	return &Solver{backend: b}
}

var _ orchestrator.Solver = (*Solver)(nil)

// Solve sends the task and its dependency context to the backend.
func (s *Solver) Solve(ctx context.Context, task *scheduler.Task, input string) (scheduler.Result, error) {
	p := prompt(
		[][2]string{
			{"role", RoleSolve},
			{"task", task.ID},
			{"type", task.Type},
			{"description", task.Description},
		},
		`Complete the task. Reply with JSON {"solution": "...", "artifacts": ["..."]} or with the solution as plain text.`,
		[2]string{"task", task.Description},
		[2]string{"context", input},
	)
	reply, err := send(ctx, s.backend, RoleSolve, p)
	if err != nil {
		return scheduler.Result{}, err
	}

	var structured struct {
		Solution  *string  `json:"solution"`
		Artifacts []string `json:"artifacts"`
	}
	if strings.HasPrefix(reply, "{") && json.Unmarshal([]byte(reply), &structured) == nil && structured.Solution != nil {
		return scheduler.Result{Solution: *structured.Solution, Artifacts: structured.Artifacts}, nil
	}
	return scheduler.Result{Solution: reply}, nil
}

// Scorer adapts a backend to orchestrator.Scorer. Replies must contain
// {"score": 0-100, "feedback": "..."}.
type Scorer struct {
	backend Backend
}

// NewScorer wraps a backend as a Scorer.
func NewScorer(b Backend) *Scorer {
	return &Scorer{backend: b}
}

var _ orchestrator.Scorer = (*Scorer)(nil)

// Score asks the backend to rate a result.
func (s *Scorer) Score(ctx context.Context, task *scheduler.Task, result scheduler.Result) (orchestrator.Assessment, error) {
	p := prompt(
		[][2]string{
			{"role", RoleScore},
			{"task", task.ID},
			{"type", task.Type},
		},
		`Rate how well the solution completes the task on a scale from 0 to 100. Reply with JSON {"score": 0, "feedback": "..."}; feedback should say what to improve.`,
		[2]string{"task", task.Description},
		[2]string{"solution", result.Solution},
		[2]string{"artifacts", strings.Join(result.Artifacts, "\n")},
	)
	reply, err := send(ctx, s.backend, RoleScore, p)
	if err != nil {
		return orchestrator.Assessment{}, err
	}

	var a struct {
		Score    *float64 `json:"score"`
		Feedback string   `json:"feedback"`
	}
	if err := decodeReply(reply, &a); err != nil {
		return orchestrator.Assessment{}, err
	}
	if a.Score == nil {
		return orchestrator.Assessment{}, fmt.Errorf("reply has no score: %q", truncate(reply, 80))
	}
	return orchestrator.Assessment{Score: int(math.Round(*a.Score)), Feedback: a.Feedback}, nil
}

// Decomposer adapts a backend to decompose.Decomposer. Replies are
// {"tasks": [...]} or a bare task array; an empty list means the request is
// a leaf.
type Decomposer struct {
	backend Backend
}

// NewDecomposer wraps a backend as a Decomposer.
func NewDecomposer(b Backend) *Decomposer {
	return &Decomposer{backend: b}
}

var _ decompose.Decomposer = (*Decomposer)(nil)

// Decompose asks the backend to split a request.
func (d *Decomposer) Decompose(ctx context.Context, req decompose.Request) ([]decompose.TaskSpec, error) {
	parent := req.ParentID
	if parent == "" {
		parent = decompose.RootID
	}
	p := prompt(
		[][2]string{
			{"role", RoleDecompose},
			{"parent", parent},
			{"type", req.Type},
			{"depth", fmt.Sprint(req.Depth)},
			{"path", strings.Join(req.Path, "/")},
		},
		`Split the request into subtasks. Reply with JSON {"tasks": [{"id": "...", "description": "...", "type": "...", "capability": "...", "depends_on": ["..."]}]}. `+
			`IDs must be unique; depends_on may only name sibling IDs. Use type "composite" for subtasks that need further splitting. `+
			`Reply {"tasks": []} when the request is a single unit of work.`,
		[2]string{"request", req.Description},
	)
	reply, err := send(ctx, d.backend, RoleDecompose, p)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := decodeReply(reply, &raw); err != nil {
		return nil, err
	}
	if raw[0] == '[' {
		var specs []decompose.TaskSpec
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, fmt.Errorf("decoding task list: %w", err)
		}
		return specs, nil
	}
	var plan struct {
		Tasks []decompose.TaskSpec `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decoding task list: %w", err)
	}
	return plan.Tasks, nil
}
