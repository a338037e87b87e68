package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies accepted, waiting for a worker
	TaskAssigned                    // Worker reserved, not yet started
	TaskExecuting                   // Solver/Scorer in progress
	TaskCompleted                   // Finished with an accepted verdict
	TaskFailed                      // Finished with an error or a rejected verdict
	TaskBlocked                     // A dependency failed; never dispatched
)

var statusNames = [...]string{
	TaskPending:   "PENDING",
	TaskReady:     "READY",
	TaskAssigned:  "ASSIGNED",
	TaskExecuting: "EXECUTING",
	TaskCompleted: "COMPLETED",
	TaskFailed:    "FAILED",
	TaskBlocked:   "BLOCKED",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// MarshalJSON encodes the status by name so checkpoints stay readable.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range statusNames {
		if n == name {
			*s = TaskStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", name)
}

// ParseStatus converts a status name back into a TaskStatus.
func ParseStatus(name string) (TaskStatus, error) {
	var s TaskStatus
	err := s.UnmarshalJSON([]byte(fmt.Sprintf("%q", name)))
	return s, err
}

// Verdict is the Validator's classification of a task result.
type Verdict string

const (
	VerdictNone          Verdict = ""
	VerdictAccepted      Verdict = "accepted"
	VerdictNeedsRevision Verdict = "needs_revision"
	VerdictRejected      Verdict = "rejected"
)

// Result is the payload produced by a Solver.
type Result struct {
	Solution  string   `json:"solution"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Task represents a leaf unit of work in the graph.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Capability  string     `json:"capability,omitempty"` // Required worker capability; Type when empty
	DependsOn   []string   `json:"depends_on,omitempty"`
	Parent      string     `json:"parent,omitempty"` // Decomposition parent, informational
	Depth       int        `json:"depth"`
	Truncated   bool       `json:"truncated,omitempty"` // Decomposition stopped at a limit
	Status      TaskStatus `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	Revisions   int        `json:"revisions"`
	Verdict     Verdict    `json:"verdict,omitempty"`
	Score       *int       `json:"score,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	EndedAt     time.Time  `json:"ended_at,omitzero"`
}

// RequiredCapability returns the capability tag a worker must declare.
func (t *Task) RequiredCapability() string {
	if t.Capability != "" {
		return t.Capability
	}
	return t.Type
}

// Accepted reports whether the task satisfies dependents.
func (t *Task) Accepted() bool {
	return t.Status == TaskCompleted && t.Verdict == VerdictAccepted
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Result != nil {
		r := *task.Result
		r.Artifacts = append([]string(nil), task.Result.Artifacts...)
		cp.Result = &r
	}
	if task.Error != nil {
		e := *task.Error
		cp.Error = &e
	}
	if task.Score != nil {
		s := *task.Score
		cp.Score = &s
	}
	return &cp
}
