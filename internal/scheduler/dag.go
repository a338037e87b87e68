package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Graph is the dependency DAG of leaf tasks for one run.
// Tasks are added during construction; Validate freezes the graph, after which
// only status, assignment and outcome fields change.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	order      []string            // Topological order, set by Validate
	frozen     bool
	now        func() time.Time
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		now:        time.Now,
	}
}

// AddTask adds a task to the graph. Returns error if the ID already exists
// or the graph has been validated.
func (g *Graph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return fmt.Errorf("adding %q: %w", task.ID, ErrGraphFrozen)
	}
	if task.ID == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}

	t := cloneTask(task)
	t.Status = TaskPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = g.now()
	}
	g.tasks[t.ID] = t

	for _, depID := range t.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}

	return nil
}

// Validate checks that every dependency exists and that the graph is acyclic,
// then freezes it. Returns the topological order of task IDs.
func (g *Graph) Validate() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return append([]string(nil), g.order...), nil
	}

	ids := g.sortedIDs()
	for _, taskID := range ids {
		for _, depID := range g.tasks[taskID].DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on %q: %w", taskID, depID, ErrUnknownDependency)
			}
		}
	}

	// Edge (depID, taskID) means depID must come before taskID
	var edges []toposort.Edge
	for _, taskID := range ids {
		task := g.tasks[taskID]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			if depID == taskID {
				return nil, fmt.Errorf("task %q depends on itself: %w", taskID, ErrGraphCyclic)
			}
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphCyclic, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, taskID := range ids {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("%w: tasks unreachable in topological order: %s", ErrGraphCyclic, strings.Join(missing, ", "))
	}

	g.order = order
	g.frozen = true
	return append([]string(nil), order...), nil
}

// Validated reports whether Validate has succeeded.
func (g *Graph) Validated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Get returns a copy of the task by ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks ordered by ID.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, id := range g.sortedIDs() {
		tasks = append(tasks, cloneTask(g.tasks[id]))
	}
	return tasks
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deps := append([]string(nil), g.dependents[taskID]...)
	sort.Strings(deps)
	return deps
}

// PromoteReady moves every PENDING task whose dependencies are all accepted
// to READY and returns their IDs in ascending order.
func (g *Graph) PromoteReady() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var promoted []string
	for _, id := range g.sortedIDs() {
		task := g.tasks[id]
		if task.Status != TaskPending || !g.dependenciesAccepted(task) {
			continue
		}
		task.Status = TaskReady
		promoted = append(promoted, id)
	}
	return promoted
}

// Ready returns copies of READY tasks in ascending ID order.
func (g *Graph) Ready() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for _, id := range g.sortedIDs() {
		if task := g.tasks[id]; task.Status == TaskReady {
			ready = append(ready, cloneTask(task))
		}
	}
	return ready
}

// BlockDependents transitions every PENDING or READY task with a FAILED or
// BLOCKED dependency to BLOCKED, transitively, and returns the blocked IDs.
// Requires a validated graph: one pass in topological order reaches the fixpoint.
func (g *Graph) BlockDependents() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked []string
	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status != TaskPending && task.Status != TaskReady {
			continue
		}
		for _, depID := range task.DependsOn {
			dep := g.tasks[depID]
			if dep.Status != TaskFailed && dep.Status != TaskBlocked {
				continue
			}
			task.Status = TaskBlocked
			task.Error = &TaskError{
				Kind:    KindBlockedByDependency,
				Message: fmt.Sprintf("dependency %q is %s", depID, dep.Status),
			}
			task.EndedAt = g.now()
			blocked = append(blocked, id)
			break
		}
	}
	return blocked
}

// MarkAssigned moves a READY task to ASSIGNED on the given worker.
func (g *Graph) MarkAssigned(taskID, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transition(taskID, TaskReady, TaskAssigned)
	if err != nil {
		return err
	}
	task.WorkerID = workerID
	return nil
}

// MarkExecuting moves an ASSIGNED task to EXECUTING.
// Fails with ErrDependenciesUnmet unless every dependency is COMPLETED+accepted.
func (g *Graph) MarkExecuting(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if !g.dependenciesAccepted(task) {
		return fmt.Errorf("task %q: %w", taskID, ErrDependenciesUnmet)
	}
	if _, err := g.transition(taskID, TaskAssigned, TaskExecuting); err != nil {
		return err
	}
	task.StartedAt = g.now()
	return nil
}

// RecordAttempt increments the attempt count of an EXECUTING task and returns it.
func (g *Graph) RecordAttempt(taskID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.executing(taskID)
	if err != nil {
		return 0, err
	}
	task.Attempts++
	return task.Attempts, nil
}

// BeginRevision grants the single permitted revision of an EXECUTING task.
// Returns false if the revision has already been used.
func (g *Graph) BeginRevision(taskID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.executing(taskID)
	if err != nil {
		return false, err
	}
	if task.Revisions > 0 {
		return false, nil
	}
	task.Revisions++
	return true, nil
}

// SetResult stores the latest solver result of an EXECUTING task.
func (g *Graph) SetResult(taskID string, result Result) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.executing(taskID)
	if err != nil {
		return err
	}
	r := result
	r.Artifacts = append([]string(nil), result.Artifacts...)
	task.Result = &r
	return nil
}

// RecordValidation stores the latest score and verdict of an EXECUTING task.
func (g *Graph) RecordValidation(taskID string, score int, verdict Verdict) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.executing(taskID)
	if err != nil {
		return err
	}
	s := score
	task.Score = &s
	task.Verdict = verdict
	return nil
}

// MarkCompleted moves an EXECUTING task to COMPLETED with an accepted verdict.
func (g *Graph) MarkCompleted(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transition(taskID, TaskExecuting, TaskCompleted)
	if err != nil {
		return err
	}
	task.Verdict = VerdictAccepted
	task.Error = nil
	task.EndedAt = g.now()
	return nil
}

// MarkFailed moves any non-terminal task to FAILED with the given error record.
func (g *Graph) MarkFailed(taskID string, kind ErrorKind, cause error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrInvalidTransition, taskID, task.Status)
	}
	task.Status = TaskFailed
	task.Error = NewTaskError(kind, cause)
	task.EndedAt = g.now()
	return nil
}

// AllTerminal reports whether every task is COMPLETED, FAILED or BLOCKED.
func (g *Graph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, task := range g.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Progress summarises task counts by status.
type Progress struct {
	Total     int
	Pending   int
	Ready     int
	Running   int // ASSIGNED + EXECUTING
	Completed int
	Failed    int
	Blocked   int
}

// Progress returns the current status counts.
func (g *Graph) Progress() Progress {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p := Progress{Total: len(g.tasks)}
	for _, task := range g.tasks {
		switch task.Status {
		case TaskPending:
			p.Pending++
		case TaskReady:
			p.Ready++
		case TaskAssigned, TaskExecuting:
			p.Running++
		case TaskCompleted:
			p.Completed++
		case TaskFailed:
			p.Failed++
		case TaskBlocked:
			p.Blocked++
		}
	}
	return p
}

// dependenciesAccepted checks that every dependency is COMPLETED+accepted.
// Caller must hold the lock.
func (g *Graph) dependenciesAccepted(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || !dep.Accepted() {
			return false
		}
	}
	return true
}

func (g *Graph) transition(taskID string, from, to TaskStatus) (*Task, error) {
	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.Status != from {
		return nil, fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, taskID, task.Status, to)
	}
	task.Status = to
	return task, nil
}

func (g *Graph) executing(taskID string) (*Task, error) {
	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskExecuting {
		return nil, fmt.Errorf("%w: %q is %s, not EXECUTING", ErrInvalidTransition, taskID, task.Status)
	}
	return task, nil
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
