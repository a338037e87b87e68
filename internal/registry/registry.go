// Package registry tracks workers, their declared capabilities, current load
// and historical success rate, and selects a worker for a task.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrWorkerExists    = errors.New("worker already registered")
	ErrWorkerSaturated = errors.New("worker is at its concurrency limit")
	ErrNotReserved     = errors.New("worker has no reservation to release")
)

// DefaultSmoothing is the weight given to the newest outcome in the rolling success rate.
const DefaultSmoothing = 0.2

// Worker is a point-in-time view of a registered worker.
type Worker struct {
	ID            string
	Kind          string // Selects the solver variant, e.g. "command" or "template"
	Capabilities  []string
	Load          int
	MaxConcurrent int
	SuccessRate   float64
	LastAssigned  uint64 // Assignment sequence number; 0 if never assigned
}

// HasCapability reports whether the worker declares the given tag.
func (w Worker) HasCapability(tag string) bool {
	return slices.Contains(w.Capabilities, tag)
}

// workerState holds the mutable counters of one worker. Load and the
// assignment sequence are atomics; the success rate has its own mutex, so
// no two workers ever contend on the same lock.
type workerState struct {
	id           string
	kind         string
	caps         []string
	max          int32
	load         atomic.Int32
	lastAssigned atomic.Uint64

	mu      sync.Mutex
	success float64
}

func (s *workerState) view() Worker {
	s.mu.Lock()
	success := s.success
	s.mu.Unlock()

	return Worker{
		ID:            s.id,
		Kind:          s.kind,
		Capabilities:  append([]string(nil), s.caps...),
		Load:          int(s.load.Load()),
		MaxConcurrent: int(s.max),
		SuccessRate:   success,
		LastAssigned:  s.lastAssigned.Load(),
	}
}

// Registry is the capability registry shared by concurrent task executions.
// The workers map is written only by Register; reservations never take the map lock
// for writing.
type Registry struct {
	mu        sync.RWMutex
	workers   map[string]*workerState
	seq       atomic.Uint64
	smoothing float64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		workers:   make(map[string]*workerState),
		smoothing: DefaultSmoothing,
	}
}

// SetSmoothing overrides the rolling success-rate weight (0 < alpha <= 1).
func (r *Registry) SetSmoothing(alpha float64) {
	if alpha > 0 && alpha <= 1 {
		r.smoothing = alpha
	}
}

// Register adds a worker. MaxConcurrent defaults to 1. A SuccessRate of 0
// means the worker has no history and starts at 1.0; SetSuccessRate sets an
// explicit initial rate, zero included. Rates outside 0..1 are rejected.
func (r *Registry) Register(w Worker) error {
	if w.ID == "" {
		return fmt.Errorf("worker id must not be empty")
	}
	if w.MaxConcurrent <= 0 {
		w.MaxConcurrent = 1
	}
	success := w.SuccessRate
	if success < 0 || success > 1 {
		return fmt.Errorf("worker %q: success rate %g outside 0..1", w.ID, success)
	}
	if success == 0 {
		success = 1.0
	}

	st := &workerState{
		id:      w.ID,
		kind:    w.Kind,
		caps:    append([]string(nil), w.Capabilities...),
		max:     int32(w.MaxConcurrent),
		success: success,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.ID]; exists {
		return fmt.Errorf("%w: %q", ErrWorkerExists, w.ID)
	}
	r.workers[w.ID] = st
	return nil
}

// List returns a view of every worker ordered by ID.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	states := make([]*workerState, 0, len(r.workers))
	for _, st := range r.workers {
		states = append(states, st)
	}
	r.mu.RUnlock()

	workers := make([]Worker, 0, len(states))
	for _, st := range states {
		workers = append(workers, st.view())
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// Get returns a view of one worker.
func (r *Registry) Get(id string) (Worker, bool) {
	st, err := r.state(id)
	if err != nil {
		return Worker{}, false
	}
	return st.view(), true
}

// Load returns the worker's current concurrent-task count.
func (r *Registry) Load(id string) (int, error) {
	st, err := r.state(id)
	if err != nil {
		return 0, err
	}
	return int(st.load.Load()), nil
}

// Reserve claims one concurrency slot on the worker.
// Returns ErrWorkerSaturated if the worker is already at MaxConcurrent.
func (r *Registry) Reserve(id string) error {
	st, err := r.state(id)
	if err != nil {
		return err
	}
	for {
		cur := st.load.Load()
		if cur >= st.max {
			return fmt.Errorf("%w: %q (%d/%d)", ErrWorkerSaturated, id, cur, st.max)
		}
		if st.load.CompareAndSwap(cur, cur+1) {
			st.lastAssigned.Store(r.seq.Add(1))
			return nil
		}
	}
}

// Release returns a concurrency slot claimed by Reserve.
func (r *Registry) Release(id string) error {
	st, err := r.state(id)
	if err != nil {
		return err
	}
	for {
		cur := st.load.Load()
		if cur <= 0 {
			return fmt.Errorf("%w: %q", ErrNotReserved, id)
		}
		if st.load.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// SetSuccessRate overrides the worker's rolling success rate.
func (r *Registry) SetSuccessRate(id string, rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("worker %q: success rate %g outside 0..1", id, rate)
	}
	st, err := r.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.success = rate
	st.mu.Unlock()
	return nil
}

// RecordOutcome folds a task outcome into the worker's rolling success rate.
func (r *Registry) RecordOutcome(id string, success bool) error {
	st, err := r.state(id)
	if err != nil {
		return err
	}
	x := 0.0
	if success {
		x = 1.0
	}
	st.mu.Lock()
	st.success = (1-r.smoothing)*st.success + r.smoothing*x
	st.mu.Unlock()
	return nil
}

func (r *Registry) state(id string) (*workerState, error) {
	r.mu.RLock()
	st, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkerNotFound, id)
	}
	return st, nil
}
