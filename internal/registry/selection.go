package registry

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoCapableWorker means no registered worker declares the capability.
	ErrNoCapableWorker = errors.New("no worker declares the required capability")
	// ErrAllBusy means capable workers exist but all are at their limit.
	ErrAllBusy = errors.New("all capable workers are busy")
)

// Weights configure the selection score.
type Weights struct {
	Capability float64 `json:"capability"`
	Load       float64 `json:"load"`
	History    float64 `json:"history"`
}

// DefaultWeights returns the default selection weights.
func DefaultWeights() Weights {
	return Weights{
		Capability: 1.0,
		Load:       0.5,
		History:    0.3,
	}
}

// Score rates a worker for a capability tag. The second return value is false
// when the worker does not declare the capability and must never be chosen.
func Score(w Worker, capability string, weights Weights) (float64, bool) {
	if !w.HasCapability(capability) {
		return 0, false
	}
	loadRatio := 0.0
	if w.MaxConcurrent > 0 {
		loadRatio = float64(w.Load) / float64(w.MaxConcurrent)
	}
	return weights.Capability - weights.Load*loadRatio + weights.History*w.SuccessRate, true
}

// Selector picks and reserves workers from a Registry.
type Selector struct {
	reg     *Registry
	weights Weights
}

// NewSelector creates a selector over the registry.
func NewSelector(reg *Registry, weights Weights) *Selector {
	return &Selector{reg: reg, weights: weights}
}

type candidate struct {
	worker Worker
	score  float64
}

// Rank returns the qualifying workers for a capability, best first.
// Saturated workers are excluded. Ties go to the least recently assigned
// worker, then to the lowest ID.
func (s *Selector) Rank(capability string) ([]Worker, error) {
	var (
		ranked  []candidate
		capable bool
	)
	for _, w := range s.reg.List() {
		score, ok := Score(w, capability, s.weights)
		if !ok {
			continue
		}
		capable = true
		if w.Load >= w.MaxConcurrent {
			continue
		}
		ranked = append(ranked, candidate{worker: w, score: score})
	}
	if !capable {
		return nil, fmt.Errorf("%w: %q", ErrNoCapableWorker, capability)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrAllBusy, capability)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.worker.LastAssigned != b.worker.LastAssigned {
			return a.worker.LastAssigned < b.worker.LastAssigned
		}
		return a.worker.ID < b.worker.ID
	})

	workers := make([]Worker, len(ranked))
	for i, c := range ranked {
		workers[i] = c.worker
	}
	return workers, nil
}

// Acquire selects the best worker for the capability and reserves a slot on it.
// A worker that fills up between ranking and reservation is skipped.
func (s *Selector) Acquire(capability string) (Worker, error) {
	ranked, err := s.Rank(capability)
	if err != nil {
		return Worker{}, err
	}
	for _, w := range ranked {
		if err := s.reg.Reserve(w.ID); err != nil {
			if errors.Is(err, ErrWorkerSaturated) {
				continue
			}
			return Worker{}, err
		}
		reserved, _ := s.reg.Get(w.ID)
		return reserved, nil
	}
	return Worker{}, fmt.Errorf("%w: %q", ErrAllBusy, capability)
}
