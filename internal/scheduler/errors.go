package scheduler

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for graph construction and dispatch.
var (
	ErrGraphCyclic        = errors.New("task graph contains a cycle")
	ErrUnknownDependency  = errors.New("dependency references unknown task")
	ErrDuplicateTask      = errors.New("duplicate task id")
	ErrGraphFrozen        = errors.New("task graph is frozen")
	ErrGraphNotValidated  = errors.New("task graph has not been validated")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidTransition  = errors.New("invalid task status transition")
	ErrDependenciesUnmet  = errors.New("task dependencies are not accepted")
	ErrDependencyDeadlock = errors.New("dependency deadlock: pending tasks can never become ready")
)

// ErrorKind classifies a task or run failure.
type ErrorKind string

const (
	KindGraphCyclic         ErrorKind = "GraphCyclic"
	KindUnknownDependency   ErrorKind = "UnknownDependency"
	KindDependencyDeadlock  ErrorKind = "DependencyDeadlock"
	KindNoWorkerAvailable   ErrorKind = "NoWorkerAvailable"
	KindSolverTimeout       ErrorKind = "SolverTimeout"
	KindSolverError         ErrorKind = "SolverError"
	KindValidationRejected  ErrorKind = "ValidationRejected"
	KindValidationError     ErrorKind = "ValidationError"
	KindBlockedByDependency ErrorKind = "BlockedByDependency"
	KindCancelled           ErrorKind = "Cancelled"
	KindBuildFailed         ErrorKind = "BuildFailed"
)

// Fatal reports whether the kind aborts the whole run.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindGraphCyclic, KindUnknownDependency, KindDependencyDeadlock, KindBuildFailed:
		return true
	}
	return false
}

// TaskError is the error record stored on a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTaskError builds a TaskError from an underlying error.
func NewTaskError(kind ErrorKind, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{Kind: kind, Message: msg}
}

// KindOf maps a run-level error to its kind.
// Unrecognised errors are reported as BuildFailed.
func KindOf(err error) ErrorKind {
	var te *TaskError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, ErrGraphCyclic):
		return KindGraphCyclic
	case errors.Is(err, ErrUnknownDependency):
		return KindUnknownDependency
	case errors.Is(err, ErrDependencyDeadlock):
		return KindDependencyDeadlock
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindBuildFailed
}
