package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskswarm/internal/scheduler"
)

// Thresholds map a 0-100 score to a verdict.
type Thresholds struct {
	Accept int `json:"accept"` // Scores >= Accept are accepted (default 70)
	Revise int `json:"revise"` // Scores >= Revise need revision (default 40)
}

// DefaultThresholds returns the default verdict thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Accept: 70, Revise: 40}
}

// Verdict classifies a score. The mapping is pure.
func (t Thresholds) Verdict(score int) scheduler.Verdict {
	switch {
	case score >= t.Accept:
		return scheduler.VerdictAccepted
	case score >= t.Revise:
		return scheduler.VerdictNeedsRevision
	default:
		return scheduler.VerdictRejected
	}
}

// Validate checks that the thresholds are ordered and within range.
func (t Thresholds) Validate() error {
	if t.Accept < 0 || t.Accept > 100 || t.Revise < 0 || t.Revise > 100 {
		return fmt.Errorf("thresholds must be within 0-100 (accept=%d, revise=%d)", t.Accept, t.Revise)
	}
	if t.Revise > t.Accept {
		return fmt.Errorf("revise threshold %d exceeds accept threshold %d", t.Revise, t.Accept)
	}
	return nil
}

// ValidationResult is the Validator's decision on one result.
type ValidationResult struct {
	TaskID   string            `json:"task_id"`
	Score    int               `json:"score"`
	Verdict  scheduler.Verdict `json:"verdict"`
	Feedback string            `json:"feedback,omitempty"`
}

// ValidatorConfig configures scoring.
type ValidatorConfig struct {
	Thresholds  *Thresholds   // Nil means DefaultThresholds
	Timeout     time.Duration // Per Scorer call (default 30s)
	MaxAttempts int           // Scorer calls before ValidationError (default 3)
	Retry       RetryConfig
}

// Validator scores results through a Scorer and maps scores to verdicts.
type Validator struct {
	scorer Scorer
	cfg    ValidatorConfig
}

// NewValidator creates a Validator. Zero config fields fall back to defaults.
func NewValidator(scorer Scorer, cfg ValidatorConfig) *Validator {
	if cfg.Thresholds == nil {
		th := DefaultThresholds()
		cfg.Thresholds = &th
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultShortTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Validator{scorer: scorer, cfg: cfg}
}

// Thresholds returns the configured thresholds.
func (v *Validator) Thresholds() Thresholds {
	return *v.cfg.Thresholds
}

// Validate scores the result. The Scorer's score is clamped to 0-100 and its
// own verdict is ignored. Scorer errors are retried; the final error is returned.
func (v *Validator) Validate(ctx context.Context, task *scheduler.Task, result scheduler.Result) (ValidationResult, error) {
	var assessment Assessment
	err := retry(ctx, v.cfg.Retry, v.cfg.MaxAttempts, func(attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()

		a, err := v.scorer.Score(callCtx, task, result)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			slog.Warn("scorer failed", "task_id", task.ID, "attempt", attempt, "error", err)
			return err
		}
		assessment = a
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return ValidationResult{TaskID: task.ID}, fmt.Errorf("scoring task %q: %w", task.ID, err)
	}

	score := min(max(assessment.Score, 0), 100)
	return ValidationResult{
		TaskID:   task.ID,
		Score:    score,
		Verdict:  v.cfg.Thresholds.Verdict(score),
		Feedback: assessment.Feedback,
	}, nil
}
