package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/taskswarm/internal/scheduler"
)

// RecordAttempt appends one Solver attempt to the run's history.
// The run row is created on demand since attempts can land before the
// first checkpoint of a run.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, runID string, a scheduler.Attempt) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, runID); err != nil {
		return fmt.Errorf("failed to ensure run %s: %w", runID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (run_id, task_id, worker_id, number, revision, kind, message, started_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, a.TaskID, a.WorkerID, a.Number, a.Revision, string(a.Kind), a.Message, nanos(a.StartedAt), int64(a.Duration))
	if err != nil {
		return fmt.Errorf("failed to record attempt %d of %s: %w", a.Number, a.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListAttempts returns the attempt history of a run in recording order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string) ([]scheduler.Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, worker_id, number, revision, kind, message, started_at, duration
		FROM attempts
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []scheduler.Attempt
	for rows.Next() {
		var (
			a         scheduler.Attempt
			kind      string
			startedAt int64
			duration  int64
		)
		if err := rows.Scan(&a.TaskID, &a.WorkerID, &a.Number, &a.Revision, &kind, &a.Message, &startedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Kind = scheduler.ErrorKind(kind)
		a.StartedAt = fromNanos(startedAt)
		a.Duration = time.Duration(duration)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}
