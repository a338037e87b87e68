package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskswarm/internal/scheduler"
)

// SaveCheckpoint replaces the stored state of a run with the snapshot.
// Saving the same snapshot twice is idempotent.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, snap scheduler.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}

	var completed, failed, blocked int
	for _, task := range snap.Tasks {
		switch task.Status {
		case scheduler.TaskCompleted:
			completed++
		case scheduler.TaskFailed:
			failed++
		case scheduler.TaskBlocked:
			blocked++
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, request, round, total, completed, failed, blocked, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request = excluded.request,
			round = excluded.round,
			total = excluded.total,
			completed = excluded.completed,
			failed = excluded.failed,
			blocked = excluded.blocked,
			taken_at = excluded.taken_at,
			updated_at = CURRENT_TIMESTAMP
	`, snap.RunID, snap.Request, snap.Round, len(snap.Tasks), completed, failed, blocked, nanos(takenAt))
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", snap.RunID, err)
	}

	// Dependencies cascade with their tasks.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE run_id = ?`, snap.RunID); err != nil {
		return fmt.Errorf("failed to clear tasks of run %s: %w", snap.RunID, err)
	}

	for _, task := range snap.Tasks {
		if err := insertTask(ctx, tx, snap.RunID, task); err != nil {
			return err
		}
	}

	// Dependencies go in once every task row exists.
	for _, task := range snap.Tasks {
		for pos, depID := range task.DependsOn {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (run_id, task_id, depends_on_id, position)
				VALUES (?, ?, ?, ?)
			`, snap.RunID, task.ID, depID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, runID string, task *scheduler.Task) error {
	var (
		solution, artifacts sql.NullString
		errKind, errMsg     string
		score               sql.NullInt64
	)
	if task.Result != nil {
		solution = sql.NullString{String: task.Result.Solution, Valid: true}
		if len(task.Result.Artifacts) > 0 {
			data, err := json.Marshal(task.Result.Artifacts)
			if err != nil {
				return fmt.Errorf("failed to encode artifacts of %s: %w", task.ID, err)
			}
			artifacts = sql.NullString{String: string(data), Valid: true}
		}
	}
	if task.Error != nil {
		errKind, errMsg = string(task.Error.Kind), task.Error.Message
	}
	if task.Score != nil {
		score = sql.NullInt64{Int64: int64(*task.Score), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (run_id, id, description, type, capability, parent, depth, truncated,
			status, worker_id, solution, artifacts, error_kind, error_message,
			attempts, revisions, verdict, score, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, task.ID, task.Description, task.Type, task.Capability, task.Parent, task.Depth, task.Truncated,
		task.Status.String(), task.WorkerID, solution, artifacts, errKind, errMsg,
		task.Attempts, task.Revisions, string(task.Verdict), score,
		nanos(task.CreatedAt), nanos(task.StartedAt), nanos(task.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// LoadCheckpoint returns the latest snapshot saved for a run, with tasks
// ordered by ID. Returns ErrRunNotFound if the run has no checkpoint.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string) (scheduler.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	snap := scheduler.Snapshot{RunID: runID}
	var takenAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT request, round, taken_at FROM runs WHERE id = ? AND taken_at > 0
	`, runID).Scan(&snap.Request, &snap.Round, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return snap, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	snap.TakenAt = fromNanos(takenAt)

	tasks, err := s.loadTasks(ctx, runID)
	if err != nil {
		return snap, err
	}
	if err := s.loadDependencies(ctx, runID, tasks); err != nil {
		return snap, err
	}
	snap.Tasks = tasks
	return snap, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, runID string) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, type, capability, parent, depth, truncated,
			status, worker_id, solution, artifacts, error_kind, error_message,
			attempts, revisions, verdict, score, created_at, started_at, ended_at
		FROM tasks
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks of run %s: %w", runID, err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		var (
			task                       scheduler.Task
			status, verdict            string
			solution, artifacts        sql.NullString
			errKind, errMsg            string
			score                      sql.NullInt64
			created, started, finished int64
		)
		if err := rows.Scan(&task.ID, &task.Description, &task.Type, &task.Capability, &task.Parent,
			&task.Depth, &task.Truncated, &status, &task.WorkerID, &solution, &artifacts,
			&errKind, &errMsg, &task.Attempts, &task.Revisions, &verdict, &score,
			&created, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		if task.Status, err = scheduler.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}
		if solution.Valid {
			task.Result = &scheduler.Result{Solution: solution.String}
			if artifacts.Valid {
				if err := json.Unmarshal([]byte(artifacts.String), &task.Result.Artifacts); err != nil {
					return nil, fmt.Errorf("failed to decode artifacts of %s: %w", task.ID, err)
				}
			}
		}
		if errKind != "" {
			task.Error = &scheduler.TaskError{Kind: scheduler.ErrorKind(errKind), Message: errMsg}
		}
		task.Verdict = scheduler.Verdict(verdict)
		if score.Valid {
			v := int(score.Int64)
			task.Score = &v
		}
		task.CreatedAt = fromNanos(created)
		task.StartedAt = fromNanos(started)
		task.EndedAt = fromNanos(finished)

		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// loadDependencies fills DependsOn in declaration order. Runs after the task
// rows are closed because the store holds a single connection.
func (s *SQLiteStore) loadDependencies(ctx context.Context, runID string, tasks []*scheduler.Task) error {
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE run_id = ?
		ORDER BY task_id, position
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies of run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if task, ok := byID[taskID]; ok {
			task.DependsOn = append(task.DependsOn, depID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	return nil
}

// ListRuns returns every run that has a checkpoint, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request, round, total, completed, failed, blocked, taken_at
		FROM runs
		WHERE taken_at > 0
		ORDER BY taken_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			takenAt int64
		)
		if err := rows.Scan(&r.RunID, &r.Request, &r.Round, &r.Total, &r.Completed, &r.Failed, &r.Blocked, &takenAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.TakenAt = fromNanos(takenAt)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
