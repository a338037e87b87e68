package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskswarm/internal/scheduler"
)

// ErrRunNotFound is returned when no checkpoint exists for a run.
var ErrRunNotFound = errors.New("run not found")

// RunSummary describes the latest checkpoint of a run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Request   string    `json:"request"`
	Round     int       `json:"round"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Blocked   int       `json:"blocked"`
	TakenAt   time.Time `json:"taken_at"`
}

// Finished reports whether every task of the run had reached a terminal state.
func (r RunSummary) Finished() bool {
	return r.Total > 0 && r.Completed+r.Failed+r.Blocked == r.Total
}

// Store persists run checkpoints and solver attempt history.
type Store interface {
	// Checkpoints
	SaveCheckpoint(ctx context.Context, snap scheduler.Snapshot) error
	LoadCheckpoint(ctx context.Context, runID string) (scheduler.Snapshot, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)

	// Attempt history
	RecordAttempt(ctx context.Context, runID string, a scheduler.Attempt) error
	ListAttempts(ctx context.Context, runID string) ([]scheduler.Attempt, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// queryTimeout bounds every single statement or transaction.
const queryTimeout = 5 * time.Second

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN; see open.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every store gets its own named database so parallel tests stay isolated,
// while the shared cache lets the pool's connections see the same data.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// SQLite serialises writers anyway; one connection keeps the foreign_keys
	// pragma in effect for every statement.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Time columns hold Unix nanoseconds; zero means unset.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
