package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aristath/taskswarm/internal/orchestrator"
	"github.com/aristath/taskswarm/internal/scheduler"
)

var (
	_ Store                        = (*SQLiteStore)(nil)
	_ orchestrator.CheckpointSink  = (*SQLiteStore)(nil)
	_ orchestrator.AttemptRecorder = (*SQLiteStore)(nil)
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

// sampleSnapshot covers every persisted task field.
func sampleSnapshot(runID string, round int) scheduler.Snapshot {
	return scheduler.Snapshot{
		RunID:   runID,
		Request: "build the release",
		Round:   round,
		TakenAt: epoch.Add(time.Duration(round) * time.Minute),
		Tasks: []*scheduler.Task{
			{
				ID:          "api",
				Description: "Write the API",
				Type:        "code",
				Parent:      "feature",
				Depth:       2,
				Status:      scheduler.TaskCompleted,
				WorkerID:    "w1",
				Result:      &scheduler.Result{Solution: "done", Artifacts: []string{"api.go", "api_test.go"}},
				Attempts:    2,
				Revisions:   1,
				Verdict:     scheduler.VerdictAccepted,
				Score:       intPtr(85),
				CreatedAt:   epoch,
				StartedAt:   epoch.Add(time.Second),
				EndedAt:     epoch.Add(3 * time.Second),
			},
			{
				ID:          "deploy",
				Description: "Ship it",
				Type:        "deploy",
				Capability:  "ops",
				DependsOn:   []string{"ui", "api"},
				Status:      scheduler.TaskBlocked,
				Error:       &scheduler.TaskError{Kind: scheduler.KindBlockedByDependency, Message: "dependency ui failed"},
				CreatedAt:   epoch,
			},
			{
				ID:          "ui",
				Description: "Build the UI",
				Type:        "code",
				Truncated:   true,
				Status:      scheduler.TaskFailed,
				WorkerID:    "w2",
				Result:      &scheduler.Result{Solution: "half"},
				Error:       &scheduler.TaskError{Kind: scheduler.KindValidationRejected, Message: "score 20 below accept threshold 70"},
				Attempts:    1,
				Verdict:     scheduler.VerdictRejected,
				Score:       intPtr(0),
				CreatedAt:   epoch,
			},
		},
	}
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	want := sampleSnapshot("run-1", 3)
	if err := store.SaveCheckpoint(ctx, want); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, err := store.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got.RunID != want.RunID || got.Request != want.Request || got.Round != want.Round {
		t.Errorf("run = %s/%q/%d, want %s/%q/%d", got.RunID, got.Request, got.Round, want.RunID, want.Request, want.Round)
	}
	if !got.TakenAt.Equal(want.TakenAt) {
		t.Errorf("TakenAt = %v, want %v", got.TakenAt, want.TakenAt)
	}
	if len(got.Tasks) != len(want.Tasks) {
		t.Fatalf("got %d tasks, want %d", len(got.Tasks), len(want.Tasks))
	}
	for i := range want.Tasks {
		if !reflect.DeepEqual(got.Tasks[i], want.Tasks[i]) {
			t.Errorf("task %d:\n got  %+v\n want %+v", i, got.Tasks[i], want.Tasks[i])
		}
	}
}

func TestLoadedCheckpointRestoresGraph(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveCheckpoint(ctx, sampleSnapshot("run-1", 1)); err != nil {
		t.Fatal(err)
	}
	snap, err := store.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	g, err := scheduler.GraphFromSnapshot(snap)
	if err != nil {
		t.Fatalf("GraphFromSnapshot: %v", err)
	}
	if !g.AllTerminal() {
		t.Error("restored graph should keep terminal outcomes")
	}
}

func TestSaveCheckpointReplacesPreviousRound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := sampleSnapshot("run-1", 1)
	if err := store.SaveCheckpoint(ctx, first); err != nil {
		t.Fatal(err)
	}
	// Saving twice must not duplicate rows.
	if err := store.SaveCheckpoint(ctx, first); err != nil {
		t.Fatalf("second save: %v", err)
	}

	second := sampleSnapshot("run-1", 2)
	second.Tasks = second.Tasks[:1]
	second.Tasks[0].Result.Artifacts = nil
	if err := store.SaveCheckpoint(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Round != 2 || len(got.Tasks) != 1 {
		t.Fatalf("round=%d tasks=%d, want round 2 with 1 task", got.Round, len(got.Tasks))
	}
	if got.Tasks[0].Result.Artifacts != nil {
		t.Errorf("artifacts = %v, want none", got.Tasks[0].Result.Artifacts)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Total != 1 || runs[0].Completed != 1 {
		t.Errorf("runs = %+v, want one run with 1/1 completed", runs)
	}
}

func TestLoadCheckpointNotFound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.LoadCheckpoint(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}

	// A run known only from its attempts has no checkpoint yet.
	if err := store.RecordAttempt(ctx, "early", scheduler.Attempt{TaskID: "a", WorkerID: "w1", Number: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadCheckpoint(ctx, "early"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("ListRuns = %+v, want none", runs)
	}
}

func TestListRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	older := sampleSnapshot("run-old", 1)
	newer := sampleSnapshot("run-new", 5)
	for _, snap := range []scheduler.Snapshot{older, newer} {
		if err := store.SaveCheckpoint(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-new" || runs[1].RunID != "run-old" {
		t.Fatalf("runs = %+v, want newest first", runs)
	}
	r := runs[0]
	if r.Total != 3 || r.Completed != 1 || r.Failed != 1 || r.Blocked != 1 || r.Round != 5 {
		t.Errorf("summary = %+v", r)
	}
	if !r.Finished() {
		t.Error("all tasks terminal, run should be finished")
	}
}

func TestRecordAndListAttempts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	want := []scheduler.Attempt{
		{TaskID: "api", WorkerID: "w1", Number: 1, Kind: scheduler.KindSolverTimeout, Message: "deadline", StartedAt: epoch, Duration: 30 * time.Second},
		{TaskID: "api", WorkerID: "w1", Number: 2, StartedAt: epoch.Add(time.Minute), Duration: time.Second},
		{TaskID: "api", WorkerID: "w1", Number: 3, Revision: true, StartedAt: epoch.Add(2 * time.Minute), Duration: 2 * time.Second},
	}
	for _, a := range want {
		if err := store.RecordAttempt(ctx, "run-1", a); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	if err := store.RecordAttempt(ctx, "run-2", scheduler.Attempt{TaskID: "x", WorkerID: "w9", Number: 1}); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListAttempts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("attempts =\n%+v\nwant\n%+v", got, want)
	}

	// A later checkpoint must not wipe attempt history.
	if err := store.SaveCheckpoint(ctx, sampleSnapshot("run-1", 1)); err != nil {
		t.Fatal(err)
	}
	got, err = store.ListAttempts(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("attempts after checkpoint = %d, want 3", len(got))
	}
}

func TestForeignKeyEnforced(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	snap := scheduler.Snapshot{
		RunID: "run-1",
		Tasks: []*scheduler.Task{{ID: "a", Type: "code", DependsOn: []string{"ghost"}}},
	}
	if err := store.SaveCheckpoint(ctx, snap); err == nil {
		t.Fatal("expected error for dependency on unknown task")
	}
	if _, err := store.LoadCheckpoint(ctx, "run-1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("failed save must roll back, got %v", err)
	}
}

func TestStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.SaveCheckpoint(ctx, sampleSnapshot("run-1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.LoadCheckpoint(ctx, "run-1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second store sees first store's data: %v", err)
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "swarm.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, sampleSnapshot("run-1", 4)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	snap, err := store.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint after reopen: %v", err)
	}
	if snap.Round != 4 || len(snap.Tasks) != 3 {
		t.Errorf("round=%d tasks=%d, want 4/3", snap.Round, len(snap.Tasks))
	}
}
