package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenLedger(context.Background(), MemoryPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// A second migrate is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "ledger_entries"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{Action: "apply", Environment: "prod", Manifests: "a,b"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected a generated run ID")
	}
	if run.Status != RunStatusRunning {
		t.Errorf("Expected status running, got %s", run.Status)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Environment != "prod" || got.Manifests != "a,b" || got.CompletedAt != nil {
		t.Errorf("unexpected run %+v", got)
	}

	msg := "boom"
	if err := store.FinishRun(ctx, run.ID, RunStatusFailed, &msg); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}
	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunStatusFailed || got.Error == nil || *got.Error != "boom" || got.CompletedAt == nil {
		t.Errorf("unexpected finished run %+v", got)
	}

	if err := store.FinishRun(ctx, "missing", RunStatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := &Run{Action: "apply", Environment: "default", StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if !runs[0].StartedAt.After(runs[1].StartedAt) {
		t.Errorf("Expected newest run first, got %v then %v", runs[0].StartedAt, runs[1].StartedAt)
	}
}

func TestLedgerEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestEntry(ctx, "web", "prod"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for empty ledger, got %v", err)
	}

	record := func(checksum string, action LedgerAction) {
		t.Helper()
		err := store.RecordEntry(ctx, &LedgerEntry{
			Name:        "web",
			Kind:        "Bucket",
			Version:     "v1",
			Environment: "prod",
			Checksum:    checksum,
			Action:      action,
		})
		if err != nil {
			t.Fatalf("failed to record entry: %v", err)
		}
	}
	record("c1", LedgerActionApply)
	record("c2", LedgerActionApply)

	latest, err := store.LatestEntry(ctx, "web", "prod")
	if err != nil {
		t.Fatalf("failed to get latest entry: %v", err)
	}
	if latest.Checksum != "c2" || latest.Action != LedgerActionApply {
		t.Errorf("Expected c2/apply, got %s/%s", latest.Checksum, latest.Action)
	}

	record("c2", LedgerActionDelete)
	latest, err = store.LatestEntry(ctx, "web", "prod")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Action != LedgerActionDelete {
		t.Errorf("Expected delete to be latest, got %s", latest.Action)
	}

	if _, err := store.LatestEntry(ctx, "web", "dev"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected environments to be separate, got %v", err)
	}

	name := "web"
	entries, err := store.ListEntries(ctx, &name, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	all, err := store.ListEntries(ctx, nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 entries without filter, got %d", len(all))
	}

	deleted, err := store.PruneEntries(ctx, "web", "prod", 1)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 pruned entries, got %d", deleted)
	}
	latest, err = store.LatestEntry(ctx, "web", "prod")
	if err != nil || latest.Action != LedgerActionDelete {
		t.Errorf("Expected the newest entry to survive pruning, got %+v, %v", latest, err)
	}
}

func TestRecordEntry_InvalidAction(t *testing.T) {
	store := setupTestStore(t)
	err := store.RecordEntry(context.Background(), &LedgerEntry{Name: "a", Action: "update"})
	if err == nil {
		t.Fatal("expected error for invalid action")
	}
}

func TestRecordEntry_LinksRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{Action: "apply", Environment: "default"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	err := store.RecordEntry(ctx, &LedgerEntry{
		RunID: &run.ID, Name: "a", Kind: "K", Version: "v1",
		Environment: "default", Checksum: "c", Action: LedgerActionApply,
	})
	if err != nil {
		t.Fatal(err)
	}
	latest, err := store.LatestEntry(ctx, "a", "default")
	if err != nil {
		t.Fatal(err)
	}
	if latest.RunID == nil || *latest.RunID != run.ID {
		t.Errorf("Expected run id %s, got %v", run.ID, latest.RunID)
	}
}

func TestPruneEntries_RejectsZeroKeep(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.PruneEntries(context.Background(), "a", "b", 0); err == nil {
		t.Fatal("expected error")
	}
}
