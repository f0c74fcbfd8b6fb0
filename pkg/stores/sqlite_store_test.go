package stores

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/skiff/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func pingJob(jid string) *engine.JobDescriptor {
	return &engine.JobDescriptor{
		JID:       jid,
		Kind:      engine.JobFunction,
		Fun:       "test.ping",
		Pattern:   "web*",
		MatchType: engine.MatchGlob,
		User:      "alice",
	}
}

func TestNewSQLiteStore(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an error without a path")
	}
	store, _ := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected a single connection for :memory:, got %d", store.cfg.MaxOpenConns)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"jobs", "returns"} {
		var count int
		err := store.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil || count != 1 {
			t.Errorf("expected table %s to exist: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected a second migrate to succeed, got %v", err)
	}
}

func TestSaveLoadAndGetJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := pingJob("jid-1")
	if err := store.SaveLoad(ctx, job, []string{"web1", "web2"}); err != nil {
		t.Fatalf("SaveLoad failed: %v", err)
	}

	got, err := store.GetJob(ctx, "jid-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Fun != "test.ping" || got.Target != "web*" || got.TargetType != "glob" || got.User != "alice" {
		t.Errorf("unexpected job %+v", got)
	}
	if !reflect.DeepEqual(got.Minions, []string{"web1", "web2"}) {
		t.Errorf("expected minions, got %v", got.Minions)
	}
	if !reflect.DeepEqual(got.Arg, []string{}) {
		t.Errorf("expected empty args, got %v", got.Arg)
	}
	if time.Since(got.StartTime) > time.Minute {
		t.Errorf("unexpected start time %s", got.StartTime)
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSaveLoadJobKinds(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		job     *engine.JobDescriptor
		wantFun string
		wantArg []string
	}{
		{
			name:    "raw",
			job:     &engine.JobDescriptor{JID: "raw", Kind: engine.JobRaw, RawCommand: "uptime"},
			wantFun: "ssh._raw",
			wantArg: []string{"uptime"},
		},
		{
			name:    "state",
			job:     &engine.JobDescriptor{JID: "state", Kind: engine.JobState, State: &engine.StateRequest{Mods: []string{"web", "db"}}},
			wantFun: "state.apply",
			wantArg: []string{"web", "db"},
		},
		{
			name:    "function with kwargs",
			job:     &engine.JobDescriptor{JID: "fn", Kind: engine.JobFunction, Fun: "cmd.run", Args: []string{"ls"}, Kwargs: map[string]any{"cwd": "/tmp"}},
			wantFun: "cmd.run",
			wantArg: []string{"ls", "cwd=/tmp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.SaveLoad(ctx, tt.job, nil); err != nil {
				t.Fatalf("SaveLoad failed: %v", err)
			}
			got, err := store.GetJob(ctx, tt.job.JID)
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if got.Fun != tt.wantFun || !reflect.DeepEqual(got.Arg, tt.wantArg) {
				t.Errorf("expected %s %v, got %s %v", tt.wantFun, tt.wantArg, got.Fun, got.Arg)
			}
			if got.TargetType != "glob" {
				t.Errorf("expected the default match type, got %q", got.TargetType)
			}
		})
	}
}

func TestSaveReturn(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveLoad(ctx, pingJob("jid-1"), []string{"web1", "web2", "web3"}); err != nil {
		t.Fatal(err)
	}

	records := []engine.ResultRecord{
		{ID: "web1", Return: true, Duration: 1500 * time.Millisecond},
		{ID: "web2", Return: map[string]any{"stdout": "hi", "retcode": 2}, Retcode: 2, Stderr: "warn"},
		engine.FailureRecord("web3", engine.NewPermissionError("Permission denied", nil)),
	}
	for _, rec := range records {
		if err := store.SaveReturn(ctx, "jid-1", rec); err != nil {
			t.Fatalf("SaveReturn failed: %v", err)
		}
	}

	returns, err := store.GetReturns(ctx, "jid-1")
	if err != nil {
		t.Fatalf("GetReturns failed: %v", err)
	}
	if len(returns) != 3 {
		t.Fatalf("expected 3 returns, got %d", len(returns))
	}

	web1 := returns["web1"]
	if web1.Return != true || !web1.Success || web1.Duration != 1500*time.Millisecond {
		t.Errorf("unexpected web1 %+v", web1)
	}
	web2 := returns["web2"]
	if web2.Success || web2.Retcode != 2 || web2.Stderr != "warn" {
		t.Errorf("unexpected web2 %+v", web2)
	}
	if m, ok := web2.Return.(map[string]any); !ok || m["stdout"] != "hi" {
		t.Errorf("expected a decoded map, got %#v", web2.Return)
	}
	web3 := returns["web3"]
	if web3.Success || web3.ErrorKind != "permission" || web3.Return != "Permission denied" {
		t.Errorf("unexpected web3 %+v", web3)
	}

	// A retried target replaces its return.
	if err := store.SaveReturn(ctx, "jid-1", engine.ResultRecord{ID: "web3", Return: true}); err != nil {
		t.Fatal(err)
	}
	returns, _ = store.GetReturns(ctx, "jid-1")
	if !returns["web3"].Success || returns["web3"].ErrorKind != "" {
		t.Errorf("expected the retried return, got %+v", returns["web3"])
	}
}

func TestSaveReturnRequiresJob(t *testing.T) {
	store := setupTestStore(t)
	err := store.SaveReturn(context.Background(), "nope", engine.ResultRecord{ID: "web1", Return: true})
	if err == nil {
		t.Error("expected a foreign key error for an unknown job")
	}
}

func TestListJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, jid := range []string{"a", "b", "c"} {
		if err := store.SaveLoad(ctx, pingJob(jid), []string{"web1", "web2"}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	_ = store.SaveReturn(ctx, "b", engine.ResultRecord{ID: "web1", Return: true})
	_ = store.SaveReturn(ctx, "b", engine.ResultRecord{ID: "web2", Return: "x", Retcode: 1})

	jobs, err := store.ListJobs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 3 || jobs[0].JID != "c" || jobs[2].JID != "a" {
		t.Fatalf("expected newest first, got %+v", jobs)
	}
	if jobs[1].Returned != 2 || jobs[1].Failed != 1 {
		t.Errorf("expected 2 returns and 1 failure for b, got %d/%d", jobs[1].Returned, jobs[1].Failed)
	}

	page, _ := store.ListJobs(ctx, 1, 1)
	if len(page) != 1 || page[0].JID != "b" {
		t.Errorf("expected the second job, got %+v", page)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.SaveLoad(ctx, pingJob("old"), []string{"web1"})
	_ = store.SaveReturn(ctx, "old", engine.ResultRecord{ID: "web1", Return: true})
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	_ = store.SaveLoad(ctx, pingJob("new"), []string{"web1"})

	n, err := store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged job, got %d", n)
	}
	if _, err := store.GetJob(ctx, "old"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected old to be purged, got %v", err)
	}
	if returns, _ := store.GetReturns(ctx, "old"); len(returns) != 0 {
		t.Errorf("expected returns to cascade, got %v", returns)
	}
	if _, err := store.GetJob(ctx, "new"); err != nil {
		t.Errorf("expected new to remain, got %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.SaveLoad(ctx, pingJob("persisted"), []string{"web1"}); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetJob(ctx, "persisted"); err != nil {
		t.Errorf("expected the job to persist, got %v", err)
	}
}
