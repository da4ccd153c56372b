package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskfleet/internal/db"
	"taskfleet/internal/domain"
	"taskfleet/internal/migrate"
	"taskfleet/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func testWorker(id string) domain.Worker {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	return domain.Worker{
		ID:         id,
		SSHHost:    "10.0.0.5",
		SSHUser:    "ops",
		SSHPort:    22,
		LocalPort:  9101,
		RemotePort: 9101,
		Status:     domain.WorkerOnline,
		MaxWip:     2,
		SecretHash: repo.HashSecret("s3cret"),
		Groups:     domain.GroupSet{"backend", "infra"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestUpsertWorkerRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	w := testWorker("w1")
	if err := r.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SSHHost != w.SSHHost || got.MaxWip != 2 || got.Status != domain.WorkerOnline {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Groups.Contains("backend") || !got.Groups.Contains("infra") || got.Groups.Contains("frontend") {
		t.Fatalf("groups mismatch: %v", got.Groups)
	}

	// re-registration replaces the row
	w.MaxWip = 4
	w.Groups = domain.GroupSet{"backend"}
	if err := r.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err = r.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxWip != 4 || len(got.Groups) != 1 {
		t.Fatalf("replace mismatch: %+v", got)
	}
}

func TestGetWorkerNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetWorker(ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.UpdateWorkerStatus(ctx, "ghost", domain.WorkerOffline); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for status update, got %v", err)
	}
	if err := r.UpdateWorkerWip(ctx, "ghost", 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wip update, got %v", err)
	}
}

func TestListOnlineWorkers(t *testing.T) {
	r, ctx := newTestRepo(t)
	w1 := testWorker("w1")
	w2 := testWorker("w2")
	w2.Status = domain.WorkerOffline
	for _, w := range []domain.Worker{w1, w2} {
		if err := r.UpsertWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}
	online, err := r.ListOnlineWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0].ID != "w1" {
		t.Fatalf("unexpected online set: %+v", online)
	}
	all, err := r.ListWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(all))
	}
}

// Concurrent increments must not lose updates: current_wip is adjusted with a
// single relative UPDATE, never read-modify-write.
func TestUpdateWorkerWipConcurrent(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.UpsertWorker(ctx, testWorker("w1")); err != nil {
		t.Fatal(err)
	}
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.UpdateWorkerWip(ctx, "w1", 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("wip update: %v", err)
	}
	got, err := r.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentWip != n {
		t.Fatalf("expected current_wip %d, got %d", n, got.CurrentWip)
	}
	if err := r.UpdateWorkerWip(ctx, "w1", -n); err != nil {
		t.Fatal(err)
	}
	got, err = r.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentWip != 0 {
		t.Fatalf("expected current_wip 0, got %d", got.CurrentWip)
	}
}
