package repo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"taskfleet/internal/domain"
	"taskfleet/internal/repo"
)

func insertTask(t *testing.T, r repo.Repo, task domain.Task) {
	t.Helper()
	if task.Type == "" {
		task.Type = "general"
	}
	if task.State == "" {
		task.State = domain.StateReady
	}
	if task.Scope == "" {
		task.Scope = domain.ScopeCompany
	}
	if task.CreatorID == "" {
		task.CreatorID = "tester"
	}
	if task.CreatedAt == "" {
		task.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
		task.UpdatedAt = task.CreatedAt
	}
	if err := r.InsertTask(context.Background(), nil, task); err != nil {
		t.Fatalf("insert %s: %v", task.ID, err)
	}
}

func TestListDispatchableOrdering(t *testing.T) {
	r, ctx := newTestRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// same priority resolves oldest first; higher priority jumps the queue
	insertTask(t, r, domain.Task{ID: "t-old", Title: "old", GroupID: "g", Priority: 1,
		CreatedAt: base.Format(time.RFC3339), UpdatedAt: base.Format(time.RFC3339)})
	insertTask(t, r, domain.Task{ID: "t-new", Title: "new", GroupID: "g", Priority: 1,
		CreatedAt: base.Add(time.Minute).Format(time.RFC3339), UpdatedAt: base.Add(time.Minute).Format(time.RFC3339)})
	insertTask(t, r, domain.Task{ID: "t-hot", Title: "hot", GroupID: "g", Priority: 9,
		CreatedAt: base.Add(2 * time.Minute).Format(time.RFC3339), UpdatedAt: base.Add(2 * time.Minute).Format(time.RFC3339)})
	// not READY, never dispatchable
	insertTask(t, r, domain.Task{ID: "t-doing", Title: "busy", GroupID: "g", State: domain.StateDoing})

	tasks, err := r.ListDispatchable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	want := []string{"t-hot", "t-old", "t-new"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestListDispatchableGate(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertTask(t, r, domain.Task{ID: "t-gated", Title: "gated", GroupID: "g", Gate: "review"})

	tasks, err := r.ListDispatchable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("gated task dispatchable without approval: %v", tasks)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	err = r.InsertApproval(ctx, domain.Approval{
		ID: "a1", TaskID: "t-gated", GateType: "review", ApproverID: "lead", ApprovedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, err = r.ListDispatchable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t-gated" {
		t.Fatalf("expected gated task after approval, got %v", tasks)
	}
}

func TestListTasksCursorPagination(t *testing.T) {
	r, ctx := newTestRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		insertTask(t, r, domain.Task{
			ID: fmt.Sprintf("t%d", i), Title: fmt.Sprintf("task %d", i), GroupID: "g",
			CreatedAt: ts, UpdatedAt: ts,
		})
	}

	page1, err := r.ListTasks(ctx, repo.TaskFilters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].ID != "t4" || page1[1].ID != "t3" {
		t.Fatalf("unexpected first page: %v", page1)
	}
	page2, err := r.ListTasks(ctx, repo.TaskFilters{
		Limit:           2,
		CursorCreatedAt: page1[1].CreatedAt,
		CursorID:        page1[1].ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0].ID != "t2" || page2[1].ID != "t1" {
		t.Fatalf("unexpected second page: %v", page2)
	}
}

func TestUpdateTaskStateGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertTask(t, r, domain.Task{ID: "t1", Title: "guarded", GroupID: "g"})
	now := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC).Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	applied, err := r.UpdateTaskState(ctx, tx, "t1", domain.StateReady, domain.StateDoing, 0, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatalf("expected guarded update to apply")
	}
	// same guard again loses: the row moved on
	applied, err = r.UpdateTaskState(ctx, tx, "t1", domain.StateReady, domain.StateDoing, 0, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatalf("stale guard applied")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateDoing || got.Version != 1 {
		t.Fatalf("unexpected row: state=%s version=%d", got.State, got.Version)
	}
}
