package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskfleet/internal/db"
	"taskfleet/internal/domain"
	"taskfleet/internal/engine"
	"taskfleet/internal/migrate"
	"taskfleet/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestTaskStateTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:     "Do work",
		GroupID:   "backend",
		CreatorID: "tester",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.State != domain.StateReady || task.Version != 0 {
		t.Fatalf("unexpected initial task: state=%s version=%d", task.State, task.Version)
	}
	task, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateDoing, ActorID: "tester"})
	if err != nil || task.State != domain.StateDoing {
		t.Fatalf("to DOING: %v (state=%s)", err, task.State)
	}
	if task.Version != 1 {
		t.Fatalf("version not bumped: %d", task.Version)
	}
	task, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateDone, ActorID: "tester"})
	if err != nil || task.State != domain.StateDone {
		t.Fatalf("to DONE: %v (state=%s)", err, task.State)
	}
	// DONE is terminal
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateReady, ActorID: "tester"})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != domain.StateDone || ite.To != domain.StateReady {
		t.Fatalf("unexpected error detail: %+v", ite)
	}
}

func TestInvalidDirectJump(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "jump", GroupID: "g", CreatorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateDone, ActorID: "tester"})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError for READY->DONE, got %v", err)
	}
}

func TestGateBlocksUntilApproved(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "gated", GroupID: "g", CreatorID: "tester", Gate: "security-review",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateDoing, ActorID: "tester"})
	var ge engine.GateNotSatisfiedError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GateNotSatisfiedError, got %v", err)
	}
	if ge.Gate != "security-review" {
		t.Fatalf("unexpected gate: %s", ge.Gate)
	}
	// an approval for a different gate does not satisfy it
	if _, err := env.Engine.RecordApproval(env.Ctx, task.ID, "other-gate", "approver", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateDoing, ActorID: "tester"}); !errors.As(err, &ge) {
		t.Fatalf("expected gate still blocked, got %v", err)
	}
	if _, err := env.Engine.RecordApproval(env.Ctx, task.ID, "security-review", "approver", "looks fine"); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateDoing, ActorID: "tester"})
	if err != nil || task.State != domain.StateDoing {
		t.Fatalf("transition after approval: %v (state=%s)", err, task.State)
	}
}

func TestFailureRecoveryPaths(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "flaky", GroupID: "g", CreatorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	steps := []string{domain.StateDoing, domain.StateFailed, domain.StateReady, domain.StateBlocked, domain.StateReady, domain.StateDoing, domain.StateEscalated, domain.StateReady}
	for _, to := range steps {
		task, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: to, ActorID: "tester"})
		if err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	if task.Version != int64(len(steps)) {
		t.Fatalf("expected version %d, got %d", len(steps), task.Version)
	}
}

func TestTransitionWritesActivity(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "audited", GroupID: "g", CreatorID: "tester", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: domain.StateDoing, ActorID: "tester", Reason: "picked up"}); err != nil {
		t.Fatal(err)
	}
	items, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(items))
	}
	// newest first
	if items[0].Action != "task.transitioned" {
		t.Fatalf("unexpected action: %s", items[0].Action)
	}
	if items[0].FromState == nil || *items[0].FromState != domain.StateReady {
		t.Fatalf("missing from_state")
	}
	if items[0].Reason == nil || *items[0].Reason != "picked up" {
		t.Fatalf("missing reason")
	}
	if items[1].Action != "task.created" {
		t.Fatalf("unexpected first action: %s", items[1].Action)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{GroupID: "g", CreatorID: "tester"}); err == nil {
		t.Fatalf("expected error for missing title")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t", GroupID: "g", CreatorID: "tester", Scope: domain.ScopeProduct}); err == nil {
		t.Fatalf("expected error for PRODUCT scope without product")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t", GroupID: "g", CreatorID: "tester", State: "NOPE"}); err == nil {
		t.Fatalf("expected error for invalid state")
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.TaskCreateOptions{ID: "fixed-id", Title: "one", GroupID: "g", CreatorID: "tester"}
	if _, err := env.Engine.CreateTask(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, opts)
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
