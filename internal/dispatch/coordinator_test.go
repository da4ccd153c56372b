package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskfleet/internal/db"
	"taskfleet/internal/domain"
	"taskfleet/internal/engine"
	"taskfleet/internal/migrate"
	"taskfleet/internal/repo"
)

type fakeInvoker struct {
	calls []WorkRequest
	err   error
}

func (f *fakeInvoker) Invoke(ctx context.Context, w domain.Worker, req WorkRequest) error {
	f.calls = append(f.calls, req)
	return f.err
}

type fakeRunner struct {
	calls []WorkRequest
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, req WorkRequest) error {
	f.calls = append(f.calls, req)
	return f.err
}

type fakeSubscriber struct {
	actions []string
}

func (f *fakeSubscriber) TaskChanged(ctx context.Context, t domain.Task, action string) {
	f.actions = append(f.actions, action)
}

type coordEnv struct {
	Coord   *Coordinator
	Repo    repo.Repo
	Engine  engine.Engine
	Invoker *fakeInvoker
	Runner  *fakeRunner
	Sub     *fakeSubscriber
	Ctx     context.Context
}

func newCoordEnv(t *testing.T) coordEnv {
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
	inv := &fakeInvoker{}
	run := &fakeRunner{}
	sub := &fakeSubscriber{}
	coord := NewCoordinator(eng)
	coord.Invoker = inv
	coord.Local = run
	coord.Subscribers = []Subscriber{sub}
	return coordEnv{Coord: coord, Repo: eng.Repo, Engine: eng, Invoker: inv, Runner: run, Sub: sub, Ctx: context.Background()}
}

func (e coordEnv) addWorker(t *testing.T, id string, maxWip int) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	err := e.Repo.UpsertWorker(e.Ctx, domain.Worker{
		ID:         id,
		SSHHost:    "10.0.0.5",
		SSHUser:    "ops",
		SSHPort:    22,
		LocalPort:  9101,
		RemotePort: 9101,
		Status:     domain.WorkerOnline,
		MaxWip:     maxWip,
		SecretHash: repo.HashSecret("s3cret"),
		Groups:     domain.GroupSet{"backend"},
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("add worker: %v", err)
	}
}

func (e coordEnv) addTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := e.Engine.CreateTask(e.Ctx, engine.TaskCreateOptions{
		Title:     title,
		GroupID:   "backend",
		CreatorID: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTickDispatchesToWorker(t *testing.T) {
	env := newCoordEnv(t)
	env.addWorker(t, "w1", 2)
	task := env.addTask(t, "build release")

	env.Coord.Tick(env.Ctx)

	if len(env.Invoker.calls) != 1 {
		t.Fatalf("expected 1 handoff, got %d", len(env.Invoker.calls))
	}
	wantKey := domain.DispatchKey(task.ID, domain.StateReady, domain.StateDoing, 0)
	if env.Invoker.calls[0].DispatchKey != wantKey {
		t.Fatalf("dispatch key %s, want %s", env.Invoker.calls[0].DispatchKey, wantKey)
	}
	w, err := env.Repo.GetWorker(env.Ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.CurrentWip != 1 {
		t.Fatalf("expected current_wip 1, got %d", w.CurrentWip)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateDoing {
		t.Fatalf("expected DOING, got %s", got.State)
	}
	if got.ExecutorID == nil || *got.ExecutorID != "w1" {
		t.Fatalf("expected executor w1, got %v", got.ExecutorID)
	}
	d, err := env.Repo.GetDispatchByKey(env.Ctx, wantKey)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != domain.DispatchRunning {
		t.Fatalf("expected RUNNING, got %s", d.Status)
	}
	if len(env.Sub.actions) != 1 || env.Sub.actions[0] != "task.dispatched" {
		t.Fatalf("unexpected notifications: %v", env.Sub.actions)
	}

	// a second pass must not redo anything: the task is no longer READY
	env.Coord.Tick(env.Ctx)
	if len(env.Invoker.calls) != 1 {
		t.Fatalf("second tick re-dispatched: %d calls", len(env.Invoker.calls))
	}
}

func TestTickFallsBackToLocal(t *testing.T) {
	env := newCoordEnv(t)
	task := env.addTask(t, "no workers around")

	env.Coord.Tick(env.Ctx)

	if len(env.Invoker.calls) != 0 {
		t.Fatalf("unexpected worker handoff")
	}
	if len(env.Runner.calls) != 1 {
		t.Fatalf("expected 1 local run, got %d", len(env.Runner.calls))
	}
	key := domain.DispatchKey(task.ID, domain.StateReady, domain.StateDoing, 0)
	d, err := env.Repo.GetDispatchByKey(env.Ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if d.WorkerID != nil {
		t.Fatalf("local dispatch has worker %v", d.WorkerID)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutorID == nil || *got.ExecutorID != "local" {
		t.Fatalf("expected executor local, got %v", got.ExecutorID)
	}
}

func TestHandoffFailureBlocksRetry(t *testing.T) {
	env := newCoordEnv(t)
	env.addWorker(t, "w1", 2)
	task := env.addTask(t, "unreachable worker")
	env.Invoker.err = fmt.Errorf("connection refused")

	env.Coord.Tick(env.Ctx)

	key := domain.DispatchKey(task.ID, domain.StateReady, domain.StateDoing, 0)
	d, err := env.Repo.GetDispatchByKey(env.Ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != domain.DispatchFailed {
		t.Fatalf("expected FAILED, got %s", d.Status)
	}
	w, err := env.Repo.GetWorker(env.Ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.CurrentWip != 0 {
		t.Fatalf("wip not rolled back: %d", w.CurrentWip)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateReady {
		t.Fatalf("expected task left READY, got %s", got.State)
	}

	// the failed key pins this version: further ticks never re-invoke
	env.Invoker.err = nil
	env.Coord.Tick(env.Ctx)
	if len(env.Invoker.calls) != 1 {
		t.Fatalf("failed version was retried: %d calls", len(env.Invoker.calls))
	}

	// an operator version bump mints a fresh key and the task dispatches
	for _, to := range []string{domain.StateBlocked, domain.StateReady} {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ID: task.ID, To: to, ActorID: "operator"}); err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	env.Coord.Tick(env.Ctx)
	if len(env.Invoker.calls) != 2 {
		t.Fatalf("expected re-dispatch after version bump, got %d calls", len(env.Invoker.calls))
	}
	if env.Invoker.calls[1].DispatchKey == key {
		t.Fatalf("re-dispatch reused the failed key")
	}
}

func TestHandleCompletion(t *testing.T) {
	env := newCoordEnv(t)
	env.addWorker(t, "w1", 2)
	task := env.addTask(t, "finish me")
	env.Coord.Tick(env.Ctx)

	got, err := env.Coord.HandleCompletion(env.Ctx, Completion{
		TaskID:   task.ID,
		WorkerID: "w1",
		Nonce:    "nonce-1",
		Success:  true,
		Detail:   "all green",
	})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if got.State != domain.StateDone {
		t.Fatalf("expected DONE, got %s", got.State)
	}
	w, err := env.Repo.GetWorker(env.Ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.CurrentWip != 0 {
		t.Fatalf("wip not released: %d", w.CurrentWip)
	}
	key := domain.DispatchKey(task.ID, domain.StateReady, domain.StateDoing, 0)
	d, err := env.Repo.GetDispatchByKey(env.Ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != domain.DispatchCompleted {
		t.Fatalf("expected COMPLETED, got %s", d.Status)
	}
	if len(env.Sub.actions) != 2 || env.Sub.actions[1] != "task.completed" {
		t.Fatalf("unexpected notifications: %v", env.Sub.actions)
	}

	// replaying the same nonce is rejected before any state is touched
	if _, err := env.Coord.HandleCompletion(env.Ctx, Completion{
		TaskID: task.ID, WorkerID: "w1", Nonce: "nonce-1", Success: true,
	}); !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("expected ErrReplayRejected, got %v", err)
	}
}

func TestHandleCompletionFailureOutcome(t *testing.T) {
	env := newCoordEnv(t)
	env.addWorker(t, "w1", 2)
	task := env.addTask(t, "goes sideways")
	env.Coord.Tick(env.Ctx)

	got, err := env.Coord.HandleCompletion(env.Ctx, Completion{
		TaskID:   task.ID,
		WorkerID: "w1",
		Nonce:    "nonce-2",
		Success:  false,
		Detail:   "tests failed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	key := domain.DispatchKey(task.ID, domain.StateReady, domain.StateDoing, 0)
	d, err := env.Repo.GetDispatchByKey(env.Ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != domain.DispatchFailed {
		t.Fatalf("expected dispatch FAILED, got %s", d.Status)
	}
}

func TestHandleCompletionGuards(t *testing.T) {
	env := newCoordEnv(t)
	env.addWorker(t, "w1", 2)
	task := env.addTask(t, "guarded")

	// no dispatch yet
	if _, err := env.Coord.HandleCompletion(env.Ctx, Completion{
		TaskID: task.ID, WorkerID: "w1", Nonce: "nonce-3", Success: true,
	}); !errors.Is(err, ErrNoOpenDispatch) {
		t.Fatalf("expected ErrNoOpenDispatch, got %v", err)
	}

	env.Coord.Tick(env.Ctx)

	// wrong worker
	if _, err := env.Coord.HandleCompletion(env.Ctx, Completion{
		TaskID: task.ID, WorkerID: "w2", Nonce: "nonce-4", Success: true,
	}); !errors.Is(err, ErrWorkerMismatch) {
		t.Fatalf("expected ErrWorkerMismatch, got %v", err)
	}
}

func TestHandleLocalResult(t *testing.T) {
	env := newCoordEnv(t)
	task := env.addTask(t, "runs locally")
	env.Coord.Tick(env.Ctx)

	got, err := env.Coord.HandleLocalResult(env.Ctx, task.ID, true, "done here")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateDone {
		t.Fatalf("expected DONE, got %s", got.State)
	}
}

func TestLocalGroupRestrictsFallback(t *testing.T) {
	env := newCoordEnv(t)
	env.Coord.LocalGroup = "gpu"
	backend := env.addTask(t, "needs a worker")

	env.Coord.Tick(env.Ctx)

	// the local path only serves "gpu": a backend task with no worker
	// stays READY and claims no dispatch key
	if len(env.Runner.calls) != 0 {
		t.Fatalf("local path ran a foreign group: %v", env.Runner.calls)
	}
	got, err := env.Repo.GetTask(env.Ctx, backend.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateReady {
		t.Fatalf("expected READY, got %s", got.State)
	}
	key := domain.DispatchKey(backend.ID, domain.StateReady, domain.StateDoing, 0)
	if _, err := env.Repo.GetDispatchByKey(env.Ctx, key); err == nil {
		t.Fatalf("dispatch key claimed despite no eligible path")
	}

	// a worker arriving later still picks the task up
	env.addWorker(t, "w1", 1)
	env.Coord.Tick(env.Ctx)
	if len(env.Invoker.calls) != 1 {
		t.Fatalf("expected worker handoff once capacity exists, got %d", len(env.Invoker.calls))
	}
}

func TestCapacityLimitsDispatch(t *testing.T) {
	env := newCoordEnv(t)
	env.addWorker(t, "w1", 1)
	t1 := env.addTask(t, "first")
	t2 := env.addTask(t, "second")

	env.Coord.Tick(env.Ctx)

	// w1 has max_wip 1, so only one task gets the worker; the other runs
	// on the local path
	if len(env.Invoker.calls) != 1 {
		t.Fatalf("expected 1 worker handoff, got %d", len(env.Invoker.calls))
	}
	if len(env.Runner.calls) != 1 {
		t.Fatalf("expected 1 local run, got %d", len(env.Runner.calls))
	}
	for _, id := range []string{t1.ID, t2.ID} {
		got, err := env.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != domain.StateDoing {
			t.Fatalf("task %s: expected DOING, got %s", id, got.State)
		}
	}
}
