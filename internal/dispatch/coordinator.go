package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"taskfleet/internal/domain"
	"taskfleet/internal/engine"
	"taskfleet/internal/repo"
)

const (
	defaultPollInterval = 10 * time.Second
	nonceSweepInterval  = 10 * time.Minute
)

// ErrReplayRejected is returned when a completion callback reuses a nonce.
var ErrReplayRejected = errors.New("completion nonce already used")

// ErrNoOpenDispatch is returned when a completion arrives for a task with
// no non-terminal dispatch on record.
var ErrNoOpenDispatch = errors.New("no open dispatch for task")

// ErrWorkerMismatch is returned when a completion names a worker other than
// the one the dispatch was assigned to.
var ErrWorkerMismatch = errors.New("completion worker does not match dispatch")

// Subscriber receives post-commit notifications about task changes. Delivery
// is best effort and must not block the coordinator.
type Subscriber interface {
	TaskChanged(ctx context.Context, t domain.Task, action string)
}

// Completion is the payload a worker reports when it finishes a task.
type Completion struct {
	TaskID   string
	WorkerID string
	Nonce    string
	Success  bool
	Detail   string
}

// Coordinator drives the dispatch loop: it scans for dispatchable tasks,
// claims each one through the dispatch ledger, hands it to a worker or the
// local runner, and settles completions reported back by workers.
// LocalGroup restricts the local fallback to tasks of that group; empty
// means the local path serves every group.
type Coordinator struct {
	Repo         repo.Repo
	Engine       engine.Engine
	Invoker      Invoker
	Local        LocalRunner
	Subscribers  []Subscriber
	PollInterval time.Duration
	LocalGroup   string
	Now          func() time.Time
}

func NewCoordinator(e engine.Engine) *Coordinator {
	return &Coordinator{
		Repo:    e.Repo,
		Engine:  e,
		Invoker: NewHTTPInvoker(),
		Local:   NoopLocalRunner{},
		Now:     e.Now,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run polls until the context is cancelled. Nonce cleanup rides a slower
// ticker so the replay table stays bounded without touching the hot path.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweep := time.NewTicker(nonceSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n, err := c.Repo.CleanupExpiredNonces(ctx, c.now()); err != nil {
				log.Printf("dispatch: nonce cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("dispatch: swept %d expired nonces", n)
			}
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass over every currently dispatchable task.
func (c *Coordinator) Tick(ctx context.Context) {
	tasks, err := c.Repo.ListDispatchable(ctx)
	if err != nil {
		log.Printf("dispatch: list dispatchable failed: %v", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	workers, err := c.Repo.ListOnlineWorkers(ctx)
	if err != nil {
		log.Printf("dispatch: list workers failed: %v", err)
		return
	}
	for _, t := range tasks {
		assigned, err := c.dispatchOne(ctx, t, workers)
		if err != nil {
			log.Printf("dispatch: task %s: %v", t.ID, err)
		}
		if assigned == "" {
			continue
		}
		// Keep the snapshot honest within this pass so one worker is not
		// handed more than its spare capacity.
		for i := range workers {
			if workers[i].ID == assigned {
				workers[i].CurrentWip++
			}
		}
	}
}

// dispatchOne claims the READY->DOING transition for the task at its current
// version. The conditional insert on the dispatch key makes the claim
// idempotent: if any coordinator already attempted this exact transition,
// the task is skipped until an operator bumps the version. It returns the
// worker id when capacity was consumed on a worker.
func (c *Coordinator) dispatchOne(ctx context.Context, t domain.Task, workers []domain.Worker) (string, error) {
	w, assigned := SelectWorker(workers, t.GroupID)
	if !assigned && !c.localServes(t.GroupID) {
		// No capacity anywhere for this group right now; the task stays
		// READY for a later tick.
		return "", nil
	}
	now := c.now().UTC().Format(time.RFC3339)
	d := domain.Dispatch{
		Key:       domain.DispatchKey(t.ID, domain.StateReady, domain.StateDoing, t.Version),
		TaskID:    t.ID,
		FromState: domain.StateReady,
		ToState:   domain.StateDoing,
		Version:   t.Version,
		GroupID:   t.GroupID,
		Status:    domain.DispatchEnqueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	executor := "local"
	if assigned {
		d.WorkerID = &w.ID
		executor = w.ID
	}
	_, created, err := c.Repo.TryCreateDispatch(ctx, d)
	if err != nil {
		return "", err
	}
	if !created {
		return "", nil
	}
	consumed := ""
	if assigned {
		if err := c.Repo.UpdateWorkerWip(ctx, w.ID, 1); err != nil {
			return "", err
		}
		consumed = w.ID
	}
	if err := c.Repo.UpdateDispatchStatus(ctx, d.Key, domain.DispatchRunning, now); err != nil {
		return consumed, err
	}
	req := WorkRequest{
		DispatchKey: d.Key,
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Type:        t.Type,
		Priority:    t.Priority,
		GroupID:     t.GroupID,
	}
	if t.MetadataJSON != nil {
		req.Metadata = *t.MetadataJSON
	}
	if assigned {
		err = c.Invoker.Invoke(ctx, w, req)
	} else {
		err = c.Local.Run(ctx, req)
	}
	if err != nil {
		// failHandoff releases the worker's slot again
		return "", c.failHandoff(ctx, d, w, assigned, err)
	}
	updated, err := c.Engine.Transition(ctx, engine.TransitionOptions{
		ID:         t.ID,
		To:         domain.StateDoing,
		ActorID:    "dispatcher",
		ExecutorID: &executor,
	})
	if err != nil {
		// A concurrent writer moved the task after the handoff. The
		// dispatch stays RUNNING; the completion callback settles it.
		if errors.Is(err, engine.ErrStale) {
			log.Printf("dispatch: task %s moved concurrently, leaving dispatch %s running", t.ID, d.Key)
			return consumed, nil
		}
		return consumed, err
	}
	c.notify(ctx, updated, "task.dispatched")
	return consumed, nil
}

// failHandoff settles a dispatch whose handoff never reached the worker.
// The key stays FAILED so the same version is never retried automatically;
// recovery is an operator version bump.
func (c *Coordinator) failHandoff(ctx context.Context, d domain.Dispatch, w domain.Worker, assigned bool, cause error) error {
	now := c.now().UTC().Format(time.RFC3339)
	if err := c.Repo.UpdateDispatchStatus(ctx, d.Key, domain.DispatchFailed, now); err != nil {
		return err
	}
	if assigned {
		if err := c.Repo.UpdateWorkerWip(ctx, w.ID, -1); err != nil {
			return err
		}
	}
	reason := cause.Error()
	if err := c.Engine.Events.Record(ctx, d.TaskID, "dispatch.failed", nil, nil, "dispatcher", &reason); err != nil {
		return err
	}
	log.Printf("dispatch: handoff for %s failed: %v", d.Key, cause)
	return nil
}

// HandleCompletion settles a worker-reported outcome: replay check, WIP
// release, ledger update, then the DOING->DONE or DOING->FAILED transition.
func (c *Coordinator) HandleCompletion(ctx context.Context, comp Completion) (domain.Task, error) {
	used, err := c.Repo.IsNonceUsed(ctx, comp.Nonce)
	if err != nil {
		return domain.Task{}, err
	}
	if used {
		return domain.Task{}, ErrReplayRejected
	}
	if err := c.Repo.RecordNonce(ctx, comp.Nonce); err != nil {
		return domain.Task{}, err
	}
	d, err := c.Repo.LatestOpenDispatchForTask(ctx, comp.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ErrNoOpenDispatch
		}
		return domain.Task{}, err
	}
	if d.WorkerID != nil && *d.WorkerID != comp.WorkerID {
		return domain.Task{}, ErrWorkerMismatch
	}
	return c.settle(ctx, d, comp.WorkerID, comp.Success, comp.Detail)
}

// HandleLocalResult settles a task that ran on the local path. There is no
// nonce or WIP involved: the caller is in-process.
func (c *Coordinator) HandleLocalResult(ctx context.Context, taskID string, success bool, detail string) (domain.Task, error) {
	d, err := c.Repo.LatestOpenDispatchForTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ErrNoOpenDispatch
		}
		return domain.Task{}, err
	}
	if d.WorkerID != nil {
		return domain.Task{}, ErrWorkerMismatch
	}
	return c.settle(ctx, d, "local", success, detail)
}

func (c *Coordinator) settle(ctx context.Context, d domain.Dispatch, actor string, success bool, detail string) (domain.Task, error) {
	now := c.now().UTC().Format(time.RFC3339)
	status := domain.DispatchCompleted
	to := domain.StateDone
	action := "task.completed"
	if !success {
		status = domain.DispatchFailed
		to = domain.StateFailed
		action = "task.failed"
	}
	if d.WorkerID != nil {
		if err := c.Repo.UpdateWorkerWip(ctx, *d.WorkerID, -1); err != nil {
			return domain.Task{}, err
		}
	}
	if err := c.Repo.UpdateDispatchStatus(ctx, d.Key, status, now); err != nil {
		return domain.Task{}, err
	}
	t, err := c.Engine.Transition(ctx, engine.TransitionOptions{
		ID:      d.TaskID,
		To:      to,
		ActorID: actor,
		Reason:  detail,
	})
	if err != nil {
		return t, err
	}
	c.notify(ctx, t, action)
	return t, nil
}

func (c *Coordinator) localServes(group string) bool {
	return c.LocalGroup == "" || c.LocalGroup == group
}

func (c *Coordinator) notify(ctx context.Context, t domain.Task, action string) {
	for _, s := range c.Subscribers {
		s.TaskChanged(ctx, t, action)
	}
}
