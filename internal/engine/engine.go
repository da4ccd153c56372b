package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskfleet/internal/domain"
	"taskfleet/internal/events"
	"taskfleet/internal/repo"
)

// InvalidTransitionError indicates the requested state change is not
// reachable from the task's current state.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition %s -> %s", e.From, e.To)
}

// GateNotSatisfiedError indicates the transition is blocked pending approval.
type GateNotSatisfiedError struct {
	Gate string
}

func (e GateNotSatisfiedError) Error() string {
	return fmt.Sprintf("approval gate %s not satisfied", e.Gate)
}

// ErrStale signals a concurrent writer moved the task first; the caller's
// view of state/version is no longer current.
var ErrStale = errors.New("task changed concurrently")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// allowedTransitions is the reachability map. DONE is terminal.
var allowedTransitions = map[string][]string{
	domain.StateReady:     {domain.StateDoing, domain.StateBlocked},
	domain.StateDoing:     {domain.StateDone, domain.StateFailed, domain.StateEscalated},
	domain.StateBlocked:   {domain.StateReady},
	domain.StateFailed:    {domain.StateReady, domain.StateEscalated},
	domain.StateEscalated: {domain.StateReady},
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	Type        string
	State       string
	Priority    int
	Scope       string
	ProductID   string
	GroupID     string
	CreatorID   string
	Gate        string
	DodRequired bool
	Metadata    string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.CreatorID == "" {
		return domain.Task{}, errors.New("creator is required")
	}
	if opts.Type == "" {
		opts.Type = "general"
	}
	if opts.State == "" {
		opts.State = domain.StateReady
	}
	if !domain.ValidState(opts.State) {
		return domain.Task{}, fmt.Errorf("invalid task state %s", opts.State)
	}
	if opts.Scope == "" {
		opts.Scope = domain.ScopeCompany
	}
	if opts.Scope != domain.ScopeCompany && opts.Scope != domain.ScopeProduct {
		return domain.Task{}, fmt.Errorf("invalid scope %s", opts.Scope)
	}
	if opts.Scope == domain.ScopeProduct && opts.ProductID == "" {
		return domain.Task{}, errors.New("product is required for PRODUCT scope")
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.CreatorID+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.Task{
		ID:           id,
		Title:        opts.Title,
		Description:  opts.Description,
		Type:         opts.Type,
		State:        opts.State,
		Priority:     opts.Priority,
		Scope:        opts.Scope,
		ProductID:    optionalString(opts.ProductID),
		GroupID:      opts.GroupID,
		CreatorID:    opts.CreatorID,
		Gate:         opts.Gate,
		DodRequired:  opts.DodRequired,
		MetadataJSON: optionalString(opts.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      0,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, t.ID, "task.created", nil, &t.State, opts.ActorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TransitionOptions encapsulates one state-change request.
type TransitionOptions struct {
	ID         string
	To         string
	ActorID    string
	Reason     string
	ExecutorID *string
}

// Transition validates reachability and the approval gate, then updates
// state, bumps the version, and appends the activity atomically: all three
// ride one transaction, and the UPDATE is guarded on the state/version the
// decision was made against.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	if !domain.ValidState(opts.To) {
		return domain.Task{}, InvalidTransitionError{From: "", To: opts.To}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if !transitionAllowed(t.State, opts.To) {
		return t, InvalidTransitionError{From: t.State, To: opts.To}
	}
	if opts.To == domain.StateDoing && t.Gate != "" {
		ok, err := e.Repo.HasApprovalTx(ctx, tx, t.ID, t.Gate)
		if err != nil {
			return t, err
		}
		if !ok {
			return t, GateNotSatisfiedError{Gate: t.Gate}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	applied, err := e.Repo.UpdateTaskState(ctx, tx, t.ID, t.State, opts.To, t.Version, opts.ExecutorID, now)
	if err != nil {
		return t, err
	}
	if !applied {
		return t, ErrStale
	}
	if err := e.Events.Append(ctx, tx, t.ID, "task.transitioned", &t.State, &opts.To, opts.ActorID, optionalString(opts.Reason)); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, t.ID)
}

// RecordApproval appends an approval row for the gate plus its audit entry.
// Multiple approvals may accumulate; the engine does not dedupe beyond
// storage identity.
func (e Engine) RecordApproval(ctx context.Context, taskID, gateType, approverID, notes string) (domain.Approval, error) {
	if gateType == "" {
		return domain.Approval{}, errors.New("gate type is required")
	}
	if approverID == "" {
		return domain.Approval{}, errors.New("approver is required")
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.Approval{}, err
	}
	a := domain.Approval{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		GateType:   gateType,
		ApproverID: approverID,
		ApprovedAt: e.now().UTC().Format(time.RFC3339),
		Notes:      optionalString(notes),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApprovalTx(ctx, tx, a); err != nil {
		return a, err
	}
	reason := "gate " + gateType
	if err := e.Events.Append(ctx, tx, taskID, "approval.recorded", nil, nil, approverID, &reason); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
