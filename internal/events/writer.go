package events

import (
	"context"
	"database/sql"
	"time"

	"taskfleet/internal/domain"
	"taskfleet/internal/repo"
)

// Writer appends activity rows inside the caller's transaction, so the audit
// entry commits or rolls back together with the state it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID, action string, fromState, toState *string, actorID string, reason *string) error {
	return repo.Repo{DB: w.DB}.InsertActivityTx(ctx, tx, w.activity(taskID, action, fromState, toState, actorID, reason))
}

// Record appends an activity outside any caller transaction, for audit
// entries that do not accompany a state change.
func (w Writer) Record(ctx context.Context, taskID, action string, fromState, toState *string, actorID string, reason *string) error {
	return repo.Repo{DB: w.DB}.InsertActivity(ctx, w.activity(taskID, action, fromState, toState, actorID, reason))
}

func (w Writer) activity(taskID, action string, fromState, toState *string, actorID string, reason *string) domain.Activity {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	return domain.Activity{
		TaskID:    taskID,
		Action:    action,
		FromState: fromState,
		ToState:   toState,
		ActorID:   actorID,
		Reason:    reason,
		TS:        now().UTC().Format(time.RFC3339),
	}
}
