package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskfleet/internal/domain"
)

func (r Repo) InsertActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(task_id,action,from_state,to_state,actor_id,reason,ts) VALUES (?,?,?,?,?,?,?)`,
		a.TaskID, a.Action, nullableStringPtr(a.FromState), nullableStringPtr(a.ToState), a.ActorID, nullableStringPtr(a.Reason), a.TS)
	return err
}

func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activities(task_id,action,from_state,to_state,actor_id,reason,ts) VALUES (?,?,?,?,?,?,?)`,
		a.TaskID, a.Action, nullableStringPtr(a.FromState), nullableStringPtr(a.ToState), a.ActorID, nullableStringPtr(a.Reason), a.TS)
	return err
}

type ActivityFilters struct {
	TaskID string
	Action string
	Limit  int
	Cursor int64
}

func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,task_id,action,from_state,to_state,actor_id,reason,ts FROM activities WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var from, to, reason sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &from, &to, &a.ActorID, &reason, &a.TS); err != nil {
			return nil, err
		}
		if from.Valid {
			a.FromState = &from.String
		}
		if to.Valid {
			a.ToState = &to.String
		}
		if reason.Valid {
			a.Reason = &reason.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActivitiesAfter returns activities with IDs greater than the cursor in
// ascending order, for fan-out consumers.
func (r Repo) ActivitiesAfter(ctx context.Context, limit int, cursor int64) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,action,from_state,to_state,actor_id,reason,ts FROM activities WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var from, to, reason sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &from, &to, &a.ActorID, &reason, &a.TS); err != nil {
			return nil, err
		}
		if from.Valid {
			a.FromState = &from.String
		}
		if to.Valid {
			a.ToState = &to.String
		}
		if reason.Valid {
			a.Reason = &reason.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestActivityID returns the most recent activity ID.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activities`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
