package repo

import (
	"context"
	"database/sql"

	"taskfleet/internal/domain"
)

const dispatchColumns = `dispatch_key,task_id,from_state,to_state,version,group_id,worker_id,status,created_at,updated_at`

func scanDispatch(scan func(dest ...any) error) (domain.Dispatch, error) {
	var d domain.Dispatch
	var workerID sql.NullString
	err := scan(&d.Key, &d.TaskID, &d.FromState, &d.ToState, &d.Version, &d.GroupID, &workerID, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if workerID.Valid {
		d.WorkerID = &workerID.String
	}
	return d, nil
}

// TryCreateDispatch is the idempotency boundary: a conditional insert on the
// dispatch key. The first writer wins; later writers get the existing row
// back with created=false and no error.
func (r Repo) TryCreateDispatch(ctx context.Context, d domain.Dispatch) (domain.Dispatch, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO dispatches(dispatch_key,task_id,from_state,to_state,version,group_id,worker_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(dispatch_key) DO NOTHING`,
		d.Key, d.TaskID, d.FromState, d.ToState, d.Version, d.GroupID, nullableStringPtr(d.WorkerID), d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return domain.Dispatch{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Dispatch{}, false, err
	}
	existing, err := r.GetDispatchByKey(ctx, d.Key)
	if err != nil {
		return domain.Dispatch{}, false, err
	}
	return existing, n == 1, nil
}

func (r Repo) GetDispatchByKey(ctx context.Context, key string) (domain.Dispatch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE dispatch_key=?`, key)
	return scanDispatch(row.Scan)
}

// allowedPrior maps a target status to the statuses it may be entered from.
// Out-of-order or repeated terminal updates fall through as no-ops.
var allowedPrior = map[string][]string{
	domain.DispatchRunning:   {domain.DispatchEnqueued},
	domain.DispatchCompleted: {domain.DispatchEnqueued, domain.DispatchRunning},
	domain.DispatchFailed:    {domain.DispatchEnqueued, domain.DispatchRunning},
}

func (r Repo) UpdateDispatchStatus(ctx context.Context, key, status, now string) error {
	prior, ok := allowedPrior[status]
	if !ok {
		return nil
	}
	args := []any{status, now, key}
	placeholders := ""
	for i, p := range prior {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, p)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE dispatches SET status=?, updated_at=? WHERE dispatch_key=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing row from a settled one.
		if _, err := r.GetDispatchByKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListDispatchesByWorker(ctx context.Context, workerID string) ([]domain.Dispatch, error) {
	return r.listDispatches(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE worker_id=? ORDER BY created_at DESC, dispatch_key DESC`, workerID)
}

func (r Repo) ListDispatchesByTask(ctx context.Context, taskID string) ([]domain.Dispatch, error) {
	return r.listDispatches(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE task_id=? ORDER BY created_at DESC, dispatch_key DESC`, taskID)
}

// LatestOpenDispatchForTask resolves the dispatch a completion callback
// belongs to: the most recent non-terminal attempt for the task.
func (r Repo) LatestOpenDispatchForTask(ctx context.Context, taskID string) (domain.Dispatch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE task_id=? AND status IN (?,?) ORDER BY version DESC, created_at DESC LIMIT 1`,
		taskID, domain.DispatchEnqueued, domain.DispatchRunning)
	return scanDispatch(row.Scan)
}

func (r Repo) listDispatches(ctx context.Context, query string, args ...any) ([]domain.Dispatch, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
