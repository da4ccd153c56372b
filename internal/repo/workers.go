package repo

import (
	"context"
	"database/sql"
	"time"

	"taskfleet/internal/domain"
)

const workerColumns = `id,ssh_host,ssh_user,ssh_port,identity_file,local_port,remote_port,status,max_wip,current_wip,secret_hash,callback_url,groups_json,created_at,updated_at`

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var w domain.Worker
	var identityFile, callbackURL sql.NullString
	var groupsJSON string
	err := scan(&w.ID, &w.SSHHost, &w.SSHUser, &w.SSHPort, &identityFile, &w.LocalPort, &w.RemotePort,
		&w.Status, &w.MaxWip, &w.CurrentWip, &w.SecretHash, &callbackURL, &groupsJSON, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if identityFile.Valid {
		w.IdentityFile = &identityFile.String
	}
	if callbackURL.Valid {
		w.CallbackURL = &callbackURL.String
	}
	groups, err := domain.DecodeGroupSet(groupsJSON)
	if err != nil {
		return w, err
	}
	w.Groups = groups
	return w, nil
}

// UpsertWorker inserts or fully replaces a worker record by identifier.
func (r Repo) UpsertWorker(ctx context.Context, w domain.Worker) error {
	groups, err := w.Groups.Encode()
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workers(id,ssh_host,ssh_user,ssh_port,identity_file,local_port,remote_port,status,max_wip,current_wip,secret_hash,callback_url,groups_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	ssh_host=excluded.ssh_host, ssh_user=excluded.ssh_user, ssh_port=excluded.ssh_port,
	identity_file=excluded.identity_file, local_port=excluded.local_port, remote_port=excluded.remote_port,
	status=excluded.status, max_wip=excluded.max_wip, current_wip=excluded.current_wip,
	secret_hash=excluded.secret_hash, callback_url=excluded.callback_url, groups_json=excluded.groups_json,
	updated_at=excluded.updated_at`,
		w.ID, w.SSHHost, w.SSHUser, w.SSHPort, nullableStringPtr(w.IdentityFile), w.LocalPort, w.RemotePort,
		w.Status, w.MaxWip, w.CurrentWip, w.SecretHash, nullableStringPtr(w.CallbackURL), groups, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	return r.listWorkers(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id ASC`)
}

func (r Repo) ListOnlineWorkers(ctx context.Context) ([]domain.Worker, error) {
	return r.listWorkers(ctx, `SELECT `+workerColumns+` FROM workers WHERE status=? ORDER BY id ASC`, domain.WorkerOnline)
}

func (r Repo) listWorkers(ctx context.Context, query string, args ...any) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) UpdateWorkerStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWorkerWip adds delta to current_wip in a single atomic statement.
// No clamping: a completion for a dispatch issued before max_wip was lowered
// must still decrement, so policy lives in the selector, not here.
func (r Repo) UpdateWorkerWip(ctx context.Context, id string, delta int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET current_wip=current_wip+?, updated_at=? WHERE id=?`, delta, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
