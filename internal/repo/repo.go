package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskfleet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const taskColumns = `id,title,COALESCE(description,'') AS description,type,state,priority,scope,product_id,group_id,executor_id,creator_id,gate,dod_required,metadata_json,created_at,updated_at,version`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var productID, executorID, metadata sql.NullString
	var dod int
	err := scan(&t.ID, &t.Title, &t.Description, &t.Type, &t.State, &t.Priority, &t.Scope,
		&productID, &t.GroupID, &executorID, &t.CreatorID, &t.Gate, &dod, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DodRequired = dod != 0
	if productID.Valid {
		t.ProductID = &productID.String
	}
	if executorID.Valid {
		t.ExecutorID = &executorID.String
	}
	if metadata.Valid {
		t.MetadataJSON = &metadata.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	dod := 0
	if t.DodRequired {
		dod = 1
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO tasks(id,title,description,type,state,priority,scope,product_id,group_id,executor_id,creator_id,gate,dod_required,metadata_json,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Type, t.State, t.Priority, t.Scope,
		nullableStringPtr(t.ProductID), t.GroupID, nullableStringPtr(t.ExecutorID), t.CreatorID,
		t.Gate, dod, nullableStringPtr(t.MetadataJSON), t.CreatedAt, t.UpdatedAt, t.Version)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	State           string
	GroupID         string
	Scope           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id=?")
		args = append(args, f.GroupID)
	}
	if f.Scope != "" {
		clauses = append(clauses, "scope=?")
		args = append(args, f.Scope)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDispatchable returns READY tasks whose gate, if set, has at least one
// matching approval. Ordering is deterministic: priority first, oldest first.
func (r Repo) ListDispatchable(ctx context.Context) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE state=? AND (gate='' OR EXISTS (
	SELECT 1 FROM approvals a WHERE a.task_id=tasks.id AND a.gate_type=tasks.gate
))
ORDER BY priority DESC, created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, domain.StateReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskState applies a guarded transition: the row must still be in
// fromState at fromVersion, and the version bump rides the same statement.
// Zero rows affected means a concurrent writer won.
func (r Repo) UpdateTaskState(ctx context.Context, tx *sql.Tx, id, fromState, toState string, fromVersion int64, executorID *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, version=version+1, updated_at=?, executor_id=COALESCE(?, executor_id) WHERE id=? AND state=? AND version=?`,
		toState, now, nullableStringPtr(executorID), id, fromState, fromVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountTasksByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
