package repo

import (
	"context"
	"database/sql"

	"taskfleet/internal/domain"
)

func (r Repo) InsertApproval(ctx context.Context, a domain.Approval) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approvals(id,task_id,gate_type,approver_id,approved_at,notes) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.GateType, a.ApproverID, a.ApprovedAt, nullableStringPtr(a.Notes))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,task_id,gate_type,approver_id,approved_at,notes) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.GateType, a.ApproverID, a.ApprovedAt, nullableStringPtr(a.Notes))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) ListApprovals(ctx context.Context, taskID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,gate_type,approver_id,approved_at,notes FROM approvals WHERE task_id=? ORDER BY approved_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var notes sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.GateType, &a.ApproverID, &a.ApprovedAt, &notes); err != nil {
			return nil, err
		}
		if notes.Valid {
			a.Notes = &notes.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// HasApprovalTx reports whether at least one approval for the gate exists.
func (r Repo) HasApprovalTx(ctx context.Context, tx *sql.Tx, taskID, gate string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM approvals WHERE task_id=? AND gate_type=? LIMIT 1`, taskID, gate)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
