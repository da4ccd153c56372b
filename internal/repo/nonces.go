package repo

import (
	"context"
	"database/sql"
	"time"
)

// NonceRetention bounds nonce storage while keeping the replay-protection
// window wide enough to cover realistic callback retry windows.
const NonceRetention = time.Hour

// RecordNonce inserts the value if absent. A duplicate insert is a harmless
// no-op: callback delivery may legitimately retry the record step itself.
func (r Repo) RecordNonce(ctx context.Context, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO nonces(value,created_at) VALUES (?,?)`, value, now)
	return err
}

func (r Repo) IsNonceUsed(ctx context.Context, value string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM nonces WHERE value=? LIMIT 1`, value)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CleanupExpiredNonces deletes entries older than the retention window and
// returns how many were removed. RFC3339 timestamps compare lexicographically.
func (r Repo) CleanupExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-NonceRetention).Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `DELETE FROM nonces WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
