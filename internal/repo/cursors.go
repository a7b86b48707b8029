package repo

import (
	"context"
	"database/sql"
	"errors"
)

// HookCursor returns the last audit seq delivered to an escalation hook.
func (r Repo) HookCursor(ctx context.Context, hookID string) (int64, bool, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_seq FROM hook_cursors WHERE hook_id=?`, hookID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return seq, err == nil, err
}

func (r Repo) SetHookCursor(ctx context.Context, hookID string, seq int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO hook_cursors(hook_id, last_seq, updated_at) VALUES (?,?,?)
ON CONFLICT(hook_id) DO UPDATE SET last_seq=excluded.last_seq, updated_at=excluded.updated_at`, hookID, seq, now)
	return err
}

// LatestAuditSeq returns the highest audit seq, or 0 for an empty log.
func (r Repo) LatestAuditSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_events`).Scan(&seq)
	return seq, err
}
