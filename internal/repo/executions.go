package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"venturegate/internal/domain"
)

// EnsureExecution returns the per-venture ordinal of executionID, assigning the next one on first sight.
// An execution id already bound to another venture is a validation error.
func (r Repo) EnsureExecution(ctx context.Context, tx *sql.Tx, ventureID, executionID, now string) (int64, error) {
	q := r.q(tx)
	var owner string
	var ordinal int64
	err := q.QueryRowContext(ctx, `SELECT venture_id, ordinal FROM executions WHERE execution_id=?`, executionID).Scan(&owner, &ordinal)
	switch {
	case err == nil:
		if owner != ventureID {
			return 0, domain.ValidationError{Field: "executionId", Reason: fmt.Sprintf("execution %s belongs to venture %s", executionID, owner)}
		}
		return ordinal, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal),0)+1 FROM executions WHERE venture_id=?`, ventureID).Scan(&ordinal); err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO executions(execution_id,venture_id,ordinal,first_seen_at) VALUES (?,?,?,?)`,
		executionID, ventureID, ordinal, now); err != nil {
		return 0, err
	}
	return ordinal, nil
}

// ExecutionVenture resolves the venture an execution was first seen for.
func (r Repo) ExecutionVenture(ctx context.Context, tx *sql.Tx, executionID string) (string, error) {
	var ventureID string
	err := r.q(tx).QueryRowContext(ctx, `SELECT venture_id FROM executions WHERE execution_id=?`, executionID).Scan(&ventureID)
	return ventureID, notFound(err)
}
