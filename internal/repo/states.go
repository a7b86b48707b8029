package repo

import (
	"context"
	"database/sql"
	"strings"

	"venturegate/internal/domain"
)

const stateColumns = `venture_id,phase,desirability_signal,feasibility_signal,viability_signal,pivot_recommendation,version,last_execution_id,policy_version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (domain.ValidationState, error) {
	var s domain.ValidationState
	err := row.Scan(&s.VentureID, &s.Phase, &s.DesirabilitySignal, &s.FeasibilitySignal, &s.ViabilitySignal,
		&s.PivotRecommendation, &s.Version, &s.LastExecutionID, &s.PolicyVersion, &s.CreatedAt, &s.UpdatedAt)
	return s, notFound(err)
}

func (r Repo) InsertState(ctx context.Context, tx *sql.Tx, s domain.ValidationState) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO validation_states(`+stateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.VentureID, s.Phase, s.DesirabilitySignal, s.FeasibilitySignal, s.ViabilitySignal, s.PivotRecommendation,
		s.Version, s.LastExecutionID, s.PolicyVersion, s.CreatedAt, s.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return domain.ErrVentureExists
	}
	return err
}

func (r Repo) GetState(ctx context.Context, tx *sql.Tx, ventureID string) (domain.ValidationState, error) {
	return scanState(r.q(tx).QueryRowContext(ctx, `SELECT `+stateColumns+` FROM validation_states WHERE venture_id=?`, ventureID))
}

// UpdateState writes s only if the stored version still equals prevVersion.
// It reports false when another writer got there first.
func (r Repo) UpdateState(ctx context.Context, tx *sql.Tx, s domain.ValidationState, prevVersion int64) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE validation_states SET phase=?, desirability_signal=?, feasibility_signal=?, viability_signal=?,
pivot_recommendation=?, version=?, last_execution_id=?, policy_version=?, updated_at=? WHERE venture_id=? AND version=?`,
		s.Phase, s.DesirabilitySignal, s.FeasibilitySignal, s.ViabilitySignal, s.PivotRecommendation, s.Version,
		s.LastExecutionID, s.PolicyVersion, s.UpdatedAt, s.VentureID, prevVersion)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// StateFilter narrows ListStates.
type StateFilter struct {
	Phase domain.Phase
	Limit int
}

func (r Repo) ListStates(ctx context.Context, f StateFilter) ([]domain.ValidationState, error) {
	query := `SELECT ` + stateColumns + ` FROM validation_states`
	var args []any
	if f.Phase != "" {
		query += ` WHERE phase=?`
		args = append(args, f.Phase)
	}
	query += ` ORDER BY updated_at DESC, venture_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
