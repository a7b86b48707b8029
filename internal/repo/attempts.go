package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"venturegate/internal/domain"
)

func (r Repo) InsertAttempt(ctx context.Context, tx *sql.Tx, a domain.GateAttempt) error {
	criteria, err := json.Marshal(a.Criteria)
	if err != nil {
		return err
	}
	failing, err := json.Marshal(a.FailingCriteria)
	if err != nil {
		return err
	}
	snapshot := string(a.CriteriaSnapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO gate_attempts(id,venture_id,gate,policy_version,criteria_snapshot,passed,status,score,criteria_json,failing_json,
overridden,justification,approver_id,actor_id,attempted_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.VentureID, a.Gate, a.PolicyVersion, snapshot, boolInt(a.Passed), a.Status, a.Score, string(criteria), string(failing),
		boolInt(a.Overridden), a.Justification, a.ApproverID, a.ActorID, a.AttemptedAt)
	return err
}

// ListAttempts returns a venture's gate attempts oldest first. An empty gate lists all gates.
func (r Repo) ListAttempts(ctx context.Context, ventureID string, gate domain.Dimension) ([]domain.GateAttempt, error) {
	query := `SELECT id,venture_id,gate,policy_version,criteria_snapshot,passed,status,score,criteria_json,failing_json,
overridden,justification,approver_id,actor_id,attempted_at FROM gate_attempts WHERE venture_id=?`
	args := []any{ventureID}
	if gate != "" {
		query += ` AND gate=?`
		args = append(args, gate)
	}
	query += ` ORDER BY attempted_at, rowid`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateAttempt
	for rows.Next() {
		var a domain.GateAttempt
		var snapshot, criteria, failing string
		var passed, overridden int
		if err := rows.Scan(&a.ID, &a.VentureID, &a.Gate, &a.PolicyVersion, &snapshot, &passed, &a.Status, &a.Score, &criteria, &failing,
			&overridden, &a.Justification, &a.ApproverID, &a.ActorID, &a.AttemptedAt); err != nil {
			return nil, err
		}
		a.Passed = passed == 1
		a.Overridden = overridden == 1
		a.CriteriaSnapshot = json.RawMessage(snapshot)
		if err := json.Unmarshal([]byte(criteria), &a.Criteria); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(failing), &a.FailingCriteria); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
