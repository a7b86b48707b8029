package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"venturegate/internal/domain"
)

const approvalColumns = `id,execution_id,task_id,venture_id,type,options_json,description,amount,status,decision,feedback,resolved_by,
created_at,resolved_at,expires_at,delivery_status,delivery_attempts,last_delivery_error,delivered_at,linkage_derived`

func scanApproval(row rowScanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var options string
	var derived int
	err := row.Scan(&a.ID, &a.ExecutionID, &a.TaskID, &a.VentureID, &a.Type, &options, &a.Description, &a.Amount, &a.Status,
		&a.Decision, &a.Feedback, &a.ResolvedBy, &a.CreatedAt, &a.ResolvedAt, &a.ExpiresAt, &a.DeliveryStatus,
		&a.DeliveryAttempts, &a.LastDeliveryError, &a.DeliveredAt, &derived)
	if err != nil {
		return a, notFound(err)
	}
	a.LinkageDerived = derived == 1
	if err := json.Unmarshal([]byte(options), &a.Options); err != nil {
		return a, err
	}
	return a, nil
}

// InsertApprovalIfAbsent inserts a unless (execution_id, task_id) already has a request.
// It reports whether a row was created.
func (r Repo) InsertApprovalIfAbsent(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) (bool, error) {
	options, err := json.Marshal(a.Options)
	if err != nil {
		return false, err
	}
	if a.DeliveryStatus == "" {
		a.DeliveryStatus = domain.DeliveryNone
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO approval_requests(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(execution_id, task_id) DO NOTHING`,
		a.ID, a.ExecutionID, a.TaskID, a.VentureID, a.Type, string(options), a.Description, a.Amount, a.Status,
		a.Decision, a.Feedback, a.ResolvedBy, a.CreatedAt, a.ResolvedAt, a.ExpiresAt, a.DeliveryStatus,
		a.DeliveryAttempts, a.LastDeliveryError, a.DeliveredAt, boolInt(a.LinkageDerived))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetApproval(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
}

func (r Repo) GetApprovalByLink(ctx context.Context, tx *sql.Tx, executionID, taskID string) (domain.ApprovalRequest, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE execution_id=? AND task_id=?`, executionID, taskID))
}

// ResolveApproval records a decision if the request is still in one of the from statuses.
// It reports false when the request had already left them.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest, from ...domain.ApprovalStatus) (bool, error) {
	if len(from) == 0 {
		from = []domain.ApprovalStatus{domain.ApprovalPending}
	}
	args := []any{a.Status, a.Decision, a.Feedback, a.ResolvedBy, a.ResolvedAt, domain.DeliveryPending, a.ID}
	marks := make([]string, len(from))
	for i, s := range from {
		marks[i] = "?"
		args = append(args, s)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approval_requests SET status=?, decision=?, feedback=?, resolved_by=?, resolved_at=?, delivery_status=?
WHERE id=? AND status IN (`+strings.Join(marks, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ExpireApproval moves a pending request past its deadline to expired.
func (r Repo) ExpireApproval(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approval_requests SET status=?, resolved_at=? WHERE id=? AND status=? AND expires_at<=?`,
		domain.ApprovalExpired, now, id, domain.ApprovalPending, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordDeliveryAttempt stores the outcome of one resume call.
func (r Repo) RecordDeliveryAttempt(ctx context.Context, id string, status domain.DeliveryStatus, lastErr, deliveredAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE approval_requests SET delivery_status=?, delivery_attempts=delivery_attempts+1, last_delivery_error=?,
delivered_at=CASE WHEN ?<>'' THEN ? ELSE delivered_at END WHERE id=?`, status, lastErr, deliveredAt, deliveredAt, id)
	return err
}

// SetDeliveryStatus changes delivery state without counting an attempt.
func (r Repo) SetDeliveryStatus(ctx context.Context, id string, from, to domain.DeliveryStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE approval_requests SET delivery_status=? WHERE id=? AND delivery_status=?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ApprovalFilter narrows ListApprovals. Zero values match everything.
type ApprovalFilter struct {
	VentureID      string
	Status         domain.ApprovalStatus
	DeliveryStatus domain.DeliveryStatus
	ExpiresBefore  string
	Limit          int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilter) ([]domain.ApprovalRequest, error) {
	var clauses []string
	var args []any
	if f.VentureID != "" {
		clauses = append(clauses, "venture_id=?")
		args = append(args, f.VentureID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DeliveryStatus != "" {
		clauses = append(clauses, "delivery_status=?")
		args = append(args, f.DeliveryStatus)
	}
	if f.ExpiresBefore != "" {
		clauses = append(clauses, "expires_at<=?")
		args = append(args, f.ExpiresBefore)
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
