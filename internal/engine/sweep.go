package engine

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/metric"

	"venturegate/internal/audit"
	"venturegate/internal/domain"
	"venturegate/internal/repo"
	"venturegate/internal/telemetry"
)

// ExpireDue moves pending approvals past their deadline to expired. The engine's checkpoint
// stays blocked; the approval.expired audit event feeds escalation.
func (e Engine) ExpireDue(ctx context.Context) (int, error) {
	now := e.stamp()
	due, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilter{Status: domain.ApprovalPending, ExpiresBefore: now})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range due {
		var ok bool
		err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
			var err error
			ok, err = e.Repo.ExpireApproval(ctx, tx, a.ID, now)
			return err
		})
		if err != nil {
			return expired, err
		}
		if !ok {
			continue
		}
		expired++
		after := a
		after.Status = domain.ApprovalExpired
		after.ResolvedAt = now
		e.add(ctx, func(m *telemetry.Instruments) metric.Int64Counter { return m.Approvals }, "type", string(a.Type), "status", string(domain.ApprovalExpired))
		e.record(ctx, audit.Entry{VentureID: a.VentureID, EventType: domain.EventApprovalExpired, Actor: domain.SystemActor,
			Before: map[string]any{"status": domain.ApprovalPending}, After: after,
			Payload: map[string]any{"approvalId": a.ID, "expiresAt": a.ExpiresAt, "executionId": a.ExecutionID, "taskId": a.TaskID}})
	}
	return expired, nil
}

// RunSweeper expires overdue approvals and re-drives pending resume deliveries every
// interval until ctx is done.
func (e Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e Engine) sweepOnce(ctx context.Context) {
	if n, err := e.ExpireDue(ctx); err != nil {
		e.logger().Error("approval expiry sweep failed", "err", err)
	} else if n > 0 {
		e.logger().Info("approvals expired", "count", n)
	}
	if _, err := e.RedrivePending(ctx); err != nil {
		e.logger().Error("resume redrive failed", "err", err)
	}
}
