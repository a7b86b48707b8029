package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"venturegate/internal/audit"
	"venturegate/internal/config"
	"venturegate/internal/domain"
	"venturegate/internal/engine/auth"
	"venturegate/internal/repo"
	"venturegate/internal/telemetry"
)

// taskNamespace derives fallback task ids for checkpoints that omit one.
var taskNamespace = uuid.MustParse("6f1c2a4e-3b7d-4d1e-9a55-0c8e7b2f4d10")

// Checkpoint is a blocking HITL notification from the external engine.
type Checkpoint struct {
	ExecutionID     string
	TaskID          string
	VentureID       string
	Type            domain.ApprovalType
	Options         []domain.ApprovalOption
	Description     string
	Amount          float64
	UrgencyDeadline string
}

// CheckpointResult reports the request a checkpoint maps to.
type CheckpointResult struct {
	Approval     domain.ApprovalRequest `json:"approval"`
	Created      bool                   `json:"created"`
	AutoApproved bool                   `json:"autoApproved"`
}

// ResolveResult carries the request after a resolution call. Replayed is set when the
// request had already left pending and the stored outcome is returned unchanged.
type ResolveResult struct {
	Approval domain.ApprovalRequest `json:"approval"`
	Replayed bool                   `json:"replayed"`
}

// Err returns ErrApprovalAlreadyResolved for a replayed resolution. It is informational.
func (r ResolveResult) Err() error {
	if r.Replayed {
		return domain.ErrApprovalAlreadyResolved
	}
	return nil
}

func (c *Checkpoint) normalize() error {
	c.ExecutionID = strings.TrimSpace(c.ExecutionID)
	c.TaskID = strings.TrimSpace(c.TaskID)
	c.VentureID = strings.TrimSpace(c.VentureID)
	if c.ExecutionID == "" {
		return domain.ValidationError{Field: "executionId", Reason: "required"}
	}
	if _, err := domain.ParseApprovalType(string(c.Type)); err != nil {
		return err
	}
	if len(c.Options) == 0 {
		return domain.ValidationError{Field: "options", Reason: "at least one option is required"}
	}
	recommended := 0
	for i, o := range c.Options {
		if strings.TrimSpace(o.Label) == "" {
			return domain.ValidationError{Field: fmt.Sprintf("options[%d].label", i), Reason: "required"}
		}
		if _, err := domain.ParseRiskLevel(string(o.RiskLevel)); err != nil {
			return err
		}
		if o.Recommended {
			recommended++
		}
	}
	if recommended > 1 {
		return domain.ValidationError{Field: "options", Reason: "at most one option may be recommended"}
	}
	if c.Amount < 0 {
		return domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if c.UrgencyDeadline != "" {
		if _, err := time.Parse(time.RFC3339, c.UrgencyDeadline); err != nil {
			return domain.ValidationError{Field: "urgencyDeadline", Reason: "must be RFC3339"}
		}
	}
	return nil
}

// HandleCheckpoint creates the approval request for a checkpoint, or returns the existing
// one for the same (executionId, taskId). A matching auto-approve rule resolves it at once.
func (e Engine) HandleCheckpoint(ctx context.Context, c Checkpoint) (CheckpointResult, error) {
	ctx, span := e.startSpan(ctx, "engine.HandleCheckpoint")
	defer span.End()
	if err := c.normalize(); err != nil {
		return CheckpointResult{}, err
	}
	derived := false
	if c.TaskID == "" {
		c.TaskID = uuid.NewSHA1(taskNamespace, []byte(c.ExecutionID+"|"+string(c.Type))).String()
		derived = true
	}
	var (
		res     CheckpointResult
		rule    *config.AutoApproveRule
		venture domain.ValidationState
	)
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		existing, err := e.Repo.GetApprovalByLink(ctx, tx, c.ExecutionID, c.TaskID)
		if err == nil {
			res.Approval = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if c.VentureID == "" {
			c.VentureID, err = e.Repo.ExecutionVenture(ctx, tx, c.ExecutionID)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ValidationError{Field: "ventureId", Reason: "required for an unknown execution"}
			}
			if err != nil {
				return err
			}
			derived = true
		}
		if _, err := e.Repo.GetState(ctx, tx, c.VentureID); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if venture, err = e.insertVenture(ctx, tx, c.VentureID, domain.PhaseDesirability); err != nil {
				return err
			}
		}
		if _, err := e.Repo.EnsureExecution(ctx, tx, c.VentureID, c.ExecutionID, e.stamp()); err != nil {
			return err
		}
		a := e.newApproval(c, derived)
		rule = e.matchAutoApprove(a)
		if rule != nil {
			a.Status = domain.ApprovalApproved
			a.Decision = domain.DecisionApprove
			a.Feedback = "auto-approved"
			a.ResolvedBy = domain.SystemActor
			a.ResolvedAt = a.CreatedAt
			a.DeliveryStatus = domain.DeliveryPending
		}
		created, err := e.Repo.InsertApprovalIfAbsent(ctx, tx, a)
		if err != nil {
			return err
		}
		if !created {
			res.Approval, err = e.Repo.GetApprovalByLink(ctx, tx, c.ExecutionID, c.TaskID)
			rule = nil
			return err
		}
		res = CheckpointResult{Approval: a, Created: true, AutoApproved: rule != nil}
		return nil
	})
	if err != nil {
		return CheckpointResult{}, err
	}
	if !res.Created {
		return res, nil
	}
	a := res.Approval
	if venture.VentureID != "" {
		e.record(ctx, audit.Entry{VentureID: venture.VentureID, EventType: domain.EventVentureCreated, Actor: domain.SystemActor,
			After: venture, Payload: map[string]any{"executionId": a.ExecutionID}})
		e.stateChanged(ctx, venture, domain.EventVentureCreated)
	}
	e.add(ctx, func(m *telemetry.Instruments) metric.Int64Counter { return m.Approvals }, "type", string(a.Type), "status", string(a.Status))
	e.record(ctx, audit.Entry{VentureID: a.VentureID, EventType: domain.EventApprovalCreated, Actor: domain.SystemActor, After: a})
	if rule != nil {
		e.record(ctx, audit.Entry{VentureID: a.VentureID, EventType: domain.EventApprovalAutoApproved, Actor: domain.SystemActor,
			Before: map[string]any{"status": domain.ApprovalPending}, After: a,
			Payload: map[string]any{"rule": rule, "approvalId": a.ID}})
		e.enqueueDelivery(a.ID)
	}
	return res, nil
}

func (e Engine) newApproval(c Checkpoint, derived bool) domain.ApprovalRequest {
	now := e.now().UTC()
	expires := now.Add(e.Config.Approvals.DefaultTTL)
	if c.UrgencyDeadline != "" {
		if t, err := time.Parse(time.RFC3339, c.UrgencyDeadline); err == nil {
			expires = t
		}
	}
	return domain.ApprovalRequest{
		ID:             uuid.NewString(),
		ExecutionID:    c.ExecutionID,
		TaskID:         c.TaskID,
		VentureID:      c.VentureID,
		Type:           c.Type,
		Options:        c.Options,
		Description:    c.Description,
		Amount:         c.Amount,
		Status:         domain.ApprovalPending,
		CreatedAt:      repo.FormatTime(now),
		ExpiresAt:      repo.FormatTime(expires),
		DeliveryStatus: domain.DeliveryNone,
		LinkageDerived: derived,
	}
}

// matchAutoApprove returns the first rule matching a, if any. The risk compared is the
// recommended option's, or the riskiest option's when none is recommended.
func (e Engine) matchAutoApprove(a domain.ApprovalRequest) *config.AutoApproveRule {
	risk := decisionRisk(a)
	for _, rule := range e.Config.Approvals.AutoApprove {
		if rule.Type != a.Type {
			continue
		}
		if risk.Rank() > rule.MaxRisk.Rank() {
			continue
		}
		if rule.Threshold > 0 && a.Amount > rule.Threshold {
			continue
		}
		r := rule
		return &r
	}
	return nil
}

// ResolveApproval records a human decision on a pending request and schedules the resume call.
// Resolving an already terminal request returns the stored outcome with Replayed set.
func (e Engine) ResolveApproval(ctx context.Context, id string, decision domain.Decision, feedback string, actor auth.Principal) (ResolveResult, error) {
	if _, err := domain.ParseDecision(string(decision)); err != nil {
		return ResolveResult{}, err
	}
	return e.resolve(ctx, id, decision, feedback, actor, "approval.resolve", domain.EventApprovalResolved, decisionStatus(decision), domain.ApprovalPending)
}

// OverrideApproval lets an operator settle a pending or expired request. The engine is resumed
// with the given decision.
func (e Engine) OverrideApproval(ctx context.Context, id string, decision domain.Decision, feedback string, actor auth.Principal) (ResolveResult, error) {
	if _, err := domain.ParseDecision(string(decision)); err != nil {
		return ResolveResult{}, err
	}
	if strings.TrimSpace(feedback) == "" {
		return ResolveResult{}, domain.ValidationError{Field: "feedback", Reason: "an override requires a reason"}
	}
	return e.resolve(ctx, id, decision, feedback, actor, "approval.override", domain.EventApprovalOverridden, domain.ApprovalOverridden,
		domain.ApprovalPending, domain.ApprovalExpired)
}

func decisionRisk(a domain.ApprovalRequest) domain.RiskLevel {
	if rec, ok := a.Recommended(); ok {
		return rec.RiskLevel
	}
	risk := domain.RiskLow
	for _, o := range a.Options {
		if o.RiskLevel.Rank() > risk.Rank() {
			risk = o.RiskLevel
		}
	}
	return risk
}

func decisionStatus(d domain.Decision) domain.ApprovalStatus {
	if d == domain.DecisionApprove {
		return domain.ApprovalApproved
	}
	return domain.ApprovalRejected
}

func (e Engine) resolve(ctx context.Context, id string, decision domain.Decision, feedback string, actor auth.Principal,
	perm, eventType string, status domain.ApprovalStatus, from ...domain.ApprovalStatus) (ResolveResult, error) {
	var before, after domain.ApprovalRequest
	replayed := false
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, actor, perm); err != nil {
			return err
		}
		var err error
		before, err = e.Repo.GetApproval(ctx, tx, id)
		if err != nil {
			return err
		}
		after = before
		after.Status = status
		after.Decision = decision
		after.Feedback = feedback
		after.ResolvedBy = actor.ActorID
		after.ResolvedAt = e.stamp()
		after.DeliveryStatus = domain.DeliveryPending
		ok, err := e.Repo.ResolveApproval(ctx, tx, after, from...)
		if err != nil {
			return err
		}
		if !ok {
			replayed = true
			after = before
		}
		return nil
	})
	if err != nil {
		return ResolveResult{}, err
	}
	if replayed {
		return ResolveResult{Approval: after, Replayed: true}, nil
	}
	e.add(ctx, func(m *telemetry.Instruments) metric.Int64Counter { return m.Approvals }, "type", string(after.Type), "status", string(after.Status))
	e.record(ctx, audit.Entry{VentureID: after.VentureID, EventType: eventType, Actor: actor.ActorID,
		Before: map[string]any{"status": before.Status}, After: after})
	e.enqueueDelivery(after.ID)
	return ResolveResult{Approval: after}, nil
}

// GetApproval returns one request.
func (e Engine) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return e.Repo.GetApproval(ctx, nil, id)
}

// ListApprovals lists requests matching f.
func (e Engine) ListApprovals(ctx context.Context, f repo.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	if f.Status != "" {
		switch f.Status {
		case domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected, domain.ApprovalOverridden, domain.ApprovalExpired:
		default:
			return nil, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
		}
	}
	return e.Repo.ListApprovals(ctx, f)
}
