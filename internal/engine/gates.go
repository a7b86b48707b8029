package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"venturegate/internal/audit"
	"venturegate/internal/domain"
	"venturegate/internal/engine/auth"
	"venturegate/internal/gates"
	"venturegate/internal/repo"
	"venturegate/internal/telemetry"
)

// AttemptGate evaluates gate against the venture's current evidence and records the attempt.
// A passing attempt for the venture's current phase advances it exactly one step.
func (e Engine) AttemptGate(ctx context.Context, ventureID string, gate domain.Dimension, actor auth.Principal) (domain.GateAttempt, domain.ValidationState, error) {
	ctx, span := e.startSpan(ctx, "engine.AttemptGate")
	defer span.End()
	var (
		attempt       domain.GateAttempt
		before, after domain.ValidationState
		advanced      bool
	)
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, actor, "gate.attempt"); err != nil {
			return err
		}
		var err error
		before, err = e.Repo.GetState(ctx, tx, ventureID)
		if err != nil {
			return err
		}
		if err := gates.CheckOrder(before.Phase, gate); err != nil {
			return err
		}
		attempt, err = e.evaluate(ctx, tx, before, gate)
		if err != nil {
			return err
		}
		attempt.ID = uuid.NewString()
		attempt.ActorID = actor.ActorID
		attempt.AttemptedAt = e.stamp()
		if err := e.Repo.InsertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		advanced = attempt.Passed && gate.Phase() == before.Phase
		after = before
		if !advanced && before.PolicyVersion == attempt.PolicyVersion {
			return nil
		}
		after, err = e.mutate(ctx, tx, before, nil, func(s *domain.ValidationState) error {
			s.PolicyVersion = attempt.PolicyVersion
			if advanced {
				next, _ := s.Phase.Next()
				s.Phase = next
			}
			return nil
		})
		return err
	})
	if err != nil {
		return domain.GateAttempt{}, domain.ValidationState{}, err
	}
	e.add(ctx, func(m *telemetry.Instruments) metric.Int64Counter { return m.GateAttempts },
		"gate", string(gate), "status", string(attempt.Status))
	e.record(ctx, audit.Entry{VentureID: ventureID, EventType: domain.EventGateAttempted, Actor: actor.ActorID, Payload: attempt})
	if advanced {
		e.record(ctx, audit.Entry{VentureID: ventureID, EventType: domain.EventPhaseAdvanced, Actor: actor.ActorID,
			Before: phaseView(before), After: phaseView(after), Payload: map[string]any{"attemptId": attempt.ID, "gate": gate}})
	} else if after.Version != before.Version {
		e.record(ctx, audit.Entry{VentureID: ventureID, EventType: domain.EventStateUpdated, Actor: actor.ActorID,
			Before: before, After: after, Payload: map[string]any{"reason": "policy version refreshed", "attemptId": attempt.ID}})
	}
	if after.Version != before.Version {
		e.stateChanged(ctx, after, domain.EventGateAttempted)
	}
	return attempt, after, nil
}

// OverrideGate forces the current phase's gate open despite failing criteria. The failing
// attempt is recorded with the justification and approver, then the venture advances one step.
func (e Engine) OverrideGate(ctx context.Context, ventureID string, gate domain.Dimension, justification, approverID string, actor auth.Principal) (domain.GateAttempt, domain.ValidationState, error) {
	justification = strings.TrimSpace(justification)
	approverID = strings.TrimSpace(approverID)
	if justification == "" {
		return domain.GateAttempt{}, domain.ValidationState{}, domain.ValidationError{Field: "justification", Reason: "required"}
	}
	if approverID == "" {
		return domain.GateAttempt{}, domain.ValidationState{}, domain.ValidationError{Field: "approverId", Reason: "required"}
	}
	var (
		attempt       domain.GateAttempt
		before, after domain.ValidationState
	)
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, actor, "gate.override"); err != nil {
			return err
		}
		var err error
		before, err = e.Repo.GetState(ctx, tx, ventureID)
		if err != nil {
			return err
		}
		if err := gates.CheckOrder(before.Phase, gate); err != nil {
			return err
		}
		if gate.Phase() != before.Phase {
			return domain.ValidationError{Field: "gate", Reason: fmt.Sprintf("gate %s already passed; venture is in %s", gate, before.Phase)}
		}
		attempt, err = e.evaluate(ctx, tx, before, gate)
		if err != nil {
			return err
		}
		if attempt.Passed {
			return domain.ErrOverrideNotRequired
		}
		attempt.ID = uuid.NewString()
		attempt.ActorID = actor.ActorID
		attempt.AttemptedAt = e.stamp()
		attempt.Overridden = true
		attempt.Justification = justification
		attempt.ApproverID = approverID
		if err := e.Repo.InsertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		after, err = e.mutate(ctx, tx, before, nil, func(s *domain.ValidationState) error {
			next, _ := s.Phase.Next()
			s.Phase = next
			s.PolicyVersion = attempt.PolicyVersion
			return nil
		})
		return err
	})
	if err != nil {
		return domain.GateAttempt{}, domain.ValidationState{}, err
	}
	e.add(ctx, func(m *telemetry.Instruments) metric.Int64Counter { return m.GateAttempts },
		"gate", string(gate), "status", "overridden")
	e.record(ctx, audit.Entry{VentureID: ventureID, EventType: domain.EventGateOverride, Actor: actor.ActorID,
		Before: phaseView(before), After: phaseView(after), Payload: attempt})
	e.record(ctx, audit.Entry{VentureID: ventureID, EventType: domain.EventPhaseAdvanced, Actor: actor.ActorID,
		Before: phaseView(before), After: phaseView(after), Payload: map[string]any{"attemptId": attempt.ID, "gate": gate, "overridden": true}})
	e.stateChanged(ctx, after, domain.EventGateOverride)
	return attempt, after, nil
}

func (e Engine) evaluate(ctx context.Context, tx *sql.Tx, s domain.ValidationState, gate domain.Dimension) (domain.GateAttempt, error) {
	p, _, err := e.activePolicyTx(ctx, tx)
	if err != nil {
		return domain.GateAttempt{}, err
	}
	containers, err := e.Repo.ListContainers(ctx, tx, s.VentureID)
	if err != nil {
		return domain.GateAttempt{}, err
	}
	return gates.Evaluate(gates.Input{Gate: gate, State: s, Containers: containers, Policy: p}), nil
}

// VentureView is the read model served to dashboards.
type VentureView struct {
	State    domain.ValidationState                        `json:"state"`
	Evidence map[domain.Dimension]domain.EvidenceContainer `json:"evidence"`
	// Eligibility previews the current phase's gate. It is nil in ideation and terminal phases.
	Eligibility *domain.GateAttempt `json:"eligibility,omitempty"`
}

// GetVenture returns the latest committed state, its containers and an eligibility preview.
func (e Engine) GetVenture(ctx context.Context, ventureID string) (VentureView, error) {
	var view VentureView
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		s, err := e.Repo.GetState(ctx, tx, ventureID)
		if err != nil {
			return err
		}
		view.State = s
		view.Evidence, err = e.Repo.ListContainers(ctx, tx, ventureID)
		if err != nil {
			return err
		}
		gate, ok := currentGate(s.Phase)
		if !ok {
			return nil
		}
		attempt, err := e.evaluate(ctx, tx, s, gate)
		if err != nil {
			return err
		}
		view.Eligibility = &attempt
		return nil
	})
	return view, err
}

// ListAttempts returns the venture's attempt history. An empty gate lists every gate.
func (e Engine) ListAttempts(ctx context.Context, ventureID string, gate domain.Dimension) ([]domain.GateAttempt, error) {
	if gate != "" {
		if _, err := domain.ParseDimension(string(gate)); err != nil {
			return nil, err
		}
	}
	if _, err := e.Repo.GetState(ctx, nil, ventureID); err != nil {
		return nil, err
	}
	return e.Repo.ListAttempts(ctx, ventureID, gate)
}

// EvidenceHistory lists accepted containers for a venture, newest first.
func (e Engine) EvidenceHistory(ctx context.Context, ventureID string, dim domain.Dimension, limit int) ([]domain.EvidenceRecord, error) {
	if dim != "" {
		if _, err := domain.ParseDimension(string(dim)); err != nil {
			return nil, err
		}
	}
	if _, err := e.Repo.GetState(ctx, nil, ventureID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvidenceHistory(ctx, ventureID, dim, limit)
}

// AuditTrail pages through audit events. Reading history needs audit.read.
func (e Engine) AuditTrail(ctx context.Context, f repo.AuditFilter, actor auth.Principal) ([]domain.AuditEvent, error) {
	if err := e.Auth.Require(ctx, nil, actor, "audit.read"); err != nil {
		return nil, err
	}
	return e.Repo.ListAuditEvents(ctx, f)
}
