package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"venturegate/internal/audit"
	"venturegate/internal/domain"
	"venturegate/internal/engine/auth"
	"venturegate/internal/policy"
	"venturegate/internal/repo"
	"venturegate/internal/signals"
)

// Update is a change to one venture's aggregate. Every write, automated or human,
// goes through ApplyUpdate so the staleness and version rules apply uniformly.
type Update struct {
	VentureID string
	// ExpectedVersion enables optimistic locking. Human edits always set it.
	ExpectedVersion *int64
	Actor           auth.Principal
	// Evidence replaces a dimension's container when set.
	Evidence *EvidenceWrite
	// PivotRecommendation replaces the stored recommendation when set.
	PivotRecommendation *domain.PivotRecommendation
	Reason              string
}

// EvidenceWrite replaces one container. Ingested writes carry engine markers; manual
// writes leave ExecutionID empty and keep the stored markers.
type EvidenceWrite struct {
	Dimension      domain.Dimension
	ExecutionID    string
	SourceSequence int64
	Evidence       domain.Evidence
	PayloadHash    string
}

// UpdateResult reports the outcome of ApplyUpdate.
type UpdateResult struct {
	Accepted   bool                   `json:"accepted"`
	NewVersion int64                  `json:"newVersion"`
	Conflicts  []string               `json:"conflicts,omitempty"`
	Duplicate  bool                   `json:"duplicate,omitempty"`
	State      domain.ValidationState `json:"state"`
}

// CreateVenture creates a venture in ideation at version 1.
func (e Engine) CreateVenture(ctx context.Context, ventureID string, actor auth.Principal) (domain.ValidationState, error) {
	ventureID = strings.TrimSpace(ventureID)
	if ventureID == "" {
		return domain.ValidationState{}, domain.ValidationError{Field: "ventureId", Reason: "required"}
	}
	var s domain.ValidationState
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, actor, "venture.create"); err != nil {
			return err
		}
		var err error
		s, err = e.insertVenture(ctx, tx, ventureID, domain.PhaseIdeation)
		return err
	})
	if err != nil {
		return domain.ValidationState{}, err
	}
	e.record(ctx, audit.Entry{VentureID: s.VentureID, EventType: domain.EventVentureCreated, Actor: actor.ActorID, After: s})
	e.stateChanged(ctx, s, domain.EventVentureCreated)
	return s, nil
}

func (e Engine) insertVenture(ctx context.Context, tx *sql.Tx, ventureID string, phase domain.Phase) (domain.ValidationState, error) {
	now := e.stamp()
	s := domain.ValidationState{
		VentureID:           ventureID,
		Phase:               phase,
		DesirabilitySignal:  domain.WeakestSignal(domain.Desirability),
		FeasibilitySignal:   domain.WeakestSignal(domain.Feasibility),
		ViabilitySignal:     domain.WeakestSignal(domain.Viability),
		PivotRecommendation: domain.PivotNone,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.Repo.InsertState(ctx, tx, s); err != nil {
		return domain.ValidationState{}, err
	}
	return s, nil
}

// GetState returns the latest committed aggregate.
func (e Engine) GetState(ctx context.Context, ventureID string) (domain.ValidationState, error) {
	return e.Repo.GetState(ctx, nil, ventureID)
}

// ApplyUpdate applies a human or system change under the version and staleness rules.
func (e Engine) ApplyUpdate(ctx context.Context, u Update) (UpdateResult, error) {
	ctx, span := e.startSpan(ctx, "engine.ApplyUpdate")
	defer span.End()
	if u.Evidence == nil && u.PivotRecommendation == nil {
		return UpdateResult{}, domain.ValidationError{Reason: "update carries no changes"}
	}
	if !u.Actor.System && u.ExpectedVersion == nil {
		return UpdateResult{}, domain.ValidationError{Field: "expectedVersion", Reason: "required for manual edits"}
	}
	var before, after domain.ValidationState
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		if !u.Actor.System {
			if err := e.Auth.Require(ctx, tx, u.Actor, "state.edit"); err != nil {
				return err
			}
		}
		var err error
		before, err = e.Repo.GetState(ctx, tx, u.VentureID)
		if err != nil {
			return err
		}
		after, err = e.mutate(ctx, tx, before, u.ExpectedVersion, func(s *domain.ValidationState) error {
			if u.Evidence != nil {
				if err := e.writeManualEvidence(ctx, tx, s, *u.Evidence, u.Actor.ActorID); err != nil {
					return err
				}
			}
			if u.PivotRecommendation != nil {
				s.PivotRecommendation = *u.PivotRecommendation
			}
			return nil
		})
		return err
	})
	if err != nil {
		var conflict domain.VersionConflict
		if errors.As(err, &conflict) {
			return UpdateResult{NewVersion: conflict.Actual, Conflicts: []string{"version"}}, err
		}
		return UpdateResult{}, err
	}
	e.record(ctx, audit.Entry{VentureID: after.VentureID, EventType: domain.EventStateUpdated, Actor: u.Actor.ActorID,
		Before: before, After: after, Payload: map[string]any{"reason": u.Reason}})
	e.stateChanged(ctx, after, domain.EventStateUpdated)
	return UpdateResult{Accepted: true, NewVersion: after.Version, State: after}, nil
}

func (e Engine) writeManualEvidence(ctx context.Context, tx *sql.Tx, s *domain.ValidationState, w EvidenceWrite, actorID string) error {
	if _, err := domain.ParseDimension(string(w.Dimension)); err != nil {
		return err
	}
	current, err := e.Repo.GetContainer(ctx, tx, s.VentureID, w.Dimension)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if errors.Is(err, repo.ErrNotFound) {
		current = repo.StoredContainer{EvidenceContainer: domain.EvidenceContainer{
			VentureID: s.VentureID, Dimension: w.Dimension, ExecutionID: "manual",
		}}
	}
	current.Evidence = w.Evidence
	current.UpdatedBy = actorID
	current.ReceivedAt = e.stamp()
	return e.storeContainer(ctx, tx, s, current)
}

// storeContainer replaces the container, appends history and recomputes signals.
// s.Version must already hold the version this write will commit.
func (e Engine) storeContainer(ctx context.Context, tx *sql.Tx, s *domain.ValidationState, c repo.StoredContainer) error {
	if err := e.Repo.ReplaceContainer(ctx, tx, c); err != nil {
		return fmt.Errorf("replace container: %w", err)
	}
	if err := e.Repo.InsertEvidenceHistory(ctx, tx, domain.EvidenceRecord{
		VentureID: c.VentureID, Dimension: c.Dimension, ExecutionID: c.ExecutionID, SourceSequence: c.SourceSequence,
		Version: s.Version, Evidence: c.Evidence, ReceivedAt: c.ReceivedAt,
	}); err != nil {
		return fmt.Errorf("append evidence history: %w", err)
	}
	return e.recomputeSignals(ctx, tx, s)
}

func (e Engine) recomputeSignals(ctx context.Context, tx *sql.Tx, s *domain.ValidationState) error {
	containers, err := e.Repo.ListContainers(ctx, tx, s.VentureID)
	if err != nil {
		return err
	}
	p, _, err := e.activePolicyTx(ctx, tx)
	if err != nil {
		return err
	}
	evidence := make(map[domain.Dimension]domain.Evidence, len(containers))
	for d, c := range containers {
		evidence[d] = c.Evidence
	}
	for d, sig := range signals.DeriveAll(evidence, signalOptions(p)) {
		s.SetSignal(d, sig)
	}
	return nil
}

func signalOptions(p policy.Policy) signals.Options {
	return signals.Options{ZombieMarketFloor: p.Document.ZombieMarketFloor}
}

// mutate applies fn to a copy of current, bumps the version by one and writes it
// conditionally. expected, when set, must equal the stored version.
func (e Engine) mutate(ctx context.Context, tx *sql.Tx, current domain.ValidationState, expected *int64, fn func(*domain.ValidationState) error) (domain.ValidationState, error) {
	if expected != nil && *expected != current.Version {
		return domain.ValidationState{}, domain.VersionConflict{VentureID: current.VentureID, Expected: *expected, Actual: current.Version}
	}
	next := current
	next.Version = current.Version + 1
	next.UpdatedAt = e.stamp()
	if err := fn(&next); err != nil {
		return domain.ValidationState{}, err
	}
	ok, err := e.Repo.UpdateState(ctx, tx, next, current.Version)
	if err != nil {
		return domain.ValidationState{}, err
	}
	if !ok {
		latest, err := e.Repo.GetState(ctx, tx, current.VentureID)
		if err != nil {
			return domain.ValidationState{}, err
		}
		return domain.ValidationState{}, domain.VersionConflict{VentureID: current.VentureID, Expected: current.Version, Actual: latest.Version}
	}
	return next, nil
}

// StartValidation moves a venture from ideation into desirability.
func (e Engine) StartValidation(ctx context.Context, ventureID string, actor auth.Principal) (domain.ValidationState, error) {
	return e.transition(ctx, ventureID, actor, "state.edit", domain.EventPhaseAdvanced, nil, "", func(s *domain.ValidationState) error {
		if s.Phase != domain.PhaseIdeation {
			return domain.ValidationError{Field: "phase", Reason: fmt.Sprintf("validation already started (phase %s)", s.Phase)}
		}
		s.Phase = domain.PhaseDesirability
		return nil
	})
}

// Kill moves any non-terminal venture to killed.
func (e Engine) Kill(ctx context.Context, ventureID, reason string, expected *int64, actor auth.Principal) (domain.ValidationState, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.ValidationState{}, domain.ValidationError{Field: "reason", Reason: "required"}
	}
	return e.transition(ctx, ventureID, actor, "state.edit", domain.EventVentureKilled, expected, reason, func(s *domain.ValidationState) error {
		if s.Phase.Terminal() {
			return fmt.Errorf("%w: %s", domain.ErrTerminalPhase, s.Phase)
		}
		s.Phase = domain.PhaseKilled
		s.PivotRecommendation = domain.PivotKill
		return nil
	})
}

// RevertPhase is the only path that moves a venture backward. A killed venture may be
// revived into any non-terminal phase.
func (e Engine) RevertPhase(ctx context.Context, ventureID string, target domain.Phase, reason string, expected *int64, actor auth.Principal) (domain.ValidationState, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.ValidationState{}, domain.ValidationError{Field: "reason", Reason: "required"}
	}
	if _, err := domain.ParsePhase(string(target)); err != nil {
		return domain.ValidationState{}, err
	}
	if target.Terminal() {
		return domain.ValidationState{}, domain.ValidationError{Field: "phase", Reason: "cannot revert into a terminal phase"}
	}
	return e.transition(ctx, ventureID, actor, "phase.revert", domain.EventPhaseReverted, expected, reason, func(s *domain.ValidationState) error {
		if s.Phase != domain.PhaseKilled && target.Rank() >= s.Phase.Rank() {
			return domain.ValidationError{Field: "phase", Reason: fmt.Sprintf("%s is not behind %s", target, s.Phase)}
		}
		s.Phase = target
		if s.PivotRecommendation == domain.PivotKill {
			s.PivotRecommendation = domain.PivotNone
		}
		return nil
	})
}

func (e Engine) transition(ctx context.Context, ventureID string, actor auth.Principal, perm, eventType string, expected *int64, reason string, fn func(*domain.ValidationState) error) (domain.ValidationState, error) {
	var before, after domain.ValidationState
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.Require(ctx, tx, actor, perm); err != nil {
			return err
		}
		var err error
		before, err = e.Repo.GetState(ctx, tx, ventureID)
		if err != nil {
			return err
		}
		after, err = e.mutate(ctx, tx, before, expected, fn)
		return err
	})
	if err != nil {
		return domain.ValidationState{}, err
	}
	e.record(ctx, audit.Entry{VentureID: ventureID, EventType: eventType, Actor: actor.ActorID,
		Before: phaseView(before), After: phaseView(after), Payload: map[string]any{"reason": reason, "version": after.Version}})
	e.stateChanged(ctx, after, eventType)
	return after, nil
}

func phaseView(s domain.ValidationState) map[string]any {
	return map[string]any{"phase": s.Phase, "version": s.Version}
}

// ListStates lists ventures, optionally by phase.
func (e Engine) ListStates(ctx context.Context, phase domain.Phase, limit int) ([]domain.ValidationState, error) {
	return e.Repo.ListStates(ctx, repo.StateFilter{Phase: phase, Limit: limit})
}
