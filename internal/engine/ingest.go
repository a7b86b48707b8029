package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"venturegate/internal/audit"
	"venturegate/internal/domain"
	"venturegate/internal/engine/auth"
	"venturegate/internal/repo"
	"venturegate/internal/telemetry"
)

// EvidenceDelivery is one evidence webhook from the external engine.
type EvidenceDelivery struct {
	ExecutionID         string
	VentureID           string
	Dimension           domain.Dimension
	SourceSequence      int64
	Evidence            domain.Evidence
	Timestamp           string
	PivotRecommendation *domain.PivotRecommendation
	// Checkpoint is handed to the approval coordinator whatever the merge outcome:
	// accepted, duplicate or stale.
	Checkpoint  *Checkpoint
	PayloadHash string
}

// IngestResult reports how a delivery was applied.
type IngestResult struct {
	Accepted   bool                     `json:"accepted"`
	Duplicate  bool                     `json:"duplicate"`
	NewVersion int64                    `json:"newVersion"`
	State      domain.ValidationState   `json:"state"`
	Checkpoint *CheckpointResult        `json:"checkpoint,omitempty"`
	Attempt    *domain.GateAttempt      `json:"attempt,omitempty"`
	Container  domain.EvidenceContainer `json:"-"`
}

func (d EvidenceDelivery) validate() error {
	if strings.TrimSpace(d.ExecutionID) == "" {
		return domain.ValidationError{Field: "executionId", Reason: "required"}
	}
	if strings.TrimSpace(d.VentureID) == "" {
		return domain.ValidationError{Field: "ventureId", Reason: "required"}
	}
	if _, err := domain.ParseDimension(string(d.Dimension)); err != nil {
		return err
	}
	if d.SourceSequence < 0 {
		return domain.ValidationError{Field: "sourceSequence", Reason: "must not be negative"}
	}
	if d.Checkpoint != nil {
		cp := d.embedded()
		if err := cp.normalize(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return nil
}

// embedded returns the checkpoint with execution and venture defaulted from the delivery.
func (d EvidenceDelivery) embedded() Checkpoint {
	cp := *d.Checkpoint
	if strings.TrimSpace(cp.ExecutionID) == "" {
		cp.ExecutionID = d.ExecutionID
	}
	if strings.TrimSpace(cp.VentureID) == "" {
		cp.VentureID = d.VentureID
	}
	return cp
}

// IngestEvidence merges an evidence delivery under the stale-write guard.
// A redelivered (execution, dimension, sequence) triple returns the recorded outcome
// without side effects. Stale deliveries return StaleWriteError after recording a receipt.
func (e Engine) IngestEvidence(ctx context.Context, d EvidenceDelivery) (IngestResult, error) {
	ctx, span := e.startSpan(ctx, "engine.IngestEvidence")
	defer span.End()
	if err := d.validate(); err != nil {
		e.countIngest(ctx, "invalid")
		return IngestResult{}, err
	}

	var (
		res      IngestResult
		before   domain.ValidationState
		created  bool
		staleErr *domain.StaleWriteError
	)
	err := e.Repo.Tx(ctx, func(tx *sql.Tx) error {
		receipt, err := e.Repo.GetReceipt(ctx, tx, d.ExecutionID, d.Dimension, d.SourceSequence)
		switch {
		case err == nil:
			return e.replayReceipt(ctx, tx, receipt, &res, &staleErr)
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}

		before, err = e.Repo.GetState(ctx, tx, d.VentureID)
		if errors.Is(err, repo.ErrNotFound) {
			before, err = e.insertVenture(ctx, tx, d.VentureID, domain.PhaseDesirability)
			created = true
		}
		if err != nil {
			return err
		}
		ordinal, err := e.Repo.EnsureExecution(ctx, tx, d.VentureID, d.ExecutionID, e.stamp())
		if err != nil {
			return err
		}
		current, err := e.Repo.GetContainer(ctx, tx, d.VentureID, d.Dimension)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil {
			if stale := staleness(d, ordinal, current); stale != nil {
				staleErr = stale
				res.State = before
				res.NewVersion = before.Version
				return e.Repo.InsertReceipt(ctx, tx, e.receipt(d, repo.OutcomeStale, before.Version))
			}
		}

		container := repo.StoredContainer{
			EvidenceContainer: domain.EvidenceContainer{
				VentureID: d.VentureID, Dimension: d.Dimension, ExecutionID: d.ExecutionID, SourceSequence: d.SourceSequence,
				Evidence: d.Evidence, UpdatedBy: domain.SystemActor, ReceivedAt: e.stamp(),
			},
			ExecutionOrdinal: ordinal,
		}
		after, err := e.mutate(ctx, tx, before, nil, func(s *domain.ValidationState) error {
			if err := e.storeContainer(ctx, tx, s, container); err != nil {
				return err
			}
			if s.Phase == domain.PhaseIdeation {
				s.Phase = domain.PhaseDesirability
			}
			if d.PivotRecommendation != nil {
				s.PivotRecommendation = *d.PivotRecommendation
			}
			s.LastExecutionID = d.ExecutionID
			return nil
		})
		if err != nil {
			return err
		}
		res = IngestResult{Accepted: true, NewVersion: after.Version, State: after, Container: container.EvidenceContainer}
		return e.Repo.InsertReceipt(ctx, tx, e.receipt(d, repo.OutcomeAccepted, after.Version))
	})
	if err != nil {
		e.countIngest(ctx, "error")
		return IngestResult{}, err
	}
	if staleErr != nil {
		e.countIngest(ctx, "stale")
		e.logger().Info("stale evidence discarded", "venture_id", d.VentureID, "dimension", d.Dimension,
			"execution_id", d.ExecutionID, "sequence", d.SourceSequence, "reason", staleErr.Error())
		if err := e.ingestCheckpoint(ctx, d, &res); err != nil {
			return res, err
		}
		return res, *staleErr
	}
	if res.Duplicate {
		e.countIngest(ctx, "duplicate")
		err := e.ingestCheckpoint(ctx, d, &res)
		return res, err
	}

	e.countIngest(ctx, "accepted")
	if created {
		e.record(ctx, audit.Entry{VentureID: d.VentureID, EventType: domain.EventVentureCreated, Actor: domain.SystemActor,
			After: before, Payload: map[string]any{"executionId": d.ExecutionID}})
	}
	e.record(ctx, audit.Entry{VentureID: d.VentureID, EventType: domain.EventEvidenceAccepted, Actor: domain.SystemActor,
		Before: before, After: res.State, Payload: map[string]any{
			"executionId": d.ExecutionID, "dimension": d.Dimension, "sourceSequence": d.SourceSequence,
			"payloadHash": d.PayloadHash, "version": res.NewVersion,
		}})
	e.stateChanged(ctx, res.State, domain.EventEvidenceAccepted)

	if err := e.ingestCheckpoint(ctx, d, &res); err != nil {
		return res, err
	}
	e.autoAdvance(ctx, &res)
	return res, nil
}

// ingestCheckpoint registers an embedded checkpoint. Registration is idempotent on
// (executionId, taskId), so redelivered and stale webhooks still reach the coordinator.
func (e Engine) ingestCheckpoint(ctx context.Context, d EvidenceDelivery, res *IngestResult) error {
	if d.Checkpoint == nil {
		return nil
	}
	out, err := e.HandleCheckpoint(ctx, d.embedded())
	if err != nil {
		return fmt.Errorf("embedded checkpoint: %w", err)
	}
	res.Checkpoint = &out
	return nil
}

// staleness compares an incoming delivery with the stored container. Executions are
// ordered by first sight; within one execution the sequence must strictly increase.
func staleness(d EvidenceDelivery, ordinal int64, current repo.StoredContainer) *domain.StaleWriteError {
	stale := &domain.StaleWriteError{
		VentureID: d.VentureID, Dimension: d.Dimension, ExecutionID: d.ExecutionID,
		Incoming: d.SourceSequence, Current: current.SourceSequence,
	}
	switch {
	case ordinal < current.ExecutionOrdinal:
		stale.Reason = fmt.Sprintf("superseded by newer execution %s", current.ExecutionID)
		return stale
	case ordinal > current.ExecutionOrdinal:
		return nil
	case d.SourceSequence <= current.SourceSequence:
		return stale
	}
	return nil
}

func (e Engine) replayReceipt(ctx context.Context, tx *sql.Tx, rc repo.Receipt, res *IngestResult, staleErr **domain.StaleWriteError) error {
	s, err := e.Repo.GetState(ctx, tx, rc.VentureID)
	if err != nil {
		return err
	}
	res.State = s
	res.NewVersion = rc.Version
	if rc.Outcome == repo.OutcomeStale {
		*staleErr = &domain.StaleWriteError{
			VentureID: rc.VentureID, Dimension: rc.Dimension, ExecutionID: rc.ExecutionID,
			Incoming: rc.SourceSequence, Reason: "redelivery of a stale sequence",
		}
		return nil
	}
	res.Accepted = true
	res.Duplicate = true
	return nil
}

func (e Engine) receipt(d EvidenceDelivery, outcome string, version int64) repo.Receipt {
	return repo.Receipt{
		ExecutionID: d.ExecutionID, Dimension: d.Dimension, SourceSequence: d.SourceSequence, VentureID: d.VentureID,
		Outcome: outcome, Version: version, PayloadHash: d.PayloadHash, ReceivedAt: e.stamp(),
	}
}

func (e Engine) countIngest(ctx context.Context, outcome string) {
	e.add(ctx, func(m *telemetry.Instruments) metric.Int64Counter { return m.Ingestions }, "outcome", outcome)
}

// autoAdvance attempts the current phase's gate as the system actor when the active
// policy enables it. Failures are logged; the ingestion already committed.
func (e Engine) autoAdvance(ctx context.Context, res *IngestResult) {
	p, err := e.ActivePolicy(ctx)
	if err != nil || !p.Document.AutoAdvance {
		return
	}
	gate, ok := currentGate(res.State.Phase)
	if !ok {
		return
	}
	attempt, state, err := e.AttemptGate(ctx, res.State.VentureID, gate, auth.System())
	if err != nil {
		e.logger().Warn("auto advance failed", "venture_id", res.State.VentureID, "gate", gate, "err", err)
		return
	}
	res.Attempt = &attempt
	res.State = state
	res.NewVersion = state.Version
}

// currentGate maps a phase to the gate that leaves it.
func currentGate(p domain.Phase) (domain.Dimension, bool) {
	switch p {
	case domain.PhaseDesirability, domain.PhaseFeasibility, domain.PhaseViability:
		return domain.Dimension(p), true
	}
	return "", false
}
