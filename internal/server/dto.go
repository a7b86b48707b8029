package server

import (
	"venturegate/internal/domain"
	"venturegate/internal/engine"
)

// Request payloads

type EvidenceWebhookRequest struct {
	ExecutionID         string             `json:"executionId" minLength:"1"`
	VentureID           string             `json:"ventureId" minLength:"1"`
	Dimension           string             `json:"dimension" enum:"desirability,feasibility,viability"`
	SourceSequence      int64              `json:"sourceSequence" minimum:"0"`
	Evidence            domain.Evidence    `json:"evidence"`
	Timestamp           string             `json:"timestamp,omitempty"`
	PivotRecommendation string             `json:"pivotRecommendation,omitempty" enum:"none,segment_pivot,value_pivot,channel_pivot,price_pivot,cost_pivot,kill"`
	Checkpoint          *CheckpointRequest `json:"checkpoint,omitempty"`
}

type CheckpointOption struct {
	Label       string `json:"label" minLength:"1"`
	RiskLevel   string `json:"riskLevel" enum:"low,medium,high"`
	Recommended bool   `json:"recommended,omitempty"`
}

type CheckpointRequest struct {
	ExecutionID     string             `json:"executionId,omitempty"`
	TaskID          string             `json:"taskId,omitempty"`
	VentureID       string             `json:"ventureId,omitempty"`
	Type            string             `json:"type" enum:"segment_pivot,value_pivot,feature_downgrade,strategic_pivot,spend_increase,campaign_launch,customer_contact,gate_progression,data_sharing"`
	Options         []CheckpointOption `json:"options" minItems:"1"`
	Description     string             `json:"description,omitempty"`
	Amount          float64            `json:"amount,omitempty" minimum:"0"`
	UrgencyDeadline string             `json:"urgencyDeadline,omitempty"`
}

type CreateVentureRequest struct {
	ID string `json:"id" minLength:"1"`
}

type EvidencePatch struct {
	Dimension string          `json:"dimension" enum:"desirability,feasibility,viability"`
	Evidence  domain.Evidence `json:"evidence"`
}

// UpdateStateRequest is a manual edit. expectedVersion is mandatory for people.
type UpdateStateRequest struct {
	ExpectedVersion     *int64         `json:"expectedVersion,omitempty"`
	Evidence            *EvidencePatch `json:"evidence,omitempty"`
	PivotRecommendation string         `json:"pivotRecommendation,omitempty" enum:"none,segment_pivot,value_pivot,channel_pivot,price_pivot,cost_pivot,kill"`
	Reason              string         `json:"reason,omitempty"`
}

type OverrideGateRequest struct {
	Justification string `json:"justification"`
	ApproverID    string `json:"approverId"`
}

type TransitionRequest struct {
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	Reason          string `json:"reason"`
}

type RevertRequest struct {
	TransitionRequest
	Phase string `json:"phase" enum:"ideation,desirability,feasibility,viability"`
}

type ResolveApprovalRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Feedback string `json:"feedback,omitempty"`
}

// Responses

type GateAttemptResponse struct {
	Attempt domain.GateAttempt     `json:"attempt"`
	State   domain.ValidationState `json:"state"`
}

type ApprovalResponse struct {
	domain.ApprovalRequest
	Replayed bool `json:"replayed,omitempty"`
}

func (r EvidenceWebhookRequest) delivery(hash string) (engine.EvidenceDelivery, error) {
	d := engine.EvidenceDelivery{
		ExecutionID:    r.ExecutionID,
		VentureID:      r.VentureID,
		Dimension:      domain.Dimension(r.Dimension),
		SourceSequence: r.SourceSequence,
		Evidence:       r.Evidence,
		Timestamp:      r.Timestamp,
		PayloadHash:    hash,
	}
	if r.PivotRecommendation != "" {
		p, err := domain.ParsePivot(r.PivotRecommendation)
		if err != nil {
			return d, err
		}
		d.PivotRecommendation = &p
	}
	if r.Checkpoint != nil {
		cp := r.Checkpoint.checkpoint()
		d.Checkpoint = &cp
	}
	return d, nil
}

func (r CheckpointRequest) checkpoint() engine.Checkpoint {
	opts := make([]domain.ApprovalOption, 0, len(r.Options))
	for _, o := range r.Options {
		opts = append(opts, domain.ApprovalOption{Label: o.Label, RiskLevel: domain.RiskLevel(o.RiskLevel), Recommended: o.Recommended})
	}
	return engine.Checkpoint{
		ExecutionID:     r.ExecutionID,
		TaskID:          r.TaskID,
		VentureID:       r.VentureID,
		Type:            domain.ApprovalType(r.Type),
		Options:         opts,
		Description:     r.Description,
		Amount:          r.Amount,
		UrgencyDeadline: r.UrgencyDeadline,
	}
}
