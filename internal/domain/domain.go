package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type Phase string

const (
	PhaseIdeation     Phase = "ideation"
	PhaseDesirability Phase = "desirability"
	PhaseFeasibility  Phase = "feasibility"
	PhaseViability    Phase = "viability"
	PhaseValidated    Phase = "validated"
	PhaseKilled       Phase = "killed"
)

// phaseOrder is the forward lifecycle. killed sits outside it.
var phaseOrder = []Phase{PhaseIdeation, PhaseDesirability, PhaseFeasibility, PhaseViability, PhaseValidated}

func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.TrimSpace(s))
	if p == PhaseKilled || p.Rank() >= 0 {
		return p, nil
	}
	return "", ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", s)}
}

// Rank returns the position of p in the forward lifecycle, or -1 for killed and unknown values.
func (p Phase) Rank() int {
	for i, v := range phaseOrder {
		if v == p {
			return i
		}
	}
	return -1
}

func (p Phase) Terminal() bool {
	return p == PhaseValidated || p == PhaseKilled
}

// Next returns the phase one step forward.
func (p Phase) Next() (Phase, bool) {
	r := p.Rank()
	if r < 0 || r+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[r+1], true
}

type Dimension string

const (
	Desirability Dimension = "desirability"
	Feasibility  Dimension = "feasibility"
	Viability    Dimension = "viability"
)

// Dimensions lists the validation dimensions in gate order.
var Dimensions = []Dimension{Desirability, Feasibility, Viability}

func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(strings.TrimSpace(s)); d {
	case Desirability, Feasibility, Viability:
		return d, nil
	}
	return "", ValidationError{Field: "dimension", Reason: fmt.Sprintf("unknown dimension %q", s)}
}

// Phase is the lifecycle phase in which the gate for d is attempted.
func (d Dimension) Phase() Phase { return Phase(d) }

// Prerequisite returns the gate that must pass before d may be attempted.
func (d Dimension) Prerequisite() (Dimension, bool) {
	switch d {
	case Feasibility:
		return Desirability, true
	case Viability:
		return Feasibility, true
	}
	return "", false
}

type Signal string

const (
	SignalNoSignal         Signal = "no_signal"
	SignalNoInterest       Signal = "no_interest"
	SignalWeakInterest     Signal = "weak_interest"
	SignalStrongCommitment Signal = "strong_commitment"

	SignalUnknown           Signal = "unknown"
	SignalRedImpossible     Signal = "red_impossible"
	SignalOrangeConstrained Signal = "orange_constrained"
	SignalGreen             Signal = "green"

	SignalZombieMarket Signal = "zombie_market"
	SignalUnderwater   Signal = "underwater"
	SignalMarginal     Signal = "marginal"
	SignalProfitable   Signal = "profitable"
)

// signalScales orders each dimension's signals from weakest to strongest.
var signalScales = map[Dimension][]Signal{
	Desirability: {SignalNoSignal, SignalNoInterest, SignalWeakInterest, SignalStrongCommitment},
	Feasibility:  {SignalUnknown, SignalRedImpossible, SignalOrangeConstrained, SignalGreen},
	Viability:    {SignalUnknown, SignalZombieMarket, SignalUnderwater, SignalMarginal, SignalProfitable},
}

// WeakestSignal is the default classification for a dimension with no usable evidence.
func WeakestSignal(d Dimension) Signal {
	if scale, ok := signalScales[d]; ok {
		return scale[0]
	}
	return SignalUnknown
}

// SignalRank returns the position of s on d's scale, or -1 when s does not belong to d.
func SignalRank(d Dimension, s Signal) int {
	for i, v := range signalScales[d] {
		if v == s {
			return i
		}
	}
	return -1
}

type PivotRecommendation string

const (
	PivotNone    PivotRecommendation = "none"
	PivotSegment PivotRecommendation = "segment_pivot"
	PivotValue   PivotRecommendation = "value_pivot"
	PivotChannel PivotRecommendation = "channel_pivot"
	PivotPrice   PivotRecommendation = "price_pivot"
	PivotCost    PivotRecommendation = "cost_pivot"
	PivotKill    PivotRecommendation = "kill"
)

func ParsePivot(s string) (PivotRecommendation, error) {
	switch p := PivotRecommendation(strings.TrimSpace(s)); p {
	case PivotNone, PivotSegment, PivotValue, PivotChannel, PivotPrice, PivotCost, PivotKill:
		return p, nil
	}
	return "", ValidationError{Field: "pivotRecommendation", Reason: fmt.Sprintf("unknown pivot %q", s)}
}

type EvidenceType string

const (
	EvidenceInterview  EvidenceType = "interview"
	EvidenceAnalytics  EvidenceType = "analytics"
	EvidenceExperiment EvidenceType = "experiment"
	EvidenceDesk       EvidenceType = "desk"
)

type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

type FeatureStatus string

const (
	FeaturePossible    FeatureStatus = "possible"
	FeatureConstrained FeatureStatus = "constrained"
	FeatureImpossible  FeatureStatus = "impossible"
)

type EvidenceItem struct {
	Type     EvidenceType `json:"type" enum:"interview,analytics,experiment,desk"`
	Strength Strength     `json:"strength" enum:"weak,medium,strong"`
	Quality  float64      `json:"quality" minimum:"0" maximum:"1"`
	Summary  string       `json:"summary,omitempty"`
}

// Evidence is the dimension-specific bag carried by a container.
type Evidence struct {
	Metrics        map[string]float64       `json:"metrics,omitempty"`
	Features       map[string]FeatureStatus `json:"features,omitempty"`
	TechnicalRisks []string                 `json:"technical_risks,omitempty"`
	Items          []EvidenceItem           `json:"items,omitempty"`
}

// Metric looks up a named metric. ctr and ltv_cac_ratio are derived when not supplied.
// Non-finite values are reported as missing.
func (e Evidence) Metric(name string) (float64, bool) {
	if v, ok := e.Metrics[name]; ok {
		return v, finite(v)
	}
	switch name {
	case "ctr":
		return ratio(e.Metrics, "clicks", "impressions")
	case "ltv_cac_ratio":
		return ratio(e.Metrics, "ltv", "cac")
	}
	return 0, false
}

func ratio(m map[string]float64, num, den string) (float64, bool) {
	n, ok1 := m[num]
	d, ok2 := m[den]
	if !ok1 || !ok2 || !finite(n) || !finite(d) || d <= 0 {
		return 0, false
	}
	return n / d, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type EvidenceContainer struct {
	VentureID      string    `json:"venture_id"`
	Dimension      Dimension `json:"dimension" enum:"desirability,feasibility,viability"`
	ExecutionID    string    `json:"execution_id"`
	SourceSequence int64     `json:"source_sequence"`
	Evidence       Evidence  `json:"evidence"`
	UpdatedBy      string    `json:"updated_by"`
	ReceivedAt     string    `json:"received_at" format:"date-time"`
}

// EvidenceRecord is one row of the append-only evidence history.
type EvidenceRecord struct {
	ID             int64     `json:"id"`
	VentureID      string    `json:"venture_id"`
	Dimension      Dimension `json:"dimension"`
	ExecutionID    string    `json:"execution_id"`
	SourceSequence int64     `json:"source_sequence"`
	Version        int64     `json:"version"`
	Evidence       Evidence  `json:"evidence"`
	ReceivedAt     string    `json:"received_at" format:"date-time"`
}

type ValidationState struct {
	VentureID           string              `json:"venture_id"`
	Phase               Phase               `json:"phase" enum:"ideation,desirability,feasibility,viability,validated,killed"`
	DesirabilitySignal  Signal              `json:"desirability_signal"`
	FeasibilitySignal   Signal              `json:"feasibility_signal"`
	ViabilitySignal     Signal              `json:"viability_signal"`
	PivotRecommendation PivotRecommendation `json:"pivot_recommendation"`
	Version             int64               `json:"version"`
	LastExecutionID     string              `json:"last_execution_id,omitempty"`
	PolicyVersion       int64               `json:"policy_version,omitempty"`
	CreatedAt           string              `json:"created_at" format:"date-time"`
	UpdatedAt           string              `json:"updated_at" format:"date-time"`
}

func (s ValidationState) Signal(d Dimension) Signal {
	switch d {
	case Desirability:
		return s.DesirabilitySignal
	case Feasibility:
		return s.FeasibilitySignal
	case Viability:
		return s.ViabilitySignal
	}
	return SignalUnknown
}

func (s *ValidationState) SetSignal(d Dimension, sig Signal) {
	switch d {
	case Desirability:
		s.DesirabilitySignal = sig
	case Feasibility:
		s.FeasibilitySignal = sig
	case Viability:
		s.ViabilitySignal = sig
	}
}

type AttemptStatus string

const (
	AttemptPassed  AttemptStatus = "passed"
	AttemptFailed  AttemptStatus = "failed"
	AttemptPending AttemptStatus = "pending"
)

// CriterionResult is the outcome of one gate criterion.
type CriterionResult struct {
	Name      string `json:"name"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	Satisfied bool   `json:"satisfied"`
}

type GateAttempt struct {
	ID               string            `json:"id"`
	VentureID        string            `json:"venture_id"`
	Gate             Dimension         `json:"gate" enum:"desirability,feasibility,viability"`
	PolicyVersion    int64             `json:"policy_version"`
	CriteriaSnapshot json.RawMessage   `json:"criteria_snapshot"`
	Passed           bool              `json:"passed"`
	Status           AttemptStatus     `json:"status" enum:"passed,failed,pending"`
	Score            float64           `json:"score"`
	Criteria         []CriterionResult `json:"criteria"`
	FailingCriteria  []CriterionResult `json:"failing_criteria"`
	Overridden       bool              `json:"overridden"`
	Justification    string            `json:"justification,omitempty"`
	ApproverID       string            `json:"approver_id,omitempty"`
	ActorID          string            `json:"actor_id"`
	AttemptedAt      string            `json:"attempted_at" format:"date-time"`
}

// FailingNames returns the names of the failing criteria in evaluation order.
func (a GateAttempt) FailingNames() []string {
	names := make([]string, 0, len(a.FailingCriteria))
	for _, c := range a.FailingCriteria {
		names = append(names, c.Name)
	}
	return names
}

type ApprovalType string

const (
	ApprovalSegmentPivot     ApprovalType = "segment_pivot"
	ApprovalValuePivot       ApprovalType = "value_pivot"
	ApprovalFeatureDowngrade ApprovalType = "feature_downgrade"
	ApprovalStrategicPivot   ApprovalType = "strategic_pivot"
	ApprovalSpendIncrease    ApprovalType = "spend_increase"
	ApprovalCampaignLaunch   ApprovalType = "campaign_launch"
	ApprovalCustomerContact  ApprovalType = "customer_contact"
	ApprovalGateProgression  ApprovalType = "gate_progression"
	ApprovalDataSharing      ApprovalType = "data_sharing"
)

func ParseApprovalType(s string) (ApprovalType, error) {
	switch t := ApprovalType(strings.TrimSpace(s)); t {
	case ApprovalSegmentPivot, ApprovalValuePivot, ApprovalFeatureDowngrade, ApprovalStrategicPivot,
		ApprovalSpendIncrease, ApprovalCampaignLaunch, ApprovalCustomerContact, ApprovalGateProgression,
		ApprovalDataSharing:
		return t, nil
	}
	return "", ValidationError{Field: "type", Reason: fmt.Sprintf("unknown approval type %q", s)}
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels; unknown levels rank above high.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.TrimSpace(s))
	if r.Rank() > 2 {
		return "", ValidationError{Field: "riskLevel", Reason: fmt.Sprintf("unknown risk level %q", s)}
	}
	return r, nil
}

type ApprovalStatus string

const (
	ApprovalPending    ApprovalStatus = "pending"
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalRejected   ApprovalStatus = "rejected"
	ApprovalOverridden ApprovalStatus = "overridden"
	ApprovalExpired    ApprovalStatus = "expired"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.TrimSpace(s)); d {
	case DecisionApprove, DecisionReject:
		return d, nil
	}
	return "", ValidationError{Field: "decision", Reason: fmt.Sprintf("decision must be approve or reject, got %q", s)}
}

type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = "none"
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

type ApprovalOption struct {
	Label       string    `json:"label"`
	RiskLevel   RiskLevel `json:"riskLevel" enum:"low,medium,high"`
	Recommended bool      `json:"recommended"`
}

type ApprovalRequest struct {
	ID                string           `json:"id"`
	ExecutionID       string           `json:"execution_id"`
	TaskID            string           `json:"task_id"`
	VentureID         string           `json:"venture_id"`
	Type              ApprovalType     `json:"type"`
	Options           []ApprovalOption `json:"options"`
	Description       string           `json:"description,omitempty"`
	Amount            float64          `json:"amount,omitempty"`
	Status            ApprovalStatus   `json:"status" enum:"pending,approved,rejected,overridden,expired"`
	Decision          Decision         `json:"decision,omitempty"`
	Feedback          string           `json:"feedback,omitempty"`
	ResolvedBy        string           `json:"resolved_by,omitempty"`
	CreatedAt         string           `json:"created_at" format:"date-time"`
	ResolvedAt        string           `json:"resolved_at,omitempty"`
	ExpiresAt         string           `json:"expires_at" format:"date-time"`
	DeliveryStatus    DeliveryStatus   `json:"delivery_status" enum:"none,pending,delivered,exhausted"`
	DeliveryAttempts  int              `json:"delivery_attempts"`
	LastDeliveryError string           `json:"last_delivery_error,omitempty"`
	DeliveredAt       string           `json:"delivered_at,omitempty"`
	LinkageDerived    bool             `json:"linkage_derived"`
}

// Recommended returns the option flagged as recommended.
func (a ApprovalRequest) Recommended() (ApprovalOption, bool) {
	for _, o := range a.Options {
		if o.Recommended {
			return o, true
		}
	}
	return ApprovalOption{}, false
}

// Resolved reports whether a decision has been recorded.
func (a ApprovalRequest) Resolved() bool {
	switch a.Status {
	case ApprovalApproved, ApprovalRejected, ApprovalOverridden:
		return true
	}
	return false
}

type AuditEvent struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	VentureID   string          `json:"venture_id,omitempty"`
	EventType   string          `json:"event_type"`
	Actor       string          `json:"actor"`
	PayloadHash string          `json:"payload_hash"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   string          `json:"timestamp" format:"date-time"`
}

// Audit event types.
const (
	EventVentureCreated        = "venture.created"
	EventStateUpdated          = "state.updated"
	EventEvidenceAccepted      = "evidence.accepted"
	EventPhaseAdvanced         = "phase.advanced"
	EventPhaseReverted         = "phase.reverted"
	EventVentureKilled         = "venture.killed"
	EventGateAttempted         = "gate.attempted"
	EventGateOverride          = "gate.override"
	EventPolicyImported        = "policy.imported"
	EventApprovalCreated       = "approval.created"
	EventApprovalAutoApproved  = "approval.auto_approved"
	EventApprovalResolved      = "approval.resolved"
	EventApprovalOverridden    = "approval.overridden"
	EventApprovalExpired       = "approval.expired"
	EventResumeDelivered       = "approval.resume_delivered"
	EventResumeDeliveryFailed  = "approval.resume_failed"
	EventResumeExhausted       = "approval.resume_exhausted"
	EventResumeRedeliveryReset = "approval.resume_reset"
)

const SystemActor = "system"

type Credential struct {
	ID        string `json:"id"`
	Kind      string `json:"kind" enum:"engine,operator"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	CredentialEngine   = "engine"
	CredentialOperator = "operator"
)
