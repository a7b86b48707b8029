package gates

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venturegate/internal/domain"
	"venturegate/internal/policy"
)

func items(triples ...any) []domain.EvidenceItem {
	var out []domain.EvidenceItem
	for i := 0; i+2 < len(triples); i += 3 {
		out = append(out, domain.EvidenceItem{
			Type:     triples[i].(domain.EvidenceType),
			Strength: triples[i+1].(domain.Strength),
			Quality:  triples[i+2].(float64),
		})
	}
	return out
}

func input(gate domain.Dimension, criteria policy.GateCriteria, ev *domain.Evidence) Input {
	in := Input{
		Gate:  gate,
		State: domain.ValidationState{VentureID: "v1", Phase: gate.Phase()},
		Policy: policy.Policy{Version: 7, Document: policy.Document{
			Gates: map[domain.Dimension]policy.GateCriteria{gate: criteria},
		}},
		Containers: map[domain.Dimension]domain.EvidenceContainer{},
	}
	if ev != nil {
		in.Containers[gate] = domain.EvidenceContainer{VentureID: "v1", Dimension: gate, Evidence: *ev}
	}
	return in
}

func TestFailingCriteriaListsCountAndMix(t *testing.T) {
	criteria := policy.GateCriteria{
		MinExperiments:      3,
		RequiredStrengthMix: map[domain.Strength]int{domain.StrengthMedium: 1, domain.StrengthStrong: 1},
	}
	ev := domain.Evidence{Items: items(
		domain.EvidenceExperiment, domain.StrengthWeak, 0.5,
		domain.EvidenceExperiment, domain.StrengthMedium, 0.8,
	)}

	attempt := Evaluate(input(domain.Desirability, criteria, &ev))
	assert.False(t, attempt.Passed)
	assert.Equal(t, domain.AttemptFailed, attempt.Status)
	assert.ElementsMatch(t, []string{"min_experiments", "required_strength_mix"}, attempt.FailingNames())
	assert.Equal(t, 0.0, attempt.Score)
	assert.Equal(t, int64(7), attempt.PolicyVersion)
	assert.JSONEq(t, `{"policy_version":7,"gate":"desirability","criteria":{"min_experiments":3,"required_strength_mix":{"medium":1,"strong":1}}}`,
		string(attempt.CriteriaSnapshot))
}

func TestEvaluateReportsEveryCriterion(t *testing.T) {
	criteria := policy.Default().Gate(domain.Desirability)
	ev := domain.Evidence{
		Metrics: map[string]float64{"clicks": 40, "impressions": 1000},
		Items: items(
			domain.EvidenceExperiment, domain.StrengthStrong, 0.9,
			domain.EvidenceExperiment, domain.StrengthMedium, 0.7,
			domain.EvidenceExperiment, domain.StrengthWeak, 0.5,
			domain.EvidenceInterview, domain.StrengthMedium, 0.7,
			domain.EvidenceAnalytics, domain.StrengthMedium, 0.7,
		),
	}
	in := input(domain.Desirability, criteria, &ev)
	in.State.DesirabilitySignal = domain.SignalWeakInterest

	attempt := Evaluate(in)
	require.Len(t, attempt.Criteria, len(criteria.Criteria()))
	for i, name := range criteria.Criteria() {
		assert.Equal(t, name, attempt.Criteria[i].Name)
	}
	assert.True(t, attempt.Passed, "failing: %v", attempt.FailingNames())
	assert.Equal(t, 1.0, attempt.Score)
	assert.Empty(t, attempt.FailingCriteria)
}

func TestQualityThresholdIsInclusive(t *testing.T) {
	criteria := policy.GateCriteria{MinEvidenceQuality: 0.7}
	ev := domain.Evidence{Items: items(
		domain.EvidenceDesk, domain.StrengthWeak, 0.6,
		domain.EvidenceDesk, domain.StrengthWeak, 0.8,
	)}
	attempt := Evaluate(input(domain.Feasibility, criteria, &ev))
	assert.True(t, attempt.Passed)

	ev.Items[1].Quality = 0.79
	attempt = Evaluate(input(domain.Feasibility, criteria, &ev))
	assert.False(t, attempt.Passed)
}

func TestMissingMetricFailsThreshold(t *testing.T) {
	criteria := policy.GateCriteria{
		MinTotalEvidence: 1,
		Thresholds:       []policy.Threshold{{Metric: "ltv_cac_ratio", Op: "gte", Value: 3}},
	}
	ev := domain.Evidence{Items: items(domain.EvidenceAnalytics, domain.StrengthStrong, 1.0)}
	attempt := Evaluate(input(domain.Viability, criteria, &ev))
	assert.False(t, attempt.Passed)
	assert.Equal(t, 0.5, attempt.Score)
	require.Len(t, attempt.FailingCriteria, 1)
	assert.Equal(t, "threshold:ltv_cac_ratio", attempt.FailingCriteria[0].Name)
	assert.Equal(t, "missing", attempt.FailingCriteria[0].Actual)

	ev.Metrics = map[string]float64{"ltv": 450, "cac": 150}
	assert.True(t, Evaluate(input(domain.Viability, criteria, &ev)).Passed)
}

func TestMinSignalUsesStoredState(t *testing.T) {
	criteria := policy.GateCriteria{MinSignals: map[domain.Dimension]domain.Signal{domain.Feasibility: domain.SignalOrangeConstrained}}
	ev := domain.Evidence{}
	in := input(domain.Feasibility, criteria, &ev)
	in.State.FeasibilitySignal = domain.SignalRedImpossible
	assert.False(t, Evaluate(in).Passed)

	in.State.FeasibilitySignal = domain.SignalGreen
	assert.True(t, Evaluate(in).Passed)
}

func TestNoEvidenceIsPending(t *testing.T) {
	attempt := Evaluate(input(domain.Desirability, policy.Default().Gate(domain.Desirability), nil))
	assert.Equal(t, domain.AttemptPending, attempt.Status)
	assert.False(t, attempt.Passed)
	assert.NotEmpty(t, attempt.FailingCriteria)

	empty := Evaluate(input(domain.Desirability, policy.GateCriteria{}, nil))
	assert.Equal(t, domain.AttemptPending, empty.Status)
	assert.Equal(t, 0.0, empty.Score)
}

func TestEmptyCriteriaPass(t *testing.T) {
	ev := domain.Evidence{}
	attempt := Evaluate(input(domain.Viability, policy.GateCriteria{}, &ev))
	assert.True(t, attempt.Passed)
	assert.Equal(t, 1.0, attempt.Score)
}

func TestUnconfiguredGateFails(t *testing.T) {
	ev := domain.Evidence{Items: items(domain.EvidenceExperiment, domain.StrengthStrong, 0.9)}
	in := input(domain.Desirability, policy.GateCriteria{MinExperiments: 1}, &ev)
	in.Gate = domain.Feasibility
	in.Containers[domain.Feasibility] = in.Containers[domain.Desirability]

	attempt := Evaluate(in)
	assert.False(t, attempt.Passed)
	assert.Equal(t, domain.AttemptFailed, attempt.Status)
	assert.Equal(t, []string{"gate_configured"}, attempt.FailingNames())
}

func TestCheckOrder(t *testing.T) {
	assert.NoError(t, CheckOrder(domain.PhaseDesirability, domain.Desirability))
	assert.NoError(t, CheckOrder(domain.PhaseViability, domain.Desirability))
	assert.NoError(t, CheckOrder(domain.PhaseFeasibility, domain.Feasibility))

	err := CheckOrder(domain.PhaseDesirability, domain.Feasibility)
	var violation domain.PolicyOrderViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, domain.Feasibility, violation.Gate)
	assert.Equal(t, "desirability", violation.Prerequisite)

	err = CheckOrder(domain.PhaseIdeation, domain.Viability)
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "start_validation", violation.Prerequisite)

	assert.ErrorIs(t, CheckOrder(domain.PhaseKilled, domain.Desirability), domain.ErrTerminalPhase)
	assert.ErrorIs(t, CheckOrder(domain.PhaseValidated, domain.Viability), domain.ErrTerminalPhase)
	assert.Error(t, CheckOrder(domain.PhaseViability, "scale"))
}
