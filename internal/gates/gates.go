// Package gates evaluates gate policies against a venture's evidence and signals.
package gates

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"venturegate/internal/domain"
	"venturegate/internal/policy"
)

// qualityEpsilon keeps min_evidence_quality inclusive under float rounding.
const qualityEpsilon = 1e-9

// Input is everything a gate evaluation reads.
type Input struct {
	Gate       domain.Dimension
	State      domain.ValidationState
	Containers map[domain.Dimension]domain.EvidenceContainer
	Policy     policy.Policy
}

// CheckOrder enforces desirability -> feasibility -> viability. A gate may be attempted
// once the venture has reached its phase; re-evaluating an already passed gate is allowed.
func CheckOrder(phase domain.Phase, gate domain.Dimension) error {
	if phase.Terminal() {
		return fmt.Errorf("%w: %s", domain.ErrTerminalPhase, phase)
	}
	if _, err := domain.ParseDimension(string(gate)); err != nil {
		return err
	}
	if phase.Rank() >= gate.Phase().Rank() {
		return nil
	}
	prereq := "start_validation"
	if phase.Rank() >= domain.PhaseDesirability.Rank() {
		prereq = string(phase)
	}
	return domain.PolicyOrderViolation{Gate: gate, Prerequisite: prereq, Phase: phase}
}

// Evaluate computes every criterion of the requested gate independently.
// A gate the policy does not configure fails on gate_configured.
// The returned attempt carries no id, actor or timestamp.
func Evaluate(in Input) domain.GateAttempt {
	criteria, configured := in.Policy.Document.Gates[in.Gate]
	snapshot, _ := json.Marshal(struct {
		PolicyVersion int64               `json:"policy_version"`
		Gate          domain.Dimension    `json:"gate"`
		Criteria      policy.GateCriteria `json:"criteria"`
	}{in.Policy.Version, in.Gate, criteria})

	container, hasEvidence := in.Containers[in.Gate]
	ev := container.Evidence
	results := evaluateCriteria(criteria, ev, in.State)
	if !configured {
		results = append(results, result("gate_configured", "criteria in policy", "none", false))
	}

	attempt := domain.GateAttempt{
		VentureID:        in.State.VentureID,
		Gate:             in.Gate,
		PolicyVersion:    in.Policy.Version,
		CriteriaSnapshot: snapshot,
		Criteria:         results,
		FailingCriteria:  []domain.CriterionResult{},
	}
	satisfied := 0
	for _, r := range results {
		if r.Satisfied {
			satisfied++
			continue
		}
		attempt.FailingCriteria = append(attempt.FailingCriteria, r)
	}
	switch {
	case len(results) > 0:
		attempt.Score = float64(satisfied) / float64(len(results))
	case hasEvidence:
		attempt.Score = 1
	}
	switch {
	case !hasEvidence:
		attempt.Status = domain.AttemptPending
	case len(attempt.FailingCriteria) == 0:
		attempt.Status = domain.AttemptPassed
		attempt.Passed = true
	default:
		attempt.Status = domain.AttemptFailed
	}
	return attempt
}

func evaluateCriteria(c policy.GateCriteria, ev domain.Evidence, state domain.ValidationState) []domain.CriterionResult {
	var out []domain.CriterionResult
	mix := strengthMix(ev.Items)

	if c.MinExperiments > 0 {
		n := countType(ev.Items, domain.EvidenceExperiment)
		out = append(out, result("min_experiments", ">= "+strconv.Itoa(c.MinExperiments), strconv.Itoa(n), n >= c.MinExperiments))
	}
	if c.MinTotalEvidence > 0 {
		n := len(ev.Items)
		out = append(out, result("min_total_evidence", ">= "+strconv.Itoa(c.MinTotalEvidence), strconv.Itoa(n), n >= c.MinTotalEvidence))
	}
	if c.MinEvidenceQuality > 0 {
		q, ok := meanQuality(ev.Items)
		actual := "none"
		if ok {
			actual = formatFloat(q)
		}
		out = append(out, result("min_evidence_quality", ">= "+formatFloat(c.MinEvidenceQuality), actual, ok && q+qualityEpsilon >= c.MinEvidenceQuality))
	}
	if len(c.RequiredEvidenceTypes) > 0 {
		var missing []string
		for _, t := range c.RequiredEvidenceTypes {
			if countType(ev.Items, t) == 0 {
				missing = append(missing, string(t))
			}
		}
		actual := "all present"
		if len(missing) > 0 {
			actual = "missing " + strings.Join(missing, ",")
		}
		out = append(out, result("required_evidence_types", joinTypes(c.RequiredEvidenceTypes), actual, len(missing) == 0))
	}
	if len(c.RequiredStrengthMix) > 0 {
		ok := true
		for s, n := range c.RequiredStrengthMix {
			if mix[s] < n {
				ok = false
			}
		}
		out = append(out, result("required_strength_mix", formatMix(c.RequiredStrengthMix), formatMix(mix), ok))
	}
	for _, t := range c.Thresholds {
		v, ok := ev.Metric(t.Metric)
		actual := "missing"
		if ok {
			actual = formatFloat(v)
		}
		out = append(out, result("threshold:"+t.Metric, opSymbol(t.Op)+" "+formatFloat(t.Value), actual, ok && compare(v, t.Op, t.Value)))
	}
	dims := make([]domain.Dimension, 0, len(c.MinSignals))
	for d := range c.MinSignals {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	for _, d := range dims {
		floor := c.MinSignals[d]
		got := state.Signal(d)
		if got == "" {
			got = domain.WeakestSignal(d)
		}
		ok := domain.SignalRank(d, got) >= domain.SignalRank(d, floor)
		out = append(out, result("min_signal:"+string(d), ">= "+string(floor), string(got), ok))
	}
	return out
}

func result(name, expected, actual string, ok bool) domain.CriterionResult {
	return domain.CriterionResult{Name: name, Expected: expected, Actual: actual, Satisfied: ok}
}

func countType(items []domain.EvidenceItem, t domain.EvidenceType) int {
	n := 0
	for _, it := range items {
		if it.Type == t {
			n++
		}
	}
	return n
}

func strengthMix(items []domain.EvidenceItem) map[domain.Strength]int {
	mix := map[domain.Strength]int{domain.StrengthWeak: 0, domain.StrengthMedium: 0, domain.StrengthStrong: 0}
	for _, it := range items {
		mix[it.Strength]++
	}
	return mix
}

func meanQuality(items []domain.EvidenceItem) (float64, bool) {
	if len(items) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, it := range items {
		sum += it.Quality
	}
	return sum / float64(len(items)), true
}

func compare(v float64, op string, want float64) bool {
	switch op {
	case "gte":
		return v >= want
	case "gt":
		return v > want
	case "lte":
		return v <= want
	case "lt":
		return v < want
	}
	return false
}

func opSymbol(op string) string {
	switch op {
	case "gte":
		return ">="
	case "gt":
		return ">"
	case "lte":
		return "<="
	case "lt":
		return "<"
	}
	return op
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatMix(mix map[domain.Strength]int) string {
	parts := make([]string, 0, 3)
	for _, s := range []domain.Strength{domain.StrengthWeak, domain.StrengthMedium, domain.StrengthStrong} {
		if n, ok := mix[s]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	return strings.Join(parts, " ")
}

func joinTypes(types []domain.EvidenceType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
