package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"venturegate/internal/domain"
)

// Threshold is a numeric criterion on a named evidence metric.
type Threshold struct {
	Metric string  `yaml:"metric" json:"metric"`
	Op     string  `yaml:"op" json:"op" enum:"gte,gt,lte,lt"`
	Value  float64 `yaml:"value" json:"value"`
}

// GateCriteria lists the criteria of one gate. Zero values are not evaluated.
type GateCriteria struct {
	MinExperiments        int                                `yaml:"min_experiments,omitempty" json:"min_experiments,omitempty"`
	MinTotalEvidence      int                                `yaml:"min_total_evidence,omitempty" json:"min_total_evidence,omitempty"`
	MinEvidenceQuality    float64                            `yaml:"min_evidence_quality,omitempty" json:"min_evidence_quality,omitempty"`
	RequiredEvidenceTypes []domain.EvidenceType              `yaml:"required_evidence_types,omitempty" json:"required_evidence_types,omitempty"`
	RequiredStrengthMix   map[domain.Strength]int            `yaml:"required_strength_mix,omitempty" json:"required_strength_mix,omitempty"`
	Thresholds            []Threshold                        `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	MinSignals            map[domain.Dimension]domain.Signal `yaml:"min_signals,omitempty" json:"min_signals,omitempty"`
}

// Document is the gate policy configuration as authored in JSON or YAML.
type Document struct {
	ZombieMarketFloor float64                           `yaml:"zombie_market_floor" json:"zombie_market_floor"`
	AutoAdvance       bool                              `yaml:"auto_advance" json:"auto_advance"`
	Gates             map[domain.Dimension]GateCriteria `yaml:"gates" json:"gates"`
}

// Policy is a stored, versioned Document.
type Policy struct {
	Version   int64    `json:"version"`
	Hash      string   `json:"hash"`
	Source    string   `json:"source"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	Document  Document `json:"document"`
}

// Gate returns the criteria for a gate, or empty criteria when the gate is not configured.
func (d Document) Gate(g domain.Dimension) GateCriteria {
	return d.Gates[g]
}

// Parse decodes a policy document. JSON input is accepted since it is valid YAML.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("invalid policy document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// FromFile reads and validates a policy document from disk.
func FromFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Parse(data)
}

func (d Document) Validate() error {
	if d.ZombieMarketFloor < 0 {
		return fmt.Errorf("policy.zombie_market_floor must not be negative")
	}
	if len(d.Gates) == 0 {
		return fmt.Errorf("policy.gates is required")
	}
	for gate, c := range d.Gates {
		if _, err := domain.ParseDimension(string(gate)); err != nil {
			return fmt.Errorf("policy.gates has unknown gate %q", gate)
		}
		if err := c.validate(string(gate)); err != nil {
			return err
		}
	}
	return nil
}

func (c GateCriteria) validate(gate string) error {
	if c.MinExperiments < 0 || c.MinTotalEvidence < 0 {
		return fmt.Errorf("gate %s: minimum counts must not be negative", gate)
	}
	if c.MinEvidenceQuality < 0 || c.MinEvidenceQuality > 1 {
		return fmt.Errorf("gate %s: min_evidence_quality must be within [0,1]", gate)
	}
	for _, t := range c.RequiredEvidenceTypes {
		switch t {
		case domain.EvidenceInterview, domain.EvidenceAnalytics, domain.EvidenceExperiment, domain.EvidenceDesk:
		default:
			return fmt.Errorf("gate %s: unknown evidence type %q", gate, t)
		}
	}
	for s, n := range c.RequiredStrengthMix {
		switch s {
		case domain.StrengthWeak, domain.StrengthMedium, domain.StrengthStrong:
		default:
			return fmt.Errorf("gate %s: unknown strength %q", gate, s)
		}
		if n < 0 {
			return fmt.Errorf("gate %s: strength %s count must not be negative", gate, s)
		}
	}
	for i, t := range c.Thresholds {
		if t.Metric == "" {
			return fmt.Errorf("gate %s: thresholds[%d].metric is required", gate, i)
		}
		switch t.Op {
		case "gte", "gt", "lte", "lt":
		default:
			return fmt.Errorf("gate %s: thresholds[%d].op must be one of gte, gt, lte, lt", gate, i)
		}
	}
	for dim, sig := range c.MinSignals {
		if _, err := domain.ParseDimension(string(dim)); err != nil {
			return fmt.Errorf("gate %s: min_signals has unknown dimension %q", gate, dim)
		}
		if domain.SignalRank(dim, sig) < 0 {
			return fmt.Errorf("gate %s: %q is not a %s signal", gate, sig, dim)
		}
	}
	return nil
}

// Hash returns a stable content hash used to detect unchanged re-imports.
func (d Document) Hash() string {
	data, _ := json.Marshal(d)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Criteria lists the criterion names evaluated for a gate, in evaluation order.
func (c GateCriteria) Criteria() []string {
	var names []string
	if c.MinExperiments > 0 {
		names = append(names, "min_experiments")
	}
	if c.MinTotalEvidence > 0 {
		names = append(names, "min_total_evidence")
	}
	if c.MinEvidenceQuality > 0 {
		names = append(names, "min_evidence_quality")
	}
	if len(c.RequiredEvidenceTypes) > 0 {
		names = append(names, "required_evidence_types")
	}
	if len(c.RequiredStrengthMix) > 0 {
		names = append(names, "required_strength_mix")
	}
	for _, t := range c.Thresholds {
		names = append(names, "threshold:"+t.Metric)
	}
	dims := make([]string, 0, len(c.MinSignals))
	for d := range c.MinSignals {
		dims = append(dims, string(d))
	}
	sort.Strings(dims)
	for _, d := range dims {
		names = append(names, "min_signal:"+d)
	}
	return names
}

// Default returns the built-in policy. Each gate is stricter than the one before it.
func Default() Document {
	return Document{
		ZombieMarketFloor: 1_000_000,
		Gates: map[domain.Dimension]GateCriteria{
			domain.Desirability: {
				MinExperiments:        3,
				MinTotalEvidence:      5,
				MinEvidenceQuality:    0.7,
				RequiredEvidenceTypes: []domain.EvidenceType{domain.EvidenceInterview, domain.EvidenceAnalytics},
				RequiredStrengthMix:   map[domain.Strength]int{domain.StrengthMedium: 1, domain.StrengthStrong: 1},
				Thresholds:            []Threshold{{Metric: "ctr", Op: "gte", Value: 0.03}},
				MinSignals:            map[domain.Dimension]domain.Signal{domain.Desirability: domain.SignalWeakInterest},
			},
			domain.Feasibility: {
				MinExperiments:        4,
				MinTotalEvidence:      8,
				MinEvidenceQuality:    0.75,
				RequiredEvidenceTypes: []domain.EvidenceType{domain.EvidenceExperiment, domain.EvidenceDesk},
				RequiredStrengthMix:   map[domain.Strength]int{domain.StrengthMedium: 1, domain.StrengthStrong: 2},
				MinSignals:            map[domain.Dimension]domain.Signal{domain.Feasibility: domain.SignalOrangeConstrained},
			},
			domain.Viability: {
				MinExperiments:        5,
				MinTotalEvidence:      10,
				MinEvidenceQuality:    0.8,
				RequiredEvidenceTypes: []domain.EvidenceType{domain.EvidenceAnalytics, domain.EvidenceExperiment},
				RequiredStrengthMix:   map[domain.Strength]int{domain.StrengthMedium: 2, domain.StrengthStrong: 2},
				MinSignals: map[domain.Dimension]domain.Signal{
					domain.Viability:   domain.SignalMarginal,
					domain.Feasibility: domain.SignalOrangeConstrained,
				},
			},
		},
	}
}

// DefaultYAML renders the built-in policy for `vg init`.
func DefaultYAML() string {
	data, _ := yaml.Marshal(Default())
	return string(data)
}
