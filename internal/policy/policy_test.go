package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"venturegate/internal/domain"
)

func TestDefaultPolicyIsValidAndProgressivelyStricter(t *testing.T) {
	doc := Default()
	require.NoError(t, doc.Validate())

	d, f, v := doc.Gate(domain.Desirability), doc.Gate(domain.Feasibility), doc.Gate(domain.Viability)
	assert.Greater(t, f.MinExperiments, d.MinExperiments)
	assert.Greater(t, v.MinExperiments, f.MinExperiments)
	assert.Greater(t, f.MinEvidenceQuality, d.MinEvidenceQuality)
	assert.Greater(t, v.MinEvidenceQuality, f.MinEvidenceQuality)
	assert.Greater(t, f.MinTotalEvidence, d.MinTotalEvidence)
	assert.Greater(t, v.MinTotalEvidence, f.MinTotalEvidence)
}

func TestParseYAMLAndJSON(t *testing.T) {
	yamlDoc := `
zombie_market_floor: 500000
gates:
  desirability:
    min_experiments: 3
    required_strength_mix: {medium: 1, strong: 1}
    thresholds:
      - {metric: ctr, op: gte, value: 0.03}
    min_signals: {desirability: weak_interest}
`
	doc, err := Parse([]byte(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, 500000.0, doc.ZombieMarketFloor)
	assert.Equal(t, 3, doc.Gate(domain.Desirability).MinExperiments)
	assert.Equal(t, []string{"min_experiments", "required_strength_mix", "threshold:ctr", "min_signal:desirability"},
		doc.Gate(domain.Desirability).Criteria())

	jsonDoc := `{"gates":{"feasibility":{"min_signals":{"feasibility":"green"}}}}`
	doc, err = Parse([]byte(jsonDoc))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalGreen, doc.Gate(domain.Feasibility).MinSignals[domain.Feasibility])
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"no gates":     `zombie_market_floor: 1`,
		"unknown gate": `gates: {scale: {min_experiments: 1}}`,
		"bad op":       `gates: {desirability: {thresholds: [{metric: ctr, op: eq, value: 1}]}}`,
		"wrong signal": `gates: {desirability: {min_signals: {desirability: green}}}`,
		"bad quality":  `gates: {viability: {min_evidence_quality: 1.5}}`,
		"bad strength": `gates: {viability: {required_strength_mix: {huge: 1}}}`,
		"bad evidence": `gates: {viability: {required_evidence_types: [survey]}}`,
		"not yaml":     `gates: [`,
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Errorf(t, err, name)
	}
}

func TestHashIsStable(t *testing.T) {
	a, b := Default(), Default()
	assert.Equal(t, a.Hash(), b.Hash())
	b.ZombieMarketFloor = 1
	assert.NotEqual(t, a.Hash(), b.Hash())

	roundTrip, err := Parse([]byte(DefaultYAML()))
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), roundTrip.Hash())
}

func TestWatchAppliesEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate-policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(DefaultYAML()), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan Document, 4)
	require.NoError(t, Watch(ctx, path, nil, func(_ context.Context, doc Document) error {
		applied <- doc
		return nil
	}))

	edited := Default()
	edited.ZombieMarketFloor = 42
	data, err := yaml.Marshal(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	select {
	case got := <-applied:
		assert.Equal(t, 42.0, got.ZombieMarketFloor)
	case <-time.After(5 * time.Second):
		t.Fatal("policy edit was not applied")
	}
}
