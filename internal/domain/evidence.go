package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ParseEvidence converts an inbound evidence object into typed Evidence.
// Top-level numbers become metrics, as do the entries of a nested "metrics" object.
// Non-numeric metric values are dropped; derivation treats them as missing.
// Structural violations in features, technical_risks or items are rejected.
func ParseEvidence(raw map[string]any) (Evidence, error) {
	var ev Evidence
	if raw == nil {
		return ev, ValidationError{Field: "evidence", Reason: "object required"}
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		val := raw[key]
		switch key {
		case "features":
			features, err := parseFeatures(val)
			if err != nil {
				return Evidence{}, err
			}
			ev.Features = features
		case "technical_risks":
			risks, err := parseStrings("evidence.technical_risks", val)
			if err != nil {
				return Evidence{}, err
			}
			ev.TechnicalRisks = risks
		case "items":
			items, err := parseItems(val)
			if err != nil {
				return Evidence{}, err
			}
			ev.Items = items
		case "metrics":
			nested, ok := val.(map[string]any)
			if !ok {
				return Evidence{}, ValidationError{Field: "evidence.metrics", Reason: "must be an object"}
			}
			for mk, mv := range nested {
				ev.setMetric(mk, mv)
			}
		default:
			ev.setMetric(key, val)
		}
	}
	return ev, nil
}

func (e *Evidence) setMetric(name string, v any) {
	n, ok := v.(float64)
	if !ok {
		return
	}
	if e.Metrics == nil {
		e.Metrics = map[string]float64{}
	}
	e.Metrics[name] = n
}

func parseFeatures(v any) (map[string]FeatureStatus, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ValidationError{Field: "evidence.features", Reason: "must be an object of feature -> status"}
	}
	out := make(map[string]FeatureStatus, len(obj))
	for name, raw := range obj {
		s, ok := raw.(string)
		if !ok {
			return nil, ValidationError{Field: "evidence.features." + name, Reason: "status must be a string"}
		}
		switch st := FeatureStatus(strings.TrimSpace(s)); st {
		case FeaturePossible, FeatureConstrained, FeatureImpossible:
			out[name] = st
		default:
			return nil, ValidationError{Field: "evidence.features." + name, Reason: fmt.Sprintf("unknown status %q", s)}
		}
	}
	return out, nil
}

func parseStrings(field string, v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, ValidationError{Field: field, Reason: "must be an array of strings"}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, ValidationError{Field: field, Reason: "must be an array of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

func parseItems(v any) ([]EvidenceItem, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, ValidationError{Field: "evidence.items", Reason: "must be an array"}
	}
	out := make([]EvidenceItem, 0, len(arr))
	for i, raw := range arr {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, ValidationError{Field: fmt.Sprintf("evidence.items[%d]", i), Reason: "must be an object"}
		}
		item, err := parseItem(obj)
		if err != nil {
			return nil, ValidationError{Field: fmt.Sprintf("evidence.items[%d]", i), Reason: err.Error()}
		}
		out = append(out, item)
	}
	return out, nil
}

func parseItem(obj map[string]any) (EvidenceItem, error) {
	var item EvidenceItem
	t, _ := obj["type"].(string)
	switch et := EvidenceType(t); et {
	case EvidenceInterview, EvidenceAnalytics, EvidenceExperiment, EvidenceDesk:
		item.Type = et
	default:
		return item, fmt.Errorf("unknown type %q", t)
	}
	s, _ := obj["strength"].(string)
	switch st := Strength(s); st {
	case StrengthWeak, StrengthMedium, StrengthStrong:
		item.Strength = st
	default:
		return item, fmt.Errorf("unknown strength %q", s)
	}
	// quality_score is the legacy name for quality.
	q, ok := obj["quality"].(float64)
	if !ok {
		q, ok = obj["quality_score"].(float64)
	}
	if !ok || q < 0 || q > 1 {
		return item, fmt.Errorf("quality must be a number in [0,1]")
	}
	item.Quality = q
	item.Summary, _ = obj["summary"].(string)
	return item, nil
}
