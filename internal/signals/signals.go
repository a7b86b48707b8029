// Package signals classifies raw evidence into the ordered per-dimension signals.
//
// Every function here is pure and total: missing or malformed inputs classify as the
// weakest signal of the dimension instead of failing.
package signals

import (
	"venturegate/internal/domain"
)

// Options carries the configurable inputs of derivation.
type Options struct {
	// ZombieMarketFloor is the addressable market below which viability is zombie_market.
	// Zero disables the check.
	ZombieMarketFloor float64
}

const (
	strongCommitmentAbove = 0.6
	weakInterestAbove     = 0.3
	profitableRatio       = 3.0
	marginalRatio         = 1.0
)

// Derive maps evidence for one dimension to its signal.
func Derive(dim domain.Dimension, ev domain.Evidence, opts Options) domain.Signal {
	switch dim {
	case domain.Desirability:
		return desirability(ev)
	case domain.Feasibility:
		return feasibility(ev)
	case domain.Viability:
		return viability(ev, opts)
	}
	return domain.SignalUnknown
}

// DeriveAll recomputes all three signals from the stored containers.
func DeriveAll(containers map[domain.Dimension]domain.Evidence, opts Options) map[domain.Dimension]domain.Signal {
	out := make(map[domain.Dimension]domain.Signal, len(domain.Dimensions))
	for _, d := range domain.Dimensions {
		ev, ok := containers[d]
		if !ok {
			out[d] = domain.WeakestSignal(d)
			continue
		}
		out[d] = Derive(d, ev, opts)
	}
	return out
}

func desirability(ev domain.Evidence) domain.Signal {
	r, ok := ev.Metric("problem_resonance")
	switch {
	case !ok:
		return domain.SignalNoSignal
	case r > strongCommitmentAbove:
		return domain.SignalStrongCommitment
	case r > weakInterestAbove:
		return domain.SignalWeakInterest
	case r > 0:
		return domain.SignalNoInterest
	}
	return domain.SignalNoSignal
}

func feasibility(ev domain.Evidence) domain.Signal {
	if len(ev.Features) == 0 {
		return domain.SignalUnknown
	}
	var possible, constrained, impossible int
	for _, st := range ev.Features {
		switch st {
		case domain.FeaturePossible:
			possible++
		case domain.FeatureConstrained:
			constrained++
		case domain.FeatureImpossible:
			impossible++
		}
	}
	switch {
	case impossible > 0:
		return domain.SignalRedImpossible
	case constrained > 0:
		return domain.SignalOrangeConstrained
	case possible == len(ev.Features):
		return domain.SignalGreen
	}
	return domain.SignalUnknown
}

func viability(ev domain.Evidence, opts Options) domain.Signal {
	if tam, ok := ev.Metric("tam"); ok && opts.ZombieMarketFloor > 0 && tam < opts.ZombieMarketFloor {
		return domain.SignalZombieMarket
	}
	ratio, ok := ev.Metric("ltv_cac_ratio")
	switch {
	case !ok:
		return domain.SignalUnknown
	case ratio >= profitableRatio:
		return domain.SignalProfitable
	case ratio >= marginalRatio:
		return domain.SignalMarginal
	case ratio > 0:
		return domain.SignalUnderwater
	}
	return domain.SignalUnknown
}
