package photdeblend

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Health check names.
const (
	CheckDivergence = "divergence"
	CheckTreeDepth  = "treedepth"
	CheckEnergy     = "energy"
)

// HealthThresholds bounds acceptable sampler behaviour. A fraction above its
// maximum, or an E-BFMI below its minimum, produces a warning.
type HealthThresholds struct {
	MaxDivergentFraction float64
	MaxTreeDepthFraction float64
	MinEBFMI             float64
}

// NewHealthThresholds returns defaults that warn on any divergent or
// depth-saturated transition and on E-BFMI below 0.2.
func NewHealthThresholds() HealthThresholds {
	return HealthThresholds{
		MaxDivergentFraction: 0,
		MaxTreeDepthFraction: 0,
		MinEBFMI:             0.2,
	}
}

// SamplerHealthWarning records one failed health check. It never aborts a fit
// and travels with the posterior into catalogue provenance. Chain is -1 for
// checks pooled over all chains.
type SamplerHealthWarning struct {
	Check     string
	Chain     int
	Value     float64
	Threshold float64
	Message   string
}

func (w SamplerHealthWarning) String() string { return w.Message }

// ValidateHealth compares the sampler's transition diagnostics against the
// thresholds. Malformed diagnostics are an error; threshold violations are
// returned as warnings.
func ValidateHealth(result SamplerResult, th HealthThresholds) ([]SamplerHealthWarning, error) {
	chains, err := result.Transitions()
	if err != nil {
		return nil, fmt.Errorf("reading transitions: %w", err)
	}
	var warnings []SamplerHealthWarning

	var divergent, divTotal int
	var saturated, depthTotal int
	maxDepth := result.MaxTreeDepth()
	for c, t := range chains {
		if t.TreeDepth != nil && t.Divergent != nil && len(t.TreeDepth) != len(t.Divergent) {
			return nil, shapeError(fmt.Sprintf("chain %d tree depths", c), len(t.Divergent), len(t.TreeDepth))
		}
		for _, d := range t.Divergent {
			if d {
				divergent++
			}
		}
		divTotal += len(t.Divergent)
		if maxDepth > 0 {
			for _, d := range t.TreeDepth {
				if d >= maxDepth {
					saturated++
				}
			}
			depthTotal += len(t.TreeDepth)
		}

		if len(t.Energy) > 1 {
			e := ebfmi(t.Energy)
			if e < th.MinEBFMI {
				warnings = append(warnings, SamplerHealthWarning{
					Check:     CheckEnergy,
					Chain:     c,
					Value:     e,
					Threshold: th.MinEBFMI,
					Message:   fmt.Sprintf("chain %d: E-BFMI = %.3g below %.3g; posterior may not be fully explored", c, e, th.MinEBFMI),
				})
			}
		}
	}

	if divTotal > 0 {
		frac := float64(divergent) / float64(divTotal)
		if frac > th.MaxDivergentFraction {
			warnings = append(warnings, SamplerHealthWarning{
				Check:     CheckDivergence,
				Chain:     -1,
				Value:     frac,
				Threshold: th.MaxDivergentFraction,
				Message:   fmt.Sprintf("%d of %d iterations ended with a divergence (%.2f%%)", divergent, divTotal, 100*frac),
			})
		}
	}
	if depthTotal > 0 {
		frac := float64(saturated) / float64(depthTotal)
		if frac > th.MaxTreeDepthFraction {
			warnings = append(warnings, SamplerHealthWarning{
				Check:     CheckTreeDepth,
				Chain:     -1,
				Value:     frac,
				Threshold: th.MaxTreeDepthFraction,
				Message:   fmt.Sprintf("%d of %d iterations saturated the maximum tree depth of %d (%.2f%%)", saturated, depthTotal, maxDepth, 100*frac),
			})
		}
	}
	return warnings, nil
}

// ebfmi is the energy Bayesian fraction of missing information of one chain.
func ebfmi(energy []float64) float64 {
	var num float64
	for i := 1; i < len(energy); i++ {
		d := energy[i] - energy[i-1]
		num += d * d
	}
	num /= float64(len(energy))
	_, variance := stat.PopMeanVariance(energy, nil)
	if variance == 0 {
		return math.Inf(1)
	}
	return num / variance
}
