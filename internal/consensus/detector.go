// Package consensus classifies disagreement between evaluators and resolves
// each (artifact, criterion) to a single score, an escalation or NA.
package consensus

import (
	"math"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// Detection is the classification of one PartialResult
type Detection struct {
	Severity types.ConflictSeverity `json:"severity"`
	// MaxDiff is the largest absolute pairwise score difference
	MaxDiff float64 `json:"max_diff"`
	// Pair drives the classification; empty with fewer than two successes
	Pair      []types.EvaluatorID `json:"pair,omitempty"`
	Successes int                 `json:"successes"`
}

// Detector classifies conflict severity from score values alone
type Detector struct {
	thresholds config.ThresholdConfig
}

// NewDetector creates a detector with the configured band lower bounds
func NewDetector(thresholds config.ThresholdConfig) *Detector {
	return &Detector{thresholds: thresholds}
}

// Detect computes the maximum pairwise difference among successful scores
// and classifies it. Fewer than two successes is always None.
func (d *Detector) Detect(result types.PartialResult) Detection {
	successes := result.Successes()
	det := Detection{Severity: types.SeverityNone, Successes: len(successes)}
	if len(successes) < 2 {
		return det
	}

	maxDiff := -1.0
	for i := 0; i < len(successes); i++ {
		for j := i + 1; j < len(successes); j++ {
			diff := math.Abs(successes[i].Score.Value - successes[j].Score.Value)
			if diff > maxDiff {
				maxDiff = diff
				det.Pair = []types.EvaluatorID{successes[i].EvaluatorID, successes[j].EvaluatorID}
			}
		}
	}

	det.MaxDiff = roundDiff(maxDiff)
	det.Severity = d.Classify(det.MaxDiff)
	return det
}

// Classify maps a score difference onto a severity band
func (d *Detector) Classify(diff float64) types.ConflictSeverity {
	switch {
	case diff >= d.thresholds.Critical:
		return types.SeverityCritical
	case diff >= d.thresholds.High:
		return types.SeverityHigh
	case diff >= d.thresholds.Medium:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// roundDiff removes float noise so 8.3-7.8 lands on the 0.5 boundary
func roundDiff(d float64) float64 {
	return math.Round(d*1e9) / 1e9
}

// round4 rounds reported values and confidences to four decimals
func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
