package consensus

import (
	"fmt"
	"math"
	"sort"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

// Conflict is what a strategy sees: the result, its classification and
// the successful scores in entry order
type Conflict struct {
	Result    types.PartialResult
	Detection Detection
	Successes []types.ScoredEntry
}

// Decision is a strategy verdict. Escalate means no automatic value.
type Decision struct {
	Method     types.ResolutionMethod
	Value      float64
	Confidence float64
	Escalate   bool
	Reason     string
	Note       string
}

// Strategy resolves one conflict. Implementations are pure.
type Strategy interface {
	Method() types.ResolutionMethod
	Resolve(c Conflict) Decision
}

// DefaultStrategies is the severity -> strategy table
func DefaultStrategies(cfg *config.ConsensusConfig, rubric *Rubric) map[types.ConflictSeverity]Strategy {
	return map[types.ConflictSeverity]Strategy{
		types.SeverityLow:      &WeightedAverage{cfg: cfg},
		types.SeverityMedium:   &EvidenceWeighted{cfg: cfg, rubric: rubric},
		types.SeverityHigh:     &ExpertMediation{cfg: cfg, rubric: rubric},
		types.SeverityCritical: HumanEscalation{},
	}
}

// WeightedAverage averages scores by static per-criterion reliability
type WeightedAverage struct {
	cfg *config.ConsensusConfig
}

func (s *WeightedAverage) Method() types.ResolutionMethod { return types.MethodWeightedAverage }

func (s *WeightedAverage) Resolve(c Conflict) Decision {
	var num, den float64
	for _, e := range c.Successes {
		w := s.cfg.ReliabilityOf(e.EvaluatorID, c.Result.CriterionID)
		num += e.Score.Value * w
		den += w
	}
	value := mean(c.Successes)
	if den > 0 {
		value = num / den
	}

	confidence := 0.0
	if s.cfg.Thresholds.Medium > 0 {
		confidence = clip(1-c.Detection.MaxDiff/s.cfg.Thresholds.Medium, 0, 1)
	}

	return Decision{
		Method:     s.Method(),
		Value:      round4(value),
		Confidence: round4(confidence),
	}
}

// EvidenceWeighted takes the score backed by clearly better evidence, or a
// confidence-weighted average when no rationale dominates
type EvidenceWeighted struct {
	cfg    *config.ConsensusConfig
	rubric *Rubric
}

func (s *EvidenceWeighted) Method() types.ResolutionMethod { return types.MethodEvidenceWeighted }

func (s *EvidenceWeighted) Resolve(c Conflict) Decision {
	evidence := make([]float64, len(c.Successes))
	for i, e := range c.Successes {
		evidence[i] = s.rubric.Score(e.Score.Rationale)
	}

	order := rank(evidence)
	top, second := evidence[order[0]], evidence[order[1]]

	if top > 0 && top > second*(1+s.cfg.DominanceRatio) {
		winner := c.Successes[order[0]]
		return Decision{
			Method:     s.Method(),
			Value:      winner.Score.Value,
			Confidence: round4((top - second) / top),
			Note:       fmt.Sprintf("evidence favours %s (%.2f vs %.2f)", winner.EvaluatorID, top, second),
		}
	}

	var num, den, confSum float64
	for _, e := range c.Successes {
		num += e.Score.Value * e.Score.Confidence
		den += e.Score.Confidence
		confSum += e.Score.Confidence
	}
	value := mean(c.Successes)
	if den > 0 {
		value = num / den
	}

	meanConf := confSum / float64(len(c.Successes))
	confidence := 0.0
	if s.cfg.Thresholds.High > 0 {
		confidence = clip(meanConf*(1-c.Detection.MaxDiff/s.cfg.Thresholds.High), 0, 1)
	}

	return Decision{
		Method:     s.Method(),
		Value:      round4(value),
		Confidence: round4(confidence),
		Note:       "no dominant evidence; confidence-weighted average",
	}
}

// ExpertMediation prefers one evaluator by reliability, evidence and
// distance from the criterion benchmark
type ExpertMediation struct {
	cfg    *config.ConsensusConfig
	rubric *Rubric
}

func (s *ExpertMediation) Method() types.ResolutionMethod { return types.MethodExpertMediation }

// Preference computes one evaluator's mediation score in [0, 1]
func (s *ExpertMediation) Preference(e types.ScoredEntry, criterion types.CriterionID) float64 {
	w := s.cfg.Mediation
	reliability := clip(s.cfg.ReliabilityOf(e.EvaluatorID, criterion), 0, 1)
	evidence := s.rubric.Score(e.Score.Rationale)

	bench, ok := s.cfg.Benchmark(criterion)
	if !ok {
		if w.Reliability+w.Evidence == 0 {
			return 0
		}
		return (w.Reliability*reliability + w.Evidence*evidence) / (w.Reliability + w.Evidence)
	}

	closeness := clip(1-math.Abs(e.Score.Value-bench)/(types.MaxScore-types.MinScore), 0, 1)
	return w.Reliability*reliability + w.Evidence*evidence + w.Benchmark*closeness
}

func (s *ExpertMediation) Resolve(c Conflict) Decision {
	prefs := make([]float64, len(c.Successes))
	for i, e := range c.Successes {
		prefs[i] = round4(s.Preference(e, c.Result.CriterionID))
	}

	order := rank(prefs)
	winner, runnerUp := c.Successes[order[0]], c.Successes[order[1]]
	margin := round4(prefs[order[0]] - prefs[order[1]])

	if margin <= s.cfg.TieMargin {
		return Decision{
			Method:   types.MethodHumanEscalation,
			Escalate: true,
			Reason: fmt.Sprintf("mediation tie between %s and %s (margin %.4f)",
				winner.EvaluatorID, runnerUp.EvaluatorID, margin),
		}
	}

	return Decision{
		Method:     s.Method(),
		Value:      winner.Score.Value,
		Confidence: clip(margin, 0, 1),
		Note:       fmt.Sprintf("mediation preferred %s (%.4f vs %.4f)", winner.EvaluatorID, prefs[order[0]], prefs[order[1]]),
	}
}

// HumanEscalation never produces a value
type HumanEscalation struct{}

func (HumanEscalation) Method() types.ResolutionMethod { return types.MethodHumanEscalation }

func (h HumanEscalation) Resolve(c Conflict) Decision {
	reason := fmt.Sprintf("critical disagreement of %.2f points", c.Detection.MaxDiff)
	if len(c.Detection.Pair) == 2 {
		reason += fmt.Sprintf(" between %s and %s", c.Detection.Pair[0], c.Detection.Pair[1])
	}
	return Decision{Method: h.Method(), Escalate: true, Reason: reason}
}

// rank returns indices ordered by value descending; ties keep entry order
func rank(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})
	return order
}

func mean(entries []types.ScoredEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range entries {
		sum += e.Score.Value
	}
	return sum / float64(len(entries))
}
