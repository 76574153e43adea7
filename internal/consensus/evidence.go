package consensus

import (
	"regexp"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
)

var (
	examplePattern   = regexp.MustCompile(`(?i)\b(for example|for instance|such as|specifically|as shown in|in section|on page)\b|\be\.g\.`)
	referencePattern = regexp.MustCompile(`(?i)\b(iso|ieee|rfc|owasp|nist|w3c|wcag|apa|standard|guideline|best practices?|according to|cited|literature)\b`)
	technicalPattern = regexp.MustCompile(`(?i)\b(algorithm|api|architecture|implementation|protocol|schema|latency|throughput|complexity|database|query|cache|concurrency|methodology|dataset|model|function)\b`)
	impactPattern    = regexp.MustCompile(`(?i)\b(impact|affects?|consequences?|results? in|leads? to|risks?|benefits?|improves?|degrades?|because)\b`)
	quantityPattern  = regexp.MustCompile(`(?i)\d+(\.\d+)?\s*(%|percent\b|ms\b|seconds?\b|minutes?\b|hours?\b|x\b|times\b|[kmg]b\b)|\b\d{2,}\b`)
)

// EvidenceBreakdown lists which rubric signals a rationale carries
type EvidenceBreakdown struct {
	Examples     bool    `json:"examples"`
	References   bool    `json:"references"`
	Technical    bool    `json:"technical"`
	Impact       bool    `json:"impact"`
	Quantitative bool    `json:"quantitative"`
	Score        float64 `json:"score"`
}

// Rubric scores rationale text for evidence quality in [0, 1]
type Rubric struct {
	weights config.EvidenceWeights
}

// NewRubric creates a rubric with the configured signal weights
func NewRubric(weights config.EvidenceWeights) *Rubric {
	return &Rubric{weights: weights}
}

// Breakdown evaluates every signal on text
func (r *Rubric) Breakdown(text string) EvidenceBreakdown {
	b := EvidenceBreakdown{
		Examples:     examplePattern.MatchString(text),
		References:   referencePattern.MatchString(text),
		Technical:    technicalPattern.MatchString(text),
		Impact:       impactPattern.MatchString(text),
		Quantitative: quantityPattern.MatchString(text),
	}

	score := 0.0
	if b.Examples {
		score += r.weights.Examples
	}
	if b.References {
		score += r.weights.References
	}
	if b.Technical {
		score += r.weights.Technical
	}
	if b.Impact {
		score += r.weights.Impact
	}
	if b.Quantitative {
		score += r.weights.Quantitative
	}
	b.Score = round4(clip(score, 0, 1))
	return b
}

// Score returns the capped evidence score of text
func (r *Rubric) Score(text string) float64 {
	return r.Breakdown(text).Score
}
