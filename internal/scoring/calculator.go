package scoring

import (
	"strings"

	"media-refinery/internal/models"
)

// Config exposes the scoring weights and vocabularies so they can be tuned
// without touching the calculation itself.
type Config struct {
	IndicatorPenaltyPerHit float64
	FindingPenaltyPerHit   float64
	PenaltyCap             float64
	IndicatorWeight        float64 // weight of indicators vs findings in detection
	SeverityWeightHigh     float64
	SeverityWeightMedium   float64
	SeverityWeightLow      float64
	QualityTerms           []string // findings matching these penalize quality
	DetectionTerms         []string // findings matching these count toward detection
}

// DefaultConfig returns the standard weights.
func DefaultConfig() Config {
	return Config{
		IndicatorPenaltyPerHit: 3,
		FindingPenaltyPerHit:   8,
		PenaltyCap:             50,
		IndicatorWeight:        0.7,
		SeverityWeightHigh:     30,
		SeverityWeightMedium:   20,
		SeverityWeightLow:      10,
		QualityTerms: []string{
			"blurry", "distort", "artifact", "glitch", "inconsist",
			"unnatural", "low quality", "poor", "flicker", "warp",
		},
		DetectionTerms: []string{
			"ai generated", "ai-generated", "synthetic", "artificial",
			"computer graphics", "generated", "deepfake", "model artifact",
		},
	}
}

// Scores is the output of one computation. Both values are clamped to [0,100].
type Scores struct {
	Quality   float64
	Detection float64
}

// Calculator derives quality and detection scores from analysis output.
// Pure and deterministic; no I/O.
type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	def := DefaultConfig()
	if cfg.IndicatorPenaltyPerHit == 0 {
		cfg.IndicatorPenaltyPerHit = def.IndicatorPenaltyPerHit
	}
	if cfg.FindingPenaltyPerHit == 0 {
		cfg.FindingPenaltyPerHit = def.FindingPenaltyPerHit
	}
	if cfg.PenaltyCap == 0 {
		cfg.PenaltyCap = def.PenaltyCap
	}
	if cfg.IndicatorWeight == 0 {
		cfg.IndicatorWeight = def.IndicatorWeight
	}
	if cfg.SeverityWeightHigh == 0 {
		cfg.SeverityWeightHigh = def.SeverityWeightHigh
	}
	if cfg.SeverityWeightMedium == 0 {
		cfg.SeverityWeightMedium = def.SeverityWeightMedium
	}
	if cfg.SeverityWeightLow == 0 {
		cfg.SeverityWeightLow = def.SeverityWeightLow
	}
	if len(cfg.QualityTerms) == 0 {
		cfg.QualityTerms = def.QualityTerms
	}
	if len(cfg.DetectionTerms) == 0 {
		cfg.DetectionTerms = def.DetectionTerms
	}
	return &Calculator{cfg: cfg}
}

// Compute maps indicators and findings to {quality, detection}. Empty inputs
// yield quality=100 (nothing wrong found) and detection=0 (no evidence).
func (c *Calculator) Compute(indicators []models.Indicator, findings []models.Finding) Scores {
	indicatorPenalty := min(c.cfg.IndicatorPenaltyPerHit*float64(len(indicators)), c.cfg.PenaltyCap)

	qualityHits := 0
	for _, f := range findings {
		if matchesAny(f.Text, c.cfg.QualityTerms) {
			qualityHits++
		}
	}
	findingPenalty := min(c.cfg.FindingPenaltyPerHit*float64(qualityHits), c.cfg.PenaltyCap)

	quality := clamp(100 - indicatorPenalty - findingPenalty)

	return Scores{
		Quality:   quality,
		Detection: clamp(c.detection(indicators, findings)),
	}
}

func (c *Calculator) detection(indicators []models.Indicator, findings []models.Finding) float64 {
	var indicatorScore float64
	if len(indicators) > 0 {
		var sum float64
		for _, in := range indicators {
			sum += in.Confidence
		}
		indicatorScore = sum / float64(len(indicators))
	}

	var findingSum float64
	findingHits := 0
	for _, f := range findings {
		if !matchesAny(f.Text, c.cfg.DetectionTerms) {
			continue
		}
		findingHits++
		findingSum += c.severityWeight(f.Severity)
	}
	var findingScore float64
	if findingHits > 0 {
		findingScore = findingSum / float64(findingHits)
	}

	switch {
	case len(indicators) > 0 && findingHits > 0:
		w := c.cfg.IndicatorWeight
		return indicatorScore*w + findingScore*(1-w)
	case len(indicators) > 0:
		return indicatorScore
	case findingHits > 0:
		return findingScore
	default:
		return 0
	}
}

func (c *Calculator) severityWeight(severity string) float64 {
	switch severity {
	case models.SeverityHigh:
		return c.cfg.SeverityWeightHigh
	case models.SeverityMedium:
		return c.cfg.SeverityWeightMedium
	default:
		return c.cfg.SeverityWeightLow
	}
}

func matchesAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
