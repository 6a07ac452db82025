package scoring

import (
	"math"
	"testing"

	"media-refinery/internal/models"
)

func TestComputeEmptyInputs(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	scores := calc.Compute(nil, nil)

	if scores.Quality != 100 {
		t.Errorf("quality = %v, want 100", scores.Quality)
	}
	if scores.Detection != 0 {
		t.Errorf("detection = %v, want 0", scores.Detection)
	}
}

func TestComputeQualityPenalties(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	indicators := make([]models.Indicator, 12)
	for i := range indicators {
		indicators[i] = models.Indicator{Category: "jerky movements", Confidence: 50}
	}
	findings := []models.Finding{
		{Text: "the background looks blurry in several frames"},
		{Text: "unnatural hand movement during the pan"},
		{Text: "overall pacing is fine"},
	}

	scores := calc.Compute(indicators, findings)

	// 12 indicators * 3 = 36, two quality-term findings * 8 = 16.
	want := 100.0 - 36 - 16
	if scores.Quality != want {
		t.Errorf("quality = %v, want %v", scores.Quality, want)
	}
}

func TestComputeIndicatorPenaltyCapped(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	indicators := make([]models.Indicator, 40)
	for i := range indicators {
		indicators[i] = models.Indicator{Category: "rendering artifacts", Confidence: 10}
	}

	scores := calc.Compute(indicators, nil)
	if scores.Quality != 50 {
		t.Errorf("quality = %v, want 50 (penalty capped)", scores.Quality)
	}
}

func TestDetectionBlendsIndicatorsAndFindings(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	indicators := []models.Indicator{
		{Category: "artificial skin texture", Confidence: 80},
		{Category: "mechanical blinking patterns", Confidence: 60},
	}
	findings := []models.Finding{
		{Text: "scene appears synthetic", Severity: models.SeverityHigh},
		{Text: "likely ai generated content", Severity: models.SeverityLow},
	}

	scores := calc.Compute(indicators, findings)

	// indicators avg 70 at weight 0.7; findings (30+10)/2=20 at weight 0.3.
	want := 70*0.7 + 20*0.3
	if math.Abs(scores.Detection-want) > 1e-9 {
		t.Errorf("detection = %v, want %v", scores.Detection, want)
	}
}

func TestDetectionSingleSourceFallbacks(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	indicators := []models.Indicator{{Category: "impossible physics", Confidence: 42}}
	scores := calc.Compute(indicators, nil)
	if scores.Detection != 42 {
		t.Errorf("indicator-only detection = %v, want 42", scores.Detection)
	}

	findings := []models.Finding{{Text: "deepfake markers present", Severity: models.SeverityMedium}}
	scores = calc.Compute(nil, findings)
	if scores.Detection != 20 {
		t.Errorf("finding-only detection = %v, want 20", scores.Detection)
	}
}

func TestDetectionIgnoresUnrelatedFindings(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	findings := []models.Finding{
		{Text: "the lighting is moody but plausible", Severity: models.SeverityHigh},
	}
	scores := calc.Compute(nil, findings)
	if scores.Detection != 0 {
		t.Errorf("detection = %v, want 0 for non-detection findings", scores.Detection)
	}
}

func TestSeverityWeightDefaultsToLow(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	findings := []models.Finding{{Text: "synthetic texture on the wall"}}
	scores := calc.Compute(nil, findings)
	if scores.Detection != 10 {
		t.Errorf("detection = %v, want 10 for ungraded finding", scores.Detection)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	indicators := []models.Indicator{{Category: "lip sync mismatches", Confidence: 33}}
	findings := []models.Finding{{Text: "generated look on close-ups", Severity: models.SeverityHigh}}

	first := calc.Compute(indicators, findings)
	for i := 0; i < 5; i++ {
		if got := calc.Compute(indicators, findings); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestScoresClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeverityWeightHigh = 500
	calc := NewCalculator(cfg)

	findings := []models.Finding{{Text: "obviously ai-generated", Severity: models.SeverityHigh}}
	scores := calc.Compute(nil, findings)
	if scores.Detection != 100 {
		t.Errorf("detection = %v, want clamped 100", scores.Detection)
	}
}
