package refine

import (
	"fmt"
	"strings"
	"testing"

	"media-refinery/internal/models"
)

func TestBuildPromptIncludesContext(t *testing.T) {
	prompt := buildPrompt(Request{
		Description:  "a calm mountain lake at dawn",
		CurrentScore: 58.5,
		TargetScore:  85,
		Indicators: []models.Indicator{
			{Category: "jerky movements", Confidence: 72},
		},
		Findings: []models.Finding{
			{Text: "water surface looks synthetic", Severity: models.SeverityHigh},
			{Text: "shadows are slightly off"},
		},
	})

	for _, want := range []string{
		"a calm mountain lake at dawn",
		"Current score 58.5, target 85.0",
		"jerky movements (confidence 72)",
		"[high] water surface looks synthetic",
		"- shadows are slightly off",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptCapsListLengths(t *testing.T) {
	req := Request{Description: "desc"}
	for i := 0; i < 30; i++ {
		req.Indicators = append(req.Indicators, models.Indicator{Category: fmt.Sprintf("category-%d", i), Confidence: 50})
		req.Findings = append(req.Findings, models.Finding{Text: fmt.Sprintf("finding number %d", i)})
	}

	prompt := buildPrompt(req)

	if strings.Contains(prompt, "category-10") {
		t.Error("prompt includes indicator beyond the cap")
	}
	if strings.Contains(prompt, "finding number 5") {
		t.Error("prompt includes finding beyond the cap")
	}
	if !strings.Contains(prompt, "category-9") || !strings.Contains(prompt, "finding number 4") {
		t.Error("prompt dropped entries inside the cap")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 1000); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}

	long := strings.Repeat("x", 1200)
	got := truncate(long, 1000)
	if len(got) != 1000 {
		t.Errorf("len = %d, want 1000", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated string missing ellipsis: %q", got[990:])
	}
}

func TestNewRefinerDefaults(t *testing.T) {
	r := NewRefiner("key", "", 0, 0)
	if r.model != defaultModel {
		t.Errorf("model = %q, want %q", r.model, defaultModel)
	}
	if r.timeout != defaultTimeout {
		t.Errorf("timeout = %v, want %v", r.timeout, defaultTimeout)
	}
	if r.maxLength != 1000 {
		t.Errorf("maxLength = %d, want 1000", r.maxLength)
	}
}
