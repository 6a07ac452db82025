package analyze

import (
	"encoding/json"
	"strings"

	"media-refinery/internal/models"
)

// Collaborator responses are loosely typed and have drifted across API
// versions: the same value appears under different names and sometimes as a
// 0-1 fraction instead of 0-100. Everything is mapped to the fixed
// Indicator/Finding shapes here so the core never probes for fields.

func normalizeIndicator(category string, raw json.RawMessage) models.Indicator {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.Indicator{Category: category}
	}
	return models.Indicator{
		Category:   category,
		Confidence: pickConfidence(m),
	}
}

func normalizeFinding(raw json.RawMessage) models.Finding {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.Finding{}
	}
	return models.Finding{
		Category:   pickString(m, "category", "type"),
		Text:       pickString(m, "text", "finding", "description", "message"),
		Severity:   normalizeSeverity(pickString(m, "severity", "level")),
		Confidence: pickConfidence(m),
	}
}

// findingsFromText splits a free-text analysis into one finding per line,
// deriving severity from inline markers when present.
func findingsFromText(text string) []models.Finding {
	var findings []models.Finding
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•0123456789. "))
		if len(line) < 10 {
			continue
		}
		findings = append(findings, models.Finding{
			Text:     line,
			Severity: severityFromText(line),
		})
	}
	return findings
}

func pickConfidence(m map[string]any) float64 {
	if v, ok := pickNumber(m, "confidence", "score", "weight"); ok {
		// Some API revisions report fractions, others percentages.
		if v > 0 && v <= 1 {
			return v * 100
		}
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 100
		}
		return v
	}
	// Oldest revisions grade matches as high/medium/low only.
	switch normalizeSeverity(pickString(m, "confidence", "level")) {
	case models.SeverityHigh:
		return 90
	case models.SeverityMedium:
		return 70
	case models.SeverityLow:
		return 40
	}
	return 0
}

func pickNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

func pickString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case models.SeverityHigh, "critical", "severe":
		return models.SeverityHigh
	case models.SeverityMedium, "moderate", "med":
		return models.SeverityMedium
	case models.SeverityLow, "minor":
		return models.SeverityLow
	default:
		return ""
	}
}

func severityFromText(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "high severity"), strings.Contains(lower, "(high)"), strings.Contains(lower, "severity: high"):
		return models.SeverityHigh
	case strings.Contains(lower, "medium severity"), strings.Contains(lower, "(medium)"), strings.Contains(lower, "severity: medium"):
		return models.SeverityMedium
	case strings.Contains(lower, "low severity"), strings.Contains(lower, "(low)"), strings.Contains(lower, "severity: low"):
		return models.SeverityLow
	default:
		return ""
	}
}
