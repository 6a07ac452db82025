package models

import (
	"time"
)

// Progress event levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
)

// ProgressEvent is one log line of a job. Events are append-only: they are
// written to the job's durable log and fanned out to live subscribers.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Finding severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Indicator is a weighted match returned by the category-search collaborator.
type Indicator struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"` // 0-100
}

// Finding is a free-text observation from the narrative-analysis collaborator.
// Severity may be empty when the collaborator does not grade the finding.
type Finding struct {
	Category   string  `json:"category"`
	Text       string  `json:"text"`
	Severity   string  `json:"severity,omitempty"`
	Confidence float64 `json:"confidence"` // 0-100
}
