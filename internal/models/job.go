package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusIndexing   = "indexing"
	StatusAnalyzing  = "analyzing"
	StatusRefining   = "refining"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Iteration statuses.
const (
	IterationRunning   = "running"
	IterationSucceeded = "succeeded"
	IterationFailed    = "failed"
)

// Terminal reports whether a job status permits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job represents one refinement job persisted in Postgres. The worker owns it
// from dequeue to a terminal status; the API only reads it after submission.
type Job struct {
	ID                  string    `json:"id"`
	OriginalDescription string    `json:"original_description"`
	CurrentDescription  string    `json:"current_description"`
	TargetScore         float64   `json:"target_score"`
	MaxIterations       int       `json:"max_iterations"`
	Status              string    `json:"status"`
	CurrentIteration    int       `json:"current_iteration"`
	CurrentScore        float64   `json:"current_score"`
	ArtifactRef         *string   `json:"artifact_ref,omitempty"`
	ContentHandle       *string   `json:"content_handle,omitempty"`
	ErrorMessage        *string   `json:"error_message,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Iteration records one generate→index→analyze→score round of a job.
// A row is never mutated after it is finalized.
type Iteration struct {
	JobID           string    `json:"job_id"`
	Number          int       `json:"number"`
	DescriptionUsed string    `json:"description_used"`
	ArtifactRef     *string   `json:"artifact_ref,omitempty"`
	QualityScore    float64   `json:"quality_score"`
	DetectionScore  float64   `json:"detection_score"`
	IndicatorCount  int       `json:"indicator_count"`
	FindingCount    int       `json:"finding_count"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}
