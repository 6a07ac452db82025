package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"media-refinery/internal/analyze"
	"media-refinery/internal/generate"
	"media-refinery/internal/models"
	"media-refinery/internal/refine"
	"media-refinery/internal/scoring"
	"media-refinery/internal/telemetry"
)

// Generator produces one artifact for a description.
type Generator interface {
	Generate(ctx context.Context, jobID string, iteration int, description string) (string, error)
}

// Analyzer indexes an artifact and answers category/narrative queries
// against the resulting content handle.
type Analyzer interface {
	Ingest(ctx context.Context, artifactRef string) (string, error)
	SearchCategory(ctx context.Context, contentHandle, category string) ([]models.Indicator, error)
	AnalyzeNarrative(ctx context.Context, contentHandle, prompt string) ([]models.Finding, error)
}

// Refiner proposes an improved description after a failed round.
type Refiner interface {
	Refine(ctx context.Context, req refine.Request) (string, error)
}

// JobStore is the slice of persistence the orchestrator needs. State is
// always persisted before the matching progress event is published.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetDescription(ctx context.Context, id, description string) error
	SetArtifact(ctx context.Context, id, artifactRef string) error
	SetContentHandle(ctx context.Context, id, handle string) error
	SetProgress(ctx context.Context, id string, iteration int, score float64) error
	MarkCompleted(ctx context.Context, id string, score float64) error
	MarkFailed(ctx context.Context, id, message string) error
	StartIteration(ctx context.Context, jobID string, number int, description string) error
	FinishIteration(ctx context.Context, it models.Iteration) error
}

// Bus publishes progress events to the durable log and live subscribers.
type Bus interface {
	Publish(ctx context.Context, jobID, level, message string) error
}

// CancelChecker reports whether a cooperative cancel was requested for a job.
type CancelChecker interface {
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Orchestrator drives the iteration loop for one job until a terminal
// condition: zero-detection success, threshold success, budget exhaustion,
// or a fatal generation/ingestion error.
type Orchestrator struct {
	store      JobStore
	bus        Bus
	generator  Generator
	analyzer   Analyzer
	refiner    Refiner
	calc       *scoring.Calculator
	cancels    CancelChecker
	categories []string
	prompts    []string
}

func New(store JobStore, bus Bus, gen Generator, an Analyzer, ref Refiner, calc *scoring.Calculator, cancels CancelChecker, categories, prompts []string) *Orchestrator {
	return &Orchestrator{
		store:      store,
		bus:        bus,
		generator:  gen,
		analyzer:   an,
		refiner:    ref,
		calc:       calc,
		cancels:    cancels,
		categories: categories,
		prompts:    prompts,
	}
}

// Run executes the refinement loop for jobID. Job-level outcomes (completed,
// failed) are persisted inside; the returned error reports infrastructure
// problems only.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if models.Terminal(job.Status) {
		return nil
	}

	description := job.CurrentDescription
	bestScore := job.CurrentScore

	o.publish(ctx, jobID, models.LevelInfo,
		fmt.Sprintf("starting refinement: target score %.0f, budget %d iterations", job.TargetScore, job.MaxIterations))

	for i := 1; i <= job.MaxIterations; i++ {
		if o.cancelled(ctx, jobID) {
			o.publish(ctx, jobID, models.LevelWarning, "cancel requested; stopping after last persisted state")
			return nil
		}

		result, err := o.runIteration(ctx, job, i, description)

		if errors.Is(err, analyze.ErrIngestionQuota) {
			// Soft landing: the artifact exists, only the analysis budget is
			// gone. Losing generated work over a quota would be worse than an
			// unscored result.
			if err := o.store.SetProgress(ctx, jobID, i, bestScore); err != nil {
				return fmt.Errorf("persist progress: %w", err)
			}
			if err := o.store.MarkCompleted(ctx, jobID, bestScore); err != nil {
				return fmt.Errorf("persist completion: %w", err)
			}
			o.publish(ctx, jobID, models.LevelWarning, "analysis quota exceeded; analysis skipped for this artifact")
			o.publish(ctx, jobID, models.LevelSuccess, "job completed with analysis skipped; artifact preserved")
			telemetry.JobsCompleted.Inc()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown or abort mid-call: leave the job at its last
				// persisted state instead of guessing a terminal one.
				o.publish(context.WithoutCancel(ctx), jobID, models.LevelWarning, "worker stopping; job left at last persisted state")
				return ctx.Err()
			}
			msg := err.Error()
			if err := o.store.MarkFailed(ctx, jobID, msg); err != nil {
				return fmt.Errorf("persist failure: %w", err)
			}
			o.publish(ctx, jobID, models.LevelError, fmt.Sprintf("iteration %d failed: %s", i, msg))
			telemetry.JobsFailed.Inc()
			return nil
		}

		score := 100 - result.Detection
		if score > bestScore {
			bestScore = score
		}
		if err := o.store.SetProgress(ctx, jobID, i, bestScore); err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}
		o.publish(ctx, jobID, models.LevelInfo,
			fmt.Sprintf("iteration %d scored quality %.1f, detection %.1f (%d indicators, %d findings)",
				i, result.Quality, result.Detection, len(result.Indicators), len(result.Findings)))

		if result.Detection == 0 {
			// Zero detectable indicators is unambiguous success regardless of
			// the configured target.
			if err := o.store.MarkCompleted(ctx, jobID, 100); err != nil {
				return fmt.Errorf("persist completion: %w", err)
			}
			o.publish(ctx, jobID, models.LevelSuccess, fmt.Sprintf("no detectable indicators on iteration %d; job completed", i))
			telemetry.JobsCompleted.Inc()
			return nil
		}
		if score >= job.TargetScore {
			if err := o.store.MarkCompleted(ctx, jobID, bestScore); err != nil {
				return fmt.Errorf("persist completion: %w", err)
			}
			o.publish(ctx, jobID, models.LevelSuccess, fmt.Sprintf("target reached on iteration %d: %.1f >= %.0f", i, score, job.TargetScore))
			telemetry.JobsCompleted.Inc()
			return nil
		}
		if i == job.MaxIterations {
			break
		}

		description = o.refineDescription(ctx, jobID, i, description, result, score, job.TargetScore)
	}

	// Budget exhausted with a usable artifact: completed, not failed.
	if err := o.store.MarkCompleted(ctx, jobID, bestScore); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	o.publish(ctx, jobID, models.LevelSuccess,
		fmt.Sprintf("iteration budget exhausted; completed with best score %.1f", bestScore))
	telemetry.JobsCompleted.Inc()
	return nil
}

// refineDescription asks the refiner for a better description. A refiner
// failure is never fatal: the next round reuses the current description.
func (o *Orchestrator) refineDescription(ctx context.Context, jobID string, iteration int, description string, result Result, score, target float64) string {
	o.transition(ctx, jobID, models.StatusRefining, fmt.Sprintf("iteration %d below target (%.1f < %.0f); refining description", iteration, score, target))

	next, err := o.refiner.Refine(ctx, refine.Request{
		Description:  description,
		Indicators:   result.Indicators,
		Findings:     result.Findings,
		CurrentScore: score,
		TargetScore:  target,
	})
	if err != nil {
		telemetry.RefinerFallbacks.Inc()
		o.publish(ctx, jobID, models.LevelWarning, fmt.Sprintf("refinement failed (%s); reusing current description", err))
		return description
	}
	if err := o.store.SetDescription(ctx, jobID, next); err != nil {
		slog.Error("persist refined description", "job_id", jobID, "error", err)
		return description
	}
	o.publish(ctx, jobID, models.LevelInfo, fmt.Sprintf("description refined for iteration %d", iteration+1))
	return next
}

// transition persists a status change, then publishes the matching event.
// Order matters: a crash between the two must never leave an event for a
// state that was not committed.
func (o *Orchestrator) transition(ctx context.Context, jobID, status, message string) {
	if err := o.store.UpdateStatus(ctx, jobID, status); err != nil {
		slog.Error("persist status", "job_id", jobID, "status", status, "error", err)
		return
	}
	o.publish(ctx, jobID, models.LevelInfo, message)
}

func (o *Orchestrator) publish(ctx context.Context, jobID, level, message string) {
	if err := o.bus.Publish(ctx, jobID, level, message); err != nil {
		slog.Error("publish progress", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, jobID string) bool {
	if o.cancels == nil {
		return false
	}
	requested, err := o.cancels.CancelRequested(ctx, jobID)
	if err != nil {
		slog.Warn("cancel check failed", "job_id", jobID, "error", err)
		return false
	}
	return requested
}

var _ Generator = (*generate.Client)(nil)
var _ Analyzer = (*analyze.Client)(nil)
var _ Refiner = (*refine.Refiner)(nil)
