package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"media-refinery/internal/analyze"
	"media-refinery/internal/models"
	"media-refinery/internal/telemetry"
)

// Result is the outcome of one generate→index→analyze→score cycle.
type Result struct {
	ArtifactRef   string
	ContentHandle string
	Quality       float64
	Detection     float64
	Indicators    []models.Indicator
	Findings      []models.Finding
}

// runIteration executes one full cycle for the job. The iteration row is
// opened before the first step and finalized exactly once; on return the row
// is never touched again.
func (o *Orchestrator) runIteration(ctx context.Context, job models.Job, number int, description string) (Result, error) {
	if err := o.store.StartIteration(ctx, job.ID, number, description); err != nil {
		return Result{}, fmt.Errorf("open iteration %d: %w", number, err)
	}

	fail := func(err error) (Result, error) {
		_ = o.store.FinishIteration(ctx, models.Iteration{
			JobID:  job.ID,
			Number: number,
			Status: models.IterationFailed,
		})
		return Result{}, err
	}

	// Step 1: generation. Any failure here is fatal to the job.
	o.transition(ctx, job.ID, models.StatusGenerating, fmt.Sprintf("iteration %d: generating artifact", number))
	artifactRef, err := o.generator.Generate(ctx, job.ID, number, description)
	if err != nil {
		telemetry.CollaboratorErrors.Inc()
		return fail(err)
	}
	if err := o.store.SetArtifact(ctx, job.ID, artifactRef); err != nil {
		return fail(fmt.Errorf("persist artifact ref: %w", err))
	}
	o.publish(ctx, job.ID, models.LevelInfo, fmt.Sprintf("iteration %d: artifact ready at %s", number, artifactRef))

	// Step 2: ingestion. Quota exhaustion preserves the artifact and skips
	// analysis; everything else is fatal.
	o.transition(ctx, job.ID, models.StatusIndexing, fmt.Sprintf("iteration %d: indexing artifact", number))
	contentHandle, err := o.analyzer.Ingest(ctx, artifactRef)
	if errors.Is(err, analyze.ErrIngestionQuota) {
		_ = o.store.FinishIteration(ctx, models.Iteration{
			JobID:       job.ID,
			Number:      number,
			ArtifactRef: &artifactRef,
			Status:      models.IterationSucceeded,
		})
		telemetry.IterationsRun.Inc()
		return Result{ArtifactRef: artifactRef}, err
	}
	if err != nil {
		telemetry.CollaboratorErrors.Inc()
		return fail(err)
	}
	if err := o.store.SetContentHandle(ctx, job.ID, contentHandle); err != nil {
		return fail(fmt.Errorf("persist content handle: %w", err))
	}

	// Step 3: search + narrative analysis. Each query is independent; a
	// failed category or prompt is logged and excluded, never propagated.
	o.transition(ctx, job.ID, models.StatusAnalyzing, fmt.Sprintf("iteration %d: analyzing content", number))

	var indicators []models.Indicator
	for _, category := range o.categories {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		matches, err := o.analyzer.SearchCategory(ctx, contentHandle, category)
		if err != nil {
			telemetry.CollaboratorErrors.Inc()
			o.publish(ctx, job.ID, models.LevelWarning, fmt.Sprintf("iteration %d: category %q skipped: %s", number, category, err))
			continue
		}
		indicators = append(indicators, matches...)
	}

	var findings []models.Finding
	for idx, prompt := range o.prompts {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		found, err := o.analyzer.AnalyzeNarrative(ctx, contentHandle, prompt)
		if err != nil {
			telemetry.CollaboratorErrors.Inc()
			o.publish(ctx, job.ID, models.LevelWarning, fmt.Sprintf("iteration %d: analysis prompt %d skipped: %s", number, idx+1, err))
			continue
		}
		findings = append(findings, found...)
	}

	// Step 4: scoring.
	scores := o.calc.Compute(indicators, findings)

	if err := o.store.FinishIteration(ctx, models.Iteration{
		JobID:          job.ID,
		Number:         number,
		ArtifactRef:    &artifactRef,
		QualityScore:   scores.Quality,
		DetectionScore: scores.Detection,
		IndicatorCount: len(indicators),
		FindingCount:   len(findings),
		Status:         models.IterationSucceeded,
	}); err != nil {
		return Result{}, fmt.Errorf("finalize iteration %d: %w", number, err)
	}
	telemetry.IterationsRun.Inc()

	return Result{
		ArtifactRef:   artifactRef,
		ContentHandle: contentHandle,
		Quality:       scores.Quality,
		Detection:     scores.Detection,
		Indicators:    indicators,
		Findings:      findings,
	}, nil
}
