package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-refinery/internal/models"
)

// ErrJobNotFound is returned for status/log/artifact queries on unknown ids.
var ErrJobNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of jobs, iterations, and the
// durable progress log.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Description   string
	TargetScore   float64
	MaxIterations int
}

// CreateJob inserts a pending job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, original_description, current_description, target_score, max_iterations, status, current_iteration, current_score, created_at, updated_at)
		VALUES ($1, $2, $2, $3, $4, $5, 0, 0, $6, $6)
	`, id, p.Description, p.TargetScore, p.MaxIterations, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:                  id,
		OriginalDescription: p.Description,
		CurrentDescription:  p.Description,
		TargetScore:         p.TargetScore,
		MaxIterations:       p.MaxIterations,
		Status:              models.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, original_description, current_description, target_score, max_iterations, status, current_iteration, current_score, artifact_ref, content_handle, error_message, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var artifactRef, contentHandle, errMsg pgtype.Text

	if err := row.Scan(&job.ID, &job.OriginalDescription, &job.CurrentDescription, &job.TargetScore, &job.MaxIterations, &job.Status, &job.CurrentIteration, &job.CurrentScore, &artifactRef, &contentHandle, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.ArtifactRef = textPtr(artifactRef)
	job.ContentHandle = textPtr(contentHandle)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}

// UpdateStatus sets the job status for external observability.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// SetDescription replaces the current (refined) description.
func (s *Store) SetDescription(ctx context.Context, id, description string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET current_description = $2, updated_at = NOW() WHERE id = $1
	`, id, description)
	return err
}

// SetArtifact records the latest artifact reference.
func (s *Store) SetArtifact(ctx context.Context, id, artifactRef string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET artifact_ref = $2, updated_at = NOW() WHERE id = $1
	`, id, artifactRef)
	return err
}

// SetContentHandle records the handle returned by ingestion.
func (s *Store) SetContentHandle(ctx context.Context, id, handle string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET content_handle = $2, updated_at = NOW() WHERE id = $1
	`, id, handle)
	return err
}

// SetProgress updates the iteration counter and the running best score.
func (s *Store) SetProgress(ctx context.Context, id string, iteration int, score float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET current_iteration = $2, current_score = $3, updated_at = NOW() WHERE id = $1
	`, id, iteration, score)
	return err
}

// MarkCompleted transitions a job to its terminal completed state.
func (s *Store) MarkCompleted(ctx context.Context, id string, score float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, current_score = $3, error_message = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCompleted, score)
	return err
}

// MarkFailed transitions a job to failed with a human-readable message.
// The message is never overwritten once set.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = COALESCE(error_message, $3), updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, message)
	return err
}

// StartIteration inserts a running iteration row.
func (s *Store) StartIteration(ctx context.Context, jobID string, number int, description string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO iterations (job_id, number, description_used, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, number, description, models.IterationRunning)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

// FinishIteration finalizes an iteration row. The row is never touched again.
func (s *Store) FinishIteration(ctx context.Context, it models.Iteration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE iterations
		SET artifact_ref = $3, quality_score = $4, detection_score = $5, indicator_count = $6, finding_count = $7, status = $8
		WHERE job_id = $1 AND number = $2
	`, it.JobID, it.Number, it.ArtifactRef, it.QualityScore, it.DetectionScore, it.IndicatorCount, it.FindingCount, it.Status)
	return err
}

// ListIterations returns a job's iterations in order.
func (s *Store) ListIterations(ctx context.Context, jobID string) ([]models.Iteration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, number, description_used, artifact_ref, quality_score, detection_score, indicator_count, finding_count, status, created_at
		FROM iterations WHERE job_id = $1 ORDER BY number
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []models.Iteration
	for rows.Next() {
		var it models.Iteration
		var artifactRef pgtype.Text
		if err := rows.Scan(&it.JobID, &it.Number, &it.DescriptionUsed, &artifactRef, &it.QualityScore, &it.DetectionScore, &it.IndicatorCount, &it.FindingCount, &it.Status, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.ArtifactRef = textPtr(artifactRef)
		out = append(out, it)
	}
	return out, rows.Err()
}

// AppendLog appends one progress event to the durable job log.
func (s *Store) AppendLog(ctx context.Context, ev models.ProgressEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, ts)
		VALUES ($1, $2, $3, $4)
	`, ev.JobID, ev.Level, ev.Message, ts)
	return err
}

// ListLogs returns the full persisted log for a job in append order.
func (s *Store) ListLogs(ctx context.Context, jobID string) ([]models.ProgressEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, level, message, ts FROM job_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()

	var out []models.ProgressEvent
	for rows.Next() {
		var ev models.ProgressEvent
		if err := rows.Scan(&ev.JobID, &ev.Level, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
