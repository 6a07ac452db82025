package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"media-refinery/internal/analyze"
	"media-refinery/internal/models"
	"media-refinery/internal/refine"
	"media-refinery/internal/scoring"
)

// fakeStore is an in-memory JobStore.
type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]models.Job
	iterations []models.Iteration
}

func newFakeStore(job models.Job) *fakeStore {
	return &fakeStore{jobs: map[string]models.Job{job.ID: job}}
}

func (s *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errors.New("not found")
	}
	return job, nil
}

func (s *fakeStore) update(id string, fn func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	fn(&job)
	s.jobs[id] = job
	return nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id, status string) error {
	return s.update(id, func(j *models.Job) { j.Status = status })
}

func (s *fakeStore) SetDescription(_ context.Context, id, description string) error {
	return s.update(id, func(j *models.Job) { j.CurrentDescription = description })
}

func (s *fakeStore) SetArtifact(_ context.Context, id, ref string) error {
	return s.update(id, func(j *models.Job) { j.ArtifactRef = &ref })
}

func (s *fakeStore) SetContentHandle(_ context.Context, id, handle string) error {
	return s.update(id, func(j *models.Job) { j.ContentHandle = &handle })
}

func (s *fakeStore) SetProgress(_ context.Context, id string, iteration int, score float64) error {
	return s.update(id, func(j *models.Job) {
		j.CurrentIteration = iteration
		j.CurrentScore = score
	})
}

func (s *fakeStore) MarkCompleted(_ context.Context, id string, score float64) error {
	return s.update(id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.CurrentScore = score
	})
}

func (s *fakeStore) MarkFailed(_ context.Context, id, message string) error {
	return s.update(id, func(j *models.Job) {
		j.Status = models.StatusFailed
		if j.ErrorMessage == nil {
			j.ErrorMessage = &message
		}
	})
}

func (s *fakeStore) StartIteration(_ context.Context, jobID string, number int, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations = append(s.iterations, models.Iteration{
		JobID:           jobID,
		Number:          number,
		DescriptionUsed: description,
		Status:          models.IterationRunning,
	})
	return nil
}

func (s *fakeStore) FinishIteration(_ context.Context, it models.Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.iterations {
		if s.iterations[i].JobID == it.JobID && s.iterations[i].Number == it.Number {
			it.DescriptionUsed = s.iterations[i].DescriptionUsed
			s.iterations[i] = it
			return nil
		}
	}
	return errors.New("iteration not started")
}

type fakeBus struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (b *fakeBus) Publish(_ context.Context, jobID, level, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, models.ProgressEvent{JobID: jobID, Level: level, Message: message})
	return nil
}

func (b *fakeBus) contains(substr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

type fakeGenerator struct {
	mu           sync.Mutex
	descriptions []string
	err          error
}

func (g *fakeGenerator) Generate(_ context.Context, jobID string, iteration int, description string) (string, error) {
	g.mu.Lock()
	g.descriptions = append(g.descriptions, description)
	g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	return "artifacts/" + jobID, nil
}

type fakeAnalyzer struct {
	ingestErr  error
	indicators []models.Indicator
	findings   []models.Finding
}

func (a *fakeAnalyzer) Ingest(_ context.Context, _ string) (string, error) {
	if a.ingestErr != nil {
		return "", a.ingestErr
	}
	return "handle-1", nil
}

func (a *fakeAnalyzer) SearchCategory(_ context.Context, _, _ string) ([]models.Indicator, error) {
	return a.indicators, nil
}

func (a *fakeAnalyzer) AnalyzeNarrative(_ context.Context, _, _ string) ([]models.Finding, error) {
	return a.findings, nil
}

type fakeRefiner struct {
	mu    sync.Mutex
	calls int
	next  string
	err   error
}

func (r *fakeRefiner) Refine(_ context.Context, _ refine.Request) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.next, nil
}

type fakeCancels struct{ requested bool }

func (c *fakeCancels) CancelRequested(_ context.Context, _ string) (bool, error) {
	return c.requested, nil
}

func testJob(target float64, maxIterations int) models.Job {
	return models.Job{
		ID:                  "job-1",
		OriginalDescription: "a calm mountain lake at dawn, cinematic",
		CurrentDescription:  "a calm mountain lake at dawn, cinematic",
		TargetScore:         target,
		MaxIterations:       maxIterations,
		Status:              models.StatusPending,
	}
}

func newTestOrchestrator(st *fakeStore, bus *fakeBus, gen *fakeGenerator, an *fakeAnalyzer, ref *fakeRefiner, cancels CancelChecker) *Orchestrator {
	return New(st, bus, gen, an, ref, scoring.NewCalculator(scoring.DefaultConfig()), cancels,
		[]string{"unnatural facial symmetry"}, []string{"analyze this artifact"})
}

func TestRunCompletesOnZeroDetection(t *testing.T) {
	st := newFakeStore(testJob(85, 5))
	bus := &fakeBus{}
	gen := &fakeGenerator{}
	orc := newTestOrchestrator(st, bus, gen, &fakeAnalyzer{}, &fakeRefiner{}, nil)

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.CurrentScore != 100 {
		t.Errorf("score = %v, want 100", job.CurrentScore)
	}
	if len(gen.descriptions) != 1 {
		t.Errorf("generator called %d times, want 1", len(gen.descriptions))
	}
	if !bus.contains("no detectable indicators") {
		t.Errorf("missing zero-detection event; got %+v", bus.events)
	}
}

func TestRunExhaustsBudgetAndCompletes(t *testing.T) {
	st := newFakeStore(testJob(85, 3))
	bus := &fakeBus{}
	gen := &fakeGenerator{}
	an := &fakeAnalyzer{indicators: []models.Indicator{{Category: "jerky movements", Confidence: 40}}}
	ref := &fakeRefiner{next: "a calmer mountain lake with softer light"}
	orc := newTestOrchestrator(st, bus, gen, an, ref, nil)

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	// Detection stays 40 every round, so the best score is 60.
	if job.CurrentScore != 60 {
		t.Errorf("score = %v, want 60", job.CurrentScore)
	}
	if len(gen.descriptions) != 3 {
		t.Errorf("generator called %d times, want 3", len(gen.descriptions))
	}
	// Refinement runs between iterations only, never after the last one.
	if ref.calls != 2 {
		t.Errorf("refiner called %d times, want 2", ref.calls)
	}
	if gen.descriptions[1] != "a calmer mountain lake with softer light" {
		t.Errorf("iteration 2 used %q, want refined description", gen.descriptions[1])
	}
	if !bus.contains("budget exhausted") {
		t.Errorf("missing budget event; got %+v", bus.events)
	}
}

func TestRunCompletesWhenTargetReached(t *testing.T) {
	st := newFakeStore(testJob(50, 5))
	bus := &fakeBus{}
	gen := &fakeGenerator{}
	an := &fakeAnalyzer{indicators: []models.Indicator{{Category: "rendering artifacts", Confidence: 30}}}
	orc := newTestOrchestrator(st, bus, gen, an, &fakeRefiner{}, nil)

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.CurrentScore != 70 {
		t.Errorf("score = %v, want 70", job.CurrentScore)
	}
	if len(gen.descriptions) != 1 {
		t.Errorf("generator called %d times, want 1", len(gen.descriptions))
	}
}

func TestRunFailsOnGenerationError(t *testing.T) {
	st := newFakeStore(testJob(85, 5))
	bus := &fakeBus{}
	gen := &fakeGenerator{err: errors.New("generation failed: backend rejected description")}
	orc := newTestOrchestrator(st, bus, gen, &fakeAnalyzer{}, &fakeRefiner{}, nil)

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}
	if len(st.iterations) != 1 || st.iterations[0].Status != models.IterationFailed {
		t.Errorf("iterations = %+v, want one failed row", st.iterations)
	}
}

func TestRunQuotaExceededSoftLanding(t *testing.T) {
	st := newFakeStore(testJob(85, 5))
	bus := &fakeBus{}
	gen := &fakeGenerator{}
	an := &fakeAnalyzer{ingestErr: analyze.ErrIngestionQuota}
	orc := newTestOrchestrator(st, bus, gen, an, &fakeRefiner{}, nil)

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.CurrentScore != 0 {
		t.Errorf("score = %v, want 0 (never analyzed)", job.CurrentScore)
	}
	if job.ArtifactRef == nil {
		t.Fatal("artifact reference lost on quota exhaustion")
	}
	if !bus.contains("analysis skipped") {
		t.Errorf("missing quota event; got %+v", bus.events)
	}
	if len(st.iterations) != 1 || st.iterations[0].Status != models.IterationSucceeded {
		t.Errorf("iterations = %+v, want one succeeded row", st.iterations)
	}
}

func TestRunRefinerFailureFallsBack(t *testing.T) {
	st := newFakeStore(testJob(85, 2))
	bus := &fakeBus{}
	gen := &fakeGenerator{}
	an := &fakeAnalyzer{indicators: []models.Indicator{{Category: "diffusion model artifacts", Confidence: 50}}}
	ref := &fakeRefiner{err: errors.New("refinement failed: upstream 500")}
	orc := newTestOrchestrator(st, bus, gen, an, ref, nil)

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if len(gen.descriptions) != 2 {
		t.Fatalf("generator called %d times, want 2", len(gen.descriptions))
	}
	if gen.descriptions[0] != gen.descriptions[1] {
		t.Errorf("fallback should reuse the description: %q vs %q", gen.descriptions[0], gen.descriptions[1])
	}
	if !bus.contains("reusing current description") {
		t.Errorf("missing fallback event; got %+v", bus.events)
	}
}

func TestRunStopsOnCancelRequest(t *testing.T) {
	st := newFakeStore(testJob(85, 5))
	bus := &fakeBus{}
	gen := &fakeGenerator{}
	orc := newTestOrchestrator(st, bus, gen, &fakeAnalyzer{}, &fakeRefiner{}, &fakeCancels{requested: true})

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusPending {
		t.Errorf("status = %s, want pending (last persisted state)", job.Status)
	}
	if len(gen.descriptions) != 0 {
		t.Errorf("generator called %d times, want 0", len(gen.descriptions))
	}
	if !bus.contains("cancel requested") {
		t.Errorf("missing cancel event; got %+v", bus.events)
	}
}

func TestRunSkipsTerminalJob(t *testing.T) {
	job := testJob(85, 5)
	job.Status = models.StatusCompleted
	st := newFakeStore(job)
	gen := &fakeGenerator{}
	orc := newTestOrchestrator(st, &fakeBus{}, gen, &fakeAnalyzer{}, &fakeRefiner{}, nil)

	if err := orc.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gen.descriptions) != 0 {
		t.Errorf("generator called %d times on terminal job, want 0", len(gen.descriptions))
	}
}
