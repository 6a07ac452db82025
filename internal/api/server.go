package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"media-refinery/internal/config"
	"media-refinery/internal/models"
	"media-refinery/internal/progress"
	"media-refinery/internal/queue"
	"media-refinery/internal/ratelimit"
	"media-refinery/internal/store"
	"media-refinery/internal/telemetry"
)

// Server wires HTTP handlers for the job submission and observation API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	bus     *progress.Bus
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, bus *progress.Bus, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		bus:     bus,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/iterations", s.handleIterations)
	r.Get("/jobs/{id}/logs", s.handleLogs)
	r.Get("/jobs/{id}/artifact", s.handleArtifact)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/prompt/analyze", s.handlePromptAnalyze)
	return r
}

type submitRequest struct {
	Description   string   `json:"description"`
	TargetScore   *float64 `json:"target_score"`
	MaxIterations *int     `json:"max_iterations"`
}

type submitResponse struct {
	JobID string     `json:"job_id"`
	Job   models.Job `json:"job"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	if len(req.Description) < 10 {
		http.Error(w, "description must be at least 10 characters", http.StatusBadRequest)
		return
	}
	if len(req.Description) > s.cfg.MaxDescriptionLen {
		http.Error(w, fmt.Sprintf("description exceeds %d characters", s.cfg.MaxDescriptionLen), http.StatusBadRequest)
		return
	}

	target := s.cfg.DefaultTargetScore
	if req.TargetScore != nil {
		target = *req.TargetScore
	}
	if target < 0 || target > 100 {
		http.Error(w, "target_score must be within 0-100", http.StatusBadRequest)
		return
	}

	maxIterations := s.cfg.DefaultMaxIterations
	if req.MaxIterations != nil {
		maxIterations = *req.MaxIterations
	}
	if maxIterations < 1 {
		http.Error(w, "max_iterations must be at least 1", http.StatusBadRequest)
		return
	}
	if maxIterations > s.cfg.MaxIterationsCap {
		maxIterations = s.cfg.MaxIterationsCap
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Description:   req.Description,
		TargetScore:   target,
		MaxIterations: maxIterations,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		msg := "enqueue failed: " + err.Error()
		_ = s.store.MarkFailed(r.Context(), job.ID, msg)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	_ = s.bus.Publish(r.Context(), job.ID, models.LevelInfo, "job accepted and queued")
	telemetry.JobsSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		jobError(w, err)
		return
	}
	iterations, err := s.store.ListIterations(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterations": iterations})
}

// handleLogs returns the durable log snapshot, or upgrades to a live SSE
// stream with ?follow=true. The stream carries only events published after
// subscription; history stays on the snapshot path.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		jobError(w, err)
		return
	}

	if r.URL.Query().Get("follow") == "true" {
		s.streamLogs(w, r, id)
		return
	}

	events, err := s.store.ListLogs(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusNotImplemented)
		return
	}

	events, stop := s.bus.Subscribe(r.Context(), jobID)
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jobError(w, err)
		return
	}
	if job.ArtifactRef == nil {
		http.Error(w, "no artifact generated yet", http.StatusNotFound)
		return
	}
	ref := *job.ArtifactRef
	if strings.HasPrefix(ref, "s3://") {
		writeJSON(w, http.StatusOK, map[string]string{"location": ref})
		return
	}
	if _, err := os.Stat(ref); err != nil {
		http.Error(w, "artifact unavailable", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, ref)
}

// handleCancel requests cooperative cancellation. The worker checks the flag
// between steps and leaves the job at its last persisted state; a job still
// in the ready queue simply never starts.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		jobError(w, err)
		return
	}
	if models.Terminal(job.Status) {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}

	removed, err := s.queue.Remove(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel", http.StatusInternalServerError)
		return
	}
	if !removed {
		if err := s.queue.RequestCancel(r.Context(), id); err != nil {
			http.Error(w, "failed to cancel", http.StatusInternalServerError)
			return
		}
	}
	_ = s.bus.Publish(r.Context(), id, models.LevelWarning, "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

type promptAnalysis struct {
	PromptLength             int      `json:"prompt_length"`
	WordCount                int      `json:"word_count"`
	HasStyleIndicators       bool     `json:"has_style_indicators"`
	HasCompositionIndicators bool     `json:"has_composition_indicators"`
	Suggestions              []string `json:"suggestions"`
}

var (
	styleTerms       = []string{"cinematic", "realistic", "artistic", "photorealistic", "3d", "animation"}
	compositionTerms = []string{"close-up", "wide shot", "aerial", "pov", "tracking"}
)

// handlePromptAnalyze is a lightweight, collaborator-free lint of a
// description, for use before spending the generation budget.
func (s *Server) handlePromptAnalyze(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	lower := strings.ToLower(prompt)

	analysis := promptAnalysis{
		PromptLength:             len(prompt),
		WordCount:                len(strings.Fields(prompt)),
		HasStyleIndicators:       containsAny(lower, styleTerms),
		HasCompositionIndicators: containsAny(lower, compositionTerms),
		Suggestions:              []string{},
	}
	if len(prompt) < 50 {
		analysis.Suggestions = append(analysis.Suggestions, "consider adding more descriptive details")
	}
	if !analysis.HasStyleIndicators {
		analysis.Suggestions = append(analysis.Suggestions, "add style indicators (e.g. 'cinematic', 'realistic')")
	}
	if !analysis.HasCompositionIndicators {
		analysis.Suggestions = append(analysis.Suggestions, "specify camera composition (e.g. 'close-up shot', 'aerial view')")
	}
	writeJSON(w, http.StatusOK, analysis)
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func jobError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
