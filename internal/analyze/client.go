package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"media-refinery/internal/config"
	"media-refinery/internal/models"
)

// Sentinel errors surfaced to the orchestrator. Quota exhaustion is terminal
// for analysis but not fatal to the job.
var (
	ErrIngestionFailed  = errors.New("ingestion failed")
	ErrIngestionTimeout = errors.New("ingestion timed out")
	ErrIngestionQuota   = errors.New("ingestion quota exceeded")
)

// Client adapts the content-indexing and analysis collaborator. Ingestion is
// a submit/poll pair; search and narrative analysis are single calls whose
// loose response shapes are normalized to Indicator/Finding at this boundary.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewClient(cfg config.Config) *Client {
	pollInterval := cfg.IngestPollInterval
	if pollInterval == 0 {
		pollInterval = 10 * time.Second
	}
	maxWait := cfg.IngestMaxWait
	if maxWait == 0 {
		maxWait = 15 * time.Minute
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      cfg.AnalysisBaseURL,
		apiKey:       cfg.AnalysisAPIKey,
		pollInterval: pollInterval,
		maxWait:      maxWait,
	}
}

type ingestStatus struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	ContentHandle string `json:"content_handle,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// Ingest submits the artifact for indexing and polls until the collaborator
// reports ready, returning the opaque content handle.
func (c *Client) Ingest(ctx context.Context, artifactRef string) (string, error) {
	task, err := c.post(ctx, "/v1/ingestions", map[string]string{"artifact_ref": artifactRef})
	if err != nil {
		return "", err
	}
	var submitted ingestStatus
	if err := json.Unmarshal(task, &submitted); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", ErrIngestionFailed, err)
	}
	if submitted.TaskID == "" {
		return "", fmt.Errorf("%w: submit response missing task_id", ErrIngestionFailed)
	}

	deadline := time.Now().Add(c.maxWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		st, err := c.getIngestion(ctx, submitted.TaskID)
		if err != nil {
			return "", err
		}
		switch st.Status {
		case "ready":
			if st.ContentHandle == "" {
				return "", fmt.Errorf("%w: ready without content_handle", ErrIngestionFailed)
			}
			return st.ContentHandle, nil
		case "quota_exceeded":
			return "", fmt.Errorf("%w: %s", ErrIngestionQuota, st.Error)
		case "failed":
			return "", fmt.Errorf("%w: %s", ErrIngestionFailed, st.Error)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: after %s", ErrIngestionTimeout, c.maxWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getIngestion(ctx context.Context, taskID string) (ingestStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ingestions/"+taskID, nil)
	if err != nil {
		return ingestStatus{}, fmt.Errorf("%w: build request: %v", ErrIngestionFailed, err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ingestStatus{}, fmt.Errorf("%w: poll ingestion: %v", ErrIngestionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return ingestStatus{}, fmt.Errorf("%w: status 429", ErrIngestionQuota)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return ingestStatus{}, fmt.Errorf("%w: poll ingestion: status %d", ErrIngestionFailed, resp.StatusCode)
	}

	var st ingestStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return ingestStatus{}, fmt.Errorf("%w: decode ingestion: %v", ErrIngestionFailed, err)
	}
	return st, nil
}

// SearchCategory runs one category query against the content handle and
// normalizes the weighted matches it returns.
func (c *Client) SearchCategory(ctx context.Context, contentHandle, category string) ([]models.Indicator, error) {
	body, err := c.post(ctx, "/v1/search", map[string]string{
		"content_handle": contentHandle,
		"query":          category,
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", category, err)
	}

	var out struct {
		Matches []json.RawMessage `json:"matches"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("search %q: decode response: %w", category, err)
	}
	raw := out.Matches
	if len(raw) == 0 {
		raw = out.Data
	}

	indicators := make([]models.Indicator, 0, len(raw))
	for _, m := range raw {
		indicators = append(indicators, normalizeIndicator(category, m))
	}
	return indicators, nil
}

// AnalyzeNarrative runs one narrative-analysis prompt and normalizes the
// findings. Structured findings are preferred; free text falls back to
// line-per-finding parsing.
func (c *Client) AnalyzeNarrative(ctx context.Context, contentHandle, prompt string) ([]models.Finding, error) {
	body, err := c.post(ctx, "/v1/analyze", map[string]string{
		"content_handle": contentHandle,
		"prompt":         prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("narrative analysis: %w", err)
	}

	var out struct {
		Findings []json.RawMessage `json:"findings"`
		Text     string            `json:"text"`
		Data     string            `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("narrative analysis: decode response: %w", err)
	}

	if len(out.Findings) > 0 {
		findings := make([]models.Finding, 0, len(out.Findings))
		for _, f := range out.Findings {
			findings = append(findings, normalizeFinding(f))
		}
		return findings, nil
	}

	text := out.Text
	if text == "" {
		text = out.Data
	}
	return findingsFromText(text), nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status 429", ErrIngestionQuota)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}
