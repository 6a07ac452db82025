package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"media-refinery/internal/config"
)

// Sentinel errors surfaced to the orchestrator. Both are fatal to a job.
var (
	ErrGenerationFailed  = errors.New("generation failed")
	ErrGenerationTimeout = errors.New("generation timed out")
)

// Client adapts the artifact-generation collaborator: submit a description,
// poll the returned operation until done, download the result, and persist it
// through the configured ArtifactStore.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	maxWait      time.Duration
	maxBytes     int64
	thumbWidth   int
	store        ArtifactStore
}

func NewClient(cfg config.Config, store ArtifactStore) *Client {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	pollInterval := cfg.GenerationPollInterval
	if pollInterval == 0 {
		pollInterval = 10 * time.Second
	}
	maxWait := cfg.GenerationMaxWait
	if maxWait == 0 {
		maxWait = 10 * time.Minute
	}
	maxBytes := cfg.DownloadMaxBytes
	if maxBytes == 0 {
		maxBytes = 512 * 1024 * 1024
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      cfg.GenerationBaseURL,
		apiKey:       cfg.GenerationAPIKey,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		maxBytes:     maxBytes,
		thumbWidth:   cfg.ThumbnailWidth,
		store:        store,
	}
}

type submitRequest struct {
	Description string `json:"description"`
}

type submitResponse struct {
	OperationID string `json:"operation_id"`
}

type operationResponse struct {
	Done         bool   `json:"done"`
	Error        string `json:"error,omitempty"`
	ArtifactURL  string `json:"artifact_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
}

// Generate produces one artifact for the description and returns its
// reference. The job id and iteration number shape the storage key.
func (c *Client) Generate(ctx context.Context, jobID string, iteration int, description string) (string, error) {
	opID, err := c.submit(ctx, description)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	op, err := c.waitForOperation(ctx, opID)
	if err != nil {
		return "", err
	}

	body, contentType, err := c.download(ctx, op.ArtifactURL)
	if err != nil {
		return "", fmt.Errorf("%w: download artifact: %v", ErrGenerationFailed, err)
	}
	if contentType == "" {
		contentType = op.ContentType
	}

	key := fmt.Sprintf("%s/iter_%d.mp4", jobID, iteration)
	ref, err := c.store.Save(ctx, key, body, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: store artifact: %v", ErrGenerationFailed, err)
	}

	if op.ThumbnailURL != "" {
		c.saveThumbnail(ctx, jobID, iteration, op.ThumbnailURL)
	}

	return ref, nil
}

func (c *Client) submit(ctx context.Context, description string) (string, error) {
	payload, err := json.Marshal(submitRequest{Description: description})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit generation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("submit generation: status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.OperationID == "" {
		return "", errors.New("submit response missing operation_id")
	}
	return out.OperationID, nil
}

// waitForOperation polls on a fixed interval until the operation reports done
// or the total wait budget is exhausted.
func (c *Client) waitForOperation(ctx context.Context, opID string) (operationResponse, error) {
	deadline := time.Now().Add(c.maxWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		op, err := c.getOperation(ctx, opID)
		if err != nil {
			return operationResponse{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		if op.Done {
			if op.Error != "" {
				return operationResponse{}, fmt.Errorf("%w: %s", ErrGenerationFailed, op.Error)
			}
			if op.ArtifactURL == "" {
				return operationResponse{}, fmt.Errorf("%w: operation done without artifact", ErrGenerationFailed)
			}
			return op, nil
		}
		if time.Now().After(deadline) {
			return operationResponse{}, fmt.Errorf("%w: after %s", ErrGenerationTimeout, c.maxWait)
		}
		select {
		case <-ctx.Done():
			return operationResponse{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getOperation(ctx context.Context, opID string) (operationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/operations/"+opID, nil)
	if err != nil {
		return operationResponse{}, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return operationResponse{}, fmt.Errorf("poll operation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return operationResponse{}, fmt.Errorf("poll operation: status %d", resp.StatusCode)
	}

	var out operationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return operationResponse{}, fmt.Errorf("decode operation: %w", err)
	}
	return out, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", err
	}
	if int64(len(body)) > c.maxBytes {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", c.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// saveThumbnail fetches the collaborator's poster frame, scales it down, and
// stores it next to the artifact. Best effort: a preview is a convenience,
// never a reason to fail the iteration.
func (c *Client) saveThumbnail(ctx context.Context, jobID string, iteration int, url string) {
	body, _, err := c.download(ctx, url)
	if err != nil {
		slog.Warn("thumbnail download failed", "job_id", jobID, "error", err)
		return
	}
	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		slog.Warn("thumbnail decode failed", "job_id", jobID, "error", err)
		return
	}
	width := c.thumbWidth
	if width == 0 {
		width = 320
	}
	img = imaging.Resize(img, width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		slog.Warn("thumbnail encode failed", "job_id", jobID, "error", err)
		return
	}
	key := fmt.Sprintf("%s/iter_%d_thumb.jpg", jobID, iteration)
	if _, err := c.store.Save(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		slog.Warn("thumbnail store failed", "job_id", jobID, "error", err)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
