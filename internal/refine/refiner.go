package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"media-refinery/internal/models"
)

// ErrRefinementFailed wraps collaborator errors. Callers treat refinement as
// best effort and fall back to the unchanged description.
var ErrRefinementFailed = errors.New("refinement failed")

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
	maxIndicators  = 10
	maxFindings    = 5
)

// Request carries everything the refiner sees about the failed round.
type Request struct {
	Description  string
	Indicators   []models.Indicator
	Findings     []models.Finding
	CurrentScore float64
	TargetScore  float64
}

// Refiner asks an LLM for an improved artifact description based on the
// prior round's analysis.
type Refiner struct {
	client    openai.Client
	model     string
	timeout   time.Duration
	maxLength int
}

func NewRefiner(apiKey, model string, timeout time.Duration, maxLength int) *Refiner {
	if model == "" {
		model = defaultModel
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if maxLength == 0 {
		maxLength = 1000
	}
	return &Refiner{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		timeout:   timeout,
		maxLength: maxLength,
	}
}

// Refine returns an improved description for the next iteration.
func (r *Refiner) Refine(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	completion, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You rewrite media generation descriptions so the result looks more natural and scores better against automated analysis. Reply with the rewritten description only."),
			openai.UserMessage(buildPrompt(req)),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefinementFailed, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no completion choices returned", ErrRefinementFailed)
	}

	improved := strings.TrimSpace(completion.Choices[0].Message.Content)
	if improved == "" {
		return "", fmt.Errorf("%w: empty completion", ErrRefinementFailed)
	}
	return truncate(improved, r.maxLength), nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current description:\n%s\n\n", req.Description)
	fmt.Fprintf(&b, "Current score %.1f, target %.1f.\n\n", req.CurrentScore, req.TargetScore)

	if len(req.Indicators) > 0 {
		b.WriteString("Detected indicators:\n")
		for i, in := range req.Indicators {
			if i >= maxIndicators {
				break
			}
			fmt.Fprintf(&b, "- %s (confidence %.0f)\n", in.Category, in.Confidence)
		}
		b.WriteString("\n")
	}
	if len(req.Findings) > 0 {
		b.WriteString("Analysis findings:\n")
		for i, f := range req.Findings {
			if i >= maxFindings {
				break
			}
			if f.Severity != "" {
				fmt.Fprintf(&b, "- [%s] %s\n", f.Severity, f.Text)
			} else {
				fmt.Fprintf(&b, "- %s\n", f.Text)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("Rewrite the description to address these issues while keeping the original intent.")
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}
