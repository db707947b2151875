// internal/reasoner/genai.go
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

// GenAI implements agent.Reasoner through the official Google GenAI SDK.
type GenAI struct {
	client *genai.Client
	logger *zap.Logger
	config config.ReasonerConfig
}

var _ agent.Reasoner = (*GenAI)(nil)

// NewGenAI initializes the SDK client against the Gemini API backend.
func NewGenAI(cfg config.ReasonerConfig, logger *zap.Logger) (*GenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("GenAI model name is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAI{
		client: client,
		logger: logger.Named("reasoner.genai"),
		config: cfg,
	}, nil
}

// Decide renders the decision request, queries the model through the SDK,
// and parses the response into exactly one validated action.
func (c *GenAI) Decide(ctx context.Context, req agent.DecisionRequest) (agent.Action, error) {
	if c.config.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.APITimeout)
		defer cancel()
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(buildSystemPrompt(req.Tools))},
		},
		Temperature:      genai.Ptr(c.config.Temperature),
		MaxOutputTokens:  int32(c.config.MaxTokens),
		ResponseMIMEType: "application/json",
	}
	contents := []*genai.Content{
		genai.NewContentFromText(buildUserPrompt(req), genai.RoleUser),
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var raw string
	operation := func() error {
		startTime := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, contents, genCfg)
		if err != nil {
			return c.classifyError(err)
		}

		text := resp.Text()
		if text == "" {
			return backoff.Permanent(fmt.Errorf("model returned an empty response"))
		}

		c.logger.Debug("Model generation complete", zap.Duration("duration", time.Since(startTime)))
		raw = text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return agent.Action{}, err
	}

	return parseAction(raw)
}

// classifyError keeps retry behavior identical to the REST backend: rate
// limits and server faults retry, everything else fails fast.
func (c *GenAI) classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
			c.logger.Warn("Transient GenAI API error, retrying...", zap.Int("status", apiErr.Code))
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	c.logger.Warn("Network error during model request, retrying...", zap.Error(err))
	return err
}
