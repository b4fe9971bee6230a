// Package llm is the completion client used by the stage executors.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ideafactory/internal/config"
)

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// ErrDisabled is returned when no provider is configured.
var ErrDisabled = errors.New("llm provider disabled")

type caller interface {
	Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error)
}

// Client rate limits calls to a langchaingo model.
type Client struct {
	model       string
	maxTokens   int
	temperature float64
	llm         caller
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// New builds a client from config. Provider "none" yields a Completer that
// always fails with ErrDisabled.
func New(cfg config.LLMConfig, logger *zap.Logger) (Completer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "none", "":
		return disabled{}, nil
	case "anthropic":
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	envName := cfg.APIKeyEnv
	if envName == "" {
		envName = "ANTHROPIC_API_KEY"
	}
	key := strings.TrimSpace(os.Getenv(envName))
	if key == "" {
		return nil, fmt.Errorf("anthropic API key required in $%s", envName)
	}
	model, err := anthropic.New(anthropic.WithToken(key), anthropic.WithModel(cfg.Model))
	if err != nil {
		return nil, fmt.Errorf("init anthropic client: %w", err)
	}
	return newClient(cfg, model, logger), nil
}

func newClient(cfg config.LLMConfig, c caller, logger *zap.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		llm:         c,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}
}

func (c *Client) Model() string { return c.model }

// Complete waits for a rate limit token, then sends the prompt. The caller's
// context bounds both the wait and the request.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	start := time.Now()
	out, err := c.llm.Call(ctx, prompt, llms.WithMaxTokens(c.maxTokens), llms.WithTemperature(c.temperature))
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.model, err)
	}
	c.logger.Debug("llm completion",
		zap.String("model", c.model), zap.Int("prompt_chars", len(prompt)), zap.Int("response_chars", len(out)), zap.Duration("took", time.Since(start)))
	return out, nil
}

type disabled struct{}

func (disabled) Complete(context.Context, string) (string, error) { return "", ErrDisabled }
func (disabled) Model() string                                    { return "none" }
