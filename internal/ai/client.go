package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/go-llms/anthropic"
	"github.com/flitsinc/go-llms/google"
	"github.com/flitsinc/go-llms/llms"
	"github.com/flitsinc/go-llms/openai"
)

type Config struct {
	Provider string
	Model    string
	APIKey   string
}

// Client drives a provider directly through Generate so the engine owns tool
// dispatch. Retryable failures are absorbed here; the engine only ever sees
// fatal ones.
type Client struct {
	provider llms.Provider
	debugger llms.Debugger

	maxAttempts int
	backoff     func(attempt int) time.Duration
}

type Option func(*Client)

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(c *Client) {
		if fn != nil {
			c.backoff = fn
		}
	}
}

func WithDebugger(d llms.Debugger) Option {
	return func(c *Client) {
		if d != nil {
			c.debugger = d
		}
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewClientWithProvider(provider, opts...), nil
}

// NewClientWithProvider wraps an already-constructed provider. Tests use it
// with fakes.
func NewClientWithProvider(provider llms.Provider, opts ...Option) *Client {
	c := &Client{
		provider:    provider,
		maxAttempts: 3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(250*(attempt+1)) * time.Millisecond
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Company() string {
	if c == nil || c.provider == nil {
		return ""
	}
	return c.provider.Company()
}

func (c *Client) Model() string {
	if c == nil || c.provider == nil {
		return ""
	}
	return c.provider.Model()
}

func NewProvider(cfg Config) (llms.Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	switch cfg.Provider {
	case "openai-responses":
		return openai.NewResponsesAPI(cfg.APIKey, cfg.Model), nil
	case "openai-chat":
		return openai.NewChatCompletionsAPI(cfg.APIKey, cfg.Model), nil
	case "anthropic":
		model := anthropic.New(cfg.APIKey, resolveModelAlias(cfg.Provider, cfg.Model))
		model.WithMaxTokens(62976)
		return model, nil
	case "google":
		return google.New(cfg.Model).WithGeminiAPI(cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func resolveModelAlias(provider, model string) string {
	alias := strings.ToLower(strings.TrimSpace(model))
	if alias == "" {
		return model
	}
	if provider == "anthropic" {
		switch alias {
		case "fast":
			return "claude-3-5-haiku-latest"
		case "balanced":
			return "claude-3-5-sonnet-latest"
		case "smart":
			return "claude-3-opus-latest"
		}
	}
	return model
}
