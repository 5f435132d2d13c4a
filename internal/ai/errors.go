package ai

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContextOverflow marks a request rejected because the conversation no
	// longer fits the model's context window. The engine reacts by forcing a
	// compaction and retrying once.
	ErrContextOverflow = errors.New("context overflow")
)

// ProviderError classifies a failure from the provider. Retryable failures
// are retried inside the client; non-retryable ones terminate the run.
type ProviderError struct {
	Retryable bool
	Kind      string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

func IsContextOverflow(err error) bool {
	return errors.Is(err, ErrContextOverflow)
}

// classify maps raw provider failures onto the retryable/fatal taxonomy by
// inspecting the message, since the providers do not expose typed errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "context length", "context_length", "context window", "maximum context", "too many tokens", "prompt is too long"):
		return &ProviderError{Kind: "context_overflow", Err: fmt.Errorf("%w: %v", ErrContextOverflow, err)}
	case containsAny(msg, "rate limit", "rate_limit", "429", "overloaded", "quota"):
		return &ProviderError{Retryable: true, Kind: "rate_limit", Err: err}
	case containsAny(msg, "timeout", "deadline exceeded", "connection reset", "connection refused", "temporar", "unavailable", "502", "503", "500"):
		return &ProviderError{Retryable: true, Kind: "transient", Err: err}
	case containsAny(msg, "unauthorized", "authentication", "invalid api key", "api key", "401", "403"):
		return &ProviderError{Kind: "auth", Err: err}
	default:
		return &ProviderError{Kind: "invalid_request", Err: err}
	}
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
