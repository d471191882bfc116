package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"

	"github.com/ent0n29/chatmem/internal/facts"
	"github.com/ent0n29/chatmem/internal/reliability"
)

// Outcome labels a call result for metrics and logs.
func Outcome(err error) string {
	var (
		apiErr *openai.Error
		synErr *json.SyntaxError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrEmptyCompletion):
		return "empty"
	case errors.Is(err, facts.ErrNoObject), errors.As(err, &synErr):
		return "malformed"
	case errors.As(err, &apiErr):
		if reliability.IsRetryableHTTPStatus(apiErr.StatusCode) {
			return "unavailable"
		}
		return "rejected"
	default:
		return "error"
	}
}
