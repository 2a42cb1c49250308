package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/openai/openai-go"
)

// withRetry re-issues fn on rate limits and transient server errors with
// exponential backoff. Other failures return immediately.
func (p *OpenAI) withRetry(ctx context.Context, fn func(context.Context) error) error {
	bo := gax.Backoff{
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.maxRetries || !isRetryable(err) {
			return err
		}
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return err
		}
	}
}

func isRetryable(err error) bool {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return false
	}
	switch apierr.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
