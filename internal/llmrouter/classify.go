package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/stellarlinkco/jarvis-core/internal/errs"
)

// classifySDKError inspects a provider SDK error for an HTTP status code
// and attaches the matching errs.Kind, so the router's retry-with-backoff
// and health-tracking logic can branch on transient failures (rate limits,
// network errors) instead of treating every failure identically.
func classifySDKError(provider string, err error) error {
	label := fmt.Sprintf("%s complete", provider)

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", label, err)
	}

	statusCode, ok := sdkStatusCode(err)
	if !ok {
		// No HTTP status means the request never got a response: DNS
		// failure, connection refused, TLS handshake failure, or a
		// deadline expiring mid-flight.
		return errs.Wrap(errs.KindLLMNetwork, err, label)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return errs.Wrap(errs.KindLLMRateLimit, err, label)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errs.Wrap(errs.KindLLMAuth, err, label)
	case statusCode >= 500:
		return errs.Wrap(errs.KindLLMNetwork, err, label)
	default:
		return fmt.Errorf("%s: %w", label, err)
	}
}

func sdkStatusCode(err error) (int, bool) {
	var aErr *anthropic.Error
	if errors.As(err, &aErr) {
		return aErr.StatusCode, true
	}
	var oErr *openai.Error
	if errors.As(err, &oErr) {
		return oErr.StatusCode, true
	}
	return 0, false
}
