// Package errs defines the typed error-kind taxonomy every component in
// this module returns errors through, so callers that need to branch on
// failure category can do so with errors.As instead of string matching.
package errs

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Kind is one of the error categories named by the error-handling design.
type Kind string

const (
	KindParse           Kind = "parse"
	KindToolTimeout     Kind = "tool_timeout"
	KindToolFailure     Kind = "tool_failure"
	KindLLMNetwork      Kind = "llm_network"
	KindLLMAuth         Kind = "llm_auth"
	KindLLMRateLimit    Kind = "llm_rate_limit"
	KindLLMBudget       Kind = "llm_budget"
	KindSafetyViolation Kind = "safety_violation"
	KindStateIO         Kind = "state_io"
	KindValidation      Kind = "validation"
)

// New creates a goerr value carrying kind as a structured field, with a
// captured stack trace, instead of a bare fmt.Errorf string.
func New(kind Kind, msg string) error {
	return goerr.New(msg, goerr.V("kind", string(kind)))
}

// Wrap attaches a kind to an existing error while preserving it as the
// cause, so errors.Is/errors.As still see through to the root failure.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return goerr.Wrap(err, msg, goerr.V("kind", string(kind)))
}

// KindOf extracts the Kind attached to err, if any goerr value in its
// chain carries one.
func KindOf(err error) (Kind, bool) {
	var ge *goerr.Error
	if !errors.As(err, &ge) {
		return "", false
	}
	for k, v := range ge.Values() {
		if k == "kind" {
			if s, ok := v.(string); ok {
				return Kind(s), true
			}
		}
	}
	return "", false
}

// Retryable reports whether an error kind is transient: the router retries
// the same provider with backoff for these kinds and does not count them
// against that provider's health.
func Retryable(kind Kind) bool {
	return kind == KindLLMNetwork || kind == KindLLMRateLimit
}
