package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies provider failures. Chat and embedding backends
// share the same taxonomy; the registry retries Transient and RateLimited
// errors (a RateLimited error surfaces once the attempts run out) and
// surfaces the rest at once.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindRateLimited   ErrorKind = "rate_limited"
	KindModelNotFound ErrorKind = "model_not_found"
	KindTransient     ErrorKind = "transient"
	KindPermanent     ErrorKind = "permanent"
)

// ProviderError is a classified failure from a provider backend.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	RetryAfter time.Duration // only set for rate-limited errors
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the registry may retry the call.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// NewProviderError wraps err with a classification.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// ClassifyStatus maps an HTTP status to an error kind, the common case for
// the raw-HTTP backends.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindModelNotFound
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// AsProviderError unwraps err to a *ProviderError if one is present.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}
