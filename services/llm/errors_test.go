package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		401: KindAuth,
		403: KindAuth,
		404: KindModelNotFound,
		429: KindRateLimited,
		500: KindTransient,
		502: KindTransient,
		503: KindTransient,
		400: KindPermanent,
		422: KindPermanent,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestProviderError(t *testing.T) {
	base := fmt.Errorf("connection refused")
	err := NewProviderError("ollama", KindTransient, base)

	if !errors.Is(err, base) {
		t.Error("provider error must unwrap to its cause")
	}
	if !err.Retryable() {
		t.Error("transient errors are retryable")
	}
	if NewProviderError("x", KindAuth, base).Retryable() {
		t.Error("auth errors are not retryable")
	}
	if NewProviderError("x", KindRateLimited, base).Retryable() != true {
		t.Error("rate-limited errors are retryable")
	}

	wrapped := fmt.Errorf("calling provider: %w", err)
	pe, ok := AsProviderError(wrapped)
	if !ok || pe.Provider != "ollama" {
		t.Errorf("AsProviderError through wrapping: %v, %v", pe, ok)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(0); got != 0 {
		t.Errorf("0 bytes: %d", got)
	}
	if got := estimateTokens(2); got != 1 {
		t.Errorf("2 bytes: %d", got)
	}
	if got := estimateTokens(4000); got != 1000 {
		t.Errorf("4000 bytes: %d", got)
	}
}
