// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/secrets"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyChat struct {
	mu       sync.Mutex
	failures int
	kind     llm.ErrorKind
	calls    int
}

func (f *flakyChat) Complete(context.Context, []datatypes.Message, llm.GenerationParams) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, llm.NewProviderError("fake", f.kind, fmt.Errorf("induced failure %d", f.calls))
	}
	return &llm.Completion{Text: "recovered", Model: "fake"}, nil
}

func (f *flakyChat) Stream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, fn llm.StreamFunc) (*llm.Completion, error) {
	completion, err := f.Complete(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	if err := fn(completion.Text); err != nil {
		return nil, err
	}
	return completion, nil
}

func TestRetryingChat_TransientRecovered(t *testing.T) {
	inner := &flakyChat{failures: 2, kind: llm.KindTransient}
	wrapped := &retryingChat{inner: inner}

	completion, err := wrapped.Complete(context.Background(), nil, llm.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", completion.Text)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingChat_TransientExhausted(t *testing.T) {
	inner := &flakyChat{failures: 10, kind: llm.KindTransient}
	wrapped := &retryingChat{inner: inner}

	_, err := wrapped.Complete(context.Background(), nil, llm.GenerationParams{})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, inner.calls)
}

func TestRetryingChat_AuthNotRetried(t *testing.T) {
	inner := &flakyChat{failures: 10, kind: llm.KindAuth}
	wrapped := &retryingChat{inner: inner}

	_, err := wrapped.Complete(context.Background(), nil, llm.GenerationParams{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)

	pe, ok := llm.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, llm.KindAuth, pe.Kind)
}

func TestRetryingChat_StreamNotRetriedAfterDelivery(t *testing.T) {
	// Fails with a transient error on the first call, after that call has
	// already delivered output, so the mid-stream failure must not restart.
	inner := &midStreamFailer{}
	wrapped := &retryingChat{inner: inner}

	_, err := wrapped.Stream(context.Background(), nil, llm.GenerationParams{},
		func(string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

type midStreamFailer struct{ calls int }

func (m *midStreamFailer) Complete(context.Context, []datatypes.Message, llm.GenerationParams) (*llm.Completion, error) {
	return nil, fmt.Errorf("unused")
}

func (m *midStreamFailer) Stream(_ context.Context, _ []datatypes.Message,
	_ llm.GenerationParams, fn llm.StreamFunc) (*llm.Completion, error) {
	m.calls++
	_ = fn("partial ")
	return nil, llm.NewProviderError("fake", llm.KindTransient, fmt.Errorf("connection dropped"))
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		base := retryBaseDel << attempt
		delay := backoffDelay(attempt, 0)
		if delay < base || delay > base+base/2 {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, delay, base, base+base/2)
		}
	}

	// A longer provider hint wins over the computed backoff.
	hint := 10 * time.Second
	if delay := backoffDelay(0, hint); delay != hint {
		t.Errorf("expected hint %v, got %v", hint, delay)
	}
}

func TestRegistry_ResolvesAndMemoizes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sec, err := secrets.OpenBadger(secrets.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sec.Close() })

	tenantID := uuid.New()
	require.NoError(t, mem.PutTenantConfig(ctx, &store.TenantConfig{
		TenantID:            tenantID,
		EmbeddingProvider:   "local",
		EmbeddingModel:      "all-minilm",
		EmbeddingDimensions: 384,
		EmbeddingBaseURL:    "http://localhost:9090/embed",
		ChatProvider:        "ollama",
		ChatModel:           "llama3.2",
		ChatBaseURL:         "http://localhost:11434",
	}))

	registry := NewRegistry(mem, sec)

	embedder, err := registry.EmbeddingFor(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 384, embedder.Dimensions())

	// Same instance comes back within the memo window.
	again, err := registry.EmbeddingFor(ctx, tenantID)
	require.NoError(t, err)
	assert.Same(t, embedder, again)

	chat, err := registry.ChatFor(ctx, tenantID, "")
	require.NoError(t, err)
	require.NotNil(t, chat)

	// A model override builds a distinct client.
	override, err := registry.ChatFor(ctx, tenantID, "mistral")
	require.NoError(t, err)
	assert.NotSame(t, chat, override)

	// Invalidation drops the memo.
	registry.Invalidate(tenantID)
	rebuilt, err := registry.EmbeddingFor(ctx, tenantID)
	require.NoError(t, err)
	assert.NotSame(t, embedder, rebuilt)
}

func TestRegistry_MissingTenantConfig(t *testing.T) {
	sec, err := secrets.OpenBadger(secrets.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sec.Close() })

	registry := NewRegistry(store.NewMemory(), sec)
	_, err = registry.EmbeddingFor(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestRegistry_OpenAIRequiresStoredKey(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sec, err := secrets.OpenBadger(secrets.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sec.Close() })

	tenantID := uuid.New()
	require.NoError(t, mem.PutTenantConfig(ctx, &store.TenantConfig{
		TenantID:            tenantID,
		EmbeddingProvider:   "openai",
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 1536,
	}))

	registry := NewRegistry(mem, sec)
	_, err = registry.EmbeddingFor(ctx, tenantID)
	require.Error(t, err, "no secret stored yet")

	payload, _ := json.Marshal(map[string]string{"api_key": "sk-test"})
	require.NoError(t, sec.Put(ctx, tenantID, secrets.EmbeddingProviderPath("openai"), payload))

	embedder, err := registry.EmbeddingFor(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1536, embedder.Dimensions())
}
