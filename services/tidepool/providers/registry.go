// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers resolves a tenant to its configured embedding and chat
// clients. Provider selection lives in the tenant config row; credentials
// live only in the secret store. Built clients are memoized for a short
// window and every call is wrapped with transient retry.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
	"github.com/AleutianAI/Tidepool/services/tidepool/secrets"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/google/uuid"
)

// instanceTTL bounds how long a built client may be reused. Matches the
// secret cache window so rotated keys take effect within a minute.
const instanceTTL = 60 * time.Second

// secretPayload is the stored value shape: {"api_key": ...} for cloud
// providers, {"base_url": ...} for local ones.
type secretPayload struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// Registry builds per-tenant provider clients.
type Registry struct {
	configs store.TenantConfigStore
	secrets secrets.Store

	mu    sync.Mutex
	cache map[string]cachedClient
}

type cachedClient struct {
	client  any
	builtAt time.Time
}

func NewRegistry(configs store.TenantConfigStore, sec secrets.Store) *Registry {
	return &Registry{
		configs: configs,
		secrets: sec,
		cache:   make(map[string]cachedClient),
	}
}

// Invalidate drops cached clients for a tenant. Called when settings
// change.
func (r *Registry) Invalidate(tenantID uuid.UUID) {
	prefix := tenantID.String() + "/"
	r.mu.Lock()
	for key := range r.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) cached(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok || time.Since(entry.builtAt) >= instanceTTL {
		delete(r.cache, key)
		return nil, false
	}
	return entry.client, true
}

func (r *Registry) remember(key string, client any) {
	r.mu.Lock()
	r.cache[key] = cachedClient{client: client, builtAt: time.Now()}
	r.mu.Unlock()
}

func (r *Registry) secret(ctx context.Context, tenantID uuid.UUID, path string) (secretPayload, error) {
	raw, err := r.secrets.Get(ctx, tenantID, path)
	if err != nil {
		return secretPayload{}, err
	}
	var payload secretPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return secretPayload{}, fmt.Errorf("malformed secret at %s: %w", path, err)
	}
	return payload, nil
}

// EmbeddingFor returns the tenant's configured embedding client.
func (r *Registry) EmbeddingFor(ctx context.Context, tenantID uuid.UUID) (embeddings.Client, error) {
	cfg, err := r.configs.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s has no provider configuration: %w", tenantID, err)
	}
	key := fmt.Sprintf("%s/embed/%s/%s", tenantID, cfg.EmbeddingProvider, cfg.EmbeddingModel)
	if client, ok := r.cached(key); ok {
		return client.(embeddings.Client), nil
	}

	built, err := r.buildEmbedding(ctx, tenantID, cfg)
	if err != nil {
		return nil, err
	}
	wrapped := &retryingEmbedder{inner: built}
	r.remember(key, embeddings.Client(wrapped))
	return wrapped, nil
}

func (r *Registry) buildEmbedding(ctx context.Context, tenantID uuid.UUID, cfg *store.TenantConfig) (embeddings.Client, error) {
	ecfg := embeddings.Config{
		Model:      cfg.EmbeddingModel,
		BaseURL:    cfg.EmbeddingBaseURL,
		Dimensions: cfg.EmbeddingDimensions,
	}
	switch cfg.EmbeddingProvider {
	case "openai":
		payload, err := r.secret(ctx, tenantID, secrets.EmbeddingProviderPath("openai"))
		if err != nil {
			return nil, fmt.Errorf("embedding credentials: %w", err)
		}
		ecfg.APIKey = payload.APIKey
		return embeddings.NewOpenAIClient(ecfg)
	case "local":
		if ecfg.BaseURL == "" {
			payload, err := r.secret(ctx, tenantID, secrets.EmbeddingProviderPath("local"))
			if err == nil {
				ecfg.BaseURL = payload.BaseURL
			}
		}
		return embeddings.NewLocalClient(ecfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// ChatFor returns the tenant's configured chat client. A non-empty
// modelOverride replaces the configured model for this client only.
func (r *Registry) ChatFor(ctx context.Context, tenantID uuid.UUID, modelOverride string) (llm.ChatClient, error) {
	cfg, err := r.configs.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s has no provider configuration: %w", tenantID, err)
	}
	model := cfg.ChatModel
	if modelOverride != "" {
		model = modelOverride
	}
	key := fmt.Sprintf("%s/chat/%s/%s", tenantID, cfg.ChatProvider, model)
	if client, ok := r.cached(key); ok {
		return client.(llm.ChatClient), nil
	}

	built, err := r.buildChat(ctx, tenantID, cfg, model)
	if err != nil {
		return nil, err
	}
	wrapped := &retryingChat{inner: built}
	r.remember(key, llm.ChatClient(wrapped))
	return wrapped, nil
}

func (r *Registry) buildChat(ctx context.Context, tenantID uuid.UUID, cfg *store.TenantConfig, model string) (llm.ChatClient, error) {
	ccfg := llm.Config{Model: model, BaseURL: cfg.ChatBaseURL}
	switch cfg.ChatProvider {
	case "openai", "anthropic":
		payload, err := r.secret(ctx, tenantID, secrets.ChatProviderPath(cfg.ChatProvider))
		if err != nil {
			return nil, fmt.Errorf("chat credentials: %w", err)
		}
		ccfg.APIKey = payload.APIKey
		if cfg.ChatProvider == "openai" {
			return llm.NewOpenAIClient(ccfg)
		}
		return llm.NewAnthropicClient(ccfg)
	case "ollama":
		if ccfg.BaseURL == "" {
			payload, err := r.secret(ctx, tenantID, secrets.ChatProviderPath("ollama"))
			if err == nil {
				ccfg.BaseURL = payload.BaseURL
			}
		}
		return llm.NewOllamaClient(ccfg)
	case "local":
		if ccfg.BaseURL == "" {
			payload, err := r.secret(ctx, tenantID, secrets.ChatProviderPath("local"))
			if err == nil {
				ccfg.BaseURL = payload.BaseURL
			}
		}
		return llm.NewLocalLlamaCppClient(ccfg)
	default:
		return nil, fmt.Errorf("unknown chat provider %q", cfg.ChatProvider)
	}
}
