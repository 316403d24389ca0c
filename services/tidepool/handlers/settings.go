// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
	"github.com/AleutianAI/Tidepool/services/tidepool/middleware"
	"github.com/AleutianAI/Tidepool/services/tidepool/providers"
	"github.com/AleutianAI/Tidepool/services/tidepool/secrets"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/gin-gonic/gin"
)

// Settings carries the dependencies of the provider-settings endpoints.
type Settings struct {
	Store    store.Store
	Secrets  secrets.Store
	Registry *providers.Registry
	Index    vectorstore.Index
}

func requireAdmin(c *gin.Context) (*middleware.Claims, bool) {
	cl, ok := claims(c)
	if !ok {
		return nil, false
	}
	if !cl.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden,
			datatypes.ErrorResponse{Detail: "tenant admin role required"})
		return nil, false
	}
	return cl, true
}

// embeddingView strips anything secret from the config row.
func embeddingView(cfg *store.TenantConfig) gin.H {
	return gin.H{
		"provider":   cfg.EmbeddingProvider,
		"model":      cfg.EmbeddingModel,
		"dimensions": cfg.EmbeddingDimensions,
		"base_url":   cfg.EmbeddingBaseURL,
	}
}

func chatView(cfg *store.TenantConfig) gin.H {
	return gin.H{
		"provider": cfg.ChatProvider,
		"model":    cfg.ChatModel,
		"base_url": cfg.ChatBaseURL,
	}
}

// GetEmbeddingProvider returns the tenant's embedding configuration.
func (s *Settings) GetEmbeddingProvider(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}
	cfg, err := s.Store.GetTenantConfig(c.Request.Context(), cl.TenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, embeddingView(cfg))
}

// bindStrict decodes the body rejecting unknown fields.
func bindStrict(c *gin.Context, dst any) error {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// PutEmbeddingProvider updates the tenant's embedding provider. Changing
// dimensions against an existing collection is rejected; reindexing is an
// explicit operation, not a side effect of a settings write.
func (s *Settings) PutEmbeddingProvider(c *gin.Context) {
	cl, ok := requireAdmin(c)
	if !ok {
		return
	}
	var req datatypes.EmbeddingProviderSettings
	if err := bindStrict(c, &req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
		return
	}
	if req.Provider == "" || req.Model == "" || req.Dimensions <= 0 {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "provider, model and dimensions are required"})
		return
	}

	ctx := c.Request.Context()
	if err := s.Index.EnsureCollection(ctx, cl.TenantID, req.Dimensions); err != nil {
		respondError(c, err)
		return
	}

	cfg, err := s.Store.GetTenantConfig(ctx, cl.TenantID)
	if err == nil {
		cfgCopy := *cfg
		cfg = &cfgCopy
	} else {
		cfg = &store.TenantConfig{TenantID: cl.TenantID}
	}
	cfg.EmbeddingProvider = req.Provider
	cfg.EmbeddingModel = req.Model
	cfg.EmbeddingDimensions = req.Dimensions
	cfg.EmbeddingBaseURL = req.BaseURL

	if req.APIKey != "" {
		payload, _ := json.Marshal(gin.H{"api_key": req.APIKey})
		if err := s.Secrets.Put(ctx, cl.TenantID, secrets.EmbeddingProviderPath(req.Provider), payload); err != nil {
			respondError(c, err)
			return
		}
	}
	if err := s.Store.PutTenantConfig(ctx, cfg); err != nil {
		respondError(c, err)
		return
	}
	s.Registry.Invalidate(cl.TenantID)
	c.JSON(http.StatusOK, embeddingView(cfg))
}

// TestEmbeddingProvider probes the submitted settings without persisting
// anything.
func (s *Settings) TestEmbeddingProvider(c *gin.Context) {
	cl, ok := requireAdmin(c)
	if !ok {
		return
	}
	var req datatypes.EmbeddingProviderSettings
	if err := bindStrict(c, &req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
		return
	}

	cfg := embeddings.Config{
		APIKey:     req.APIKey,
		Model:      req.Model,
		BaseURL:    req.BaseURL,
		Dimensions: req.Dimensions,
	}
	ctx := c.Request.Context()
	var client embeddings.Client
	var err error
	switch req.Provider {
	case "openai":
		if cfg.APIKey == "" {
			// Fall back to the stored credential.
			if raw, sErr := s.Secrets.Get(ctx, cl.TenantID, secrets.EmbeddingProviderPath("openai")); sErr == nil {
				var payload struct {
					APIKey string `json:"api_key"`
				}
				_ = json.Unmarshal(raw, &payload)
				cfg.APIKey = payload.APIKey
			}
		}
		client, err = embeddings.NewOpenAIClient(cfg)
	case "local":
		client, err = embeddings.NewLocalClient(cfg)
	default:
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "unknown provider"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if err := client.Probe(ctx); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "dimensions": client.Dimensions()})
}

// GetChatProvider returns the tenant's chat configuration.
func (s *Settings) GetChatProvider(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}
	cfg, err := s.Store.GetTenantConfig(c.Request.Context(), cl.TenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chatView(cfg))
}

// PutChatProvider updates the tenant's chat provider.
func (s *Settings) PutChatProvider(c *gin.Context) {
	cl, ok := requireAdmin(c)
	if !ok {
		return
	}
	var req datatypes.ChatProviderSettings
	if err := bindStrict(c, &req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
		return
	}
	if req.Provider == "" || req.Model == "" {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "provider and model are required"})
		return
	}

	ctx := c.Request.Context()
	cfg, err := s.Store.GetTenantConfig(ctx, cl.TenantID)
	if err == nil {
		cfgCopy := *cfg
		cfg = &cfgCopy
	} else {
		cfg = &store.TenantConfig{TenantID: cl.TenantID}
	}
	cfg.ChatProvider = req.Provider
	cfg.ChatModel = req.Model
	cfg.ChatBaseURL = req.BaseURL

	if req.APIKey != "" {
		payload, _ := json.Marshal(gin.H{"api_key": req.APIKey})
		if err := s.Secrets.Put(ctx, cl.TenantID, secrets.ChatProviderPath(req.Provider), payload); err != nil {
			respondError(c, err)
			return
		}
	}
	if err := s.Store.PutTenantConfig(ctx, cfg); err != nil {
		respondError(c, err)
		return
	}
	s.Registry.Invalidate(cl.TenantID)
	c.JSON(http.StatusOK, chatView(cfg))
}
