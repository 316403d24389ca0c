// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/sashabaranov/go-openai"
)

// OpenAIClient embeds via the OpenAI embeddings API (or any compatible
// endpoint when a base URL is given).
type OpenAIClient struct {
	client     *openai.Client
	model      string
	dimensions int
}

var _ Client = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewProviderError("openai", llm.KindAuth, fmt.Errorf("api key not configured"))
	}
	if cfg.Model == "" || cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding model and dimensions must be configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI embedding client", "model", cfg.Model, "dimensions", cfg.Dimensions)
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (c *OpenAIClient) Dimensions() int { return c.dimensions }

func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: c.dimensions,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, llm.NewProviderError("openai", llm.ClassifyStatus(apiErr.HTTPStatusCode), err)
		}
		return nil, llm.NewProviderError("openai", llm.KindTransient, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, llm.NewProviderError("openai", llm.KindTransient,
			fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Data)))
	}
	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, llm.NewProviderError("openai", llm.KindTransient,
				fmt.Errorf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if len(v) != c.dimensions {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(v), c.dimensions)
		}
	}
	return vectors, nil
}

func (c *OpenAIClient) Probe(ctx context.Context) error {
	_, err := c.Embed(ctx, []string{"ping"})
	return err
}
