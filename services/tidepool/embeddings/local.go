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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
)

// LocalClient calls a local embedding service's batch endpoint.
type LocalClient struct {
	httpClient *http.Client
	batchURL   string
	model      string
	dimensions int
}

var _ Client = (*LocalClient)(nil)

type batchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbeddingResponse struct {
	Id        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
}

func NewLocalClient(cfg Config) (*LocalClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding service base url not configured")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be configured")
	}
	base := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/embed")
	return &LocalClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		batchURL:   base + "/batch_embed",
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (c *LocalClient) Dimensions() int { return c.dimensions }

func (c *LocalClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	jsonData, err := json.Marshal(batchEmbeddingRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, llm.NewProviderError("local", llm.KindTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewProviderError("local", llm.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, llm.NewProviderError("local", llm.ClassifyStatus(resp.StatusCode),
			fmt.Errorf("batch_embed returned status %d: %s", resp.StatusCode, string(body)))
	}

	var batchResp batchEmbeddingResponse
	if err := json.Unmarshal(body, &batchResp); err != nil {
		return nil, llm.NewProviderError("local", llm.KindPermanent,
			fmt.Errorf("failed to decode batch embed response: %w", err))
	}
	if len(batchResp.Vectors) != len(texts) {
		return nil, llm.NewProviderError("local", llm.KindTransient,
			fmt.Errorf("embedding service returned mismatched vector count: sent %d, got %d",
				len(texts), len(batchResp.Vectors)))
	}
	if batchResp.Dim != 0 && batchResp.Dim != c.dimensions {
		return nil, fmt.Errorf("embedding service reports %d dimensions, expected %d",
			batchResp.Dim, c.dimensions)
	}
	return batchResp.Vectors, nil
}

func (c *LocalClient) Probe(ctx context.Context) error {
	_, err := c.Embed(ctx, []string{"ping"})
	return err
}
