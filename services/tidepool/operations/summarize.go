// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/google/uuid"
)

const (
	defaultSummaryWords = 500
	maxSummaryTokens    = 400

	// Content beyond this is truncated before prompting; local backends
	// degrade badly on very long contexts.
	maxContentChars = 8000
)

// SummarizeParams are the caller-facing options.
type SummarizeParams struct {
	Model     string
	MaxLength int
	Force     bool
}

// Summarize starts (or serves from cache) a summarization operation.
//
// With Force unset, the most recent completed summary for the document is
// returned as a fresh, already-completed operation row whose output
// carries a cached marker. The summary bytes are identical to the cached
// run's.
func (e *Engine) Summarize(ctx context.Context, tenantID, userID, documentID uuid.UUID, params SummarizeParams) (*store.LLMOperation, error) {
	doc, err := e.getDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if params.MaxLength <= 0 {
		params.MaxLength = defaultSummaryWords
	}

	op := &store.LLMOperation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		DocumentID:    &documentID,
		OperationType: store.OpSummarize,
		InputData: store.JSONMap{
			"model":      params.Model,
			"max_length": params.MaxLength,
			"force":      params.Force,
		},
	}

	if !params.Force {
		cached, err := e.store.LatestCompletedSummarize(ctx, tenantID, documentID)
		if err == nil {
			return e.fromCache(ctx, op, cached)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	filename := doc.Filename
	return e.submit(ctx, op, func(ctx context.Context, op *store.LLMOperation) (*result, error) {
		return e.runSummarize(ctx, op, filename, params)
	})
}

// fromCache inserts a new operation row that is already terminal, carrying
// the cached output.
func (e *Engine) fromCache(ctx context.Context, op *store.LLMOperation, cached *store.LLMOperation) (*store.LLMOperation, error) {
	output := store.JSONMap{"cached": true}
	for k, v := range cached.OutputData {
		if k != "cached" {
			output[k] = v
		}
	}
	op.Status = store.OperationCompleted
	op.OutputData = output
	op.ModelUsed = cached.ModelUsed
	op.CreatedAt = time.Now()
	ts := time.Now()
	op.CompletedAt = &ts
	if err := e.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create cached operation row: %w", err)
	}
	slog.Info("Served summary from cache", "operation_id", op.ID, "source_operation_id", cached.ID)
	return op, nil
}

func (e *Engine) runSummarize(ctx context.Context, op *store.LLMOperation, filename string, params SummarizeParams) (*result, error) {
	content, err := e.documentContent(ctx, op.TenantID, *op.DocumentID)
	if err != nil {
		return nil, err
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n\n[Content truncated for performance...]"
		slog.Info("Document content truncated", "operation_id", op.ID, "truncated_to", maxContentChars)
	}

	chat, err := e.registry.ChatFor(ctx, op.TenantID, params.Model)
	if err != nil {
		return nil, err
	}

	messages := []datatypes.Message{
		{
			Role: datatypes.RoleSystem,
			Content: fmt.Sprintf("You are a document summarization expert. Summarize the following "+
				"document in approximately %d words. Be concise and focus on the main points.", params.MaxLength),
		},
		{
			Role:    datatypes.RoleUser,
			Content: fmt.Sprintf("Document: %s\n\nContent:\n%s", filename, content),
		},
	}

	temp := float32(0.3)
	maxTokens := params.MaxLength
	if maxTokens > maxSummaryTokens {
		maxTokens = maxSummaryTokens
	}
	completion, err := chat.Complete(ctx, messages, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, err
	}

	return &result{
		output: store.JSONMap{"summary": completion.Text},
		model:  completion.Model,
		tokens: completion.TokensIn + completion.TokensOut,
		cost:   completion.CostEstimate,
	}, nil
}
