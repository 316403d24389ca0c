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
	"fmt"
	"strings"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/google/uuid"
)

const (
	defaultMaxChunks = 5
	askMinScore      = 0.5
	previewChars     = 200

	noContextAnswer = "No relevant information found"
)

// AskParams are the caller-facing options.
type AskParams struct {
	Question  string
	Model     string
	MaxChunks *int
}

// Ask starts a question-answering operation over one document.
func (e *Engine) Ask(ctx context.Context, tenantID, userID, documentID uuid.UUID, params AskParams) (*store.LLMOperation, error) {
	doc, err := e.getDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	maxChunks := defaultMaxChunks
	if params.MaxChunks != nil {
		maxChunks = *params.MaxChunks
	}
	if maxChunks < 0 {
		return nil, fmt.Errorf("max_chunks must be non-negative")
	}

	op := &store.LLMOperation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		DocumentID:    &documentID,
		OperationType: store.OpAsk,
		InputData: store.JSONMap{
			"question":   params.Question,
			"model":      params.Model,
			"max_chunks": maxChunks,
		},
	}

	filename := doc.Filename
	return e.submit(ctx, op, func(ctx context.Context, op *store.LLMOperation) (*result, error) {
		return e.runAsk(ctx, op, filename, params, maxChunks)
	})
}

func (e *Engine) runAsk(ctx context.Context, op *store.LLMOperation, filename string, params AskParams, maxChunks int) (*result, error) {
	embedder, err := e.registry.EmbeddingFor(ctx, op.TenantID)
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.Embed(ctx, []string{params.Question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one question vector, got %d", len(vectors))
	}

	hits, err := e.index.Search(ctx, op.TenantID, vectors[0], vectorstore.Query{
		K:           maxChunks,
		MinScore:    askMinScore,
		DocumentIDs: []uuid.UUID{*op.DocumentID},
	})
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	if len(hits) == 0 {
		return &result{
			output: store.JSONMap{
				"answer":  noContextAnswer,
				"sources": []datatypes.SourceInfo{},
			},
		}, nil
	}

	var contextParts []string
	sources := make([]datatypes.SourceInfo, 0, len(hits))
	for _, hit := range hits {
		contextParts = append(contextParts, fmt.Sprintf("[Chunk %d]:\n%s", hit.ChunkIndex, hit.Content))
		sources = append(sources, datatypes.SourceInfo{
			ChunkIndex:     hit.ChunkIndex,
			Score:          hit.Score,
			ContentPreview: preview(hit.Content),
		})
	}

	chat, err := e.registry.ChatFor(ctx, op.TenantID, params.Model)
	if err != nil {
		return nil, err
	}

	messages := []datatypes.Message{
		{
			Role: datatypes.RoleSystem,
			Content: "You are a helpful assistant. Answer the user's question based on the provided " +
				"document context. If the answer is not in the context, say so.",
		},
		{
			Role: datatypes.RoleUser,
			Content: fmt.Sprintf("Document: %s\n\nContext:\n%s\n\nQuestion: %s\n\nAnswer:",
				filename, strings.Join(contextParts, "\n\n"), params.Question),
		},
	}

	temp := float32(0.7)
	completion, err := chat.Complete(ctx, messages, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return nil, err
	}

	return &result{
		output: store.JSONMap{
			"answer":  completion.Text,
			"sources": sources,
		},
		model:  completion.Model,
		tokens: completion.TokensIn + completion.TokensOut,
		cost:   completion.CostEstimate,
	}, nil
}

func preview(content string) string {
	if len(content) <= previewChars {
		return content
	}
	return content[:previewChars] + "..."
}
