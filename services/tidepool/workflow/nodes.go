// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/google/uuid"
)

// stepOutcome is what running one node produces besides the mutated state.
type stepOutcome struct {
	// delta is the state change surfaced to clients in the update event.
	delta map[string]any
	// interrupt is set by human_in_loop nodes; the executor parks the run.
	interrupt *interruptRequest
}

type interruptRequest struct {
	prompt      string
	contextData map[string]any
}

// runNode dispatches on the node kind and mutates st in place.
func (x *Executor) runNode(ctx context.Context, tenantID uuid.UUID, node *Node, st *State) (*stepOutcome, error) {
	switch node.Kind {
	case KindRouter:
		return x.runRouter(node, st)
	case KindLLM:
		return x.runLLM(ctx, tenantID, node, st)
	case KindRetriever:
		return x.runRetriever(ctx, tenantID, node, st)
	case KindRelevanceGrader:
		return x.runRelevanceGrader(ctx, tenantID, node, st)
	case KindRAGGenerator:
		return x.runRAGGenerator(ctx, tenantID, node, st)
	case KindHallucinationChecker:
		return x.runHallucinationChecker(ctx, tenantID, node, st)
	case KindHumanInLoop:
		return x.runHumanInLoop(node, st)
	default:
		return nil, fmt.Errorf("unknown node kind %q", node.Kind)
	}
}

func (x *Executor) runRouter(_ *Node, st *State) (*stepOutcome, error) {
	decision := decideRoute(st.EffectiveQuery(), len(st.ActiveDocuments) > 0, st.Mode)
	st.Route = decision.Route
	st.RoutingMetadata = map[string]any{
		"route":      decision.Route,
		"confidence": decision.Confidence,
		"reasoning":  decision.Reasoning,
	}
	slog.Info("Routed workflow turn", "route", decision.Route, "confidence", decision.Confidence)
	return &stepOutcome{delta: map[string]any{"route": decision.Route}}, nil
}

func (x *Executor) chatParams(node *Node) llm.GenerationParams {
	params := llm.GenerationParams{}
	if node.Config.Temperature != nil {
		params.Temperature = node.Config.Temperature
	}
	return params
}

func (x *Executor) runLLM(ctx context.Context, tenantID uuid.UUID, node *Node, st *State) (*stepOutcome, error) {
	chat, err := x.registry.ChatFor(ctx, tenantID, node.Config.Model)
	if err != nil {
		return nil, err
	}

	messages := st.Messages
	if node.Config.SystemPrompt != "" {
		messages = append([]datatypes.Message{
			{Role: datatypes.RoleSystem, Content: node.Config.SystemPrompt},
		}, messages...)
	}

	completion, err := chat.Complete(ctx, messages, x.chatParams(node))
	if err != nil {
		return nil, err
	}

	st.Messages = append(st.Messages, datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: completion.Text,
	})
	st.Generation = completion.Text
	return &stepOutcome{delta: map[string]any{"message": completion.Text}}, nil
}

func (x *Executor) runRetriever(ctx context.Context, tenantID uuid.UUID, node *Node, st *State) (*stepOutcome, error) {
	query := st.EffectiveQuery()
	if query == "" {
		st.Chunks = nil
		return &stepOutcome{delta: map[string]any{"chunks": 0}}, nil
	}
	if len(st.ActiveDocuments) == 0 {
		st.Chunks = nil
		st.Route = RouteNoContext
		return &stepOutcome{delta: map[string]any{"chunks": 0}}, nil
	}

	embedder, err := x.registry.EmbeddingFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one query vector, got %d", len(vectors))
	}

	k := node.Config.K
	if k <= 0 {
		k = 5
	}
	hits, err := x.index.Search(ctx, tenantID, vectors[0], vectorstore.Query{
		K:           k,
		MinScore:    node.Config.ScoreThreshold,
		DocumentIDs: st.ActiveDocuments,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	st.Chunks = make([]RetrievedChunk, len(hits))
	for i, hit := range hits {
		st.Chunks[i] = RetrievedChunk{
			ChunkID:    hit.ChunkID,
			DocumentID: hit.DocumentID,
			ChunkIndex: hit.ChunkIndex,
			Content:    hit.Content,
			Score:      hit.Score,
		}
	}
	slog.Info("Retrieved chunks for workflow", "query_length", len(query), "chunks", len(hits))
	return &stepOutcome{delta: map[string]any{"chunks": len(hits)}}, nil
}

func (x *Executor) runRelevanceGrader(ctx context.Context, tenantID uuid.UUID, node *Node, st *State) (*stepOutcome, error) {
	if len(st.Chunks) == 0 {
		st.Route = RouteNoContext
		return &stepOutcome{delta: map[string]any{"relevant_chunks": 0}}, nil
	}

	chat, err := x.registry.ChatFor(ctx, tenantID, node.Config.Model)
	if err != nil {
		return nil, err
	}

	query := st.EffectiveQuery()
	var kept []RetrievedChunk
	for _, chunk := range st.Chunks {
		messages := []datatypes.Message{
			{
				Role: datatypes.RoleSystem,
				Content: "You are a relevance grader. Decide whether the document excerpt is relevant " +
					"to the user's question. Answer with exactly one word: yes or no.",
			},
			{
				Role:    datatypes.RoleUser,
				Content: fmt.Sprintf("Question: %s\n\nExcerpt:\n%s", query, chunk.Content),
			},
		}
		temp := float32(0)
		completion, err := chat.Complete(ctx, messages, llm.GenerationParams{Temperature: &temp})
		if err != nil {
			return nil, err
		}
		verdict := strings.ToLower(strings.TrimSpace(completion.Text))
		if strings.HasPrefix(verdict, "yes") {
			kept = append(kept, chunk)
		}
	}

	dropped := len(st.Chunks) - len(kept)
	st.Chunks = kept
	if len(kept) == 0 {
		st.Route = RouteNoContext
	}
	slog.Info("Graded chunk relevance", "kept", len(kept), "dropped", dropped)
	return &stepOutcome{delta: map[string]any{"relevant_chunks": len(kept)}}, nil
}

func (x *Executor) runRAGGenerator(ctx context.Context, tenantID uuid.UUID, node *Node, st *State) (*stepOutcome, error) {
	chat, err := x.registry.ChatFor(ctx, tenantID, node.Config.Model)
	if err != nil {
		return nil, err
	}

	var contextParts []string
	for _, chunk := range st.Chunks {
		contextParts = append(contextParts, fmt.Sprintf("[Chunk %d]:\n%s", chunk.ChunkIndex, chunk.Content))
	}

	system := node.Config.SystemPrompt
	if system == "" {
		system = "You are a helpful AI assistant. Answer the user's question based on the provided context."
	}
	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: system},
		{Role: datatypes.RoleUser, Content: fmt.Sprintf(
			"Context:\n%s\n\nQuestion: %s", strings.Join(contextParts, "\n\n"), st.EffectiveQuery())},
	}

	completion, err := chat.Complete(ctx, messages, x.chatParams(node))
	if err != nil {
		return nil, err
	}

	answer := completion.Text
	if node.Config.IncludeSources && len(st.Chunks) > 0 {
		var refs []string
		for _, chunk := range st.Chunks {
			refs = append(refs, fmt.Sprintf("chunk %d (score %.2f)", chunk.ChunkIndex, chunk.Score))
		}
		answer += "\n\nSources: " + strings.Join(refs, ", ")
	}

	st.Messages = append(st.Messages, datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: answer,
	})
	st.Generation = answer
	return &stepOutcome{delta: map[string]any{"message": answer, "sources": len(st.Chunks)}}, nil
}

func (x *Executor) runHallucinationChecker(ctx context.Context, tenantID uuid.UUID, node *Node, st *State) (*stepOutcome, error) {
	if st.Generation == "" || len(st.Chunks) == 0 {
		return &stepOutcome{delta: map[string]any{"grounded": true}}, nil
	}

	chat, err := x.registry.ChatFor(ctx, tenantID, node.Config.Model)
	if err != nil {
		return nil, err
	}

	var contextParts []string
	for _, chunk := range st.Chunks {
		contextParts = append(contextParts, chunk.Content)
	}
	messages := []datatypes.Message{
		{
			Role: datatypes.RoleSystem,
			Content: "You are a fact checker. Decide whether every claim in the answer is supported " +
				"by the context. Answer with exactly one word: yes or no.",
		},
		{
			Role: datatypes.RoleUser,
			Content: fmt.Sprintf("Context:\n%s\n\nAnswer:\n%s",
				strings.Join(contextParts, "\n\n"), st.Generation),
		},
	}
	temp := float32(0)
	completion, err := chat.Complete(ctx, messages, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return nil, err
	}

	grounded := strings.HasPrefix(strings.ToLower(strings.TrimSpace(completion.Text)), "yes")
	st.Retry = !grounded
	if !grounded {
		slog.Warn("Generated answer failed grounding check")
	}
	return &stepOutcome{delta: map[string]any{"grounded": grounded}}, nil
}

func (x *Executor) runHumanInLoop(node *Node, st *State) (*stepOutcome, error) {
	prompt := node.Config.Prompt
	if prompt == "" {
		prompt = "Approval required to continue."
	}
	return &stepOutcome{
		delta: map[string]any{"awaiting_approval": true},
		interrupt: &interruptRequest{
			prompt: prompt,
			contextData: map[string]any{
				"generation": st.Generation,
				"query":      st.EffectiveQuery(),
			},
		},
	}, nil
}
