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
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
)

// UnifiedDefinition is the built-in workflow used when a session names no
// workflow of its own. The router classifies each turn, chat queries go
// straight to the generator, and retrieval queries pass through a
// relevance grader that falls back to plain chat when nothing relevant
// survives.
//
//	__start__ -> router -> chat_generator ----------------> __end__
//	                   \-> retriever -> relevance_grader -> rag_generator -> __end__
func UnifiedDefinition() *store.WorkflowDefinition {
	return &store.WorkflowDefinition{
		Name:        "unified_chat_workflow",
		Version:     "1.0",
		Description: "Unified workflow with intelligent routing for chat and RAG",
		Nodes: store.JSONList{
			{"id": "router", "type": "router"},
			{"id": "chat_generator", "type": "llm", "config": map[string]any{
				"system_prompt": "You are a helpful AI assistant. Provide clear, concise, and accurate responses.",
				"temperature":   0.7,
			}},
			{"id": "retriever", "type": "retriever", "config": map[string]any{
				"k":               5,
				"score_threshold": 0.7,
			}},
			{"id": "relevance_grader", "type": "relevance_grader"},
			{"id": "rag_generator", "type": "rag_generator", "config": map[string]any{
				"system_prompt": "You are a helpful AI assistant. Answer the user's question based on the " +
					"provided context. If the context doesn't contain relevant information, say so and " +
					"provide a general response.",
				"temperature":     0.7,
				"include_sources": true,
			}},
		},
		Edges: store.JSONList{
			{"source": StartNode, "target": "router"},
			{"source": "router", "condition": "route", "mapping": map[string]any{
				RouteDirectChat: "chat_generator",
				RouteRAGNeeded:  "retriever",
				RouteHybrid:     "retriever",
				RouteNoContext:  "chat_generator",
			}},
			{"source": "retriever", "target": "relevance_grader"},
			{"source": "relevance_grader", "condition": "has_relevant_docs", "mapping": map[string]any{
				"continue": "rag_generator",
				"no_docs":  "chat_generator",
			}},
			{"source": "chat_generator", "target": EndNode},
			{"source": "rag_generator", "target": EndNode},
		},
	}
}
