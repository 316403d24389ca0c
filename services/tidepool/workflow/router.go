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
	"regexp"
	"strings"

	"github.com/AleutianAI/Tidepool/services/tidepool/store"
)

// documentKeywords suggest the user is asking about uploaded content.
var documentKeywords = []string{
	"document", "documents", "file", "files", "pdf", "paper", "papers",
	"content", "text", "page", "pages", "section", "chapter",
	"what does", "according to", "based on", "in the", "from the",
	"find", "search", "look for", "show me", "tell me about",
	"summarize", "summary", "explain",
}

// greetingPatterns suggest plain chat.
var greetingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(hi|hello|hey|greetings|good morning|good afternoon|good evening)\b`),
	regexp.MustCompile(`^(how are you|how do you do|what's up|whats up)\b`),
}

// smallTalkPatterns also suggest plain chat.
var smallTalkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(who are you|what are you|what can you do)`),
	regexp.MustCompile(`(your name|you called|introduce yourself)`),
	regexp.MustCompile(`(help me|assist me|can you help)`),
	regexp.MustCompile(`(thank you|thanks|appreciate)`),
}

// RouteDecision is a routing verdict with its reasoning, surfaced to
// clients in routing_metadata.
type RouteDecision struct {
	Route      string         `json:"route"`
	Confidence float64        `json:"confidence"`
	Reasoning  map[string]any `json:"reasoning"`
}

// decideRoute is the deterministic classifier for auto mode. Explicit
// session modes short-circuit it; with no documents attached the fallback
// is always direct chat.
func decideRoute(userInput string, hasDocuments bool, mode string) RouteDecision {
	input := strings.ToLower(strings.TrimSpace(userInput))

	switch mode {
	case store.ModeChatOnly:
		return RouteDecision{
			Route:      RouteDirectChat,
			Confidence: 1.0,
			Reasoning:  map[string]any{"rule": "explicit_mode_override", "mode": mode},
		}
	case store.ModeRAGOnly:
		if !hasDocuments {
			// Guarded at mode update, but handle a raced removal.
			return RouteDecision{
				Route:      RouteDirectChat,
				Confidence: 0.8,
				Reasoning:  map[string]any{"rule": "rag_only_fallback", "mode": mode},
			}
		}
		return RouteDecision{
			Route:      RouteRAGNeeded,
			Confidence: 1.0,
			Reasoning:  map[string]any{"rule": "explicit_mode_override", "mode": mode},
		}
	}

	for _, pattern := range greetingPatterns {
		if pattern.MatchString(input) {
			return RouteDecision{
				Route:      RouteDirectChat,
				Confidence: 0.95,
				Reasoning:  map[string]any{"rule": "greeting_detection"},
			}
		}
	}
	for _, pattern := range smallTalkPatterns {
		if pattern.MatchString(input) {
			return RouteDecision{
				Route:      RouteDirectChat,
				Confidence: 0.9,
				Reasoning:  map[string]any{"rule": "small_talk_detection"},
			}
		}
	}

	if hasDocuments {
		var matched []string
		for _, kw := range documentKeywords {
			if strings.Contains(input, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) > 0 {
			if len(matched) > 5 {
				matched = matched[:5]
			}
			return RouteDecision{
				Route:      RouteRAGNeeded,
				Confidence: 0.85,
				Reasoning:  map[string]any{"rule": "document_keywords_with_docs", "matched_keywords": matched},
			}
		}
		// Substantial query against attached documents: try RAG, the
		// grader will fall back to chat if nothing relevant comes back.
		if len(strings.Fields(input)) >= 5 {
			return RouteDecision{
				Route:      RouteHybrid,
				Confidence: 0.6,
				Reasoning:  map[string]any{"rule": "ambiguous_with_docs"},
			}
		}
	}

	return RouteDecision{
		Route:      RouteDirectChat,
		Confidence: 0.8,
		Reasoning:  map[string]any{"rule": "default_chat", "has_documents": hasDocuments},
	}
}
