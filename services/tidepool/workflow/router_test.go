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
	"testing"

	"github.com/AleutianAI/Tidepool/services/tidepool/store"
)

func TestDecideRoute(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		hasDocuments bool
		mode         string
		wantRoute    string
	}{
		{"greeting without documents", "Hello", false, store.ModeAuto, RouteDirectChat},
		{"greeting with documents", "hello there", true, store.ModeAuto, RouteDirectChat},
		{"no documents falls back to chat", "What is the revenue forecast for 2026?", false, store.ModeAuto, RouteDirectChat},
		{"document question with documents", "What does the doc say about X?", true, store.ModeAuto, RouteRAGNeeded},
		{"summarize request with documents", "summarize the second section please", true, store.ModeAuto, RouteRAGNeeded},
		{"ambiguous long query with documents", "compare quarterly revenue against projected growth numbers", true, store.ModeAuto, RouteHybrid},
		{"short unclear query with documents", "revenue?", true, store.ModeAuto, RouteDirectChat},
		{"chat_only override", "what does the document say", true, store.ModeChatOnly, RouteDirectChat},
		{"rag_only override", "hi", true, store.ModeRAGOnly, RouteRAGNeeded},
		{"rag_only without documents degrades", "hi", false, store.ModeRAGOnly, RouteDirectChat},
		{"small talk", "who are you exactly", true, store.ModeAuto, RouteDirectChat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := decideRoute(tt.input, tt.hasDocuments, tt.mode)
			if decision.Route != tt.wantRoute {
				t.Errorf("decideRoute(%q, docs=%v, mode=%s) = %q, want %q",
					tt.input, tt.hasDocuments, tt.mode, decision.Route, tt.wantRoute)
			}
			if decision.Confidence <= 0 || decision.Confidence > 1 {
				t.Errorf("confidence %v out of range", decision.Confidence)
			}
			if decision.Reasoning["rule"] == "" {
				t.Error("reasoning rule missing")
			}
		})
	}
}
