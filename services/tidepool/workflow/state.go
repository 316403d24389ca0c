// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow compiles declarative node/edge definitions into
// executable graphs and steps them with checkpointed state, streamed
// updates and human-in-the-loop interrupts.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/google/uuid"
)

// Synthetic node ids bracketing every graph.
const (
	StartNode = "__start__"
	EndNode   = "__end__"
)

// Routes produced by the router node.
const (
	RouteDirectChat = "direct_chat"
	RouteRAGNeeded  = "rag_needed"
	RouteHybrid     = "hybrid"
	RouteNoContext  = "no_context"
)

// ErrNoDocuments is returned when a rag_only session has no active
// documents.
var ErrNoDocuments = errors.New("no active documents in session")

// stateSchemaVersion stamps checkpoint blobs; decode rejects newer blobs.
const stateSchemaVersion = 1

// RetrievedChunk is one chunk pulled into the workflow state by a
// retriever node.
type RetrievedChunk struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Score      float64   `json:"score"`
}

// State is the graph state carried between nodes and persisted in
// checkpoints. The encoding is JSON and must round-trip exactly.
type State struct {
	SchemaVersion int `json:"schema_version"`

	Messages        []datatypes.Message `json:"messages"`
	Query           string              `json:"query"`
	Mode            string              `json:"mode"`
	ActiveDocuments []uuid.UUID         `json:"active_documents"`

	Chunks          []RetrievedChunk `json:"chunks,omitempty"`
	Route           string           `json:"route,omitempty"`
	RoutingMetadata map[string]any   `json:"routing_metadata,omitempty"`
	Generation      string           `json:"generation,omitempty"`
	Retry           bool             `json:"retry,omitempty"`

	Approved     *bool  `json:"approved,omitempty"`
	UserFeedback string `json:"user_feedback,omitempty"`

	// InterruptedAt is the human_in_loop node that parked the run;
	// ResumeNode is where stepping continues when it is approved.
	InterruptedAt string `json:"interrupted_at,omitempty"`
	ResumeNode    string `json:"resume_node,omitempty"`
}

func (s *State) setInterrupt(nodeID, resumeNode string) {
	s.InterruptedAt = nodeID
	s.ResumeNode = resumeNode
}

// InterruptNode is the node that parked the run, or empty.
func (s *State) InterruptNode() string { return s.InterruptedAt }

// Encode serializes the state for a checkpoint blob.
func (s *State) Encode() ([]byte, error) {
	s.SchemaVersion = stateSchemaVersion
	blob, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return blob, nil
}

// DecodeState restores a checkpoint blob.
func DecodeState(blob []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.SchemaVersion > stateSchemaVersion {
		return nil, fmt.Errorf("checkpoint schema version %d is newer than supported %d",
			s.SchemaVersion, stateSchemaVersion)
	}
	return &s, nil
}

// LastUserMessage returns the most recent user turn, or empty.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == datatypes.RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// EffectiveQuery is the explicit query if set, else the last user message.
func (s *State) EffectiveQuery() string {
	if s.Query != "" {
		return s.Query
	}
	return s.LastUserMessage()
}
