// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Stream event names. Events are informational: durable state is the DB,
// and clients re-read persisted state on reconnect.
const (
	EventStart  = "start"
	EventUpdate = "update"
	EventDone   = "done"
	EventError  = "error"
)

// StreamEvent is one named SSE event emitted during workflow execution.
//
// A "start" event carries the session/execution ids. An "update" event
// carries the node that just ran and the state delta visible to the client.
// The final "done" event carries the execution status and, when the run
// completed, the final output. "error" carries a sanitized message only.
type StreamEvent struct {
	Id          string `json:"id,omitempty"`
	Type        string `json:"type"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	SessionId   string `json:"session_id,omitempty"`
	ExecutionId string `json:"execution_id,omitempty"`

	// Update fields.
	Node            string         `json:"node,omitempty"`
	Delta           map[string]any `json:"delta,omitempty"`
	RoutingMetadata map[string]any `json:"routing_metadata,omitempty"`

	// Interrupt / terminal fields.
	ApprovalId string         `json:"approval_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}
