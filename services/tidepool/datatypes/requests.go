// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request/response shapes of the public API and
// the event types shared between the executor and the SSE layer.
package datatypes

// DocumentSearchRequest is the body of POST /documents/search.
type DocumentSearchRequest struct {
	Query          string   `json:"query" binding:"required"`
	Limit          int      `json:"limit"`
	ScoreThreshold float64  `json:"score_threshold"`
	DocumentIDs    []string `json:"filter_document_ids"`
}

// SummarizeRequest is the body of POST /llm/documents/summarize.
type SummarizeRequest struct {
	DocumentID string `json:"document_id" binding:"required,uuid"`
	Model      string `json:"model"`
	MaxLength  int    `json:"max_length"`
	Force      bool   `json:"force"`
}

// AskRequest is the body of POST /llm/documents/ask.
type AskRequest struct {
	DocumentID string `json:"document_id" binding:"required,uuid"`
	Question   string `json:"question" binding:"required"`
	Model      string `json:"model"`
	MaxChunks  *int   `json:"max_chunks"`
}

// TransformRequest is the body of POST /llm/documents/transform.
type TransformRequest struct {
	DocumentID   string `json:"document_id" binding:"required,uuid"`
	Instruction  string `json:"instruction" binding:"required"`
	Model        string `json:"model"`
	OutputFormat string `json:"output_format" binding:"omitempty,oneof=text markdown json"`
}

// ExecuteRequest is the body of POST /workflows/execute.
type ExecuteRequest struct {
	UserInput  string `json:"user_input" binding:"required"`
	SessionID  string `json:"session_id" binding:"omitempty,uuid"`
	WorkflowID string `json:"workflow_id" binding:"omitempty,uuid"`
}

// ResumeRequest is the body of POST /workflows/resume.
type ResumeRequest struct {
	SessionID    string `json:"session_id" binding:"required,uuid"`
	UserResponse string `json:"user_response"`
}

// CreateSessionRequest is the body of POST /workflows/sessions.
type CreateSessionRequest struct {
	WorkflowID string `json:"workflow_id" binding:"omitempty,uuid"`
	Title      string `json:"title"`
}

// AddMessageRequest is the body of POST /workflows/sessions/{id}/messages.
type AddMessageRequest struct {
	Role    string `json:"role" binding:"required,oneof=user assistant system"`
	Content string `json:"content" binding:"required"`
}

// AddSessionDocumentRequest is the body of POST /sessions/{id}/documents.
type AddSessionDocumentRequest struct {
	DocumentID string `json:"document_id" binding:"required,uuid"`
}

// UpdateModeRequest is the body of PUT /sessions/{id}/mode.
type UpdateModeRequest struct {
	Mode string `json:"mode" binding:"required,oneof=auto chat_only rag_only"`
}

// RespondApprovalRequest is the body of POST /hitl/approvals/{id}/respond.
type RespondApprovalRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Feedback string `json:"feedback"`
}

// EmbeddingProviderSettings is the body of PUT /settings/embedding-provider.
// The API key is written to the secret store, never to the config row.
type EmbeddingProviderSettings struct {
	Provider   string `json:"provider" binding:"required,oneof=openai local"`
	Model      string `json:"model" binding:"required"`
	Dimensions int    `json:"dimensions" binding:"required,gt=0"`
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
}

// ChatProviderSettings is the body of PUT /settings/llm-provider.
type ChatProviderSettings struct {
	Provider string `json:"provider" binding:"required,oneof=openai anthropic ollama local"`
	Model    string `json:"model" binding:"required"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// ErrorResponse is the non-2xx envelope.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// OperationAccepted is returned by the async LLM endpoints.
type OperationAccepted struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// DocumentUploadResponse is returned by POST /documents/upload.
type DocumentUploadResponse struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}
