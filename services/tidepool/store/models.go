// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONMap is a JSON object column. Stored as jsonb on postgres.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", value)
	}
	return json.Unmarshal(raw, m)
}

// Document statuses. Transitions are monotonic except deleted, which may
// follow any terminal status.
const (
	DocumentUploading  = "uploading"
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
	DocumentDeleted    = "deleted"
)

// Operation statuses.
const (
	OperationPending    = "pending"
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
)

// Operation types.
const (
	OpSummarize = "summarize"
	OpAsk       = "ask"
	OpTransform = "transform"
)

// Session modes.
const (
	ModeAuto     = "auto"
	ModeChatOnly = "chat_only"
	ModeRAGOnly  = "rag_only"
)

// Execution statuses.
const (
	ExecutionRunning     = "running"
	ExecutionInterrupted = "interrupted"
	ExecutionCompleted   = "completed"
	ExecutionFailed      = "failed"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// TenantConfig holds a tenant's provider selection. API keys live only in
// the secret store, never in this row.
type TenantConfig struct {
	TenantID uuid.UUID `gorm:"type:uuid;primaryKey" json:"tenant_id"`

	EmbeddingProvider   string `json:"embedding_provider"`
	EmbeddingModel      string `json:"embedding_model"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	EmbeddingBaseURL    string `json:"embedding_base_url"`

	ChatProvider string `json:"chat_provider"`
	ChatModel    string `json:"chat_model"`
	ChatBaseURL  string `json:"chat_base_url"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (TenantConfig) TableName() string { return "tenant_configs" }

type Document struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     uuid.UUID `gorm:"type:uuid;index:idx_documents_tenant" json:"tenant_id"`
	UserID       uuid.UUID `gorm:"type:uuid" json:"user_id"`
	Filename     string    `json:"filename"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"`
	FileType     string    `json:"file_type"`
	Status       string    `gorm:"index:idx_documents_tenant" json:"status"`
	ChunkCount   int       `json:"chunk_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Document) TableName() string { return "documents" }

type Chunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;index" json:"document_id"`
	TenantID   uuid.UUID `gorm:"type:uuid;index" json:"tenant_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	StartChar  *int      `json:"start_char,omitempty"`
	EndChar    *int      `json:"end_char,omitempty"`
	Metadata   JSONMap   `gorm:"type:jsonb" json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Chunk) TableName() string { return "document_chunks" }

type LLMOperation struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      uuid.UUID  `gorm:"type:uuid;index:idx_operations_tenant" json:"tenant_id"`
	UserID        uuid.UUID  `gorm:"type:uuid" json:"user_id"`
	DocumentID    *uuid.UUID `gorm:"type:uuid;index" json:"document_id,omitempty"`
	OperationType string     `json:"operation_type"`
	InputData     JSONMap    `gorm:"type:jsonb" json:"input_data"`
	OutputData    JSONMap    `gorm:"type:jsonb" json:"output_data,omitempty"`
	ModelUsed     string     `json:"model_used,omitempty"`
	TokensUsed    int        `json:"tokens_used"`
	CostEstimate  float64    `json:"cost_estimate"`
	Status        string     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (LLMOperation) TableName() string { return "llm_operations" }

type ConversationSession struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   uuid.UUID  `gorm:"type:uuid;index" json:"tenant_id"`
	UserID     uuid.UUID  `gorm:"type:uuid" json:"user_id"`
	WorkflowID *uuid.UUID `gorm:"type:uuid" json:"workflow_id,omitempty"`
	ThreadID   string     `gorm:"uniqueIndex" json:"thread_id"`
	Title      string     `json:"title"`
	Mode       string     `json:"mode"`
	Metadata   JSONMap    `gorm:"type:jsonb" json:"metadata"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ConversationSession) TableName() string { return "conversation_sessions" }

type SessionMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;index" json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Metadata  JSONMap   `gorm:"type:jsonb" json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

func (SessionMessage) TableName() string { return "session_messages" }

type SessionDocument struct {
	SessionID  uuid.UUID `gorm:"type:uuid;primaryKey" json:"session_id"`
	DocumentID uuid.UUID `gorm:"type:uuid;primaryKey" json:"document_id"`
	AddedAt    time.Time `json:"added_at"`
	IsActive   bool      `json:"is_active"`
}

func (SessionDocument) TableName() string { return "session_documents" }

type WorkflowDefinition struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID    uuid.UUID `gorm:"type:uuid;index" json:"tenant_id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Nodes       JSONList  `gorm:"type:jsonb" json:"nodes"`
	Edges       JSONList  `gorm:"type:jsonb" json:"edges"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

func (WorkflowDefinition) TableName() string { return "workflow_definitions" }

// JSONList is a JSON array column.
type JSONList []map[string]any

func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *JSONList) Scan(value any) error {
	if value == nil {
		*l = JSONList{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONList source type %T", value)
	}
	return json.Unmarshal(raw, l)
}

type WorkflowExecution struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     uuid.UUID  `gorm:"type:uuid;index" json:"tenant_id"`
	UserID       uuid.UUID  `gorm:"type:uuid" json:"user_id"`
	WorkflowID   *uuid.UUID `gorm:"type:uuid" json:"workflow_id,omitempty"`
	SessionID    uuid.UUID  `gorm:"type:uuid;index" json:"session_id"`
	ThreadID     string     `gorm:"index" json:"thread_id"`
	Status       string     `json:"status"`
	InputData    JSONMap    `gorm:"type:jsonb" json:"input_data"`
	OutputData   JSONMap    `gorm:"type:jsonb" json:"output_data,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (WorkflowExecution) TableName() string { return "workflow_executions" }

// Checkpoint is one append-only snapshot of graph state. Step strictly
// increases within a thread; resume reads the max-step row.
type Checkpoint struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ThreadID   string    `gorm:"uniqueIndex:idx_checkpoints_thread_step" json:"thread_id"`
	Step       int       `gorm:"uniqueIndex:idx_checkpoints_thread_step" json:"step"`
	StateBlob  []byte    `json:"state_blob"`
	ParentStep *int      `json:"parent_step,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Checkpoint) TableName() string { return "workflow_checkpoints" }

type HITLApproval struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID  uuid.UUID  `gorm:"type:uuid;index" json:"execution_id"`
	TenantID     uuid.UUID  `gorm:"type:uuid;index" json:"tenant_id"`
	UserID       uuid.UUID  `gorm:"type:uuid" json:"user_id"`
	Prompt       string     `json:"prompt"`
	ContextData  JSONMap    `gorm:"type:jsonb" json:"context_data"`
	Status       string     `json:"status"`
	UserResponse JSONMap    `gorm:"type:jsonb" json:"user_response,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
}

func (HITLApproval) TableName() string { return "hitl_approvals" }
