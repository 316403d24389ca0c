// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the relational tier. Every read and write narrows by the
// caller's tenant id; an entity outside the caller's tenant is
// indistinguishable from a missing one (ErrNotFound).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an entity does not exist in the caller's
	// tenant. Cross-tenant ids deliberately map to this, not to a 403.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on invariant violations such as a second
	// pending approval for the same execution.
	ErrConflict = errors.New("conflict")

	// ErrConcurrentUpdate is returned when a checkpoint write loses the
	// (thread_id, step) uniqueness race. The losing executor must stop.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrAlreadyResponded is returned when an approval response is replayed.
	ErrAlreadyResponded = errors.New("approval already responded")
)

// ListOptions is shared pagination for list queries.
type ListOptions struct {
	Limit  int
	Offset int
	// Status filters by status when non-empty.
	Status string
}

func (o ListOptions) limitOrDefault() int {
	if o.Limit <= 0 {
		return 50
	}
	return o.Limit
}

// TenantConfigStore reads and writes per-tenant provider selection.
type TenantConfigStore interface {
	GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*TenantConfig, error)
	PutTenantConfig(ctx context.Context, cfg *TenantConfig) error
}

// DocumentStore owns documents and their chunks.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, tenantID, id uuid.UUID) (*Document, error)
	ListDocuments(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]Document, int64, error)

	// Status transitions. Each is a guarded single-row update; callers other
	// than the owning pipeline task must not drive these.
	MarkDocumentProcessing(ctx context.Context, id uuid.UUID) error
	MarkDocumentCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error
	MarkDocumentFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	SoftDeleteDocument(ctx context.Context, tenantID, id uuid.UUID) error

	// ReplaceChunks wipes any prior chunks for the document and inserts the
	// given set. Used both by first ingestion and by retries.
	ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []Chunk) error
	DeleteChunks(ctx context.Context, documentID uuid.UUID) error
	ListChunks(ctx context.Context, tenantID, documentID uuid.UUID) ([]Chunk, error)
	GetChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Chunk, error)
	CountChunks(ctx context.Context, tenantID uuid.UUID, documentIDs []uuid.UUID) (int64, error)
}

// OperationStore owns async LLM operation rows. The terminal transition is
// guarded so that exactly one writer wins.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *LLMOperation) error
	GetOperation(ctx context.Context, tenantID, id uuid.UUID) (*LLMOperation, error)
	ListOperations(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]LLMOperation, error)

	// MarkOperationProcessing moves pending -> processing. Returns false if
	// the row is no longer pending (cancelled or raced).
	MarkOperationProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	// FinishOperation writes the terminal state in one guarded update: it
	// only applies while the row is pending or processing, sets completed_at,
	// and reports whether this caller won. Late provider results after a
	// cancel lose here and are discarded.
	FinishOperation(ctx context.Context, id uuid.UUID, terminal TerminalUpdate) (bool, error)

	// LatestCompletedSummarize returns the most recent completed summarize
	// operation for a document: highest created_at, ties broken by id.
	LatestCompletedSummarize(ctx context.Context, tenantID, documentID uuid.UUID) (*LLMOperation, error)
}

// TerminalUpdate is the single atomic write that finishes an operation.
type TerminalUpdate struct {
	Status       string // OperationCompleted or OperationFailed
	OutputData   JSONMap
	ModelUsed    string
	TokensUsed   int
	CostEstimate float64
	ErrorMessage string
}

// SessionStore owns conversation sessions, their messages and document
// bridges.
type SessionStore interface {
	CreateSession(ctx context.Context, s *ConversationSession) error
	GetSession(ctx context.Context, tenantID, id uuid.UUID) (*ConversationSession, error)
	ListSessions(ctx context.Context, tenantID, userID uuid.UUID, opts ListOptions) ([]ConversationSession, error)
	UpdateSessionMode(ctx context.Context, tenantID, id uuid.UUID, mode string) error
	UpdateSessionTitle(ctx context.Context, tenantID, id uuid.UUID, title string) error

	AppendMessage(ctx context.Context, m *SessionMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]SessionMessage, error)

	AddSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) error
	RemoveSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) error
	ListSessionDocuments(ctx context.Context, sessionID uuid.UUID) ([]SessionDocument, error)
}

// WorkflowStore owns workflow definitions and executions.
type WorkflowStore interface {
	CreateWorkflowDefinition(ctx context.Context, wf *WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, tenantID, id uuid.UUID) (*WorkflowDefinition, error)

	CreateExecution(ctx context.Context, ex *WorkflowExecution) error
	GetExecution(ctx context.Context, tenantID, id uuid.UUID) (*WorkflowExecution, error)
	LatestExecutionForThread(ctx context.Context, threadID string) (*WorkflowExecution, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status string, output JSONMap, errMsg string) error
}

// CheckpointStore is the append-only checkpoint log. Save contends on the
// (thread_id, step) unique index; the loser gets ErrConcurrentUpdate.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, threadID string, step int, blob []byte, parentStep *int) error
	LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error)
	TruncateCheckpointsAfter(ctx context.Context, threadID string, step int) error
}

// ApprovalStore owns HITL approval rows. At most one pending approval may
// exist per execution.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *HITLApproval) error
	GetApproval(ctx context.Context, tenantID, id uuid.UUID) (*HITLApproval, error)
	ListApprovals(ctx context.Context, tenantID, userID uuid.UUID, opts ListOptions) ([]HITLApproval, error)
	// RespondApproval atomically records the decision. A second response
	// returns ErrAlreadyResponded.
	RespondApproval(ctx context.Context, tenantID, id uuid.UUID, approved bool, feedback string) (*HITLApproval, error)
	PendingApprovalForExecution(ctx context.Context, executionID uuid.UUID) (*HITLApproval, error)
}

// Store is the full relational surface consumed by the services.
type Store interface {
	TenantConfigStore
	DocumentStore
	OperationStore
	SessionStore
	WorkflowStore
	CheckpointStore
	ApprovalStore
}

// now is indirected for tests.
var now = time.Now
