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
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and single-binary demos.
// It mirrors the guarded-transition semantics of the postgres Store.
type Memory struct {
	mu sync.Mutex

	tenantConfigs map[uuid.UUID]TenantConfig
	documents     map[uuid.UUID]Document
	chunks        map[uuid.UUID][]Chunk // by document id
	operations    map[uuid.UUID]LLMOperation
	sessions      map[uuid.UUID]ConversationSession
	messages      map[uuid.UUID][]SessionMessage // by session id
	sessionDocs   map[uuid.UUID][]SessionDocument
	workflows     map[uuid.UUID]WorkflowDefinition
	executions    map[uuid.UUID]WorkflowExecution
	checkpoints   map[string][]Checkpoint // by thread id
	approvals     map[uuid.UUID]HITLApproval
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tenantConfigs: make(map[uuid.UUID]TenantConfig),
		documents:     make(map[uuid.UUID]Document),
		chunks:        make(map[uuid.UUID][]Chunk),
		operations:    make(map[uuid.UUID]LLMOperation),
		sessions:      make(map[uuid.UUID]ConversationSession),
		messages:      make(map[uuid.UUID][]SessionMessage),
		sessionDocs:   make(map[uuid.UUID][]SessionDocument),
		workflows:     make(map[uuid.UUID]WorkflowDefinition),
		executions:    make(map[uuid.UUID]WorkflowExecution),
		checkpoints:   make(map[string][]Checkpoint),
		approvals:     make(map[uuid.UUID]HITLApproval),
	}
}

// --- TenantConfigStore ---

func (m *Memory) GetTenantConfig(_ context.Context, tenantID uuid.UUID) (*TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.tenantConfigs[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (m *Memory) PutTenantConfig(_ context.Context, cfg *TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = now()
	m.tenantConfigs[cfg.TenantID] = *cfg
	return nil
}

// --- DocumentStore ---

func (m *Memory) CreateDocument(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = *doc
	return nil
}

func (m *Memory) GetDocument(_ context.Context, tenantID, id uuid.UUID) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok || doc.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (m *Memory) ListDocuments(_ context.Context, tenantID uuid.UUID, opts ListOptions) ([]Document, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Document
	for _, doc := range m.documents {
		if doc.TenantID != tenantID || doc.Status == DocumentDeleted {
			continue
		}
		if opts.Status != "" && doc.Status != opts.Status {
			continue
		}
		all = append(all, doc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	return paginate(all, opts), total, nil
}

func paginate[T any](items []T, opts ListOptions) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if limit := opts.limitOrDefault(); len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (m *Memory) MarkDocumentProcessing(_ context.Context, id uuid.UUID) error {
	return m.docTransition(id, []string{DocumentUploading, DocumentFailed}, func(d *Document) {
		d.Status = DocumentProcessing
		d.ErrorMessage = ""
		d.ChunkCount = 0
	})
}

func (m *Memory) MarkDocumentCompleted(_ context.Context, id uuid.UUID, chunkCount int) error {
	return m.docTransition(id, []string{DocumentProcessing}, func(d *Document) {
		d.Status = DocumentCompleted
		d.ChunkCount = chunkCount
	})
}

func (m *Memory) MarkDocumentFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return m.docTransition(id, []string{DocumentUploading, DocumentProcessing}, func(d *Document) {
		d.Status = DocumentFailed
		d.ErrorMessage = errMsg
		d.ChunkCount = 0
	})
}

func (m *Memory) docTransition(id uuid.UUID, from []string, apply func(*Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrConflict
	}
	allowed := false
	for _, s := range from {
		if doc.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return ErrConflict
	}
	apply(&doc)
	doc.UpdatedAt = now()
	m.documents[id] = doc
	return nil
}

func (m *Memory) SoftDeleteDocument(_ context.Context, tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok || doc.TenantID != tenantID || doc.Status == DocumentDeleted {
		return ErrNotFound
	}
	doc.Status = DocumentDeleted
	doc.UpdatedAt = now()
	m.documents[id] = doc
	return nil
}

func (m *Memory) ReplaceChunks(_ context.Context, documentID uuid.UUID, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Chunk, len(chunks))
	copy(cp, chunks)
	m.chunks[documentID] = cp
	return nil
}

func (m *Memory) DeleteChunks(_ context.Context, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, documentID)
	return nil
}

func (m *Memory) ListChunks(_ context.Context, tenantID, documentID uuid.UUID) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Chunk
	for _, c := range m.chunks[documentID] {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *Memory) GetChunks(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Chunk
	for _, chunks := range m.chunks {
		for _, c := range chunks {
			if want[c.ID] && c.TenantID == tenantID {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (m *Memory) CountChunks(_ context.Context, tenantID uuid.UUID, documentIDs []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range documentIDs {
		for _, c := range m.chunks[id] {
			if c.TenantID == tenantID {
				n++
			}
		}
	}
	return n, nil
}

// --- OperationStore ---

func (m *Memory) CreateOperation(_ context.Context, op *LLMOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[op.ID] = *op
	return nil
}

func (m *Memory) GetOperation(_ context.Context, tenantID, id uuid.UUID) (*LLMOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok || op.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &op, nil
}

func (m *Memory) ListOperations(_ context.Context, tenantID uuid.UUID, opts ListOptions) ([]LLMOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []LLMOperation
	for _, op := range m.operations {
		if op.TenantID != tenantID {
			continue
		}
		if opts.Status != "" && op.Status != opts.Status {
			continue
		}
		all = append(all, op)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, opts), nil
}

func (m *Memory) MarkOperationProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok || op.Status != OperationPending {
		return false, nil
	}
	op.Status = OperationProcessing
	m.operations[id] = op
	return true, nil
}

func (m *Memory) FinishOperation(_ context.Context, id uuid.UUID, t TerminalUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok || (op.Status != OperationPending && op.Status != OperationProcessing) {
		return false, nil
	}
	op.Status = t.Status
	op.OutputData = t.OutputData
	op.ModelUsed = t.ModelUsed
	op.TokensUsed = t.TokensUsed
	op.CostEstimate = t.CostEstimate
	op.ErrorMessage = t.ErrorMessage
	ts := now()
	op.CompletedAt = &ts
	m.operations[id] = op
	return true, nil
}

func (m *Memory) LatestCompletedSummarize(_ context.Context, tenantID, documentID uuid.UUID) (*LLMOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *LLMOperation
	for _, op := range m.operations {
		op := op
		if op.TenantID != tenantID || op.DocumentID == nil || *op.DocumentID != documentID {
			continue
		}
		if op.OperationType != OpSummarize || op.Status != OperationCompleted {
			continue
		}
		if best == nil ||
			op.CreatedAt.After(best.CreatedAt) ||
			(op.CreatedAt.Equal(best.CreatedAt) && strings.Compare(op.ID.String(), best.ID.String()) > 0) {
			best = &op
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// --- SessionStore ---

func (m *Memory) CreateSession(_ context.Context, s *ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) GetSession(_ context.Context, tenantID, id uuid.UUID) (*ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) ListSessions(_ context.Context, tenantID, userID uuid.UUID, opts ListOptions) ([]ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []ConversationSession
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, opts), nil
}

func (m *Memory) UpdateSessionMode(_ context.Context, tenantID, id uuid.UUID, mode string) error {
	return m.updateSession(tenantID, id, func(s *ConversationSession) { s.Mode = mode })
}

func (m *Memory) UpdateSessionTitle(_ context.Context, tenantID, id uuid.UUID, title string) error {
	return m.updateSession(tenantID, id, func(s *ConversationSession) { s.Title = title })
}

func (m *Memory) updateSession(tenantID, id uuid.UUID, apply func(*ConversationSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	apply(&s)
	s.UpdatedAt = now()
	m.sessions[id] = s
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *SessionMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, sessionID uuid.UUID, limit int) ([]SessionMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]SessionMessage, len(m.messages[sessionID]))
	copy(msgs, m.messages[sessionID])
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *Memory) AddSessionDocument(_ context.Context, sessionID, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bridges := m.sessionDocs[sessionID]
	for i, b := range bridges {
		if b.DocumentID == documentID {
			bridges[i].IsActive = true
			bridges[i].AddedAt = now()
			return nil
		}
	}
	m.sessionDocs[sessionID] = append(bridges, SessionDocument{
		SessionID:  sessionID,
		DocumentID: documentID,
		AddedAt:    now(),
		IsActive:   true,
	})
	return nil
}

func (m *Memory) RemoveSessionDocument(_ context.Context, sessionID, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.sessionDocs[sessionID] {
		if b.DocumentID == documentID && b.IsActive {
			m.sessionDocs[sessionID][i].IsActive = false
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListSessionDocuments(_ context.Context, sessionID uuid.UUID) ([]SessionDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionDocument
	for _, b := range m.sessionDocs[sessionID] {
		if b.IsActive {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

// --- WorkflowStore ---

func (m *Memory) CreateWorkflowDefinition(_ context.Context, wf *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = *wf
	return nil
}

func (m *Memory) GetWorkflowDefinition(_ context.Context, tenantID, id uuid.UUID) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.TenantID != tenantID || !wf.IsActive {
		return nil, ErrNotFound
	}
	return &wf, nil
}

func (m *Memory) CreateExecution(_ context.Context, ex *WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[ex.ID] = *ex
	return nil
}

func (m *Memory) GetExecution(_ context.Context, tenantID, id uuid.UUID) (*WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok || ex.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &ex, nil
}

func (m *Memory) LatestExecutionForThread(_ context.Context, threadID string) (*WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *WorkflowExecution
	for _, ex := range m.executions {
		ex := ex
		if ex.ThreadID != threadID {
			continue
		}
		if best == nil || ex.StartedAt.After(best.StartedAt) {
			best = &ex
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *Memory) UpdateExecutionStatus(_ context.Context, id uuid.UUID, status string, output JSONMap, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	ex.Status = status
	ex.ErrorMessage = errMsg
	if output != nil {
		ex.OutputData = output
	}
	if status == ExecutionCompleted || status == ExecutionFailed {
		ts := now()
		ex.CompletedAt = &ts
	}
	m.executions[id] = ex
	return nil
}

// --- CheckpointStore ---

func (m *Memory) SaveCheckpoint(_ context.Context, threadID string, step int, blob []byte, parentStep *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints[threadID] {
		if cp.Step == step {
			return ErrConcurrentUpdate
		}
	}
	b := make([]byte, len(blob))
	copy(b, blob)
	m.checkpoints[threadID] = append(m.checkpoints[threadID], Checkpoint{
		ID:         uuid.New(),
		ThreadID:   threadID,
		Step:       step,
		StateBlob:  b,
		ParentStep: parentStep,
		CreatedAt:  now(),
	})
	return nil
}

func (m *Memory) LatestCheckpoint(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Checkpoint
	for i := range m.checkpoints[threadID] {
		cp := m.checkpoints[threadID][i]
		if best == nil || cp.Step > best.Step {
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *Memory) ListCheckpoints(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.checkpoints[threadID]))
	copy(out, m.checkpoints[threadID])
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (m *Memory) TruncateCheckpointsAfter(_ context.Context, threadID string, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Checkpoint
	for _, cp := range m.checkpoints[threadID] {
		if cp.Step <= step {
			kept = append(kept, cp)
		}
	}
	m.checkpoints[threadID] = kept
	return nil
}

// --- ApprovalStore ---

func (m *Memory) CreateApproval(_ context.Context, a *HITLApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.approvals {
		if existing.ExecutionID == a.ExecutionID && existing.Status == ApprovalPending {
			return ErrConflict
		}
	}
	m.approvals[a.ID] = *a
	return nil
}

func (m *Memory) GetApproval(_ context.Context, tenantID, id uuid.UUID) (*HITLApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) ListApprovals(_ context.Context, tenantID, userID uuid.UUID, opts ListOptions) ([]HITLApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []HITLApproval
	for _, a := range m.approvals {
		if a.TenantID != tenantID || a.UserID != userID {
			continue
		}
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, opts), nil
}

func (m *Memory) RespondApproval(_ context.Context, tenantID, id uuid.UUID, approved bool, feedback string) (*HITLApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if a.Status != ApprovalPending {
		return nil, ErrAlreadyResponded
	}
	if approved {
		a.Status = ApprovalApproved
	} else {
		a.Status = ApprovalRejected
	}
	a.UserResponse = JSONMap{"approved": approved, "feedback": feedback}
	ts := now()
	a.RespondedAt = &ts
	m.approvals[id] = a
	return &a, nil
}

func (m *Memory) PendingApprovalForExecution(_ context.Context, executionID uuid.UUID) (*HITLApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals {
		if a.ExecutionID == executionID && a.Status == ApprovalPending {
			a := a
			return &a, nil
		}
	}
	return nil, ErrNotFound
}
