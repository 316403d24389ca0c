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
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the postgres-backed Store.
type DB struct {
	db *gorm.DB
}

var _ Store = (*DB)(nil)

// Open connects to postgres and migrates the schema.
func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(
		&TenantConfig{},
		&Document{},
		&Chunk{},
		&LLMOperation{},
		&ConversationSession{},
		&SessionMessage{},
		&SessionDocument{},
		&WorkflowDefinition{},
		&WorkflowExecution{},
		&Checkpoint{},
		&HITLApproval{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	slog.Info("Connected to postgres and migrated schema")
	return &DB{db: db}, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- TenantConfigStore ---

func (d *DB) GetTenantConfig(ctx context.Context, tenantID uuid.UUID) (*TenantConfig, error) {
	var cfg TenantConfig
	err := d.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cfg).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cfg, nil
}

func (d *DB) PutTenantConfig(ctx context.Context, cfg *TenantConfig) error {
	cfg.UpdatedAt = now()
	return d.db.WithContext(ctx).Save(cfg).Error
}

// --- DocumentStore ---

func (d *DB) CreateDocument(ctx context.Context, doc *Document) error {
	return d.db.WithContext(ctx).Create(doc).Error
}

func (d *DB) GetDocument(ctx context.Context, tenantID, id uuid.UUID) (*Document, error) {
	var doc Document
	err := d.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&doc).Error
	if err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

func (d *DB) ListDocuments(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]Document, int64, error) {
	q := d.db.WithContext(ctx).Model(&Document{}).
		Where("tenant_id = ? AND status <> ?", tenantID, DocumentDeleted)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var docs []Document
	err := q.Order("created_at DESC").
		Limit(opts.limitOrDefault()).Offset(opts.Offset).
		Find(&docs).Error
	return docs, total, err
}

func (d *DB) MarkDocumentProcessing(ctx context.Context, id uuid.UUID) error {
	return d.transition(ctx, id, []string{DocumentUploading, DocumentFailed}, map[string]any{
		"status": DocumentProcessing, "error_message": "", "chunk_count": 0, "updated_at": now(),
	})
}

func (d *DB) MarkDocumentCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error {
	return d.transition(ctx, id, []string{DocumentProcessing}, map[string]any{
		"status": DocumentCompleted, "chunk_count": chunkCount, "updated_at": now(),
	})
}

func (d *DB) MarkDocumentFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return d.transition(ctx, id, []string{DocumentUploading, DocumentProcessing}, map[string]any{
		"status": DocumentFailed, "error_message": errMsg, "chunk_count": 0, "updated_at": now(),
	})
}

func (d *DB) transition(ctx context.Context, id uuid.UUID, from []string, set map[string]any) error {
	res := d.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (d *DB) SoftDeleteDocument(ctx context.Context, tenantID, id uuid.UUID) error {
	res := d.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND tenant_id = ? AND status <> ?", id, tenantID, DocumentDeleted).
		Updates(map[string]any{"status": DocumentDeleted, "updated_at": now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []Chunk) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 256).Error
	})
}

func (d *DB) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	return d.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&Chunk{}).Error
}

func (d *DB) ListChunks(ctx context.Context, tenantID, documentID uuid.UUID) ([]Chunk, error) {
	var chunks []Chunk
	err := d.db.WithContext(ctx).
		Where("document_id = ? AND tenant_id = ?", documentID, tenantID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}

func (d *DB) GetChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []Chunk
	err := d.db.WithContext(ctx).
		Where("id IN ? AND tenant_id = ?", ids, tenantID).
		Find(&chunks).Error
	return chunks, err
}

func (d *DB) CountChunks(ctx context.Context, tenantID uuid.UUID, documentIDs []uuid.UUID) (int64, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := d.db.WithContext(ctx).Model(&Chunk{}).
		Where("tenant_id = ? AND document_id IN ?", tenantID, documentIDs).
		Count(&n).Error
	return n, err
}

// --- OperationStore ---

func (d *DB) CreateOperation(ctx context.Context, op *LLMOperation) error {
	return d.db.WithContext(ctx).Create(op).Error
}

func (d *DB) GetOperation(ctx context.Context, tenantID, id uuid.UUID) (*LLMOperation, error) {
	var op LLMOperation
	err := d.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&op).Error
	if err != nil {
		return nil, translate(err)
	}
	return &op, nil
}

func (d *DB) ListOperations(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]LLMOperation, error) {
	q := d.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	var ops []LLMOperation
	err := q.Order("created_at DESC").
		Limit(opts.limitOrDefault()).Offset(opts.Offset).
		Find(&ops).Error
	return ops, err
}

func (d *DB) MarkOperationProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res := d.db.WithContext(ctx).Model(&LLMOperation{}).
		Where("id = ? AND status = ?", id, OperationPending).
		Update("status", OperationProcessing)
	return res.RowsAffected > 0, res.Error
}

func (d *DB) FinishOperation(ctx context.Context, id uuid.UUID, t TerminalUpdate) (bool, error) {
	res := d.db.WithContext(ctx).Model(&LLMOperation{}).
		Where("id = ? AND status IN ?", id, []string{OperationPending, OperationProcessing}).
		Updates(map[string]any{
			"status":        t.Status,
			"output_data":   t.OutputData,
			"model_used":    t.ModelUsed,
			"tokens_used":   t.TokensUsed,
			"cost_estimate": t.CostEstimate,
			"error_message": t.ErrorMessage,
			"completed_at":  now(),
		})
	return res.RowsAffected > 0, res.Error
}

func (d *DB) LatestCompletedSummarize(ctx context.Context, tenantID, documentID uuid.UUID) (*LLMOperation, error) {
	var op LLMOperation
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ? AND operation_type = ? AND status = ?",
			tenantID, documentID, OpSummarize, OperationCompleted).
		Order("created_at DESC, id DESC").
		First(&op).Error
	if err != nil {
		return nil, translate(err)
	}
	return &op, nil
}

// --- SessionStore ---

func (d *DB) CreateSession(ctx context.Context, s *ConversationSession) error {
	return d.db.WithContext(ctx).Create(s).Error
}

func (d *DB) GetSession(ctx context.Context, tenantID, id uuid.UUID) (*ConversationSession, error) {
	var s ConversationSession
	err := d.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&s).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (d *DB) ListSessions(ctx context.Context, tenantID, userID uuid.UUID, opts ListOptions) ([]ConversationSession, error) {
	var out []ConversationSession
	err := d.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("updated_at DESC").
		Limit(opts.limitOrDefault()).Offset(opts.Offset).
		Find(&out).Error
	return out, err
}

func (d *DB) UpdateSessionMode(ctx context.Context, tenantID, id uuid.UUID, mode string) error {
	return d.updateSession(ctx, tenantID, id, map[string]any{"mode": mode, "updated_at": now()})
}

func (d *DB) UpdateSessionTitle(ctx context.Context, tenantID, id uuid.UUID, title string) error {
	return d.updateSession(ctx, tenantID, id, map[string]any{"title": title, "updated_at": now()})
}

func (d *DB) updateSession(ctx context.Context, tenantID, id uuid.UUID, set map[string]any) error {
	res := d.db.WithContext(ctx).Model(&ConversationSession{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) AppendMessage(ctx context.Context, m *SessionMessage) error {
	return d.db.WithContext(ctx).Create(m).Error
}

func (d *DB) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]SessionMessage, error) {
	q := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []SessionMessage
	err := q.Find(&msgs).Error
	return msgs, err
}

func (d *DB) AddSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) error {
	bridge := SessionDocument{
		SessionID:  sessionID,
		DocumentID: documentID,
		AddedAt:    now(),
		IsActive:   true,
	}
	// Re-adding a removed document revives the bridge.
	return d.db.WithContext(ctx).
		Where("session_id = ? AND document_id = ?", sessionID, documentID).
		Assign(map[string]any{"is_active": true, "added_at": now()}).
		FirstOrCreate(&bridge).Error
}

func (d *DB) RemoveSessionDocument(ctx context.Context, sessionID, documentID uuid.UUID) error {
	res := d.db.WithContext(ctx).Model(&SessionDocument{}).
		Where("session_id = ? AND document_id = ? AND is_active", sessionID, documentID).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) ListSessionDocuments(ctx context.Context, sessionID uuid.UUID) ([]SessionDocument, error) {
	var out []SessionDocument
	err := d.db.WithContext(ctx).
		Where("session_id = ? AND is_active", sessionID).
		Order("added_at ASC").
		Find(&out).Error
	return out, err
}

// --- WorkflowStore ---

func (d *DB) CreateWorkflowDefinition(ctx context.Context, wf *WorkflowDefinition) error {
	return d.db.WithContext(ctx).Create(wf).Error
}

func (d *DB) GetWorkflowDefinition(ctx context.Context, tenantID, id uuid.UUID) (*WorkflowDefinition, error) {
	var wf WorkflowDefinition
	err := d.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND is_active", id, tenantID).
		First(&wf).Error
	if err != nil {
		return nil, translate(err)
	}
	return &wf, nil
}

func (d *DB) CreateExecution(ctx context.Context, ex *WorkflowExecution) error {
	return d.db.WithContext(ctx).Create(ex).Error
}

func (d *DB) GetExecution(ctx context.Context, tenantID, id uuid.UUID) (*WorkflowExecution, error) {
	var ex WorkflowExecution
	err := d.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&ex).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ex, nil
}

func (d *DB) LatestExecutionForThread(ctx context.Context, threadID string) (*WorkflowExecution, error) {
	var ex WorkflowExecution
	err := d.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("started_at DESC").
		First(&ex).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ex, nil
}

func (d *DB) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status string, output JSONMap, errMsg string) error {
	set := map[string]any{"status": status, "error_message": errMsg}
	if output != nil {
		set["output_data"] = output
	}
	if status == ExecutionCompleted || status == ExecutionFailed {
		set["completed_at"] = now()
	}
	return d.db.WithContext(ctx).Model(&WorkflowExecution{}).
		Where("id = ?", id).
		Updates(set).Error
}

// --- CheckpointStore ---

func (d *DB) SaveCheckpoint(ctx context.Context, threadID string, step int, blob []byte, parentStep *int) error {
	cp := Checkpoint{
		ID:         uuid.New(),
		ThreadID:   threadID,
		Step:       step,
		StateBlob:  blob,
		ParentStep: parentStep,
		CreatedAt:  now(),
	}
	err := d.db.WithContext(ctx).Create(&cp).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConcurrentUpdate
	}
	return err
}

func (d *DB) LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := d.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("step DESC").
		First(&cp).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cp, nil
}

func (d *DB) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	var cps []Checkpoint
	err := d.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("step ASC").
		Find(&cps).Error
	return cps, err
}

func (d *DB) TruncateCheckpointsAfter(ctx context.Context, threadID string, step int) error {
	return d.db.WithContext(ctx).
		Where("thread_id = ? AND step > ?", threadID, step).
		Delete(&Checkpoint{}).Error
}

// --- ApprovalStore ---

func (d *DB) CreateApproval(ctx context.Context, a *HITLApproval) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending int64
		err := tx.Model(&HITLApproval{}).
			Where("execution_id = ? AND status = ?", a.ExecutionID, ApprovalPending).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			return ErrConflict
		}
		return tx.Create(a).Error
	})
}

func (d *DB) GetApproval(ctx context.Context, tenantID, id uuid.UUID) (*HITLApproval, error) {
	var a HITLApproval
	err := d.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&a).Error
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (d *DB) ListApprovals(ctx context.Context, tenantID, userID uuid.UUID, opts ListOptions) ([]HITLApproval, error) {
	q := d.db.WithContext(ctx).Where("tenant_id = ? AND user_id = ?", tenantID, userID)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	var out []HITLApproval
	err := q.Order("created_at DESC").
		Limit(opts.limitOrDefault()).Offset(opts.Offset).
		Find(&out).Error
	return out, err
}

func (d *DB) RespondApproval(ctx context.Context, tenantID, id uuid.UUID, approved bool, feedback string) (*HITLApproval, error) {
	status := ApprovalRejected
	if approved {
		status = ApprovalApproved
	}
	res := d.db.WithContext(ctx).Model(&HITLApproval{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, ApprovalPending).
		Updates(map[string]any{
			"status":        status,
			"user_response": JSONMap{"approved": approved, "feedback": feedback},
			"responded_at":  now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Either missing or already responded; disambiguate for the caller.
		if _, err := d.GetApproval(ctx, tenantID, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResponded
	}
	return d.GetApproval(ctx, tenantID, id)
}

func (d *DB) PendingApprovalForExecution(ctx context.Context, executionID uuid.UUID) (*HITLApproval, error) {
	var a HITLApproval
	err := d.db.WithContext(ctx).
		Where("execution_id = ? AND status = ?", executionID, ApprovalPending).
		First(&a).Error
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}
