// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session manages conversation-session context: the documents a
// session may consult, its routing mode and its message history.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/workflow"
	"github.com/google/uuid"
)

// Service wraps the relational tier with session-context rules.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Create inserts a new session. An empty title stays empty until the first
// turn derives one.
func (s *Service) Create(ctx context.Context, tenantID, userID uuid.UUID, workflowID *uuid.UUID, title string) (*store.ConversationSession, error) {
	if workflowID != nil {
		if _, err := s.store.GetWorkflowDefinition(ctx, tenantID, *workflowID); err != nil {
			return nil, err
		}
	}
	id := uuid.New()
	sess := &store.ConversationSession{
		ID:         id,
		TenantID:   tenantID,
		UserID:     userID,
		WorkflowID: workflowID,
		ThreadID:   workflow.ThreadID(tenantID, id),
		Title:      title,
		Mode:       store.ModeAuto,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*store.ConversationSession, error) {
	return s.store.GetSession(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID, userID uuid.UUID, opts store.ListOptions) ([]store.ConversationSession, error) {
	return s.store.ListSessions(ctx, tenantID, userID, opts)
}

// AddDocument bridges a document into the session. The document must be
// fully processed and owned by the session's tenant.
func (s *Service) AddDocument(ctx context.Context, tenantID, sessionID, documentID uuid.UUID) error {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if doc.Status != store.DocumentCompleted {
		return fmt.Errorf("document %s is %s, not completed: %w", documentID, doc.Status, store.ErrConflict)
	}
	if err := s.store.AddSessionDocument(ctx, sessionID, documentID); err != nil {
		return err
	}
	slog.Info("Added document to session", "session_id", sessionID, "document_id", documentID)
	return nil
}

// RemoveDocument soft-removes the bridge.
func (s *Service) RemoveDocument(ctx context.Context, tenantID, sessionID, documentID uuid.UUID) error {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	return s.store.RemoveSessionDocument(ctx, sessionID, documentID)
}

// ListDocuments returns the active document rows bridged to the session.
func (s *Service) ListDocuments(ctx context.Context, tenantID, sessionID uuid.UUID) ([]store.Document, error) {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	bridges, err := s.store.ListSessionDocuments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	docs := make([]store.Document, 0, len(bridges))
	for _, b := range bridges {
		doc, err := s.store.GetDocument(ctx, tenantID, b.DocumentID)
		if err != nil {
			continue // soft-deleted since it was added
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// UpdateMode changes the routing mode. rag_only requires at least one
// active document.
func (s *Service) UpdateMode(ctx context.Context, tenantID, sessionID uuid.UUID, mode string) error {
	switch mode {
	case store.ModeAuto, store.ModeChatOnly, store.ModeRAGOnly:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if mode == store.ModeRAGOnly {
		bridges, err := s.store.ListSessionDocuments(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(bridges) == 0 {
			return workflow.ErrNoDocuments
		}
	}
	return s.store.UpdateSessionMode(ctx, tenantID, sessionID, mode)
}

// Context summarizes what the session can see.
type Context struct {
	Mode            string           `json:"mode"`
	ActiveDocuments []store.Document `json:"active_documents"`
	TotalDocuments  int              `json:"total_documents"`
	TotalChunks     int64            `json:"total_chunks"`
}

func (s *Service) GetContext(ctx context.Context, tenantID, sessionID uuid.UUID) (*Context, error) {
	sess, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	docs, err := s.ListDocuments(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	chunks, err := s.store.CountChunks(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	return &Context{
		Mode:            sess.Mode,
		ActiveDocuments: docs,
		TotalDocuments:  len(docs),
		TotalChunks:     chunks,
	}, nil
}

// AppendMessage adds a message to the session history.
func (s *Service) AppendMessage(ctx context.Context, tenantID, sessionID uuid.UUID, role, content string) (*store.SessionMessage, error) {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	msg := &store.SessionMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages lists session history in order.
func (s *Service) Messages(ctx context.Context, tenantID, sessionID uuid.UUID, limit int) ([]store.SessionMessage, error) {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, limit)
}
