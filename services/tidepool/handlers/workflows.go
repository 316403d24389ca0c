// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/observability"
	"github.com/AleutianAI/Tidepool/services/tidepool/session"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func executeInput(req datatypes.ExecuteRequest) workflow.ExecuteInput {
	input := workflow.ExecuteInput{UserInput: req.UserInput}
	if req.SessionID != "" {
		input.SessionID = uuid.MustParse(req.SessionID)
	}
	if req.WorkflowID != "" {
		id := uuid.MustParse(req.WorkflowID)
		input.WorkflowID = &id
	}
	return input
}

// ExecuteWorkflow runs one turn to completion and returns the final
// execution row.
func ExecuteWorkflow(executor *workflow.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		var req datatypes.ExecuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}

		exec, err := executor.Execute(c.Request.Context(), cl.TenantID, cl.UserID, executeInput(req), nil)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, exec)
	}
}

// StreamWorkflow runs one turn, streaming named SSE events as the graph
// advances. Query parameters mirror the execute body so EventSource can
// call it directly.
func StreamWorkflow(executor *workflow.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		req := datatypes.ExecuteRequest{
			UserInput:  c.Query("user_input"),
			SessionID:  c.Query("session_id"),
			WorkflowID: c.Query("workflow_id"),
		}
		if req.UserInput == "" {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: "user_input required"})
			return
		}
		for _, raw := range []string{req.SessionID, req.WorkflowID} {
			if raw != "" {
				if _, err := uuid.Parse(raw); err != nil {
					c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: "invalid id " + raw})
					return
				}
			}
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			respondError(c, err)
			return
		}
		observability.Default.ActiveStreams.Inc()
		defer observability.Default.ActiveStreams.Dec()

		// The executor emits its own error event once the run has started;
		// failures before the first event still need one.
		emitted := false
		_, err = executor.Execute(c.Request.Context(), cl.TenantID, cl.UserID, executeInput(req),
			func(ev datatypes.StreamEvent) error {
				emitted = true
				return writer.WriteEvent(ev)
			})
		if err != nil {
			slog.Error("Streaming execution failed", "error", err)
			if !emitted {
				_ = writer.WriteEvent(datatypes.StreamEvent{
					Type:  datatypes.EventError,
					Error: sanitizeExecError(err),
				})
			}
		}
	}
}

func sanitizeExecError(err error) string {
	switch {
	case errors.Is(err, workflow.ErrNoDocuments):
		return "session has no active documents"
	case errors.Is(err, workflow.ErrInterrupted):
		return "execution interrupted awaiting approval"
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	default:
		return "workflow execution failed"
	}
}

// ResumeWorkflow continues an interrupted execution. If the approval
// response already triggered the resume, the finished execution is
// returned as-is.
func ResumeWorkflow(executor *workflow.Executor, st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		var req datatypes.ResumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		sessionID := uuid.MustParse(req.SessionID)

		exec, err := executor.Resume(c.Request.Context(), cl.TenantID, cl.UserID, sessionID, req.UserResponse, nil)
		if err != nil && errors.Is(err, store.ErrConflict) {
			if sess, sErr := st.GetSession(c.Request.Context(), cl.TenantID, sessionID); sErr == nil {
				if latest, lErr := st.LatestExecutionForThread(c.Request.Context(), sess.ThreadID); lErr == nil &&
					latest.Status != store.ExecutionInterrupted {
					c.JSON(http.StatusOK, latest)
					return
				}
			}
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, exec)
	}
}

// CreateSession creates a conversation session.
func CreateSession(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		var req datatypes.CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		var workflowID *uuid.UUID
		if req.WorkflowID != "" {
			id := uuid.MustParse(req.WorkflowID)
			workflowID = &id
		}
		sess, err := svc.Create(c.Request.Context(), cl.TenantID, cl.UserID, workflowID, req.Title)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	}
}

// ListSessions returns the caller's sessions.
func ListSessions(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		sessions, err := svc.List(c.Request.Context(), cl.TenantID, cl.UserID, store.ListOptions{
			Limit:  intQuery(c, "limit", 50),
			Offset: intQuery(c, "offset", 0),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
	}
}

// GetSession returns one session row.
func GetSession(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		sess, err := svc.Get(c.Request.Context(), cl.TenantID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// ListSessionMessages returns a session's history in order.
func ListSessionMessages(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		msgs, err := svc.Messages(c.Request.Context(), cl.TenantID, id, intQuery(c, "limit", 0))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
	}
}

// AddSessionMessage appends a message to the session history.
func AddSessionMessage(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		var req datatypes.AddMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		msg, err := svc.AppendMessage(c.Request.Context(), cl.TenantID, id, req.Role, req.Content)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}
