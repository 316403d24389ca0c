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
	"net/http"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/operations"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func accepted(c *gin.Context, op *store.LLMOperation) {
	message := "operation scheduled; poll /llm/operations/{id}"
	if op.Status == store.OperationCompleted {
		message = "served from cache"
	}
	c.JSON(http.StatusAccepted, datatypes.OperationAccepted{
		OperationID: op.ID.String(),
		Status:      op.Status,
		Message:     message,
	})
}

// SummarizeDocument schedules a summarization operation.
func SummarizeDocument(engine *operations.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		var req datatypes.SummarizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		docID := uuid.MustParse(req.DocumentID)
		op, err := engine.Summarize(c.Request.Context(), cl.TenantID, cl.UserID, docID, operations.SummarizeParams{
			Model:     req.Model,
			MaxLength: req.MaxLength,
			Force:     req.Force,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		accepted(c, op)
	}
}

// AskDocument schedules a question-answering operation.
func AskDocument(engine *operations.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		docID := uuid.MustParse(req.DocumentID)
		op, err := engine.Ask(c.Request.Context(), cl.TenantID, cl.UserID, docID, operations.AskParams{
			Question:  req.Question,
			Model:     req.Model,
			MaxChunks: req.MaxChunks,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		accepted(c, op)
	}
}

// TransformDocument schedules a transformation operation.
func TransformDocument(engine *operations.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		var req datatypes.TransformRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		docID := uuid.MustParse(req.DocumentID)
		op, err := engine.Transform(c.Request.Context(), cl.TenantID, cl.UserID, docID, operations.TransformParams{
			Instruction:  req.Instruction,
			Model:        req.Model,
			OutputFormat: req.OutputFormat,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		accepted(c, op)
	}
}

// GetOperation returns the full operation row for polling.
func GetOperation(engine *operations.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		op, err := engine.Get(c.Request.Context(), cl.TenantID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, op)
	}
}

// ListOperations returns a page of the tenant's operations.
func ListOperations(engine *operations.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		ops, err := engine.List(c.Request.Context(), cl.TenantID, store.ListOptions{
			Offset: intQuery(c, "skip", 0),
			Limit:  intQuery(c, "limit", 50),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"operations": ops, "total": len(ops)})
	}
}

// CancelOperation cancels an in-flight operation.
func CancelOperation(engine *operations.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		op, err := engine.Cancel(c.Request.Context(), cl.TenantID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, op)
	}
}

// LatestSummary returns the most recent completed summary for a document.
func LatestSummary(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		op, err := st.LatestCompletedSummarize(c.Request.Context(), cl.TenantID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, op)
	}
}
