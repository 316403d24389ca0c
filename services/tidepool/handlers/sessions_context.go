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
	"github.com/AleutianAI/Tidepool/services/tidepool/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AddSessionDocument bridges a completed document into the session.
func AddSessionDocument(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		var req datatypes.AddSessionDocumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		if err := svc.AddDocument(c.Request.Context(), cl.TenantID, sessionID,
			uuid.MustParse(req.DocumentID)); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "document added to session"})
	}
}

// RemoveSessionDocument soft-removes the bridge.
func RemoveSessionDocument(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		documentID, ok := pathUUID(c, "document_id")
		if !ok {
			return
		}
		if err := svc.RemoveDocument(c.Request.Context(), cl.TenantID, sessionID, documentID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "document removed from session"})
	}
}

// ListSessionDocuments returns the session's active documents.
func ListSessionDocuments(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		docs, err := svc.ListDocuments(c.Request.Context(), cl.TenantID, sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": docs, "total": len(docs)})
	}
}

// UpdateSessionMode changes the session's routing mode.
func UpdateSessionMode(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		var req datatypes.UpdateModeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		if err := svc.UpdateMode(c.Request.Context(), cl.TenantID, sessionID, req.Mode); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "mode updated", "mode": req.Mode})
	}
}

// GetSessionContext summarizes the session's mode and visible documents.
func GetSessionContext(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		sessionID, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		sessionContext, err := svc.GetContext(c.Request.Context(), cl.TenantID, sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionContext)
	}
}
