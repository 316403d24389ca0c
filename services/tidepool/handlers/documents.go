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
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/ingest"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxUploadBytes bounds one multipart upload.
const maxUploadBytes = 50 << 20

// UploadDocument accepts a multipart file and schedules ingestion.
func UploadDocument(pipeline *ingest.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "multipart file field required"})
			return
		}
		if fileHeader.Size > maxUploadBytes {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: "file too large"})
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			respondError(c, err)
			return
		}
		defer file.Close()
		content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			respondError(c, err)
			return
		}

		doc, err := pipeline.Ingest(c.Request.Context(), cl.TenantID, cl.UserID, fileHeader.Filename, content)
		if err != nil {
			slog.Error("Upload failed", "filename", fileHeader.Filename, "error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}

		c.JSON(http.StatusCreated, datatypes.DocumentUploadResponse{
			DocumentID: doc.ID.String(),
			Filename:   doc.Filename,
			FileSize:   doc.FileSize,
			Status:     doc.Status,
			Message:    "document accepted for processing",
		})
	}
}

// ListDocuments returns a page of the tenant's documents.
func ListDocuments(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		opts := store.ListOptions{
			Offset: intQuery(c, "skip", 0),
			Limit:  intQuery(c, "limit", 50),
			Status: c.Query("status_filter"),
		}
		docs, total, err := st.ListDocuments(c.Request.Context(), cl.TenantID, opts)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": docs, "total": total})
	}
}

// GetDocument returns one document row.
func GetDocument(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		doc, err := st.GetDocument(c.Request.Context(), cl.TenantID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// DeleteDocument soft-deletes a document and purges chunks and vectors.
func DeleteDocument(pipeline *ingest.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		if err := pipeline.Delete(c.Request.Context(), cl.TenantID, id); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "document deleted"})
	}
}

// ListDocumentChunks returns a document's chunks in order.
func ListDocumentChunks(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		if _, err := st.GetDocument(c.Request.Context(), cl.TenantID, id); err != nil {
			respondError(c, err)
			return
		}
		chunks, err := st.ListChunks(c.Request.Context(), cl.TenantID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"chunks": chunks, "total": len(chunks)})
	}
}

// SearchDocuments runs a semantic search across the tenant's documents.
func SearchDocuments(pipeline *ingest.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		var req datatypes.DocumentSearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}

		var docIDs []uuid.UUID
		for _, raw := range req.DocumentIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: "invalid document id " + raw})
				return
			}
			docIDs = append(docIDs, id)
		}

		results, err := pipeline.Search(c.Request.Context(), cl.TenantID, req.Query,
			req.Limit, req.ScoreThreshold, docIDs)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results, "total": len(results)})
	}
}
