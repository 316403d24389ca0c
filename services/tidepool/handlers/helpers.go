// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the backend API.
//
// Handlers never block on long work: the async endpoints return a pending
// entity and let a background task own the terminal state. All error
// responses use the {"detail": "..."} envelope.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/middleware"
	"github.com/AleutianAI/Tidepool/services/tidepool/secrets"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/AleutianAI/Tidepool/services/tidepool/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// claims pulls the authenticated principal or aborts with 401.
func claims(c *gin.Context) (*middleware.Claims, bool) {
	cl := middleware.GetClaims(c)
	if cl == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{Detail: "unauthorized"})
		return nil, false
	}
	return cl, true
}

// pathUUID parses a uuid path parameter or aborts with 422.
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity,
			datatypes.ErrorResponse{Detail: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// respondError maps domain errors onto the API's status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	detail := "internal error"

	var pe *llm.ProviderError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, secrets.ErrNotFound):
		status, detail = http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrAlreadyResponded):
		status, detail = http.StatusConflict, "approval already responded"
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrConcurrentUpdate):
		status, detail = http.StatusConflict, err.Error()
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		status, detail = http.StatusConflict, "embedding dimension mismatch; reindex required"
	case errors.Is(err, workflow.ErrNoDocuments):
		status, detail = http.StatusBadRequest, "session has no active documents"
	case errors.Is(err, workflow.ErrInterrupted):
		status, detail = http.StatusConflict, "execution interrupted awaiting approval"
	case errors.As(err, &pe):
		switch pe.Kind {
		case llm.KindRateLimited:
			status, detail = http.StatusTooManyRequests, "provider rate limited"
		case llm.KindAuth, llm.KindModelNotFound, llm.KindPermanent:
			status, detail = http.StatusBadGateway, "provider rejected the request"
		default:
			status, detail = http.StatusServiceUnavailable, "provider unavailable"
		}
	}

	if status == http.StatusInternalServerError {
		correlation := uuid.New().String()
		slog.Error("Unhandled error", "correlation_id", correlation, "error", err)
		detail = "internal error (correlation " + correlation + ")"
	}
	c.JSON(status, datatypes.ErrorResponse{Detail: detail})
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
