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
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/workflow"
	"github.com/gin-gonic/gin"
)

// ListPendingApprovals returns the caller's open approval requests.
func ListPendingApprovals(coordinator *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		approvals, err := coordinator.ListPending(c.Request.Context(), cl.TenantID, cl.UserID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"approvals": approvals, "total": len(approvals)})
	}
}

// GetApproval returns one approval row.
func GetApproval(coordinator *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		approval, err := coordinator.Get(c.Request.Context(), cl.TenantID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, approval)
	}
}

// ListApprovals returns a filtered page of approvals.
func ListApprovals(coordinator *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		approvals, err := coordinator.List(c.Request.Context(), cl.TenantID, cl.UserID, store.ListOptions{
			Status: c.Query("status_filter"),
			Limit:  intQuery(c, "limit", 50),
			Offset: intQuery(c, "offset", 0),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"approvals": approvals, "total": len(approvals)})
	}
}

// RespondApproval records the decision and triggers the resume. Replays
// get 409.
func RespondApproval(coordinator *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := claims(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		var req datatypes.RespondApprovalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: err.Error()})
			return
		}
		approval, err := coordinator.Respond(c.Request.Context(), cl.TenantID, cl.UserID, id,
			*req.Approved, req.Feedback)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, approval)
	}
}
