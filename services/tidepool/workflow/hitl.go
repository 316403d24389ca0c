// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/google/uuid"
)

// Coordinator owns the approval lifecycle. Pending rows are created by the
// executor's interrupt path; responding records the decision atomically and
// kicks off the resume.
type Coordinator struct {
	store    store.Store
	executor *Executor

	// ResumeTimeout bounds the background resume triggered by a response.
	ResumeTimeout time.Duration

	wg sync.WaitGroup
}

func NewCoordinator(st store.Store, executor *Executor) *Coordinator {
	return &Coordinator{store: st, executor: executor, ResumeTimeout: 10 * time.Minute}
}

// Wait blocks until triggered resumes have finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) Get(ctx context.Context, tenantID, id uuid.UUID) (*store.HITLApproval, error) {
	return c.store.GetApproval(ctx, tenantID, id)
}

// ListPending returns the caller's open approvals.
func (c *Coordinator) ListPending(ctx context.Context, tenantID, userID uuid.UUID) ([]store.HITLApproval, error) {
	return c.store.ListApprovals(ctx, tenantID, userID, store.ListOptions{Status: store.ApprovalPending})
}

func (c *Coordinator) List(ctx context.Context, tenantID, userID uuid.UUID, opts store.ListOptions) ([]store.HITLApproval, error) {
	return c.store.ListApprovals(ctx, tenantID, userID, opts)
}

// Respond records the decision and triggers the executor's resume in the
// background. Replayed responses fail with ErrAlreadyResponded.
func (c *Coordinator) Respond(ctx context.Context, tenantID, userID, approvalID uuid.UUID, approved bool, feedback string) (*store.HITLApproval, error) {
	approval, err := c.store.RespondApproval(ctx, tenantID, approvalID, approved, feedback)
	if err != nil {
		return nil, err
	}
	slog.Info("Recorded approval response", "approval_id", approvalID, "approved", approved)

	exec, err := c.store.GetExecution(ctx, tenantID, approval.ExecutionID)
	if err != nil {
		return approval, nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		resumeCtx, cancel := context.WithTimeout(context.Background(), c.ResumeTimeout)
		defer cancel()
		if _, err := c.executor.Resume(resumeCtx, tenantID, userID, exec.SessionID, feedback, nil); err != nil {
			slog.Error("Resume after approval response failed",
				"approval_id", approvalID, "execution_id", exec.ID, "error", err)
		}
	}()
	return approval, nil
}
