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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	threadID := "tenant_a_session_1"

	t.Run("latest of empty thread is not found", func(t *testing.T) {
		_, err := mem.LatestCheckpoint(ctx, threadID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("steps append and latest wins", func(t *testing.T) {
		require.NoError(t, mem.SaveCheckpoint(ctx, threadID, 0, []byte("s0"), nil))
		parent := 0
		require.NoError(t, mem.SaveCheckpoint(ctx, threadID, 1, []byte("s1"), &parent))

		cp, err := mem.LatestCheckpoint(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, 1, cp.Step)
		assert.Equal(t, []byte("s1"), cp.StateBlob)
	})

	t.Run("duplicate step loses the race", func(t *testing.T) {
		err := mem.SaveCheckpoint(ctx, threadID, 1, []byte("other writer"), nil)
		assert.ErrorIs(t, err, ErrConcurrentUpdate)
	})

	t.Run("threads are independent", func(t *testing.T) {
		require.NoError(t, mem.SaveCheckpoint(ctx, "tenant_a_session_2", 0, []byte("x"), nil))
		cps, err := mem.ListCheckpoints(ctx, threadID)
		require.NoError(t, err)
		assert.Len(t, cps, 2)
	})

	t.Run("truncate after supports branching", func(t *testing.T) {
		require.NoError(t, mem.SaveCheckpoint(ctx, threadID, 2, []byte("s2"), nil))
		require.NoError(t, mem.TruncateCheckpointsAfter(ctx, threadID, 0))

		cp, err := mem.LatestCheckpoint(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, 0, cp.Step)

		// The truncated step can be written again.
		require.NoError(t, mem.SaveCheckpoint(ctx, threadID, 1, []byte("s1b"), nil))
	})
}

func TestFinishOperation_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	tenantID := uuid.New()

	op := &LLMOperation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		OperationType: OpSummarize,
		Status:        OperationPending,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, mem.CreateOperation(ctx, op))

	ok, err := mem.MarkOperationProcessing(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second transition to processing is rejected.
	ok, err = mem.MarkOperationProcessing(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	won, err := mem.FinishOperation(ctx, op.ID, TerminalUpdate{Status: OperationFailed, ErrorMessage: "cancelled"})
	require.NoError(t, err)
	assert.True(t, won)

	// The late writer loses and the terminal row is untouched.
	won, err = mem.FinishOperation(ctx, op.ID, TerminalUpdate{
		Status:     OperationCompleted,
		OutputData: JSONMap{"summary": "late"},
	})
	require.NoError(t, err)
	assert.False(t, won)

	final, err := mem.GetOperation(ctx, tenantID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, OperationFailed, final.Status)
	assert.Equal(t, "cancelled", final.ErrorMessage)
	assert.NotNil(t, final.CompletedAt)
}

func TestLatestCompletedSummarize_TieBreak(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	tenantID := uuid.New()
	docID := uuid.New()
	created := time.Now()

	makeOp := func(id string, output string) *LLMOperation {
		ts := created
		return &LLMOperation{
			ID:            uuid.MustParse(id),
			TenantID:      tenantID,
			DocumentID:    &docID,
			OperationType: OpSummarize,
			Status:        OperationCompleted,
			OutputData:    JSONMap{"summary": output},
			CreatedAt:     created,
			CompletedAt:   &ts,
		}
	}
	require.NoError(t, mem.CreateOperation(ctx, makeOp("aaaaaaaa-0000-0000-0000-000000000000", "older id")))
	require.NoError(t, mem.CreateOperation(ctx, makeOp("bbbbbbbb-0000-0000-0000-000000000000", "newer id")))

	best, err := mem.LatestCompletedSummarize(ctx, tenantID, docID)
	require.NoError(t, err)
	assert.Equal(t, "newer id", best.OutputData["summary"],
		"equal timestamps break ties by id")
}

func TestDocumentTransitions(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	tenantID := uuid.New()

	doc := &Document{ID: uuid.New(), TenantID: tenantID, Status: DocumentUploading, CreatedAt: time.Now()}
	require.NoError(t, mem.CreateDocument(ctx, doc))

	// completed requires processing first.
	assert.ErrorIs(t, mem.MarkDocumentCompleted(ctx, doc.ID, 3), ErrConflict)

	require.NoError(t, mem.MarkDocumentProcessing(ctx, doc.ID))
	require.NoError(t, mem.MarkDocumentCompleted(ctx, doc.ID, 3))

	// A completed document cannot fail retroactively.
	assert.ErrorIs(t, mem.MarkDocumentFailed(ctx, doc.ID, "late failure"), ErrConflict)

	// Soft delete succeeds once; a second delete finds nothing.
	require.NoError(t, mem.SoftDeleteDocument(ctx, tenantID, doc.ID))
	assert.ErrorIs(t, mem.SoftDeleteDocument(ctx, tenantID, doc.ID), ErrNotFound)
}

func TestApprovals_SinglePendingPerExecution(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	tenantID := uuid.New()
	userID := uuid.New()
	execID := uuid.New()

	first := &HITLApproval{
		ID: uuid.New(), ExecutionID: execID, TenantID: tenantID, UserID: userID,
		Prompt: "ok?", Status: ApprovalPending, CreatedAt: time.Now(),
	}
	require.NoError(t, mem.CreateApproval(ctx, first))

	second := &HITLApproval{
		ID: uuid.New(), ExecutionID: execID, TenantID: tenantID, UserID: userID,
		Prompt: "again?", Status: ApprovalPending, CreatedAt: time.Now(),
	}
	assert.ErrorIs(t, mem.CreateApproval(ctx, second), ErrConflict)

	responded, err := mem.RespondApproval(ctx, tenantID, first.ID, true, "fine")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, responded.Status)
	assert.NotNil(t, responded.RespondedAt)

	// Replay is rejected; a new pending approval is allowed again.
	_, err = mem.RespondApproval(ctx, tenantID, first.ID, false, "")
	assert.ErrorIs(t, err, ErrAlreadyResponded)
	require.NoError(t, mem.CreateApproval(ctx, second))
}
