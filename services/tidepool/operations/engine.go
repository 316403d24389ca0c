// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package operations is the asynchronous LLM-operation engine. Public
// calls insert a pending row and return immediately; a single background
// task owns each row and always terminates it in completed or failed.
// Clients poll the row until it is terminal.
package operations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
	"github.com/AleutianAI/Tidepool/services/tidepool/observability"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

var opTracer = otel.Tracer("tidepool.operations")

// ProviderSource resolves a tenant to its provider clients. Satisfied by
// providers.Registry.
type ProviderSource interface {
	ChatFor(ctx context.Context, tenantID uuid.UUID, modelOverride string) (llm.ChatClient, error)
	EmbeddingFor(ctx context.Context, tenantID uuid.UUID) (embeddings.Client, error)
}

// Engine schedules and runs LLM operations.
type Engine struct {
	store    store.Store
	index    vectorstore.Index
	registry ProviderSource

	// TaskTimeout is the hard wall-clock limit per background task.
	TaskTimeout time.Duration

	// PerTenantTasks caps concurrent tasks per tenant.
	PerTenantTasks int64

	mu      sync.Mutex
	sems    map[uuid.UUID]*semaphore.Weighted
	cancels map[uuid.UUID]context.CancelFunc

	wg sync.WaitGroup
}

func NewEngine(st store.Store, index vectorstore.Index, registry ProviderSource) *Engine {
	return &Engine{
		store:          st,
		index:          index,
		registry:       registry,
		TaskTimeout:    10 * time.Minute,
		PerTenantTasks: 4,
		sems:           make(map[uuid.UUID]*semaphore.Weighted),
		cancels:        make(map[uuid.UUID]context.CancelFunc),
	}
}

// Wait blocks until all background tasks have finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) tenantSem(tenantID uuid.UUID) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.sems[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(e.PerTenantTasks)
		e.sems[tenantID] = sem
	}
	return sem
}

// Get returns one operation row.
func (e *Engine) Get(ctx context.Context, tenantID, id uuid.UUID) (*store.LLMOperation, error) {
	return e.store.GetOperation(ctx, tenantID, id)
}

// List returns operation rows, newest first.
func (e *Engine) List(ctx context.Context, tenantID uuid.UUID, opts store.ListOptions) ([]store.LLMOperation, error) {
	return e.store.ListOperations(ctx, tenantID, opts)
}

// Cancel fails the operation with a cancelled marker and stops its task.
// Late provider results lose the guarded terminal transition and are
// discarded.
func (e *Engine) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*store.LLMOperation, error) {
	op, err := e.store.GetOperation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	won, err := e.store.FinishOperation(ctx, id, store.TerminalUpdate{
		Status:       store.OperationFailed,
		OutputData:   store.JSONMap{"cancelled": true},
		ErrorMessage: "cancelled",
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, store.ErrConflict
	}

	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	slog.Info("Cancelled operation", "operation_id", id, "type", op.OperationType)
	return e.store.GetOperation(ctx, tenantID, id)
}

// result is what a task body produces on success.
type result struct {
	output store.JSONMap
	model  string
	tokens int
	cost   float64
}

// submit inserts the pending row and schedules its single-writer task.
func (e *Engine) submit(ctx context.Context, op *store.LLMOperation, body func(context.Context, *store.LLMOperation) (*result, error)) (*store.LLMOperation, error) {
	op.Status = store.OperationPending
	op.CreatedAt = time.Now()
	if err := e.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create operation row: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTask(op, body)
	}()
	return op, nil
}

func (e *Engine) runTask(op *store.LLMOperation, body func(context.Context, *store.LLMOperation) (*result, error)) {
	started := time.Now()
	taskCtx, cancel := context.WithTimeout(context.Background(), e.TaskTimeout)
	defer cancel()

	e.mu.Lock()
	e.cancels[op.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, op.ID)
		e.mu.Unlock()
	}()

	sem := e.tenantSem(op.TenantID)
	if err := sem.Acquire(taskCtx, 1); err != nil {
		e.finish(op, store.TerminalUpdate{Status: store.OperationFailed, ErrorMessage: "timeout"})
		return
	}
	defer sem.Release(1)

	ok, err := e.store.MarkOperationProcessing(taskCtx, op.ID)
	if err != nil || !ok {
		// Cancelled before the task started; nothing to do.
		return
	}

	ctx, span := opTracer.Start(taskCtx, "Engine.runTask")
	span.SetAttributes(attribute.String("operation_id", op.ID.String()))
	span.SetAttributes(attribute.String("operation_type", op.OperationType))
	defer span.End()

	res, err := body(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg := err.Error()
		if taskCtx.Err() != nil {
			msg = "timeout"
		}
		slog.Error("Operation failed", "operation_id", op.ID, "type", op.OperationType, "error", err)
		e.finish(op, store.TerminalUpdate{Status: store.OperationFailed, ErrorMessage: msg})
		return
	}

	e.finish(op, store.TerminalUpdate{
		Status:       store.OperationCompleted,
		OutputData:   res.output,
		ModelUsed:    res.model,
		TokensUsed:   res.tokens,
		CostEstimate: res.cost,
	})
	observability.Default.OperationDurationSeconds.
		WithLabelValues(op.OperationType).Observe(time.Since(started).Seconds())
	slog.Info("Operation completed", "operation_id", op.ID, "type", op.OperationType,
		"tokens", res.tokens, "duration", time.Since(started))
}

func (e *Engine) finish(op *store.LLMOperation, terminal store.TerminalUpdate) {
	// Terminal writes get a fresh context so a task timeout cannot leave a
	// zombie row.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	won, err := e.store.FinishOperation(ctx, op.ID, terminal)
	if err != nil {
		slog.Error("Could not finish operation", "operation_id", op.ID, "error", err)
		return
	}
	if won {
		observability.Default.OperationsTotal.WithLabelValues(op.OperationType, terminal.Status).Inc()
	}
}

// getDocument loads a document within the tenant. Soft-deleted documents
// stay readable for existing operation rows but reject new operations.
func (e *Engine) getDocument(ctx context.Context, tenantID, docID uuid.UUID) (*store.Document, error) {
	doc, err := e.store.GetDocument(ctx, tenantID, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status == store.DocumentDeleted {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

// documentContent joins all chunks in order.
func (e *Engine) documentContent(ctx context.Context, tenantID, docID uuid.UUID) (string, error) {
	chunks, err := e.store.ListChunks(ctx, tenantID, docID)
	if err != nil {
		return "", fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("document has no indexed content")
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, "\n\n"), nil
}
