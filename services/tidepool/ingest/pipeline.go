// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest is the document pipeline: upload, parse, chunk, embed,
// index. The upload call returns immediately; a background task owns the
// document's status from there and always terminates in completed or
// failed.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
	"github.com/AleutianAI/Tidepool/services/tidepool/observability"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var pipelineTracer = otel.Tracer("tidepool.ingest")

const (
	embedBatchSize   = 64
	embedConcurrency = 4
)

// ProviderSource resolves a tenant to its embedding client. Satisfied by
// providers.Registry.
type ProviderSource interface {
	EmbeddingFor(ctx context.Context, tenantID uuid.UUID) (embeddings.Client, error)
}

// Pipeline runs document ingestion for all tenants.
type Pipeline struct {
	store    store.Store
	index    vectorstore.Index
	registry ProviderSource

	// DataDir is where uploaded files land (Document.file_path).
	DataDir string

	// TaskTimeout is the wall-clock budget for one background ingestion.
	TaskTimeout time.Duration

	// PerTenantTasks caps concurrent background tasks per tenant so one
	// tenant's bulk upload cannot starve the others.
	PerTenantTasks int64

	mu   sync.Mutex
	sems map[uuid.UUID]*semaphore.Weighted

	// wg tracks background tasks for clean shutdown in tests.
	wg sync.WaitGroup
}

func NewPipeline(st store.Store, index vectorstore.Index, registry ProviderSource, dataDir string) *Pipeline {
	return &Pipeline{
		store:          st,
		index:          index,
		registry:       registry,
		DataDir:        dataDir,
		TaskTimeout:    10 * time.Minute,
		PerTenantTasks: 4,
		sems:           make(map[uuid.UUID]*semaphore.Weighted),
	}
}

func (p *Pipeline) tenantSem(tenantID uuid.UUID) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sems[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(p.PerTenantTasks)
		p.sems[tenantID] = sem
	}
	return sem
}

// Wait blocks until all background tasks have finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Ingest stores the upload, inserts the document in uploading status and
// schedules the background pipeline. It returns before any parsing
// happens.
func (p *Pipeline) Ingest(ctx context.Context, tenantID, userID uuid.UUID, filename string, content []byte) (*store.Document, error) {
	if _, err := ParserFor(filename); err != nil {
		return nil, err
	}

	docID := uuid.New()
	dir := filepath.Join(p.DataDir, tenantID.String(), docID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	doc := &store.Document{
		ID:        docID,
		TenantID:  tenantID,
		UserID:    userID,
		Filename:  filename,
		FilePath:  path,
		FileSize:  int64(len(content)),
		FileType:  strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		Status:    store.DocumentUploading,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document row: %w", err)
	}

	p.schedule(tenantID, docID, filename, content)
	slog.Info("Scheduled document ingestion", "tenant_id", tenantID, "document_id", docID, "filename", filename)
	return doc, nil
}

func (p *Pipeline) schedule(tenantID, docID uuid.UUID, filename string, content []byte) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		// The request context is gone by now; the task owns its own
		// deadline.
		ctx, cancel := context.WithTimeout(context.Background(), p.TaskTimeout)
		defer cancel()

		sem := p.tenantSem(tenantID)
		if err := sem.Acquire(ctx, 1); err != nil {
			p.fail(docID, "timeout waiting for worker slot")
			return
		}
		defer sem.Release(1)

		p.run(ctx, tenantID, docID, filename, content)
	}()
}

// run drives one ingestion to a terminal status.
func (p *Pipeline) run(ctx context.Context, tenantID, docID uuid.UUID, filename string, content []byte) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", docID.String()))

	if err := p.store.MarkDocumentProcessing(ctx, docID); err != nil {
		slog.Error("Could not move document to processing", "document_id", docID, "error", err)
		return
	}

	chunkCount, err := p.process(ctx, tenantID, docID, filename, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ingestion failed", "document_id", docID, "error", err)
		p.rollback(tenantID, docID)
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "timeout"
		}
		p.fail(docID, msg)
		return
	}

	if err := p.store.MarkDocumentCompleted(ctx, docID, chunkCount); err != nil {
		slog.Error("Could not complete document", "document_id", docID, "error", err)
		return
	}
	observability.Default.DocumentsIngestedTotal.WithLabelValues(store.DocumentCompleted).Inc()
	slog.Info("Successfully processed document", "document_id", docID, "chunks_processed", chunkCount)
}

func (p *Pipeline) fail(docID uuid.UUID, msg string) {
	// Terminal writes get a fresh context so a pipeline timeout cannot
	// leave the row in processing forever.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.MarkDocumentFailed(ctx, docID, msg); err != nil {
		slog.Error("Could not mark document failed", "document_id", docID, "error", err)
	}
	observability.Default.DocumentsIngestedTotal.WithLabelValues(store.DocumentFailed).Inc()
}

// rollback removes any chunks and vectors written before the failure.
func (p *Pipeline) rollback(tenantID, docID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.index.DeleteByDocument(ctx, tenantID, docID); err != nil {
		slog.Warn("Rollback: could not delete vectors", "document_id", docID, "error", err)
	}
	if err := p.store.DeleteChunks(ctx, docID); err != nil {
		slog.Warn("Rollback: could not delete chunks", "document_id", docID, "error", err)
	}
}

func (p *Pipeline) process(ctx context.Context, tenantID, docID uuid.UUID, filename string, content []byte) (int, error) {
	parser, err := ParserFor(filename)
	if err != nil {
		return 0, err
	}
	parsed, err := parser.Parse(content)
	if err != nil {
		return 0, err
	}

	pieces, err := Split(filename, parsed)
	if err != nil {
		return 0, err
	}
	if len(pieces) == 0 {
		return 0, fmt.Errorf("no chunks produced: %w", ErrParse)
	}
	slog.Info("Split document into chunks", "document_id", docID, "chunk_count", len(pieces))

	// Retries start from scratch: wipe anything a previous attempt left.
	if err := p.index.DeleteByDocument(ctx, tenantID, docID); err != nil {
		return 0, fmt.Errorf("clear prior vectors: %w", err)
	}

	embedder, err := p.registry.EmbeddingFor(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Content
	}
	vectors, err := p.embedBatches(ctx, embedder.Embed, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(pieces) {
		return 0, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(pieces), len(vectors))
	}

	if err := p.index.EnsureCollection(ctx, tenantID, embedder.Dimensions()); err != nil {
		return 0, err
	}

	chunks := make([]store.Chunk, len(pieces))
	records := make([]vectorstore.Record, len(pieces))
	for i, piece := range pieces {
		chunkID := uuid.New()
		start, end := piece.StartChar, piece.EndChar
		chunk := store.Chunk{
			ID:         chunkID,
			DocumentID: docID,
			TenantID:   tenantID,
			ChunkIndex: piece.Index,
			Content:    piece.Content,
			TokenCount: estimateTokens(piece.Content),
			CreatedAt:  time.Now(),
		}
		if start >= 0 {
			chunk.StartChar = &start
			chunk.EndChar = &end
		}
		chunks[i] = chunk
		records[i] = vectorstore.Record{
			ChunkID:    chunkID,
			DocumentID: docID,
			TenantID:   tenantID,
			ChunkIndex: piece.Index,
			Content:    piece.Content,
			Embedding:  vectors[i],
		}
	}

	if err := p.index.Upsert(ctx, tenantID, records); err != nil {
		return 0, fmt.Errorf("index vectors: %w", err)
	}
	if err := p.store.ReplaceChunks(ctx, docID, chunks); err != nil {
		return 0, fmt.Errorf("persist chunks: %w", err)
	}
	observability.Default.ChunksIndexedTotal.Add(float64(len(chunks)))
	return len(chunks), nil
}

// embedBatches fans the texts out in fixed-size batches with bounded
// concurrency, reassembling vectors in order.
func (p *Pipeline) embedBatches(ctx context.Context, embed func(context.Context, []string) ([][]float32, error), texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(texts); start += embedBatchSize {
		start := start
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			batch, err := embed(ctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(batch) != end-start {
				return fmt.Errorf("batch returned %d vectors for %d texts", len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Delete soft-deletes the document and purges its chunks and vectors.
// Existing operation rows keep referring to the document id.
func (p *Pipeline) Delete(ctx context.Context, tenantID, docID uuid.UUID) error {
	if err := p.store.SoftDeleteDocument(ctx, tenantID, docID); err != nil {
		return err
	}
	if err := p.index.DeleteByDocument(ctx, tenantID, docID); err != nil {
		slog.Warn("Could not delete vectors for document", "document_id", docID, "error", err)
	}
	if err := p.store.DeleteChunks(ctx, docID); err != nil {
		slog.Warn("Could not delete chunks for document", "document_id", docID, "error", err)
	}
	slog.Info("Deleted document", "tenant_id", tenantID, "document_id", docID)
	return nil
}
