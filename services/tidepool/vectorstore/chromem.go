// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is the embedded vector index used in lightweight mode, when
// no Weaviate endpoint is configured. Per-tenant collections live in one
// chromem database, optionally persisted to disk.
type ChromemIndex struct {
	mu   sync.RWMutex
	db   *chromem.DB
	dims map[string]int // collection name -> dimension
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex wraps an in-memory chromem database.
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{db: chromem.NewDB(), dims: make(map[string]int)}
}

// NewPersistentChromemIndex opens (or creates) a disk-backed database.
func NewPersistentChromemIndex(path string) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem store: %w", err)
	}
	return &ChromemIndex{db: db, dims: make(map[string]int)}, nil
}

func (c *ChromemIndex) EnsureCollection(_ context.Context, tenantID uuid.UUID, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", dim)
	}
	name := CollectionName(tenantID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.dims[name]; ok {
		if existing != dim {
			return fmt.Errorf("collection %s has dimension %d, requested %d: %w",
				name, existing, dim, ErrDimensionMismatch)
		}
		return nil
	}
	_, err := c.db.GetOrCreateCollection(name, map[string]string{
		"dimensions": strconv.Itoa(dim),
	}, nil)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	c.dims[name] = dim
	slog.Info("Created embedded vector collection", "collection", name, "dimensions", dim)
	return nil
}

func (c *ChromemIndex) collection(tenantID uuid.UUID) *chromem.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db.GetCollection(CollectionName(tenantID), nil)
}

func (c *ChromemIndex) Upsert(ctx context.Context, tenantID uuid.UUID, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	col := c.collection(tenantID)
	if col == nil {
		return fmt.Errorf("collection for tenant %s does not exist", tenantID)
	}
	c.mu.RLock()
	dim := c.dims[CollectionName(tenantID)]
	c.mu.RUnlock()

	for _, rec := range records {
		if dim != 0 && len(rec.Embedding) != dim {
			return fmt.Errorf("record %s has %d dimensions, collection expects %d: %w",
				rec.ChunkID, len(rec.Embedding), dim, ErrDimensionMismatch)
		}
		doc := chromem.Document{
			ID:        rec.ChunkID.String(),
			Content:   rec.Content,
			Embedding: rec.Embedding,
			Metadata: map[string]string{
				"tenant_id":   tenantID.String(),
				"document_id": rec.DocumentID.String(),
				"chunk_index": strconv.Itoa(rec.ChunkIndex),
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document to chromem: %w", err)
		}
	}
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, tenantID uuid.UUID, queryVec []float32, q Query) ([]Result, error) {
	k, err := clampK(q.K)
	if err != nil {
		return nil, err
	}
	if k == 0 {
		return nil, nil
	}
	col := c.collection(tenantID)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}

	// Document filtering beyond a single id is done after the query;
	// chromem's where clause is equality-only.
	where := map[string]string{"tenant_id": tenantID.String()}
	n := col.Count()
	if len(q.DocumentIDs) == 1 {
		where["document_id"] = q.DocumentIDs[0].String()
		if k < n {
			n = k
		}
	}

	hits, err := col.QueryEmbedding(ctx, queryVec, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	wanted := make(map[string]bool, len(q.DocumentIDs))
	for _, id := range q.DocumentIDs {
		wanted[id.String()] = true
	}

	var results []Result
	for _, hit := range hits {
		docStr := hit.Metadata["document_id"]
		if len(wanted) > 0 && !wanted[docStr] {
			continue
		}
		// chromem similarity is cosine in [-1,1]; map to [0,1].
		score := (float64(hit.Similarity) + 1) / 2
		if score < q.MinScore {
			continue
		}
		chunkID, err := uuid.Parse(hit.ID)
		if err != nil {
			continue
		}
		docID, err := uuid.Parse(docStr)
		if err != nil {
			continue
		}
		chunkIndex, _ := strconv.Atoi(hit.Metadata["chunk_index"])
		results = append(results, Result{
			ChunkID:    chunkID,
			DocumentID: docID,
			ChunkIndex: chunkIndex,
			Content:    hit.Content,
			Score:      score,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (c *ChromemIndex) DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	col := c.collection(tenantID)
	if col == nil {
		return nil
	}
	err := col.Delete(ctx, map[string]string{
		"tenant_id":   tenantID.String(),
		"document_id": documentID.String(),
	}, nil)
	if err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}
