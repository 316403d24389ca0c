// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore is the tenant-scoped vector index adapter.
//
// Collections are derived deterministically from the tenant id, but tenant
// isolation is enforced at query time: every search and delete carries a
// tenant filter in addition to the collection name.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrDimensionMismatch is returned when a collection exists with a
// different vector width than requested. The existing collection is left
// untouched.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is one chunk embedding with its payload.
type Record struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	TenantID   uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32
}

// Query narrows a search.
type Query struct {
	K        int
	MinScore float64
	// DocumentIDs restricts hits to the given documents when non-empty.
	DocumentIDs []uuid.UUID
}

// Result is one search hit, scored in [0,1] by cosine similarity.
type Result struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Score      float64
}

// Index is the vector index contract.
type Index interface {
	// EnsureCollection is idempotent. A pre-existing collection with a
	// different dimension fails with ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, tenantID uuid.UUID, dim int) error

	// Upsert bulk-writes records; re-writing a chunk id overwrites.
	Upsert(ctx context.Context, tenantID uuid.UUID, records []Record) error

	// Search returns the top-k records by cosine similarity at or above
	// MinScore. Results never include other tenants' records.
	Search(ctx context.Context, tenantID uuid.UUID, queryVec []float32, q Query) ([]Result, error)

	// DeleteByDocument removes all records for the given document.
	DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error
}

// CollectionName derives the per-tenant collection/class name. Weaviate
// class names must start with an upper-case letter and contain only
// letters, digits and underscores.
func CollectionName(tenantID uuid.UUID) string {
	return "TidepoolTenant_" + strings.ReplaceAll(tenantID.String(), "-", "")
}

// clampK normalizes a requested k.
func clampK(k int) (int, error) {
	if k < 0 {
		return 0, fmt.Errorf("k must be non-negative, got %d", k)
	}
	return k, nil
}
