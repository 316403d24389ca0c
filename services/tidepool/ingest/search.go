// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"fmt"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/google/uuid"
)

// Search embeds the query with the tenant's embedding provider (the same
// model used at ingest) and joins hits with document rows for filenames.
func (p *Pipeline) Search(ctx context.Context, tenantID uuid.UUID, query string, k int, minScore float64, documentIDs []uuid.UUID) ([]datatypes.SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	embedder, err := p.registry.EmbeddingFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one query vector, got %d", len(vectors))
	}

	hits, err := p.index.Search(ctx, tenantID, vectors[0], vectorstore.Query{
		K:           k,
		MinScore:    minScore,
		DocumentIDs: documentIDs,
	})
	if err != nil {
		return nil, err
	}

	filenames := make(map[uuid.UUID]string)
	results := make([]datatypes.SearchResult, 0, len(hits))
	for _, hit := range hits {
		filename, ok := filenames[hit.DocumentID]
		if !ok {
			doc, err := p.store.GetDocument(ctx, tenantID, hit.DocumentID)
			if err == nil {
				filename = doc.Filename
			}
			filenames[hit.DocumentID] = filename
		}
		results = append(results, datatypes.SearchResult{
			ChunkID:          hit.ChunkID.String(),
			DocumentID:       hit.DocumentID.String(),
			DocumentFilename: filename,
			Content:          hit.Content,
			Score:            hit.Score,
			ChunkIndex:       hit.ChunkIndex,
		})
	}
	return results, nil
}

// Store exposes the relational tier for handlers that join on documents.
func (p *Pipeline) Store() store.Store { return p.store }
