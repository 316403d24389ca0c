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

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateIndex is the production vector index backend.
type WeaviateIndex struct {
	client *weaviate.Client
}

var _ Index = (*WeaviateIndex)(nil)

func NewWeaviateIndex(client *weaviate.Client) *WeaviateIndex {
	return &WeaviateIndex{client: client}
}

func (w *WeaviateIndex) EnsureCollection(ctx context.Context, tenantID uuid.UUID, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", dim)
	}
	name := CollectionName(tenantID)

	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(name).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", name, err)
	}
	if exists {
		class, err := w.client.Schema().ClassGetter().WithClassName(name).Do(ctx)
		if err != nil {
			return fmt.Errorf("get class %s: %w", name, err)
		}
		existing := dimFromDescription(class.Description)
		if existing != 0 && existing != dim {
			return fmt.Errorf("collection %s has dimension %d, requested %d: %w",
				name, existing, dim, ErrDimensionMismatch)
		}
		return nil
	}

	class := &models.Class{
		Class:       name,
		Description: descriptionForDim(dim),
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "tenant_id", DataType: []string{"text"}},
			{Name: "document_id", DataType: []string{"text"}},
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "content", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", name, err)
	}
	slog.Info("Created vector collection", "class", name, "dimensions", dim)
	return nil
}

// The class dimension is recorded in the description; Weaviate itself does
// not validate vector widths until the first write.
func descriptionForDim(dim int) string {
	return fmt.Sprintf("Tidepool tenant chunk embeddings (dim=%d)", dim)
}

func dimFromDescription(desc string) int {
	var dim int
	if _, err := fmt.Sscanf(desc[lastIndex(desc, "(dim="):], "(dim=%d)", &dim); err != nil {
		return 0
	}
	return dim
}

func lastIndex(s, sub string) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return 0
}

func (w *WeaviateIndex) Upsert(ctx context.Context, tenantID uuid.UUID, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	name := CollectionName(tenantID)

	objects := make([]*models.Object, len(records))
	for i, rec := range records {
		objects[i] = &models.Object{
			Class:  name,
			ID:     strfmt.UUID(rec.ChunkID.String()),
			Vector: rec.Embedding,
			Properties: map[string]interface{}{
				"tenant_id":   tenantID.String(),
				"document_id": rec.DocumentID.String(),
				"chunk_index": rec.ChunkIndex,
				"content":     rec.Content,
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch import to weaviate: %w", err)
	}
	for _, item := range resp {
		if item.Result == nil || item.Result.Errors == nil {
			continue
		}
		for _, errItem := range item.Result.Errors.Error {
			slog.Warn("Error in Weaviate batch item", "class", name, "error", errItem.Message)
		}
		return fmt.Errorf("weaviate rejected batch items for class %s", name)
	}
	return nil
}

func (w *WeaviateIndex) tenantFilter(tenantID uuid.UUID, documentIDs []uuid.UUID) *filters.WhereBuilder {
	tenantClause := filters.Where().
		WithPath([]string{"tenant_id"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID.String())
	if len(documentIDs) == 0 {
		return tenantClause
	}
	ids := make([]string, len(documentIDs))
	for i, id := range documentIDs {
		ids[i] = id.String()
	}
	docClause := filters.Where().
		WithPath([]string{"document_id"}).
		WithOperator(filters.ContainsAny).
		WithValueText(ids...)
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{tenantClause, docClause})
}

func (w *WeaviateIndex) Search(ctx context.Context, tenantID uuid.UUID, queryVec []float32, q Query) ([]Result, error) {
	k, err := clampK(q.K)
	if err != nil {
		return nil, err
	}
	if k == 0 {
		return nil, nil
	}
	name := CollectionName(tenantID)

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(queryVec)
	if q.MinScore > 0 {
		nearVector = nearVector.WithCertainty(float32(q.MinScore))
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "document_id"},
		{Name: "chunk_index"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "certainty"}}},
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(name).
		WithNearVector(nearVector).
		WithWhere(w.tenantFilter(tenantID, q.DocumentIDs)).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", resp.Errors[0].Message)
	}

	return parseSearchResponse(resp.Data, name)
}

func parseSearchResponse(data map[string]models.JSONObject, className string) ([]Result, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	items, ok := get[className].([]interface{})
	if !ok {
		return nil, nil
	}

	var results []Result
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		additional, _ := item["_additional"].(map[string]interface{})
		idStr, _ := additional["id"].(string)
		chunkID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		docStr, _ := item["document_id"].(string)
		docID, err := uuid.Parse(docStr)
		if err != nil {
			continue
		}
		certainty, _ := additional["certainty"].(float64)
		chunkIndex, _ := item["chunk_index"].(float64)
		content, _ := item["content"].(string)

		results = append(results, Result{
			ChunkID:    chunkID,
			DocumentID: docID,
			ChunkIndex: int(chunkIndex),
			Content:    content,
			Score:      certainty,
		})
	}
	return results, nil
}

func (w *WeaviateIndex) DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	name := CollectionName(tenantID)
	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(name).
		WithWhere(w.tenantFilter(tenantID, []uuid.UUID{documentID})).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete document vectors: %w", err)
	}
	return nil
}
