// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets is the tenant-scoped credential store.
//
// Values are addressed as (tenant_id, path) where path is namespaced like
// "embedding-providers/openai" or "chat-providers/anthropic". On disk the
// key is "tenants/<tenant_id>/<path>", but tenant isolation does not rest
// on key naming: every read goes through Get, which requires the caller's
// tenant id, and cached plaintext lives in per-tenant locked buffers.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no secret exists at the given path for the
// tenant.
var ErrNotFound = errors.New("secret not found")

// Store is the secret store contract.
type Store interface {
	Get(ctx context.Context, tenantID uuid.UUID, path string) ([]byte, error)
	Put(ctx context.Context, tenantID uuid.UUID, path string, value []byte) error
	Delete(ctx context.Context, tenantID uuid.UUID, path string) error
}

// Well-known path helpers.

func EmbeddingProviderPath(name string) string { return "embedding-providers/" + name }
func ChatProviderPath(name string) string      { return "chat-providers/" + name }

func storageKey(tenantID uuid.UUID, path string) []byte {
	return []byte(fmt.Sprintf("tenants/%s/%s", tenantID, path))
}
