// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(InMemoryConfig())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tenantID := uuid.New()
	path := EmbeddingProviderPath("openai")

	if _, err := s.Get(ctx, tenantID, path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	value := []byte(`{"api_key":"sk-test"}`)
	if err := s.Put(ctx, tenantID, path, value); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, tenantID, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(value) {
		t.Errorf("got %q, want %q", got, value)
	}

	if err := s.Delete(ctx, tenantID, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, tenantID, path); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBadgerStore_TenantNamespacing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tenantA := uuid.New()
	tenantB := uuid.New()
	path := ChatProviderPath("anthropic")

	if err := s.Put(ctx, tenantA, path, []byte("a-secret")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The same path under another tenant id resolves to nothing.
	if _, err := s.Get(ctx, tenantB, path); !errors.Is(err, ErrNotFound) {
		t.Errorf("tenant B read tenant A's secret: %v", err)
	}
}

func TestCachingStore(t *testing.T) {
	ctx := context.Background()
	inner := openTestStore(t)
	cache := NewCachingStore(inner)
	t.Cleanup(cache.Purge)
	tenantID := uuid.New()
	path := EmbeddingProviderPath("local")

	if err := cache.Put(ctx, tenantID, path, []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := cache.Get(ctx, tenantID, path)
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get: %q, %v", got, err)
	}

	t.Run("reads are served from memory", func(t *testing.T) {
		// Mutate the backing store directly; the cached value survives
		// until eviction.
		if err := inner.Put(ctx, tenantID, path, []byte("v2")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := cache.Get(ctx, tenantID, path)
		if err != nil || string(got) != "v1" {
			t.Errorf("expected cached v1, got %q, %v", got, err)
		}
	})

	t.Run("writes invalidate immediately", func(t *testing.T) {
		if err := cache.Put(ctx, tenantID, path, []byte("v3")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := cache.Get(ctx, tenantID, path)
		if err != nil || string(got) != "v3" {
			t.Errorf("expected v3 after write, got %q, %v", got, err)
		}
	})

	t.Run("delete invalidates and propagates", func(t *testing.T) {
		if err := cache.Delete(ctx, tenantID, path); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := cache.Get(ctx, tenantID, path); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})
}
