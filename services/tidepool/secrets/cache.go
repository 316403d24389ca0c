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
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// CacheTTL bounds how long a read may be served from memory. Provider key
// rotation is visible within this window.
const CacheTTL = 60 * time.Second

// CachingStore memoizes reads for up to CacheTTL. Cached plaintext is held
// in memguard locked buffers so credentials never sit in pageable memory,
// and is wiped on eviction. Writes and deletes invalidate immediately.
type CachingStore struct {
	inner Store

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	buf       *memguard.LockedBuffer
	fetchedAt time.Time
}

var _ Store = (*CachingStore)(nil)

func NewCachingStore(inner Store) *CachingStore {
	return &CachingStore{
		inner:   inner,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *CachingStore) Get(ctx context.Context, tenantID uuid.UUID, path string) ([]byte, error) {
	key := string(storageKey(tenantID, path))

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if time.Since(e.fetchedAt) < CacheTTL {
			out := make([]byte, len(e.buf.Bytes()))
			copy(out, e.buf.Bytes())
			c.mu.Unlock()
			return out, nil
		}
		e.buf.Destroy()
		delete(c.entries, key)
	}
	c.mu.Unlock()

	value, err := c.inner.Get(ctx, tenantID, path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// NewBufferFromBytes wipes its source; cache a copy and return the
	// original to the caller.
	cp := make([]byte, len(value))
	copy(cp, value)
	c.entries[key] = &cacheEntry{
		buf:       memguard.NewBufferFromBytes(cp),
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()

	return value, nil
}

func (c *CachingStore) Put(ctx context.Context, tenantID uuid.UUID, path string, value []byte) error {
	if err := c.inner.Put(ctx, tenantID, path, value); err != nil {
		return err
	}
	c.evict(tenantID, path)
	return nil
}

func (c *CachingStore) Delete(ctx context.Context, tenantID uuid.UUID, path string) error {
	if err := c.inner.Delete(ctx, tenantID, path); err != nil {
		return err
	}
	c.evict(tenantID, path)
	return nil
}

func (c *CachingStore) evict(tenantID uuid.UUID, path string) {
	key := string(storageKey(tenantID, path))
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.buf.Destroy()
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Purge wipes all cached secrets. Called on shutdown.
func (c *CachingStore) Purge() {
	c.mu.Lock()
	for k, e := range c.entries {
		e.buf.Destroy()
		delete(c.entries, k)
	}
	c.mu.Unlock()
}
