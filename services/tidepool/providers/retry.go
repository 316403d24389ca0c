// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
)

const (
	maxAttempts  = 3
	retryBaseDel = 250 * time.Millisecond
)

// backoffDelay is 250ms * 2^attempt with up to 50% jitter, or the
// provider's retry-after hint when it is longer.
func backoffDelay(attempt int, hint time.Duration) time.Duration {
	delay := retryBaseDel << attempt
	delay += time.Duration(rand.Int63n(int64(delay) / 2))
	if hint > delay {
		delay = hint
	}
	return delay
}

// retryable reports whether the call may be retried, with the provider's
// retry-after hint when present.
func retryable(err error) (time.Duration, bool) {
	pe, ok := llm.AsProviderError(err)
	if !ok {
		// Unclassified errors are treated as transient network failures.
		return 0, true
	}
	if !pe.Retryable() {
		return 0, false
	}
	return pe.RetryAfter, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryingChat retries Complete on retryable failures: transient,
// rate-limited and unclassified errors. Stream is retried
// only while no delta has been delivered; once output reached the caller
// the stream fails through.
type retryingChat struct {
	inner llm.ChatClient
}

var _ llm.ChatClient = (*retryingChat)(nil)

func (c *retryingChat) Complete(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams) (*llm.Completion, error) {

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		completion, err := c.inner.Complete(ctx, messages, params)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		hint, retry := retryable(err)
		if !retry {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := backoffDelay(attempt, hint)
		slog.Warn("Chat provider call failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *retryingChat) Stream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, fn llm.StreamFunc) (*llm.Completion, error) {

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		delivered := false
		completion, err := c.inner.Stream(ctx, messages, params, func(delta string) error {
			delivered = true
			return fn(delta)
		})
		if err == nil {
			return completion, nil
		}
		lastErr = err
		hint, retry := retryable(err)
		if !retry || delivered {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := backoffDelay(attempt, hint)
		slog.Warn("Chat provider stream failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// retryingEmbedder retries Embed on transient, rate-limited and
// unclassified failures.
type retryingEmbedder struct {
	inner embeddings.Client
}

var _ embeddings.Client = (*retryingEmbedder)(nil)

func (e *retryingEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *retryingEmbedder) Probe(ctx context.Context) error { return e.inner.Probe(ctx) }

func (e *retryingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vectors, err := e.inner.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		hint, retry := retryable(err)
		if !retry {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := backoffDelay(attempt, hint)
		slog.Warn("Embedding call failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
