// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operations

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	calls   int
	err     error
}

func (f *scriptedChat) Complete(context.Context, []datatypes.Message, llm.GenerationParams) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	reply := "generated text"
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return &llm.Completion{Text: reply, Model: "fake-model", TokensIn: 20, TokensOut: 10, CostEstimate: 0.001}, nil
}

func (f *scriptedChat) Stream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, fn llm.StreamFunc) (*llm.Completion, error) {
	completion, err := f.Complete(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	if err := fn(completion.Text); err != nil {
		return nil, err
	}
	return completion, nil
}

type staticEmbedder struct{ dim int }

func (f *staticEmbedder) Dimensions() int             { return f.dim }
func (f *staticEmbedder) Probe(context.Context) error { return nil }

func (f *staticEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}

type staticProviders struct {
	chat  llm.ChatClient
	embed embeddings.Client
}

func (f *staticProviders) ChatFor(context.Context, uuid.UUID, string) (llm.ChatClient, error) {
	return f.chat, nil
}

func (f *staticProviders) EmbeddingFor(context.Context, uuid.UUID) (embeddings.Client, error) {
	return f.embed, nil
}

type staticIndex struct{ hits []vectorstore.Result }

func (f *staticIndex) EnsureCollection(context.Context, uuid.UUID, int) error      { return nil }
func (f *staticIndex) Upsert(context.Context, uuid.UUID, []vectorstore.Record) error { return nil }
func (f *staticIndex) DeleteByDocument(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (f *staticIndex) Search(context.Context, uuid.UUID, []float32, vectorstore.Query) ([]vectorstore.Result, error) {
	return f.hits, nil
}

// --- fixture ---

type engineFixture struct {
	engine   *Engine
	store    *store.Memory
	tenantID uuid.UUID
	userID   uuid.UUID
	docID    uuid.UUID
}

func newEngineFixture(t *testing.T, chat llm.ChatClient, index vectorstore.Index) *engineFixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	if index == nil {
		index = &staticIndex{}
	}
	f := &engineFixture{
		store:    mem,
		engine:   NewEngine(mem, index, &staticProviders{chat: chat, embed: &staticEmbedder{dim: 8}}),
		tenantID: uuid.New(),
		userID:   uuid.New(),
	}

	doc := &store.Document{
		ID:        uuid.New(),
		TenantID:  f.tenantID,
		UserID:    f.userID,
		Filename:  "facts.txt",
		Status:    store.DocumentUploading,
		CreatedAt: time.Now(),
	}
	require.NoError(t, mem.CreateDocument(ctx, doc))
	require.NoError(t, mem.MarkDocumentProcessing(ctx, doc.ID))
	require.NoError(t, mem.ReplaceChunks(ctx, doc.ID, []store.Chunk{{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		TenantID:   f.tenantID,
		ChunkIndex: 0,
		Content:    "The capital of France is Paris.",
		CreatedAt:  time.Now(),
	}}))
	require.NoError(t, mem.MarkDocumentCompleted(ctx, doc.ID, 1))
	f.docID = doc.ID
	return f
}

// poll waits until the operation is terminal.
func (f *engineFixture) poll(t *testing.T, id uuid.UUID) *store.LLMOperation {
	t.Helper()
	f.engine.Wait()
	op, err := f.store.GetOperation(context.Background(), f.tenantID, id)
	require.NoError(t, err)
	require.Contains(t, []string{store.OperationCompleted, store.OperationFailed}, op.Status)
	return op
}

// --- tests ---

func TestSummarize_CacheIdentity(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{"First summary.", "Second summary."}}
	f := newEngineFixture(t, chat, nil)

	first, err := f.engine.Summarize(ctx, f.tenantID, f.userID, f.docID, SummarizeParams{})
	require.NoError(t, err)
	assert.Equal(t, store.OperationPending, first.Status)

	done := f.poll(t, first.ID)
	assert.Equal(t, "First summary.", done.OutputData["summary"])
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 30, done.TokensUsed)

	// Second call without force serves the cached summary byte-identically.
	cached, err := f.engine.Summarize(ctx, f.tenantID, f.userID, f.docID, SummarizeParams{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, cached.ID)
	assert.Equal(t, store.OperationCompleted, cached.Status)
	assert.Equal(t, "First summary.", cached.OutputData["summary"])
	assert.Equal(t, true, cached.OutputData["cached"])

	// Forcing reruns the provider.
	forced, err := f.engine.Summarize(ctx, f.tenantID, f.userID, f.docID, SummarizeParams{Force: true})
	require.NoError(t, err)
	forcedDone := f.poll(t, forced.ID)
	assert.Equal(t, "Second summary.", forcedDone.OutputData["summary"])
	_, hasCachedMarker := forcedDone.OutputData["cached"]
	assert.False(t, hasCachedMarker)
}

func TestSummarize_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{err: llm.NewProviderError("fake", llm.KindPermanent, fmt.Errorf("boom"))}
	f := newEngineFixture(t, chat, nil)

	op, err := f.engine.Summarize(ctx, f.tenantID, f.userID, f.docID, SummarizeParams{})
	require.NoError(t, err)

	done := f.poll(t, op.ID)
	assert.Equal(t, store.OperationFailed, done.Status)
	assert.NotEmpty(t, done.ErrorMessage)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.OutputData)
}

func TestAsk_WithSources(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{"Paris is the capital of France."}}
	index := &staticIndex{hits: []vectorstore.Result{{
		ChunkID:    uuid.New(),
		ChunkIndex: 0,
		Content:    "The capital of France is Paris.",
		Score:      0.92,
	}}}
	f := newEngineFixture(t, chat, index)

	op, err := f.engine.Ask(ctx, f.tenantID, f.userID, f.docID, AskParams{Question: "What is the capital of France?"})
	require.NoError(t, err)

	done := f.poll(t, op.ID)
	require.Equal(t, store.OperationCompleted, done.Status)
	assert.Contains(t, done.OutputData["answer"], "Paris")

	sources, ok := done.OutputData["sources"].([]datatypes.SourceInfo)
	require.True(t, ok)
	require.Len(t, sources, 1)
	assert.GreaterOrEqual(t, sources[0].Score, 0.5)
	assert.Contains(t, sources[0].ContentPreview, "Paris")
}

func TestAsk_NoRelevantChunks(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, &scriptedChat{}, &staticIndex{})

	op, err := f.engine.Ask(ctx, f.tenantID, f.userID, f.docID, AskParams{Question: "Unrelated question"})
	require.NoError(t, err)

	done := f.poll(t, op.ID)
	require.Equal(t, store.OperationCompleted, done.Status)
	assert.Equal(t, "No relevant information found", done.OutputData["answer"])
	assert.Empty(t, done.OutputData["sources"])
}

func TestAsk_ZeroMaxChunks(t *testing.T) {
	ctx := context.Background()
	index := &staticIndex{} // k=0 searches return nothing
	f := newEngineFixture(t, &scriptedChat{}, index)

	zero := 0
	op, err := f.engine.Ask(ctx, f.tenantID, f.userID, f.docID, AskParams{
		Question:  "anything",
		MaxChunks: &zero,
	})
	require.NoError(t, err)

	done := f.poll(t, op.ID)
	require.Equal(t, store.OperationCompleted, done.Status)
	assert.Empty(t, done.OutputData["sources"])
}

func TestTransform_JSONRetryThenFail(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{"not json at all", "still { not json"}}
	f := newEngineFixture(t, chat, nil)

	op, err := f.engine.Transform(ctx, f.tenantID, f.userID, f.docID, TransformParams{
		Instruction:  "Extract entities",
		OutputFormat: FormatJSON,
	})
	require.NoError(t, err)

	done := f.poll(t, op.ID)
	assert.Equal(t, store.OperationFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "JSON")
	assert.Equal(t, 2, chat.calls, "exactly one corrective retry")
}

func TestTransform_JSONRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{"oops", `{"entities": ["Paris"]}`}}
	f := newEngineFixture(t, chat, nil)

	op, err := f.engine.Transform(ctx, f.tenantID, f.userID, f.docID, TransformParams{
		Instruction:  "Extract entities",
		OutputFormat: FormatJSON,
	})
	require.NoError(t, err)

	done := f.poll(t, op.ID)
	require.Equal(t, store.OperationCompleted, done.Status)
	assert.Equal(t, `{"entities": ["Paris"]}`, done.OutputData["transformed_content"])
	assert.Equal(t, FormatJSON, done.OutputData["output_format"])
}

func TestTransform_CodeFencedJSONAccepted(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{"```json\n{\"ok\": true}\n```"}}
	f := newEngineFixture(t, chat, nil)

	op, err := f.engine.Transform(ctx, f.tenantID, f.userID, f.docID, TransformParams{
		Instruction:  "Extract",
		OutputFormat: FormatJSON,
	})
	require.NoError(t, err)

	done := f.poll(t, op.ID)
	require.Equal(t, store.OperationCompleted, done.Status)
	assert.Equal(t, `{"ok": true}`, done.OutputData["transformed_content"])
}

func TestCancel_DiscardsLateResult(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	chat := &blockingChat{release: release}
	f := newEngineFixture(t, chat, nil)

	op, err := f.engine.Summarize(ctx, f.tenantID, f.userID, f.docID, SummarizeParams{})
	require.NoError(t, err)

	// Give the task a moment to enter processing, then cancel.
	require.Eventually(t, func() bool {
		current, err := f.store.GetOperation(ctx, f.tenantID, op.ID)
		return err == nil && current.Status == store.OperationProcessing
	}, time.Second, 5*time.Millisecond)

	cancelled, err := f.engine.Cancel(ctx, f.tenantID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OperationFailed, cancelled.Status)
	assert.Equal(t, true, cancelled.OutputData["cancelled"])

	close(release)
	f.engine.Wait()

	// The late provider result did not overwrite the cancellation.
	final, err := f.store.GetOperation(ctx, f.tenantID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OperationFailed, final.Status)
	assert.Equal(t, "cancelled", final.ErrorMessage)
}

// blockingChat parks Complete until released, then answers.
type blockingChat struct {
	release chan struct{}
}

func (b *blockingChat) Complete(ctx context.Context, _ []datatypes.Message, _ llm.GenerationParams) (*llm.Completion, error) {
	select {
	case <-b.release:
		return &llm.Completion{Text: "late result", Model: "fake-model"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingChat) Stream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, fn llm.StreamFunc) (*llm.Completion, error) {
	return b.Complete(ctx, messages, params)
}

func TestOperation_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, &scriptedChat{replies: []string{"summary"}}, nil)

	op, err := f.engine.Summarize(ctx, f.tenantID, f.userID, f.docID, SummarizeParams{})
	require.NoError(t, err)
	f.poll(t, op.ID)

	otherTenant := uuid.New()
	_, err = f.engine.Get(ctx, otherTenant, op.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A foreign tenant cannot start operations on the document either.
	_, err = f.engine.Summarize(ctx, otherTenant, f.userID, f.docID, SummarizeParams{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
