// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
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

type fakeChat struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeChat) next() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	reply := "ok"
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	} else if len(f.replies) > 0 {
		reply = f.replies[len(f.replies)-1]
	}
	f.calls++
	return reply
}

func (f *fakeChat) Complete(context.Context, []datatypes.Message, llm.GenerationParams) (*llm.Completion, error) {
	text := f.next()
	return &llm.Completion{Text: text, Model: "fake-model", TokensIn: 10, TokensOut: 5}, nil
}

func (f *fakeChat) Stream(ctx context.Context, messages []datatypes.Message,
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

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Dimensions() int            { return f.dim }
func (f *fakeEmbedder) Probe(context.Context) error { return nil }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dim)
		for j := range vec {
			vec[j] = float32((int(text[j%len(text)]) + j) % 17)
		}
		out[i] = vec
	}
	return out, nil
}

type fakeProviders struct {
	chat  llm.ChatClient
	embed embeddings.Client
}

func (f *fakeProviders) ChatFor(context.Context, uuid.UUID, string) (llm.ChatClient, error) {
	return f.chat, nil
}

func (f *fakeProviders) EmbeddingFor(context.Context, uuid.UUID) (embeddings.Client, error) {
	return f.embed, nil
}

type fakeIndex struct {
	hits []vectorstore.Result
}

func (f *fakeIndex) EnsureCollection(context.Context, uuid.UUID, int) error { return nil }
func (f *fakeIndex) Upsert(context.Context, uuid.UUID, []vectorstore.Record) error {
	return nil
}
func (f *fakeIndex) DeleteByDocument(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (f *fakeIndex) Search(_ context.Context, _ uuid.UUID, _ []float32, q vectorstore.Query) ([]vectorstore.Result, error) {
	wanted := make(map[uuid.UUID]bool, len(q.DocumentIDs))
	for _, id := range q.DocumentIDs {
		wanted[id] = true
	}
	var out []vectorstore.Result
	for _, hit := range f.hits {
		if len(wanted) > 0 && !wanted[hit.DocumentID] {
			continue
		}
		out = append(out, hit)
	}
	return out, nil
}

// --- fixtures ---

type fixture struct {
	store    *store.Memory
	executor *Executor
	tenantID uuid.UUID
	userID   uuid.UUID
}

func newFixture(chat *fakeChat, index vectorstore.Index) *fixture {
	mem := store.NewMemory()
	providers := &fakeProviders{chat: chat, embed: &fakeEmbedder{dim: 8}}
	if index == nil {
		index = &fakeIndex{}
	}
	return &fixture{
		store:    mem,
		executor: NewExecutor(mem, index, providers),
		tenantID: uuid.New(),
		userID:   uuid.New(),
	}
}

func (f *fixture) session(t *testing.T, mode string, workflowID *uuid.UUID) *store.ConversationSession {
	t.Helper()
	id := uuid.New()
	sess := &store.ConversationSession{
		ID:         id,
		TenantID:   f.tenantID,
		UserID:     f.userID,
		WorkflowID: workflowID,
		ThreadID:   ThreadID(f.tenantID, id),
		Mode:       mode,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))
	return sess
}

func (f *fixture) completedDocument(t *testing.T, sessionID uuid.UUID) *store.Document {
	t.Helper()
	ctx := context.Background()
	doc := &store.Document{
		ID:        uuid.New(),
		TenantID:  f.tenantID,
		UserID:    f.userID,
		Filename:  "notes.txt",
		Status:    store.DocumentUploading,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.CreateDocument(ctx, doc))
	require.NoError(t, f.store.MarkDocumentProcessing(ctx, doc.ID))
	require.NoError(t, f.store.MarkDocumentCompleted(ctx, doc.ID, 1))
	require.NoError(t, f.store.AddSessionDocument(ctx, sessionID, doc.ID))
	return doc
}

type eventLog struct {
	mu     sync.Mutex
	events []datatypes.StreamEvent
}

func (l *eventLog) emit(ev datatypes.StreamEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

// --- tests ---

func TestExecute_DirectChat(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{replies: []string{"Hi there!"}}
	f := newFixture(chat, nil)
	sess := f.session(t, store.ModeAuto, nil)

	var log eventLog
	exec, err := f.executor.Execute(ctx, f.tenantID, f.userID,
		ExecuteInput{SessionID: sess.ID, UserInput: "Hello"}, log.emit)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, exec.Status)
	assert.Equal(t, "Hi there!", exec.OutputData["response"])

	types := log.types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, datatypes.EventStart, types[0])
	assert.Equal(t, datatypes.EventDone, types[len(types)-1])

	// The router update carries the routing decision.
	var routed bool
	for _, ev := range log.events {
		if ev.Node == "router" {
			routed = true
			assert.Equal(t, RouteDirectChat, ev.RoutingMetadata["route"])
		}
	}
	assert.True(t, routed, "expected a router update event")

	// Both turns of the conversation are persisted in order.
	msgs, err := f.store.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there!", msgs[1].Content)

	// Checkpoints are contiguous from step 0.
	cps, err := f.store.ListCheckpoints(ctx, sess.ThreadID)
	require.NoError(t, err)
	for i, cp := range cps {
		assert.Equal(t, i, cp.Step)
	}
}

func TestExecute_RAGRoute(t *testing.T) {
	ctx := context.Background()
	// Grader says yes, then the generator answers.
	chat := &fakeChat{replies: []string{"yes", "The doc says X is rising."}}
	f := newFixture(chat, nil)
	sess := f.session(t, store.ModeAuto, nil)
	doc := f.completedDocument(t, sess.ID)
	docID := doc.ID

	index := &fakeIndex{hits: []vectorstore.Result{{
		ChunkID:    uuid.New(),
		DocumentID: docID,
		ChunkIndex: 0,
		Content:    "X is rising steadily.",
		Score:      0.91,
	}}}
	f.executor.index = index

	var log eventLog
	exec, err := f.executor.Execute(ctx, f.tenantID, f.userID,
		ExecuteInput{SessionID: sess.ID, UserInput: "What does the doc say about X?"}, log.emit)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, exec.Status)

	var sawRetriever bool
	for _, ev := range log.events {
		if ev.Node == "router" {
			assert.Equal(t, RouteRAGNeeded, ev.RoutingMetadata["route"])
		}
		if ev.Node == "retriever" {
			sawRetriever = true
			assert.Equal(t, 1, ev.Delta["chunks"])
		}
	}
	assert.True(t, sawRetriever, "expected a retriever update event")

	response, _ := exec.OutputData["response"].(string)
	assert.Contains(t, response, "The doc says X is rising.")
	assert.Contains(t, response, "Sources:")
}

func TestExecute_RAGOnlyWithoutDocuments(t *testing.T) {
	f := newFixture(&fakeChat{}, nil)
	sess := f.session(t, store.ModeRAGOnly, nil)

	_, err := f.executor.Execute(context.Background(), f.tenantID, f.userID,
		ExecuteInput{SessionID: sess.ID, UserInput: "anything"}, nil)
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func hitlDefinition(t *testing.T, f *fixture, onReject string) uuid.UUID {
	t.Helper()
	cfg := map[string]any{"prompt": "Proceed?"}
	if onReject != "" {
		cfg["on_reject"] = onReject
	}
	def := &store.WorkflowDefinition{
		ID:       uuid.New(),
		TenantID: f.tenantID,
		Name:     "gated",
		IsActive: true,
		Nodes: store.JSONList{
			{"id": "draft", "type": "llm"},
			{"id": "gate", "type": "human_in_loop", "config": cfg},
			{"id": "final", "type": "llm"},
		},
		Edges: store.JSONList{
			{"source": StartNode, "target": "draft"},
			{"source": "draft", "target": "gate"},
			{"source": "gate", "target": "final"},
			{"source": "final", "target": EndNode},
		},
	}
	require.NoError(t, f.store.CreateWorkflowDefinition(context.Background(), def))
	return def.ID
}

func TestExecute_HITLInterruptAndResume(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{replies: []string{"Draft ready.", "Final answer."}}
	f := newFixture(chat, nil)
	wfID := hitlDefinition(t, f, "")
	sess := f.session(t, store.ModeAuto, &wfID)

	var log eventLog
	exec, err := f.executor.Execute(ctx, f.tenantID, f.userID,
		ExecuteInput{SessionID: sess.ID, UserInput: "Proceed?"}, log.emit)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionInterrupted, exec.Status)

	// The final update and the done event carry the approval id.
	types := log.types()
	assert.Equal(t, datatypes.EventDone, types[len(types)-1])
	last := log.events[len(log.events)-1]
	assert.Equal(t, store.ExecutionInterrupted, last.Status)
	require.NotEmpty(t, last.ApprovalId)

	approval, err := f.store.PendingApprovalForExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Proceed?", approval.Prompt)

	// Another turn on the parked thread is rejected.
	_, err = f.executor.Execute(ctx, f.tenantID, f.userID,
		ExecuteInput{SessionID: sess.ID, UserInput: "hello?"}, nil)
	assert.ErrorIs(t, err, ErrInterrupted)

	// Approve and let the coordinator resume.
	coordinator := NewCoordinator(f.store, f.executor)
	_, err = coordinator.Respond(ctx, f.tenantID, f.userID, approval.ID, true, "ok")
	require.NoError(t, err)
	coordinator.Wait()

	final, err := f.store.GetExecution(ctx, f.tenantID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, final.Status)
	assert.Equal(t, "Final answer.", final.OutputData["response"])

	// A replayed response is rejected.
	_, err = coordinator.Respond(ctx, f.tenantID, f.userID, approval.ID, true, "again")
	assert.ErrorIs(t, err, store.ErrAlreadyResponded)

	// The new assistant message landed in the session.
	msgs, err := f.store.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	var lastAssistant string
	for _, m := range msgs {
		if m.Role == datatypes.RoleAssistant {
			lastAssistant = m.Content
		}
	}
	assert.Equal(t, "Final answer.", lastAssistant)
}

func TestResume_Rejection_EndsWorkflow(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{replies: []string{"Draft ready.", "should not run"}}
	f := newFixture(chat, nil)
	wfID := hitlDefinition(t, f, "end")
	sess := f.session(t, store.ModeAuto, &wfID)

	exec, err := f.executor.Execute(ctx, f.tenantID, f.userID,
		ExecuteInput{SessionID: sess.ID, UserInput: "Proceed?"}, nil)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionInterrupted, exec.Status)

	approval, err := f.store.PendingApprovalForExecution(ctx, exec.ID)
	require.NoError(t, err)
	_, err = f.store.RespondApproval(ctx, f.tenantID, approval.ID, false, "no thanks")
	require.NoError(t, err)

	final, err := f.executor.Resume(ctx, f.tenantID, f.userID, sess.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, final.Status)
	// The rejected path never reaches the second llm node.
	assert.Equal(t, "Draft ready.", final.OutputData["response"])
}

func TestCheckpoint_SaveLoadRoundTrip(t *testing.T) {
	st := &State{
		Messages:        []datatypes.Message{{Role: "user", Content: "hi"}},
		Query:           "hi",
		Mode:            store.ModeAuto,
		ActiveDocuments: []uuid.UUID{uuid.New()},
		Chunks:          []RetrievedChunk{{ChunkID: uuid.New(), Content: "c", Score: 0.7}},
		RoutingMetadata: map[string]any{"route": "rag_needed"},
	}
	blob, err := st.Encode()
	require.NoError(t, err)
	decoded, err := DecodeState(blob)
	require.NoError(t, err)
	blob2, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, blob, blob2, "encode/decode/encode must be a fixed point")
}
