// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
	"github.com/AleutianAI/Tidepool/services/tidepool/handlers"
	"github.com/AleutianAI/Tidepool/services/tidepool/ingest"
	"github.com/AleutianAI/Tidepool/services/tidepool/middleware"
	"github.com/AleutianAI/Tidepool/services/tidepool/operations"
	"github.com/AleutianAI/Tidepool/services/tidepool/providers"
	"github.com/AleutianAI/Tidepool/services/tidepool/routes"
	"github.com/AleutianAI/Tidepool/services/tidepool/secrets"
	"github.com/AleutianAI/Tidepool/services/tidepool/session"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/AleutianAI/Tidepool/services/tidepool/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenAuth reads test tokens shaped "<tenant>/<user>/<role>".
type tokenAuth struct{}

func (tokenAuth) Validate(_ context.Context, token string) (*middleware.Claims, error) {
	parts := strings.Split(token, "/")
	if len(parts) != 3 {
		return nil, middleware.ErrUnauthorized
	}
	tenantID, err := uuid.Parse(parts[0])
	if err != nil {
		return nil, middleware.ErrUnauthorized
	}
	userID, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, middleware.ErrUnauthorized
	}
	return &middleware.Claims{TenantID: tenantID, UserID: userID, Role: parts[2]}, nil
}

type unitEmbedder struct{ dim int }

func (u *unitEmbedder) Dimensions() int             { return u.dim }
func (u *unitEmbedder) Probe(context.Context) error { return nil }

func (u *unitEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, u.dim)
		hash := fnv.New32a()
		for j := 0; j < u.dim; j++ {
			hash.Write([]byte(text))
			vec[j] = float32(hash.Sum32()%1000)/500 - 1
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		n := float32(math.Sqrt(norm))
		for j := range vec {
			vec[j] /= n
		}
		out[i] = vec
	}
	return out, nil
}

type fixedProviders struct{ embed embeddings.Client }

func (f *fixedProviders) EmbeddingFor(context.Context, uuid.UUID) (embeddings.Client, error) {
	return f.embed, nil
}

func (f *fixedProviders) ChatFor(context.Context, uuid.UUID, string) (llm.ChatClient, error) {
	return nil, fmt.Errorf("chat not configured in this test")
}

type apiFixture struct {
	router   *gin.Engine
	store    *store.Memory
	pipeline *ingest.Pipeline
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	index := vectorstore.NewChromemIndex()
	fake := &fixedProviders{embed: &unitEmbedder{dim: 8}}

	sec, err := secrets.OpenBadger(secrets.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sec.Close() })
	registry := providers.NewRegistry(mem, sec)

	pipeline := ingest.NewPipeline(mem, index, fake, t.TempDir())
	engine := operations.NewEngine(mem, index, fake)
	executor := workflow.NewExecutor(mem, index, fake)
	coordinator := workflow.NewCoordinator(mem, executor)
	sessions := session.NewService(mem)

	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Store:        mem,
		Pipeline:     pipeline,
		Engine:       engine,
		Executor:     executor,
		Coordinator:  coordinator,
		Sessions:     sessions,
		Settings:     &handlers.Settings{Store: mem, Secrets: sec, Registry: registry, Index: index},
		AuthProvider: tokenAuth{},
	})
	return &apiFixture{router: router, store: mem, pipeline: pipeline}
}

type principal struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	role     string
}

func newPrincipal(role string) principal {
	return principal{tenantID: uuid.New(), userID: uuid.New(), role: role}
}

func (p principal) token() string {
	return fmt.Sprintf("%s/%s/%s", p.tenantID, p.userID, p.role)
}

func (f *apiFixture) do(t *testing.T, p principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(blob)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) upload(t *testing.T, p principal, filename, content string) string {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.token())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp datatypes.DocumentUploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.DocumentUploading, resp.Status)

	f.pipeline.Wait()
	return resp.DocumentID
}

func TestDocumentsAPI_UploadAndFetch(t *testing.T) {
	f := newAPIFixture(t)
	owner := newPrincipal(middleware.RoleUser)

	docID := f.upload(t, owner, "facts.txt", "The capital of France is Paris.")

	rec := f.do(t, owner, http.MethodGet, "/api/v1/documents/"+docID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc store.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, store.DocumentCompleted, doc.Status)
	assert.Greater(t, doc.ChunkCount, 0)

	rec = f.do(t, owner, http.MethodGet, "/api/v1/documents/"+docID+"/chunks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, owner, http.MethodGet, "/api/v1/documents?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), docID)
}

func TestDocumentsAPI_TenantIsolation(t *testing.T) {
	f := newAPIFixture(t)
	tenantA := newPrincipal(middleware.RoleUser)
	tenantB := newPrincipal(middleware.RoleUser)

	docID := f.upload(t, tenantA, "secret.txt", "The launch code is 12345.")

	// Direct reads by id cross-tenant are 404, not 403.
	rec := f.do(t, tenantB, http.MethodGet, "/api/v1/documents/"+docID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, tenantB, http.MethodGet, "/api/v1/documents/"+docID+"/chunks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Semantic search cannot surface the other tenant's content.
	rec = f.do(t, tenantB, http.MethodPost, "/api/v1/documents/search",
		datatypes.DocumentSearchRequest{Query: "The launch code is 12345."})
	require.Equal(t, http.StatusOK, rec.Code)
	var searchResp struct {
		Results []datatypes.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &searchResp))
	assert.Empty(t, searchResp.Results)

	// The owner does find it.
	rec = f.do(t, tenantA, http.MethodPost, "/api/v1/documents/search",
		datatypes.DocumentSearchRequest{Query: "The launch code is 12345."})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &searchResp))
	assert.NotEmpty(t, searchResp.Results)
}

func TestSessionsAPI_ContextFlow(t *testing.T) {
	f := newAPIFixture(t)
	user := newPrincipal(middleware.RoleUser)

	rec := f.do(t, user, http.MethodPost, "/api/v1/workflows/sessions",
		datatypes.CreateSessionRequest{Title: "research"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess store.ConversationSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, store.ModeAuto, sess.Mode)

	// rag_only without documents is rejected.
	rec = f.do(t, user, http.MethodPut, "/api/v1/sessions/"+sess.ID.String()+"/mode",
		datatypes.UpdateModeRequest{Mode: store.ModeRAGOnly})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	docID := f.upload(t, user, "notes.txt", "Useful context for the session.")
	rec = f.do(t, user, http.MethodPost, "/api/v1/sessions/"+sess.ID.String()+"/documents",
		datatypes.AddSessionDocumentRequest{DocumentID: docID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, user, http.MethodPut, "/api/v1/sessions/"+sess.ID.String()+"/mode",
		datatypes.UpdateModeRequest{Mode: store.ModeRAGOnly})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, user, http.MethodGet, "/api/v1/sessions/"+sess.ID.String()+"/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessionContext session.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessionContext))
	assert.Equal(t, store.ModeRAGOnly, sessionContext.Mode)
	assert.Equal(t, 1, sessionContext.TotalDocuments)
	assert.Greater(t, sessionContext.TotalChunks, int64(0))

	// Removing the document flips the bridge inactive.
	rec = f.do(t, user, http.MethodDelete,
		"/api/v1/sessions/"+sess.ID.String()+"/documents/"+docID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, user, http.MethodGet, "/api/v1/sessions/"+sess.ID.String()+"/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), docID)
}

func TestHITLAPI_RespondAndReplay(t *testing.T) {
	f := newAPIFixture(t)
	user := newPrincipal(middleware.RoleUser)
	ctx := context.Background()

	execID := uuid.New()
	require.NoError(t, f.store.CreateExecution(ctx, &store.WorkflowExecution{
		ID:        execID,
		TenantID:  user.tenantID,
		UserID:    user.userID,
		SessionID: uuid.New(),
		ThreadID:  "thread-x",
		Status:    store.ExecutionInterrupted,
		StartedAt: time.Now(),
	}))
	approval := &store.HITLApproval{
		ID:          uuid.New(),
		ExecutionID: execID,
		TenantID:    user.tenantID,
		UserID:      user.userID,
		Prompt:      "Deploy to production?",
		Status:      store.ApprovalPending,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, f.store.CreateApproval(ctx, approval))

	rec := f.do(t, user, http.MethodGet, "/api/v1/hitl/approvals/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), approval.ID.String())

	approved := true
	rec = f.do(t, user, http.MethodPost, "/api/v1/hitl/approvals/"+approval.ID.String()+"/respond",
		datatypes.RespondApprovalRequest{Approved: &approved, Feedback: "ship it"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Replay is a conflict.
	rec = f.do(t, user, http.MethodPost, "/api/v1/hitl/approvals/"+approval.ID.String()+"/respond",
		datatypes.RespondApprovalRequest{Approved: &approved})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Cross-tenant reads are 404.
	stranger := newPrincipal(middleware.RoleUser)
	rec = f.do(t, stranger, http.MethodGet, "/api/v1/hitl/approvals/"+approval.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Unauthenticated(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestSettingsAPI_RoleAndDimensionGuard(t *testing.T) {
	f := newAPIFixture(t)
	admin := newPrincipal(middleware.RoleTenantAdmin)
	user := principal{tenantID: admin.tenantID, userID: uuid.New(), role: middleware.RoleUser}

	body := datatypes.EmbeddingProviderSettings{
		Provider:   "local",
		Model:      "all-minilm",
		Dimensions: 8,
		BaseURL:    "http://localhost:9090/embed",
	}

	// Plain users cannot change settings.
	rec := f.do(t, user, http.MethodPut, "/api/v1/settings/embedding-provider", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, admin, http.MethodPut, "/api/v1/settings/embedding-provider", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Changing dimensions against the existing collection is a conflict.
	body.Dimensions = 16
	rec = f.do(t, admin, http.MethodPut, "/api/v1/settings/embedding-provider", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "dimension")

	// Reads never expose credentials.
	rec = f.do(t, admin, http.MethodGet, "/api/v1/settings/embedding-provider", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "api_key")
}
