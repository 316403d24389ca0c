// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/Tidepool/services/tidepool/handlers"
	"github.com/AleutianAI/Tidepool/services/tidepool/ingest"
	"github.com/AleutianAI/Tidepool/services/tidepool/middleware"
	"github.com/AleutianAI/Tidepool/services/tidepool/operations"
	"github.com/AleutianAI/Tidepool/services/tidepool/session"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/workflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps is everything the route table wires together.
type Deps struct {
	Store        store.Store
	Pipeline     *ingest.Pipeline
	Engine       *operations.Engine
	Executor     *workflow.Executor
	Coordinator  *workflow.Coordinator
	Sessions     *session.Service
	Settings     *handlers.Settings
	AuthProvider middleware.AuthProvider
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(deps.AuthProvider))
	{
		documents := v1.Group("/documents")
		{
			documents.POST("/upload", handlers.UploadDocument(deps.Pipeline))
			documents.GET("", handlers.ListDocuments(deps.Store))
			documents.GET("/:id", handlers.GetDocument(deps.Store))
			documents.DELETE("/:id", handlers.DeleteDocument(deps.Pipeline))
			documents.GET("/:id/chunks", handlers.ListDocumentChunks(deps.Store))
			documents.POST("/search", handlers.SearchDocuments(deps.Pipeline))
		}

		llm := v1.Group("/llm")
		{
			llm.POST("/documents/summarize", handlers.SummarizeDocument(deps.Engine))
			llm.POST("/documents/ask", handlers.AskDocument(deps.Engine))
			llm.POST("/documents/transform", handlers.TransformDocument(deps.Engine))
			llm.GET("/documents/:id/summarize/latest", handlers.LatestSummary(deps.Store))
			llm.GET("/operations", handlers.ListOperations(deps.Engine))
			llm.GET("/operations/:id", handlers.GetOperation(deps.Engine))
			llm.DELETE("/operations/:id", handlers.CancelOperation(deps.Engine))
		}

		settings := v1.Group("/settings")
		{
			settings.GET("/embedding-provider", deps.Settings.GetEmbeddingProvider)
			settings.PUT("/embedding-provider", deps.Settings.PutEmbeddingProvider)
			settings.POST("/embedding-provider/test", deps.Settings.TestEmbeddingProvider)
			settings.GET("/llm-provider", deps.Settings.GetChatProvider)
			settings.PUT("/llm-provider", deps.Settings.PutChatProvider)
		}

		workflows := v1.Group("/workflows")
		{
			workflows.POST("/execute", handlers.ExecuteWorkflow(deps.Executor))
			workflows.GET("/execute/stream", handlers.StreamWorkflow(deps.Executor))
			workflows.POST("/resume", handlers.ResumeWorkflow(deps.Executor, deps.Store))
			workflows.POST("/sessions", handlers.CreateSession(deps.Sessions))
			workflows.GET("/sessions", handlers.ListSessions(deps.Sessions))
			workflows.GET("/sessions/:id", handlers.GetSession(deps.Sessions))
			workflows.GET("/sessions/:id/messages", handlers.ListSessionMessages(deps.Sessions))
			workflows.POST("/sessions/:id/messages", handlers.AddSessionMessage(deps.Sessions))
		}

		sessions := v1.Group("/sessions")
		{
			sessions.POST("/:id/documents", handlers.AddSessionDocument(deps.Sessions))
			sessions.DELETE("/:id/documents/:document_id", handlers.RemoveSessionDocument(deps.Sessions))
			sessions.GET("/:id/documents", handlers.ListSessionDocuments(deps.Sessions))
			sessions.PUT("/:id/mode", handlers.UpdateSessionMode(deps.Sessions))
			sessions.GET("/:id/context", handlers.GetSessionContext(deps.Sessions))
		}

		hitl := v1.Group("/hitl")
		{
			hitl.GET("/approvals/pending", handlers.ListPendingApprovals(deps.Coordinator))
			hitl.GET("/approvals", handlers.ListApprovals(deps.Coordinator))
			hitl.GET("/approvals/:id", handlers.GetApproval(deps.Coordinator))
			hitl.POST("/approvals/:id/respond", handlers.RespondApproval(deps.Coordinator))
		}
	}
}
