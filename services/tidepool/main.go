// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

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
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "tidepool-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("tidepool-backend")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// vectorIndex picks Weaviate when configured, else the embedded store.
func vectorIndex(dataDir string) vectorstore.Index {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")

	if weaviateURL != "" && strings.Contains(weaviateURL, "http") {
		parsedURL, err := url.Parse(weaviateURL)
		if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
			slog.Warn("WEAVIATE_SERVICE_URL is invalid. Falling back to embedded vector store.",
				"url", weaviateURL, "error", err)
		} else {
			client, err := weaviate.NewClient(weaviate.Config{
				Host:   parsedURL.Host,
				Scheme: parsedURL.Scheme,
			})
			if err != nil {
				slog.Error("Failed to create Weaviate client, falling back to embedded vector store", "error", err)
			} else {
				slog.Info("Using Weaviate vector index", "host", parsedURL.Host)
				return vectorstore.NewWeaviateIndex(client)
			}
		}
	} else {
		slog.Info("WEAVIATE_SERVICE_URL not set. Running in lightweight mode with the embedded vector store.")
	}

	index, err := vectorstore.NewPersistentChromemIndex(dataDir + "/vectorstore")
	if err != nil {
		log.Fatalf("Failed to open embedded vector store: %v", err)
	}
	return index
}

func main() {
	port := os.Getenv("TIDEPOOL_PORT")
	if port == "" {
		port = "12300"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	db, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	dataDir := os.Getenv("TIDEPOOL_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/tidepool"
	}

	secretStore, err := secrets.OpenBadger(secrets.DefaultConfig(dataDir + "/secrets"))
	if err != nil {
		log.Fatalf("Failed to open secret store: %v", err)
	}
	defer secretStore.Close()
	cachingSecrets := secrets.NewCachingStore(secretStore)
	defer cachingSecrets.Purge()

	index := vectorIndex(dataDir)

	registry := providers.NewRegistry(db, cachingSecrets)
	pipeline := ingest.NewPipeline(db, index, registry, dataDir+"/uploads")
	engine := operations.NewEngine(db, index, registry)
	executor := workflow.NewExecutor(db, index, registry)
	coordinator := workflow.NewCoordinator(db, executor)
	sessions := session.NewService(db)

	var authProvider middleware.AuthProvider
	if secret := os.Getenv("TIDEPOOL_JWT_SECRET"); secret != "" {
		authProvider = middleware.NewJWTProvider([]byte(secret))
	} else {
		slog.Warn("TIDEPOOL_JWT_SECRET not set; all requests authenticate as the local tenant admin")
		authProvider = localProvider()
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("tidepool-backend"))

	routes.SetupRoutes(router, routes.Deps{
		Store:        db,
		Pipeline:     pipeline,
		Engine:       engine,
		Executor:     executor,
		Coordinator:  coordinator,
		Sessions:     sessions,
		Settings:     &handlers.Settings{Store: db, Secrets: cachingSecrets, Registry: registry, Index: index},
		AuthProvider: authProvider,
	})

	log.Println("Starting the tidepool backend on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// localProvider pins a deterministic single-tenant principal for
// development installs without an identity provider.
func localProvider() middleware.AuthProvider {
	return &middleware.StaticProvider{Claims: middleware.Claims{
		TenantID: envUUID("TIDEPOOL_LOCAL_TENANT_ID", "11111111-1111-1111-1111-111111111111"),
		UserID:   envUUID("TIDEPOOL_LOCAL_USER_ID", "22222222-2222-2222-2222-222222222222"),
		Role:     middleware.RoleTenantAdmin,
	}}
}

func envUUID(envVar, fallback string) uuid.UUID {
	raw := os.Getenv(envVar)
	if raw == "" {
		raw = fallback
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		log.Fatalf("invalid %s: %v", envVar, err)
	}
	return id
}
