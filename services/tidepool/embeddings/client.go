// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embeddings provides the embedding-provider capability used by
// ingestion and retrieval. Backends share the provider error taxonomy of
// the llm package.
package embeddings

import (
	"context"
)

// Client is the standard interface for any embedding backend.
type Client interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the output width of the configured model.
	Dimensions() int

	// Probe verifies the backend is reachable with the configured
	// credentials and model.
	Probe(ctx context.Context) error
}

// Config carries everything needed to build a backend. Credentials are
// resolved by the caller.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}
