// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

var (
	ChunkSize    = 1000
	ChunkOverlap = int(float64(ChunkSize) * 0.10) // overlap is 10% of the chunk size

	defaultSeparators = []string{"\n\n", "\n", " ", ""}

	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// SplitterFor returns a recursive character splitter tuned for the file
// type.
func SplitterFor(filename string) textsplitter.TextSplitter {
	switch filepath.Ext(filename) {
	case ".md":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(ChunkSize),
			textsplitter.WithChunkOverlap(ChunkOverlap),
			textsplitter.WithSeparators(markdownSeparators),
		)
	default:
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(ChunkSize),
			textsplitter.WithChunkOverlap(ChunkOverlap),
			textsplitter.WithSeparators(defaultSeparators),
		)
	}
}

// SplitChunk is one contiguous slice of document text.
type SplitChunk struct {
	Index     int
	Content   string
	StartChar int
	EndChar   int
}

// Split chunks the parsed text and locates each chunk's character offsets
// in the source.
func Split(filename, content string) ([]SplitChunk, error) {
	pieces, err := SplitterFor(filename).SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("split content: %w", err)
	}

	chunks := make([]SplitChunk, 0, len(pieces))
	searchFrom := 0
	for i, piece := range pieces {
		start := strings.Index(content[searchFrom:], piece)
		if start >= 0 {
			start += searchFrom
			// Overlapping chunks may begin before the previous chunk ends.
			searchFrom = start + 1
		} else {
			start = -1
		}
		chunk := SplitChunk{Index: i, Content: piece, StartChar: start, EndChar: -1}
		if start >= 0 {
			chunk.EndChar = start + len(piece)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// estimateTokens approximates token counts at four characters per token.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
