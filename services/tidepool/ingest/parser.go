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
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ErrParse marks unrecoverable parse failures, including empty documents.
var ErrParse = errors.New("parse error")

// Parser extracts plain text from one document format. PDF and DOCX
// parsers plug in here; the built-ins cover text and markdown.
type Parser interface {
	Parse(content []byte) (string, error)
}

var parsers = map[string]Parser{
	".txt": textParser{},
	".md":  markdownParser{md: goldmark.New()},
}

// RegisterParser plugs in a parser for a file extension (".pdf" etc).
func RegisterParser(ext string, p Parser) {
	parsers[strings.ToLower(ext)] = p
}

// ParserFor selects a parser by filename extension.
func ParserFor(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	p, ok := parsers[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file type %q: %w", ext, ErrParse)
	}
	return p, nil
}

type textParser struct{}

func (textParser) Parse(content []byte) (string, error) {
	out := strings.TrimSpace(string(content))
	if out == "" {
		return "", fmt.Errorf("document is empty: %w", ErrParse)
	}
	return out, nil
}

// markdownParser strips markup by walking the goldmark AST and collecting
// text segments, so headings and emphasis don't leak syntax into chunks.
type markdownParser struct {
	md goldmark.Markdown
}

func (p markdownParser) Parse(content []byte) (string, error) {
	root := p.md.Parser().Parse(text.NewReader(content))

	var sb strings.Builder
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if _, isBlock := n.(*ast.Paragraph); isBlock {
				sb.WriteString("\n\n")
			}
			if _, isHeading := n.(*ast.Heading); isHeading {
				sb.WriteString("\n\n")
			}
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(content))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(content))
			}
			sb.WriteString("\n")
		case *ast.AutoLink:
			sb.Write(t.URL(content))
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("walk markdown: %w", err)
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("document is empty: %w", ErrParse)
	}
	return out, nil
}
