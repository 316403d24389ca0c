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
	"log/slog"
	"strings"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"

	// transformWindowChars bounds one provider call's input. Longer
	// documents are processed in ordered windows and concatenated.
	transformWindowChars = 12000
)

// TransformParams are the caller-facing options.
type TransformParams struct {
	Instruction  string
	Model        string
	OutputFormat string
}

// Transform starts a document transformation operation.
func (e *Engine) Transform(ctx context.Context, tenantID, userID, documentID uuid.UUID, params TransformParams) (*store.LLMOperation, error) {
	doc, err := e.getDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	switch params.OutputFormat {
	case "":
		params.OutputFormat = FormatText
	case FormatText, FormatMarkdown, FormatJSON:
	default:
		return nil, fmt.Errorf("unknown output_format %q", params.OutputFormat)
	}

	op := &store.LLMOperation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		DocumentID:    &documentID,
		OperationType: store.OpTransform,
		InputData: store.JSONMap{
			"instruction":   params.Instruction,
			"model":         params.Model,
			"output_format": params.OutputFormat,
		},
	}

	filename := doc.Filename
	return e.submit(ctx, op, func(ctx context.Context, op *store.LLMOperation) (*result, error) {
		return e.runTransform(ctx, op, filename, params)
	})
}

func formatInstruction(outputFormat string) string {
	switch outputFormat {
	case FormatMarkdown:
		return " Format the output as Markdown."
	case FormatJSON:
		return " Format the output as JSON. Respond with a single well-formed JSON value and nothing else."
	default:
		return ""
	}
}

// windows slices content into ordered pieces of at most transformWindowChars.
func windows(content string) []string {
	if len(content) <= transformWindowChars {
		return []string{content}
	}
	var out []string
	for len(content) > 0 {
		n := transformWindowChars
		if n > len(content) {
			n = len(content)
		} else if cut := strings.LastIndex(content[:n], "\n\n"); cut > transformWindowChars/2 {
			// Prefer breaking on a paragraph boundary.
			n = cut
		}
		out = append(out, content[:n])
		content = strings.TrimLeft(content[n:], "\n")
	}
	return out
}

func (e *Engine) runTransform(ctx context.Context, op *store.LLMOperation, filename string, params TransformParams) (*result, error) {
	content, err := e.documentContent(ctx, op.TenantID, *op.DocumentID)
	if err != nil {
		return nil, err
	}

	parts := windows(content)
	if params.OutputFormat == FormatJSON && len(parts) > 1 {
		// A JSON transform must be one well-formed value; concatenated
		// windows cannot be. Process the capped head only.
		slog.Info("JSON transform input truncated to one window", "operation_id", op.ID)
		parts = parts[:1]
	}

	chat, err := e.registry.ChatFor(ctx, op.TenantID, params.Model)
	if err != nil {
		return nil, err
	}

	system := "You are a document transformation assistant. Follow the user's instruction to " +
		"transform the document." + formatInstruction(params.OutputFormat)
	temp := float32(0.5)

	var outputs []string
	var model string
	var tokens int
	var cost float64
	for i, part := range parts {
		section := filename
		if len(parts) > 1 {
			section = fmt.Sprintf("%s (part %d of %d)", filename, i+1, len(parts))
		}
		messages := []datatypes.Message{
			{Role: datatypes.RoleSystem, Content: system},
			{Role: datatypes.RoleUser, Content: fmt.Sprintf(
				"Document: %s\n\nContent:\n%s\n\nInstruction: %s", section, part, params.Instruction)},
		}
		completion, err := chat.Complete(ctx, messages, llm.GenerationParams{Temperature: &temp})
		if err != nil {
			return nil, err
		}
		text := completion.Text
		model = completion.Model
		tokens += completion.TokensIn + completion.TokensOut
		cost += completion.CostEstimate

		if params.OutputFormat == FormatJSON {
			text, err = e.ensureJSON(ctx, chat, messages, text, &tokens, &cost)
			if err != nil {
				return nil, err
			}
		}
		outputs = append(outputs, text)
	}

	return &result{
		output: store.JSONMap{
			"transformed_content": strings.Join(outputs, "\n\n"),
			"output_format":       params.OutputFormat,
		},
		model:  model,
		tokens: tokens,
		cost:   cost,
	}, nil
}

// ensureJSON validates provider output, retrying once with a corrective
// system prompt before failing the operation.
func (e *Engine) ensureJSON(ctx context.Context, chat llm.ChatClient, messages []datatypes.Message,
	text string, tokens *int, cost *float64) (string, error) {

	cleaned := stripCodeFence(text)
	if gjson.Valid(cleaned) {
		return cleaned, nil
	}
	slog.Warn("Transform output is not valid JSON, retrying with corrective prompt")

	corrective := append([]datatypes.Message{{
		Role: datatypes.RoleSystem,
		Content: "Your previous output was not well-formed JSON. Respond again with a single " +
			"well-formed JSON value only, with no surrounding prose or code fences.",
	}}, messages[1:]...)
	temp := float32(0.2)
	completion, err := chat.Complete(ctx, corrective, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return "", err
	}
	*tokens += completion.TokensIn + completion.TokensOut
	*cost += completion.CostEstimate

	cleaned = stripCodeFence(completion.Text)
	if !gjson.Valid(cleaned) {
		return "", fmt.Errorf("provider output is not valid JSON after retry")
	}
	return cleaned, nil
}

// stripCodeFence unwraps ```json ... ``` blocks that chat models like to
// emit around structured output.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
