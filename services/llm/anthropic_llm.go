package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicDefaultURL = "https://api.anthropic.com/v1/messages"
	anthropicMaxTokens  = 4096
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent covers the subset of stream events we consume.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage   anthropicUsage  `json:"usage"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Error *anthropicError `json:"error"`
}

type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

var _ ChatClient = (*AnthropicClient)(nil)

func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, NewProviderError("anthropic", KindAuth, fmt.Errorf("api key not configured"))
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic model not configured")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultURL
	}
	slog.Info("Initializing Anthropic client", "model", cfg.Model)
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    baseURL,
	}, nil
}

// splitSystem separates the system prompt (top-level field on the Anthropic
// API) from the user/assistant turns.
func splitSystem(messages []datatypes.Message) (string, []anthropicMessage) {
	var system strings.Builder
	var turns []anthropicMessage
	for _, m := range messages {
		if m.Role == datatypes.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		turns = append(turns, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return system.String(), turns
}

func (a *AnthropicClient) buildRequest(messages []datatypes.Message, params GenerationParams, stream bool) anthropicRequest {
	system, turns := splitSystem(messages)
	req := anthropicRequest{
		Model:     a.model,
		Messages:  turns,
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	req.Temperature = params.Temperature
	req.TopP = params.TopP
	req.TopK = params.TopK
	req.StopSeqs = params.Stop
	return req
}

func (a *AnthropicClient) do(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Anthropic request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewProviderError("anthropic", KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		perr := NewProviderError("anthropic", ClassifyStatus(resp.StatusCode),
			fmt.Errorf("anthropic failed with status %d: %s", resp.StatusCode, string(respBody)))
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra, parseErr := time.ParseDuration(resp.Header.Get("retry-after") + "s"); parseErr == nil {
				perr.RetryAfter = ra
			}
		}
		return nil, perr
	}
	return resp, nil
}

func (a *AnthropicClient) Complete(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (*Completion, error) {

	slog.Debug("Generating text via Anthropic", "model", a.model)
	resp, err := a.do(ctx, a.buildRequest(messages, params, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError("anthropic", KindTransient, err)
	}
	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError("anthropic", KindPermanent,
			fmt.Errorf("failed to parse Anthropic response: %w", err))
	}
	if parsed.Error != nil {
		return nil, NewProviderError("anthropic", KindPermanent,
			fmt.Errorf("anthropic error %s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	model := parsed.Model
	if model == "" {
		model = a.model
	}
	return &Completion{
		Text:      sb.String(),
		Model:     model,
		TokensIn:  parsed.Usage.InputTokens,
		TokensOut: parsed.Usage.OutputTokens,
	}, nil
}

func (a *AnthropicClient) Stream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, fn StreamFunc) (*Completion, error) {

	resp, err := a.do(ctx, a.buildRequest(messages, params, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sb strings.Builder
	var usage anthropicUsage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue // interleaved ping/comment frames
		}
		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				sb.WriteString(event.Delta.Text)
				if err := fn(event.Delta.Text); err != nil {
					return nil, err
				}
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "error":
			if event.Error != nil {
				return nil, NewProviderError("anthropic", KindTransient,
					fmt.Errorf("anthropic stream error %s: %s", event.Error.Type, event.Error.Message))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError("anthropic", KindTransient, err)
	}

	text := sb.String()
	if usage.InputTokens == 0 {
		usage.InputTokens = estimateTokens(promptBytes(messages))
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = estimateTokens(len(text))
	}
	return &Completion{
		Text:      text,
		Model:     a.model,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
	}, nil
}
