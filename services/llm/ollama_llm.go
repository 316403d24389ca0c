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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tidepool.llm.ollama")

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

var _ ChatClient = (*OllamaClient)(nil)

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []datatypes.Message    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         datatypes.Message `json:"message"`
	CreatedAt       string            `json:"created_at"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base url not configured")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model not configured")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", cfg.Model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      cfg.Model,
	}, nil
}

func (o *OllamaClient) options(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func (o *OllamaClient) post(ctx context.Context, payload ollamaChatRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, NewProviderError("ollama", KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		kind := ClassifyStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(body), "model") {
			slog.Warn("Ollama model not found", "model", o.model)
			kind = KindModelNotFound
		}
		return nil, NewProviderError("ollama", kind,
			fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(body)))
	}
	return resp, nil
}

func (o *OllamaClient) Complete(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (*Completion, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	resp, err := o.post(ctx, ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options:  o.options(params),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError("ollama", KindTransient, err)
	}
	var ollamaResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		slog.Error("Failed to parse JSON chat response from Ollama", "error", err)
		return nil, NewProviderError("ollama", KindPermanent,
			fmt.Errorf("failed to parse Ollama response: %w", err))
	}
	if ollamaResp.Message.Role != datatypes.RoleAssistant {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", ollamaResp.Message.Role)
	}
	return o.completion(ollamaResp.Message.Content, messages, ollamaResp.PromptEvalCount, ollamaResp.EvalCount), nil
}

func (o *OllamaClient) Stream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, fn StreamFunc) (*Completion, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.post(ctx, ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  o.options(params),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	// Ollama streams one JSON object per line.
	var sb strings.Builder
	var tokensIn, tokensOut int
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, NewProviderError("ollama", KindPermanent,
				fmt.Errorf("failed to parse Ollama stream chunk: %w", err))
		}
		if chunk.Message.Content != "" {
			sb.WriteString(chunk.Message.Content)
			if err := fn(chunk.Message.Content); err != nil {
				return nil, err
			}
		}
		if chunk.Done {
			tokensIn = chunk.PromptEvalCount
			tokensOut = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError("ollama", KindTransient, err)
	}
	return o.completion(sb.String(), messages, tokensIn, tokensOut), nil
}

func (o *OllamaClient) completion(text string, messages []datatypes.Message, tokensIn, tokensOut int) *Completion {
	if tokensIn == 0 {
		tokensIn = estimateTokens(promptBytes(messages))
	}
	if tokensOut == 0 {
		tokensOut = estimateTokens(len(text))
	}
	// Local inference has no metered cost.
	return &Completion{
		Text:      text,
		Model:     o.model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}
}
