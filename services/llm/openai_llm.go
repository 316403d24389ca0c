package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ ChatClient = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, NewProviderError("openai", KindAuth, fmt.Errorf("api key not configured"))
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// openAICostPerToken maps model prefixes to USD per token (input, output).
// Unknown models estimate zero cost rather than guessing.
var openAICostPerToken = map[string][2]float64{
	"gpt-4o-mini": {0.15e-6, 0.60e-6},
	"gpt-4o":      {2.50e-6, 10.00e-6},
	"gpt-4":       {30.00e-6, 60.00e-6},
}

func openAICost(model string, tokensIn, tokensOut int) float64 {
	for prefix, rates := range openAICostPerToken {
		if strings.HasPrefix(model, prefix) {
			return float64(tokensIn)*rates[0] + float64(tokensOut)*rates[1]
		}
	}
	return 0
}

func (o *OpenAIClient) buildRequest(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{Model: o.model}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

func classifyOpenAIError(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError("openai", ClassifyStatus(apiErr.HTTPStatusCode), err)
	}
	// Network-level failures are worth a retry.
	return NewProviderError("openai", KindTransient, err)
}

func (o *OpenAIClient) Complete(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (*Completion, error) {

	slog.Debug("Generating text via OpenAI", "model", o.model)
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, params))
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", KindTransient, fmt.Errorf("no choices returned"))
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		TokensIn:     resp.Usage.PromptTokens,
		TokensOut:    resp.Usage.CompletionTokens,
		CostEstimate: openAICost(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

func (o *OpenAIClient) Stream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, fn StreamFunc) (*Completion, error) {

	req := o.buildRequest(messages, params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI stream start failed", "error", err)
		return nil, classifyOpenAIError(err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if err := fn(delta); err != nil {
			return nil, err
		}
	}

	text := sb.String()
	tokensIn := estimateTokens(promptBytes(messages))
	tokensOut := estimateTokens(len(text))
	return &Completion{
		Text:         text,
		Model:        o.model,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		CostEstimate: openAICost(o.model, tokensIn, tokensOut),
	}, nil
}
