package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
)

// LocalLlamaCppClient talks to a llama.cpp server's /completion endpoint.
// Streaming is emulated: the full completion is generated, then delivered
// as a single delta.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

var _ ChatClient = (*LocalLlamaCppClient)(nil)

type localCompletionPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type localCompletionResponse struct {
	Content         string `json:"content"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	TokensPredicted int    `json:"tokens_predicted"`
}

func NewLocalLlamaCppClient(cfg Config) (*LocalLlamaCppClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llama.cpp base url not configured")
	}
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
	}, nil
}

// flattenMessages renders a chat transcript into a single prompt for the
// bare completion endpoint.
func flattenMessages(messages []datatypes.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case datatypes.RoleSystem:
			sb.WriteString(m.Content)
			sb.WriteString("\n\n")
		case datatypes.RoleUser:
			sb.WriteString("User: ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		case datatypes.RoleAssistant:
			sb.WriteString("Assistant: ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Assistant:")
	return sb.String()
}

func (l *LocalLlamaCppClient) Complete(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (*Completion, error) {

	payload := localCompletionPayload{
		Prompt:      flattenMessages(messages),
		NPredict:    512,
		Temperature: params.Temperature,
		TopK:        params.TopK,
		TopP:        params.TopP,
		Stop:        params.Stop,
	}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal llama.cpp request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create llama.cpp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, NewProviderError("local", KindTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError("local", KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewProviderError("local", ClassifyStatus(resp.StatusCode),
			fmt.Errorf("llama.cpp failed with status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed localCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError("local", KindPermanent,
			fmt.Errorf("failed to parse llama.cpp response: %w", err))
	}

	tokensIn := parsed.TokensEvaluated
	tokensOut := parsed.TokensPredicted
	if tokensIn == 0 {
		tokensIn = estimateTokens(promptBytes(messages))
	}
	if tokensOut == 0 {
		tokensOut = estimateTokens(len(parsed.Content))
	}
	return &Completion{
		Text:      parsed.Content,
		Model:     l.model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}, nil
}

func (l *LocalLlamaCppClient) Stream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, fn StreamFunc) (*Completion, error) {

	completion, err := l.Complete(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	if completion.Text != "" {
		if err := fn(completion.Text); err != nil {
			return nil, err
		}
	}
	return completion, nil
}
