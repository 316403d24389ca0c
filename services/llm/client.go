package llm

import (
	"context"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Completion is the result of a chat call, including usage accounting.
type Completion struct {
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostEstimate float64 `json:"cost_estimate"`
}

// StreamFunc receives each text delta as it arrives. Returning an error
// aborts the stream.
type StreamFunc func(delta string) error

// ChatClient is the standard interface for any chat backend.
type ChatClient interface {
	// Complete runs one chat completion and returns the full result.
	Complete(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*Completion, error)

	// Stream runs one chat completion, invoking fn for each delta, and
	// returns the accumulated result.
	Stream(ctx context.Context, messages []datatypes.Message, params GenerationParams, fn StreamFunc) (*Completion, error)
}

// Config carries everything needed to build a backend client. Credentials
// are resolved by the caller (registry + secret store), never read from the
// environment here.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// estimateTokens approximates token usage at 4 bytes per token for
// backends that do not report usage. byteLen is the UTF-8 length.
func estimateTokens(byteLen int) int {
	n := (byteLen + 3) / 4
	if n == 0 && byteLen > 0 {
		n = 1
	}
	return n
}

func promptBytes(messages []datatypes.Message) int {
	var n int
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}
