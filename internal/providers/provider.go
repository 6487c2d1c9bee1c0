package providers

import (
	"context"
	"errors"
)

// ErrBadRequest marks client input the upstream rejected (malformed payload,
// unknown model). Calls failing with it must not be retried.
var ErrBadRequest = errors.New("bad request")

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
	Stream      bool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponseChunk is one element of a streamed response. Err is set in-band
// when the upstream stream breaks after establishment; the channel is closed
// right after such a chunk.
type ChatResponseChunk struct {
	ID           string
	Model        string
	Created      int64
	Delta        string
	FinishReason string
	Usage        *Usage
	Err          error
}

type ChatResponseFull struct {
	ID           string
	Model        string
	Created      int64
	Content      string
	FinishReason string
	Usage        *Usage
}

// Provider is an upstream chat-completion capability.
//
// GenerateStream returns a lazy, finite, one-shot sequence: the channel is
// fed by a single producer, closed on exhaustion, and never reused. Callers
// that stop receiving must cancel ctx to release the producer.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req ChatRequest) (ChatResponseFull, error)
	GenerateStream(ctx context.Context, req ChatRequest) (<-chan ChatResponseChunk, error)
}
