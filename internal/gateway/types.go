package gateway

import (
	"time"

	"chatgw/internal/providers"
)

// Canonical inbound/outbound shapes.

type MessagesRequest struct {
	Model          string                  `json:"model"`
	Messages       []providers.ChatMessage `json:"messages"`
	Temperature    float64                 `json:"temperature,omitempty"`
	MaxTokens      int                     `json:"max_tokens,omitempty"`
	Stream         bool                    `json:"stream,omitempty"`
	ConversationID string                  `json:"conversation_id,omitempty"`
}

type MessagesResponse struct {
	ID             string           `json:"id"`
	Model          string           `json:"model"`
	Created        int64            `json:"created"`
	Content        string           `json:"content"`
	FinishReason   string           `json:"finish_reason,omitempty"`
	Usage          *providers.Usage `json:"usage,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

type streamChunk struct {
	ID             string `json:"id"`
	Model          string `json:"model"`
	Created        int64  `json:"created"`
	Delta          string `json:"delta"`
	FinishReason   string `json:"finish_reason,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// OpenAI-compatible shapes (subset).

type oaChatRequest struct {
	Model       string                  `json:"model"`
	Messages    []providers.ChatMessage `json:"messages"`
	Temperature float64                 `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
}

type oaChoice struct {
	Index        int                   `json:"index"`
	Message      providers.ChatMessage `json:"message"`
	FinishReason string                `json:"finish_reason,omitempty"`
}

type oaChatResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []oaChoice       `json:"choices"`
	Usage   *providers.Usage `json:"usage,omitempty"`
}

type oaDelta struct {
	Content string `json:"content"`
}

type oaStreamChoice struct {
	Index        int     `json:"index"`
	Delta        oaDelta `json:"delta"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type oaStreamChunk struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []oaStreamChoice `json:"choices"`
}

type oaError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type oaErrorEvent struct {
	Error oaError `json:"error"`
}

// Conversation REST shapes.

type conversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int64     `json:"message_count"`
}

type messagePublic struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Model            string    `json:"model,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	FinishReason     *string   `json:"finish_reason,omitempty"`
	PromptTokens     *int64    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64    `json:"completion_tokens,omitempty"`
	TotalTokens      *int64    `json:"total_tokens,omitempty"`
	ElapsedMS        *int64    `json:"elapsed_ms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type conversationHistory struct {
	Conversation conversationSummary `json:"conversation"`
	Messages     []messagePublic     `json:"messages"`
}

type updateConversationRequest struct {
	Title string `json:"title"`
}
