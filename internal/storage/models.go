package storage

import "time"

type Conversation struct {
	ID         string
	Title      string
	APIKeyHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Message struct {
	ID               string
	ConversationID   string
	Role             string
	Content          string
	Model            string
	RequestID        string
	FinishReason     *string
	PromptTokens     *int64
	CompletionTokens *int64
	TotalTokens      *int64
	ElapsedMS        *int64
	CreatedAt        time.Time
}
