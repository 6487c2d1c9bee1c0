// Package history persists conversations as a side effect of the request
// pipeline. Failures here must never surface to the client; callers log and
// continue.
package history

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatgw/internal/providers"
	"chatgw/internal/storage"
)

const maxTitleLen = 100

type Recorder struct {
	store  *storage.Store
	logger zerolog.Logger
}

func NewRecorder(store *storage.Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

type OutgoingMeta struct {
	Model        string
	RequestID    string
	FinishReason string
	Usage        *providers.Usage
	ElapsedMS    int64
}

// RecordIncoming resolves the referenced conversation or creates a new one,
// appends all incoming messages, and returns the conversation id. A reference
// that is malformed, missing, or owned by a different key silently starts a
// fresh conversation.
func (r *Recorder) RecordIncoming(ctx context.Context, conversationRef, ownerHash, model, requestID string, msgs []providers.ChatMessage) (string, error) {
	conversationID := ""
	if conversationRef != "" {
		if id, err := uuid.Parse(conversationRef); err == nil {
			conv, err := r.store.GetConversation(ctx, id.String())
			if err == nil && (conv.APIKeyHash == "" || conv.APIKeyHash == ownerHash) {
				conversationID = conv.ID
			}
		}
	}

	if conversationID == "" {
		conv, err := r.store.CreateConversation(ctx, DeriveTitle(msgs), ownerHash)
		if err != nil {
			return "", err
		}
		conversationID = conv.ID
		r.logger.Debug().Str("conversation_id", conversationID).Str("request_id", requestID).Msg("conversation created")
	}

	for _, m := range msgs {
		if _, err := r.store.InsertMessage(ctx, storage.Message{
			ConversationID: conversationID,
			Role:           m.Role,
			Content:        m.Content,
			Model:          model,
			RequestID:      requestID,
		}); err != nil {
			return conversationID, err
		}
	}
	return conversationID, nil
}

// RecordOutgoing appends the assistant message and bumps the conversation's
// updated_at.
func (r *Recorder) RecordOutgoing(ctx context.Context, conversationID, content string, meta OutgoingMeta) error {
	m := storage.Message{
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        content,
		Model:          meta.Model,
		RequestID:      meta.RequestID,
	}
	if meta.FinishReason != "" {
		m.FinishReason = &meta.FinishReason
	}
	if meta.Usage != nil {
		pt := int64(meta.Usage.PromptTokens)
		ct := int64(meta.Usage.CompletionTokens)
		tt := int64(meta.Usage.TotalTokens)
		m.PromptTokens, m.CompletionTokens, m.TotalTokens = &pt, &ct, &tt
	}
	if meta.ElapsedMS > 0 {
		m.ElapsedMS = &meta.ElapsedMS
	}
	_, err := r.store.InsertMessage(ctx, m)
	return err
}

// DeriveTitle takes the first user-role message as the conversation title,
// truncated to 100 characters with an ellipsis marker if longer.
func DeriveTitle(msgs []providers.ChatMessage) string {
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		runes := []rune(content)
		if len(runes) > maxTitleLen {
			return string(runes[:maxTitleLen]) + "..."
		}
		return content
	}
	return ""
}
