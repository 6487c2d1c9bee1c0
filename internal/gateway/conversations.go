package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"chatgw/internal/storage"
)

// loadOwnedConversation resolves {id}, checks the owner-key hash, and writes
// the appropriate error response on failure.
func (s *Service) loadOwnedConversation(w http.ResponseWriter, r *http.Request) (storage.Conversation, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id format")
		return storage.Conversation{}, false
	}

	conv, err := s.store.GetConversation(r.Context(), id.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
		} else {
			s.logger.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("failed to load conversation")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return storage.Conversation{}, false
	}

	if conv.APIKeyHash != "" && conv.APIKeyHash != hashAPIKey(apiKeyFrom(r)) {
		writeError(w, http.StatusForbidden, "access denied to this conversation")
		return storage.Conversation{}, false
	}
	return conv, true
}

func (s *Service) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset := queryUint(r, "offset", 0)
	limit := queryUint(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	convs, err := s.store.ListConversations(ctx, hashAPIKey(apiKeyFrom(r)), offset, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestIDFrom(ctx)).Msg("failed to list conversations")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		count, err := s.store.CountMessages(ctx, c.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("conversation_id", c.ID).Msg("failed to count messages")
		}
		out = append(out, conversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
			MessageCount: count,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadOwnedConversation(w, r)
	if !ok {
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), conv.ID, 0, 1000)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := conversationHistory{
		Conversation: conversationSummary{
			ID:           conv.ID,
			Title:        conv.Title,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
			MessageCount: int64(len(msgs)),
		},
		Messages: make([]messagePublic, 0, len(msgs)),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messagePublic{
			ID:               m.ID,
			ConversationID:   m.ConversationID,
			Role:             m.Role,
			Content:          m.Content,
			Model:            m.Model,
			RequestID:        m.RequestID,
			FinishReason:     m.FinishReason,
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			TotalTokens:      m.TotalTokens,
			ElapsedMS:        m.ElapsedMS,
			CreatedAt:        m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadOwnedConversation(w, r)
	if !ok {
		return
	}

	var payload updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.UpdateConversationTitle(r.Context(), conv.ID, payload.Title); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to update conversation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":         "conversation updated",
		"conversation_id": conv.ID,
	})
}

func (s *Service) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadOwnedConversation(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to delete conversation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "conversation deleted"})
}

func queryUint(r *http.Request, name string, def uint64) uint64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
