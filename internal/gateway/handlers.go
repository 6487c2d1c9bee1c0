package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chatgw/internal/billing"
	"chatgw/internal/history"
	"chatgw/internal/providers"
)

type requestScope struct {
	requestID string
	ownerHash string
	idemKey   string
	persist   bool
}

type httpError struct {
	status  int
	message string
}

func (s *Service) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateChatPayload(payload.Model, payload.Messages); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	apiKey := apiKeyFrom(r)
	scope := requestScope{
		requestID: requestIDFrom(ctx),
		ownerHash: hashAPIKey(apiKey),
		idemKey:   r.Header.Get("Idempotency-Key"),
		persist:   s.persist,
	}

	if err := s.admission.Acquire(ctx, apiKey); err != nil {
		// Client gave up while queued; nothing to answer.
		return
	}
	s.metrics.RequestsTotal.Inc()

	if payload.Stream {
		prov, normalized, err := s.resolver.Resolve(payload.Model)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		conversationID := ""
		if scope.persist {
			id, rerr := s.recorder.RecordIncoming(ctx, payload.ConversationID, scope.ownerHash, normalized, scope.requestID, payload.Messages)
			if rerr != nil {
				s.metrics.PersistenceFailures.Inc()
				s.logger.Error().Err(rerr).Str("request_id", scope.requestID).Msg("failed to record incoming messages")
			} else {
				conversationID = id
			}
		}

		preq := providers.ChatRequest{
			Model:       normalized,
			Messages:    payload.Messages,
			Temperature: payload.Temperature,
			MaxTokens:   payload.MaxTokens,
			Stream:      true,
		}
		s.streamResponse(w, r, prov, preq, streamScope{
			requestScope:   scope,
			model:          normalized,
			conversationID: conversationID,
		}, canonicalFramer{conversationID: conversationID})
		return
	}

	body, _, herr := s.completeBuffered(ctx, scope, payload)
	if herr != nil {
		writeError(w, herr.status, herr.message)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleChatCompletions is the OpenAI-compatible shim: the payload is mapped
// 1:1 onto the canonical shape (adding the default provider prefix) and the
// response re-wrapped. This surface never persists conversations.
func (s *Service) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload oaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeOAError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateChatPayload(payload.Model, payload.Messages); msg != "" {
		writeOAError(w, http.StatusBadRequest, msg)
		return
	}

	apiKey := apiKeyFrom(r)
	scope := requestScope{
		requestID: requestIDFrom(ctx),
		ownerHash: hashAPIKey(apiKey),
		idemKey:   r.Header.Get("Idempotency-Key"),
		persist:   false,
	}
	canonical := MessagesRequest{
		Model:       s.resolver.Normalize(payload.Model),
		Messages:    payload.Messages,
		Temperature: payload.Temperature,
		MaxTokens:   payload.MaxTokens,
		Stream:      payload.Stream,
	}

	if err := s.admission.Acquire(ctx, apiKey); err != nil {
		return
	}
	s.metrics.RequestsTotal.Inc()

	if canonical.Stream {
		prov, normalized, err := s.resolver.Resolve(canonical.Model)
		if err != nil {
			writeOAError(w, http.StatusBadRequest, err.Error())
			return
		}
		preq := providers.ChatRequest{
			Model:       normalized,
			Messages:    canonical.Messages,
			Temperature: canonical.Temperature,
			MaxTokens:   canonical.MaxTokens,
			Stream:      true,
		}
		s.streamResponse(w, r, prov, preq, streamScope{
			requestScope: scope,
			model:        normalized,
		}, oaFramer{})
		return
	}

	_, resp, herr := s.completeBuffered(ctx, scope, canonical)
	if herr != nil {
		writeOAError(w, herr.status, herr.message)
		return
	}
	writeJSON(w, http.StatusOK, oaChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []oaChoice{{
			Index:        0,
			Message:      providers.ChatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: resp.Usage,
	})
}

// completeBuffered runs an admitted non-streamed request end to end:
// idempotency lookup, provider resolution, incoming persistence, resilient
// provider call, outgoing persistence, response caching, usage reporting.
func (s *Service) completeBuffered(ctx context.Context, scope requestScope, req MessagesRequest) ([]byte, MessagesResponse, *httpError) {
	if scope.idemKey != "" {
		if body, ok, err := s.cache.Get(ctx, scope.idemKey); err != nil {
			s.logger.Warn().Err(err).Str("request_id", scope.requestID).Msg("idempotency lookup failed")
		} else if ok {
			s.metrics.IdempotentHits.Inc()
			var resp MessagesResponse
			_ = json.Unmarshal(body, &resp)
			return body, resp, nil
		}
	}

	prov, normalized, err := s.resolver.Resolve(req.Model)
	if err != nil {
		return nil, MessagesResponse{}, &httpError{http.StatusBadRequest, err.Error()}
	}

	conversationID := ""
	if scope.persist {
		id, rerr := s.recorder.RecordIncoming(ctx, req.ConversationID, scope.ownerHash, normalized, scope.requestID, req.Messages)
		if rerr != nil {
			s.metrics.PersistenceFailures.Inc()
			s.logger.Error().Err(rerr).Str("request_id", scope.requestID).Msg("failed to record incoming messages")
		} else {
			conversationID = id
		}
	}

	preq := providers.ChatRequest{
		Model:       normalized,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	start := time.Now()
	full, err := prov.Generate(ctx, preq)
	if err != nil {
		s.metrics.UpstreamErrors.Inc()
		s.logger.Error().Err(err).
			Str("request_id", scope.requestID).
			Str("provider", prov.Name()).
			Str("model", normalized).
			Msg("provider call failed")
		if errors.Is(err, providers.ErrBadRequest) {
			return nil, MessagesResponse{}, &httpError{http.StatusBadRequest, "upstream rejected request"}
		}
		return nil, MessagesResponse{}, &httpError{http.StatusBadGateway, "upstream error"}
	}
	elapsedMS := time.Since(start).Milliseconds()

	if conversationID != "" {
		if rerr := s.recorder.RecordOutgoing(ctx, conversationID, full.Content, history.OutgoingMeta{
			Model:        full.Model,
			RequestID:    scope.requestID,
			FinishReason: full.FinishReason,
			Usage:        full.Usage,
			ElapsedMS:    elapsedMS,
		}); rerr != nil {
			s.metrics.PersistenceFailures.Inc()
			s.logger.Error().Err(rerr).Str("request_id", scope.requestID).Msg("failed to record assistant message")
		}
	}

	resp := MessagesResponse{
		ID:             full.ID,
		Model:          full.Model,
		Created:        full.Created,
		Content:        full.Content,
		FinishReason:   full.FinishReason,
		Usage:          full.Usage,
		ConversationID: conversationID,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, MessagesResponse{}, &httpError{http.StatusInternalServerError, "failed to encode response"}
	}

	if scope.idemKey != "" {
		if serr := s.cache.Set(ctx, scope.idemKey, body); serr != nil {
			s.logger.Warn().Err(serr).Str("request_id", scope.requestID).Msg("idempotency store failed")
		}
	}

	s.usage.Report(billing.Event{
		RequestID:  scope.requestID,
		APIKeyHash: scope.ownerHash,
		Model:      normalized,
		Stream:     false,
		Usage:      full.Usage,
		ElapsedMS:  elapsedMS,
	})
	s.metrics.UsageReports.Inc()

	return body, resp, nil
}

func validateChatPayload(model string, messages []providers.ChatMessage) string {
	if model == "" {
		return "model is required"
	}
	if len(messages) == 0 {
		return "messages must not be empty"
	}
	for _, m := range messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return "message role must be system, user or assistant"
		}
	}
	return ""
}

func writeOAError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, oaErrorEvent{Error: oaError{Message: msg, Type: "invalid_request_error"}})
}
