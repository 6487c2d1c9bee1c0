package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatgw/internal/billing"
	"chatgw/internal/history"
	"chatgw/internal/providers"
)

type streamScope struct {
	requestScope
	model          string
	conversationID string
}

// streamFramer renders provider chunks and error events into the wire shape
// of the inbound surface (canonical or OpenAI-compatible).
type streamFramer interface {
	frame(chunk providers.ChatResponseChunk, first bool) any
	errorEvent(msg string) any
}

type canonicalFramer struct {
	conversationID string
}

func (f canonicalFramer) frame(c providers.ChatResponseChunk, first bool) any {
	out := streamChunk{
		ID:           c.ID,
		Model:        c.Model,
		Created:      c.Created,
		Delta:        c.Delta,
		FinishReason: c.FinishReason,
	}
	if first {
		out.ConversationID = f.conversationID
	}
	return out
}

func (f canonicalFramer) errorEvent(msg string) any {
	return errorResponse{Error: msg}
}

type oaFramer struct{}

func (oaFramer) frame(c providers.ChatResponseChunk, _ bool) any {
	return oaStreamChunk{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
		Choices: []oaStreamChoice{{
			Index:        0,
			Delta:        oaDelta{Content: c.Delta},
			FinishReason: c.FinishReason,
		}},
	}
}

func (oaFramer) errorEvent(msg string) any {
	return oaErrorEvent{Error: oaError{Message: msg, Type: "streaming_error"}}
}

// streamResponse establishes the provider stream (the only resilience-covered
// part) and transcodes it into SSE under the per-stream deadline. Exactly one
// terminal sentinel is written on every exit path; mid-stream failures become
// a generic error event since the headers are already committed.
func (s *Service) streamResponse(w http.ResponseWriter, r *http.Request, prov providers.Provider, preq providers.ChatRequest, scope streamScope, framer streamFramer) {
	ctx := r.Context()

	ch, err := prov.GenerateStream(ctx, preq)
	if err != nil {
		s.metrics.UpstreamErrors.Inc()
		s.logger.Error().Err(err).
			Str("request_id", scope.requestID).
			Str("provider", prov.Name()).
			Str("model", scope.model).
			Msg("failed to establish provider stream")
		status, msg := http.StatusBadGateway, "upstream error"
		if errors.Is(err, providers.ErrBadRequest) {
			status, msg = http.StatusBadRequest, "upstream rejected request"
		}
		writeJSON(w, status, framer.errorEvent(msg))
		return
	}
	s.metrics.StreamsTotal.Inc()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	var (
		accumulated strings.Builder
		tokens      int
		emitted     int
		last        providers.ChatResponseChunk
		start       = time.Now()
	)

	emit := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}
	sentinelSent := false
	sentinel := func() {
		if sentinelSent {
			return
		}
		sentinelSent = true
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}

	deadline := time.NewTimer(s.streamTimeout)
	defer deadline.Stop()

consume:
	for {
		select {
		case <-deadline.C:
			// Best-effort abandonment: stop consuming, leave the upstream
			// producer to the request context.
			s.logger.Error().
				Str("request_id", scope.requestID).
				Dur("timeout", s.streamTimeout).
				Msg("stream deadline exceeded")
			emit(framer.errorEvent("stream timeout exceeded"))
			sentinel()
			break consume
		case <-ctx.Done():
			sentinel()
			break consume
		case chunk, ok := <-ch:
			if !ok {
				sentinel()
				break consume
			}
			if chunk.Err != nil {
				s.logger.Error().Err(chunk.Err).
					Str("request_id", scope.requestID).
					Str("provider", prov.Name()).
					Msg("provider stream failed mid-flight")
				emit(framer.errorEvent("streaming error occurred"))
				sentinel()
				break consume
			}
			emit(framer.frame(chunk, emitted == 0))
			emitted++
			if chunk.Delta != "" {
				tokens++
				accumulated.WriteString(chunk.Delta)
			}
			last = chunk
		}
	}

	elapsedMS := time.Since(start).Milliseconds()

	// Side channel after the sentinel. The request-scoped context may be
	// done by now, so persistence runs detached with its own deadline and a
	// fresh pool checkout.
	if scope.persist && scope.conversationID != "" && accumulated.Len() > 0 {
		s.persistStreamed(scope, accumulated.String(), last, elapsedMS)
	}

	s.usage.Report(billing.Event{
		RequestID:    scope.requestID,
		APIKeyHash:   scope.ownerHash,
		Model:        scope.model,
		Stream:       true,
		TokensApprox: tokens,
		ElapsedMS:    elapsedMS,
	})
	s.metrics.UsageReports.Inc()
}

func (s *Service) persistStreamed(scope streamScope, content string, last providers.ChatResponseChunk, elapsedMS int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	model := last.Model
	if model == "" {
		model = scope.model
	}
	if err := s.recorder.RecordOutgoing(ctx, scope.conversationID, content, history.OutgoingMeta{
		Model:        model,
		RequestID:    scope.requestID,
		FinishReason: last.FinishReason,
		Usage:        last.Usage,
		ElapsedMS:    elapsedMS,
	}); err != nil {
		s.metrics.PersistenceFailures.Inc()
		s.logger.Error().Err(err).
			Str("request_id", scope.requestID).
			Str("conversation_id", scope.conversationID).
			Msg("failed to record streamed assistant message")
	}
}
