package history

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"chatgw/internal/providers"
	"chatgw/internal/storage"
)

var dbSeq atomic.Int64

func newTestRecorder(t *testing.T) (*Recorder, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:historytest%d?mode=memory&cache=shared", dbSeq.Add(1))
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewRecorder(store, zerolog.Nop()), store
}

func TestDeriveTitle(t *testing.T) {
	if got := DeriveTitle([]providers.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "  what is the capital of France?  "},
	}); got != "what is the capital of France?" {
		t.Fatalf("unexpected title %q", got)
	}

	long := strings.Repeat("é", 150)
	got := DeriveTitle([]providers.ChatMessage{{Role: "user", Content: long}})
	if got != strings.Repeat("é", 100)+"..." {
		t.Fatalf("expected 100-rune truncation with ellipsis, got %d runes", len([]rune(got)))
	}

	if got := DeriveTitle([]providers.ChatMessage{{Role: "system", Content: "no user turn"}}); got != "" {
		t.Fatalf("expected empty title without user message, got %q", got)
	}
}

func TestRecordIncomingCreatesConversation(t *testing.T) {
	r, store := newTestRecorder(t)
	ctx := context.Background()

	id, err := r.RecordIncoming(ctx, "", "hash-a", "openai:gpt-4o-mini", "req-1", []providers.ChatMessage{
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("record incoming: %v", err)
	}

	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Title != "hi" || conv.APIKeyHash != "hash-a" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	msgs, _ := store.ListMessages(ctx, id, 0, 10)
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].RequestID != "req-1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestRecordIncomingAppendsToExisting(t *testing.T) {
	r, store := newTestRecorder(t)
	ctx := context.Background()

	first, err := r.RecordIncoming(ctx, "", "hash-a", "m", "req-1", []providers.ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := r.RecordIncoming(ctx, first, "hash-a", "m", "req-2", []providers.ChatMessage{{Role: "user", Content: "and then?"}})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second != first {
		t.Fatalf("expected same conversation, got %s vs %s", second, first)
	}
	n, _ := store.CountMessages(ctx, first)
	if n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
}

func TestRecordIncomingBadReferenceStartsFresh(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()
	msgs := []providers.ChatMessage{{Role: "user", Content: "hi"}}

	owned, err := r.RecordIncoming(ctx, "", "hash-a", "m", "req-1", msgs)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Another key referencing this conversation gets its own instead.
	other, err := r.RecordIncoming(ctx, owned, "hash-b", "m", "req-2", msgs)
	if err != nil {
		t.Fatalf("cross-owner: %v", err)
	}
	if other == owned {
		t.Fatal("cross-owner reference must not attach to the conversation")
	}

	// Malformed and unknown references also start fresh.
	fresh, err := r.RecordIncoming(ctx, "not-a-uuid", "hash-a", "m", "req-3", msgs)
	if err != nil {
		t.Fatalf("malformed ref: %v", err)
	}
	if fresh == owned {
		t.Fatal("malformed reference must start a fresh conversation")
	}
}

func TestRecordOutgoing(t *testing.T) {
	r, store := newTestRecorder(t)
	ctx := context.Background()

	id, err := r.RecordIncoming(ctx, "", "hash-a", "m", "req-1", []providers.ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}

	err = r.RecordOutgoing(ctx, id, "hello!", OutgoingMeta{
		Model:        "openai:gpt-4o-mini",
		RequestID:    "req-1",
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		ElapsedMS:    42,
	})
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}

	msgs, _ := store.ListMessages(ctx, id, 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	var out storage.Message
	for _, m := range msgs {
		if m.Role == "assistant" {
			out = m
		}
	}
	if out.Content != "hello!" {
		t.Fatalf("unexpected assistant message %+v", out)
	}
	if out.FinishReason == nil || *out.FinishReason != "stop" {
		t.Fatalf("finish reason %+v", out.FinishReason)
	}
	if out.TotalTokens == nil || *out.TotalTokens != 5 {
		t.Fatalf("total tokens %+v", out.TotalTokens)
	}
	if out.ElapsedMS == nil || *out.ElapsedMS != 42 {
		t.Fatalf("elapsed %+v", out.ElapsedMS)
	}
}
