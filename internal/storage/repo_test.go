package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:repotest%d?mode=memory&cache=shared", dbSeq.Add(1))
	store, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConversationCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateConversation(ctx, "first chat", "hash-a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := store.GetConversation(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "first chat" || got.APIKeyHash != "hash-a" {
		t.Fatalf("unexpected conversation %+v", got)
	}

	if err := store.UpdateConversationTitle(ctx, created.ID, "renamed"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	got, err = store.GetConversation(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Title != "renamed" {
		t.Fatalf("expected renamed title, got %q", got.Title)
	}

	if err := store.DeleteConversation(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetConversation(ctx, created.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestNotFoundPaths(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetConversation(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("get: %v", err)
	}
	if err := store.UpdateConversationTitle(ctx, "missing", "t"); err != ErrNotFound {
		t.Fatalf("update: %v", err)
	}
	if err := store.DeleteConversation(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("delete: %v", err)
	}
}

func TestListConversationsFiltersByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1, _ := store.CreateConversation(ctx, "a1", "hash-a")
	_, _ = store.CreateConversation(ctx, "b1", "hash-b")
	a2, _ := store.CreateConversation(ctx, "a2", "hash-a")

	got, err := store.ListConversations(ctx, "hash-a", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 conversations for hash-a, got %d", len(got))
	}
	for _, c := range got {
		if c.ID != a1.ID && c.ID != a2.ID {
			t.Fatalf("unexpected conversation %s in owner-filtered list", c.ID)
		}
	}
}

func TestMessagesOrderedAndBumpUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "chat", "hash-a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i, role := range []string{"user", "assistant", "user"} {
		_, err := store.InsertMessage(ctx, Message{
			ConversationID: conv.ID,
			Role:           role,
			Content:        fmt.Sprintf("msg-%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert #%d: %v", i, err)
		}
	}

	msgs, err := store.ListMessages(ctx, conv.ID, 0, 100)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("message %d out of order: %q", i, m.Content)
		}
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UpdatedAt.Before(base.Add(2 * time.Second)) {
		t.Fatalf("updated_at not bumped to last message time: %v", got.UpdatedAt)
	}

	n, err := store.CountMessages(ctx, conv.ID)
	if err != nil || n != 3 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _ := store.CreateConversation(ctx, "chat", "hash-a")

	late := time.Now().UTC().Add(time.Hour)
	early := time.Now().UTC().Add(-time.Hour)
	if _, err := store.InsertMessage(ctx, Message{ConversationID: conv.ID, Role: "user", Content: "late", CreatedAt: late}); err != nil {
		t.Fatalf("insert late: %v", err)
	}
	if _, err := store.InsertMessage(ctx, Message{ConversationID: conv.ID, Role: "user", Content: "early", CreatedAt: early}); err != nil {
		t.Fatalf("insert early: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UpdatedAt.Before(late) {
		t.Fatalf("out-of-order insert moved updated_at backwards: %v < %v", got.UpdatedAt, late)
	}
}

func TestMessageOptionalFieldsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _ := store.CreateConversation(ctx, "chat", "hash-a")

	finish := "stop"
	var prompt, completion, total, elapsed int64 = 3, 5, 8, 120
	if _, err := store.InsertMessage(ctx, Message{
		ConversationID:   conv.ID,
		Role:             "assistant",
		Content:          "done",
		Model:            "openai:gpt-4o-mini",
		RequestID:        "req-1",
		FinishReason:     &finish,
		PromptTokens:     &prompt,
		CompletionTokens: &completion,
		TotalTokens:      &total,
		ElapsedMS:        &elapsed,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertMessage(ctx, Message{ConversationID: conv.ID, Role: "user", Content: "plain"}); err != nil {
		t.Fatalf("insert plain: %v", err)
	}

	msgs, err := store.ListMessages(ctx, conv.ID, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var rich, plain *Message
	for i := range msgs {
		if msgs[i].Content == "done" {
			rich = &msgs[i]
		} else {
			plain = &msgs[i]
		}
	}
	if rich == nil || plain == nil {
		t.Fatalf("expected both messages back, got %d", len(msgs))
	}
	if rich.FinishReason == nil || *rich.FinishReason != "stop" {
		t.Fatalf("finish reason: %+v", rich.FinishReason)
	}
	if rich.TotalTokens == nil || *rich.TotalTokens != 8 {
		t.Fatalf("total tokens: %+v", rich.TotalTokens)
	}
	if plain.FinishReason != nil || plain.TotalTokens != nil {
		t.Fatalf("optional fields must stay null: %+v", plain)
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _ := store.CreateConversation(ctx, "chat", "hash-a")
	_, _ = store.InsertMessage(ctx, Message{ConversationID: conv.ID, Role: "user", Content: "hi"})
	_, _ = store.InsertMessage(ctx, Message{ConversationID: conv.ID, Role: "assistant", Content: "hello"})

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, err := store.CountMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected messages removed with conversation, got %d", n)
	}
}
