package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

var messageColumns = []string{
	"id", "conversation_id", "role", "content", "model", "request_id",
	"finish_reason", "prompt_tokens", "completion_tokens", "total_tokens", "elapsed_ms", "created_at",
}

func (s *Store) CreateConversation(ctx context.Context, title, apiKeyHash string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:         uuid.NewString(),
		Title:      title,
		APIKeyHash: apiKeyHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q := s.sql.Insert("conversations").
		Columns("id", "title", "api_key_hash", "created_at", "updated_at").
		Values(c.ID, c.Title, c.APIKeyHash, c.CreatedAt, c.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	q := s.sql.Select("id", "title", "api_key_hash", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID, &c.Title, &c.APIKeyHash, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, apiKeyHash string, offset, limit uint64) ([]Conversation, error) {
	q := s.sql.Select("id", "title", "api_key_hash", "created_at", "updated_at").
		From("conversations").
		OrderBy("updated_at DESC").
		Offset(offset).
		Limit(limit)
	if apiKeyHash != "" {
		q = q.Where(sq.Eq{"api_key_hash": apiKeyHash})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.APIKeyHash, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	q := s.sql.Update("conversations").
		Set("title", title).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delMsgs := s.sql.Delete("messages").Where(sq.Eq{"conversation_id": id})
	sqlStr, args, err := delMsgs.ToSql()
	if err != nil {
		return fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	delConv := s.sql.Delete("conversations").Where(sq.Eq{"id": id})
	sqlStr, args, err = delConv.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// InsertMessage appends a message and bumps the conversation's updated_at.
// Messages are immutable once created.
func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	q := s.sql.Insert("messages").
		Columns(messageColumns...).
		Values(
			m.ID, m.ConversationID, m.Role, m.Content, m.Model, m.RequestID,
			m.FinishReason, m.PromptTokens, m.CompletionTokens, m.TotalTokens, m.ElapsedMS, m.CreatedAt,
		)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	bump := s.sql.Update("conversations").
		Set("updated_at", m.CreatedAt).
		Where(sq.Eq{"id": m.ConversationID}).
		Where(sq.LtOrEq{"updated_at": m.CreatedAt})
	sqlStr, args, err = bump.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build bump conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Message{}, fmt.Errorf("bump conversation updated_at: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, offset, limit uint64) ([]Message, error) {
	q := s.sql.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC").
		Offset(offset).
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var finishReason sql.NullString
		var promptTokens, completionTokens, totalTokens, elapsedMS sql.NullInt64
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Model, &m.RequestID,
			&finishReason, &promptTokens, &completionTokens, &totalTokens, &elapsedMS, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if finishReason.Valid {
			m.FinishReason = &finishReason.String
		}
		if promptTokens.Valid {
			m.PromptTokens = &promptTokens.Int64
		}
		if completionTokens.Valid {
			m.CompletionTokens = &completionTokens.Int64
		}
		if totalTokens.Valid {
			m.TotalTokens = &totalTokens.Int64
		}
		if elapsedMS.Valid {
			m.ElapsedMS = &elapsedMS.Int64
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	q := s.sql.Select("COUNT(*)").From("messages").Where(sq.Eq{"conversation_id": conversationID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
