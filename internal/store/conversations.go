package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is the slice of the chat model the scheduler needs:
// existence checks, the resolved system prompt, and per-conversation
// AI settings. Full conversation management lives elsewhere in the app.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	SystemPrompt string    `json:"system_prompt"`
	// Settings is a JSON document of per-conversation AI overrides
	// (provider, model, api_key_env, permission_mode).
	Settings  string    `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one chat turn.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user, assistant, system
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateConversation inserts a conversation, assigning an id when none is set.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, title, system_prompt, settings)
			VALUES (?, ?, ?, COALESCE(NULLIF(?, ''), '{}'));
		`, c.ID, c.Title, c.SystemPrompt, c.Settings)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		return nil
	})
}

// GetConversation returns one conversation, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, system_prompt, settings, created_at, updated_at
		FROM conversations WHERE id = ?;
	`, id).Scan(&c.ID, &c.Title, &c.SystemPrompt, &c.Settings, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ConversationExists reports whether the id exists without loading the row.
func (s *Store) ConversationExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?;`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation exists: %w", err)
	}
	return true, nil
}

// DeleteConversation removes a conversation and, via FK cascade, its
// messages. Scheduled tasks pointing at it are left in place: their next
// execution fails recoverably instead (no cascade on scheduled_tasks).
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// AppendMessage adds a turn to a conversation's history.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content) VALUES (?, ?, ?);
		`, conversationID, role, content)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

// ListMessages returns up to limit most recent turns in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at FROM (
			SELECT id, conversation_id, role, content, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
