package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateChatMessage appends one turn to a (user, persona) conversation.
func (s *Store) CreateChatMessage(ctx context.Context, userID, profileID, sender, content string) (*ChatMessage, error) {
	sealed, err := s.codec.Encode(content)
	if err != nil {
		return nil, fmt.Errorf("seal chat message: %w", err)
	}

	m := &ChatMessage{
		ID:              uuid.NewString(),
		UserID:          userID,
		FutureProfileID: profileID,
		Sender:          sender,
		Content:         content,
		CreatedAt:       now(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, user_id, future_profile_id, sender, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.FutureProfileID, m.Sender, sealed, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}

	return m, nil
}

// ChatHistory lists the conversation for a (user, persona) pair,
// oldest first. An empty profileID spans all of the user's personas
// (used for report assembly).
func (s *Store) ChatHistory(ctx context.Context, userID, profileID string) ([]*ChatMessage, error) {
	query := `SELECT id, user_id, future_profile_id, sender, content, created_at
	          FROM chat_messages WHERE user_id = ?`
	args := []any{userID}
	if profileID != "" {
		query += ` AND future_profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		var sealed string
		if err := rows.Scan(&m.ID, &m.UserID, &m.FutureProfileID, &m.Sender, &sealed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if m.Content, err = s.codec.Decode(sealed); err != nil {
			return nil, fmt.Errorf("open chat message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CountUserTurns counts user-authored turns for a (user, persona) pair.
// This is the number the conversation guard compares against the cap.
func (s *Store) CountUserTurns(ctx context.Context, userID, profileID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages
		 WHERE user_id = ? AND future_profile_id = ? AND sender = ?`,
		userID, profileID, SenderUser).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user turns: %w", err)
	}
	return n, nil
}
