package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateReply inserts a generated reply for a (letter, persona) pair.
// Returns ErrReplyExists if that pair already has one, which is how a
// redelivered letter job avoids duplicating replies.
func (s *Store) CreateReply(ctx context.Context, letterID, profileID, content string) (*LetterReply, error) {
	sealed, err := s.codec.Encode(content)
	if err != nil {
		return nil, fmt.Errorf("seal reply content: %w", err)
	}

	r := &LetterReply{
		ID:              uuid.NewString(),
		LetterID:        letterID,
		FutureProfileID: profileID,
		Content:         content,
		ChatStatus:      ChatNotStarted,
		CreatedAt:       now(),
		UpdatedAt:       now(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO letter_replies (id, letter_id, future_profile_id, content, chat_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LetterID, r.FutureProfileID, sealed, r.ChatStatus, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrReplyExists
		}
		return nil, fmt.Errorf("insert reply: %w", err)
	}

	return r, nil
}

// GetReply fetches a reply by id. Returns ErrNotFound if absent.
func (s *Store) GetReply(ctx context.Context, id string) (*LetterReply, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, letter_id, future_profile_id, content, chat_status, created_at, updated_at
		 FROM letter_replies WHERE id = ?`, id)
	return s.scanReply(row)
}

// ReplyForProfile fetches the reply addressed by the given persona.
// Personas answer at most one letter, so the pair is unique in practice.
func (s *Store) ReplyForProfile(ctx context.Context, profileID string) (*LetterReply, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, letter_id, future_profile_id, content, chat_status, created_at, updated_at
		 FROM letter_replies WHERE future_profile_id = ?`, profileID)
	return s.scanReply(row)
}

// RepliesByLetter lists all replies to a letter, oldest first.
func (s *Store) RepliesByLetter(ctx context.Context, letterID string) ([]*LetterReply, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, letter_id, future_profile_id, content, chat_status, created_at, updated_at
		 FROM letter_replies WHERE letter_id = ? ORDER BY created_at ASC`, letterID)
	if err != nil {
		return nil, fmt.Errorf("query replies: %w", err)
	}
	defer rows.Close()

	var replies []*LetterReply
	for rows.Next() {
		r, err := s.scanReplyRows(rows)
		if err != nil {
			return nil, err
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

// HasReply reports whether a (letter, persona) pair already has a reply.
func (s *Store) HasReply(ctx context.Context, letterID, profileID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM letter_replies WHERE letter_id = ? AND future_profile_id = ?`,
		letterID, profileID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count replies: %w", err)
	}
	return n > 0, nil
}

// TransitionReplyChat flips a reply's chat status, conditional on the
// current value. Only the first accepted user turn sees true here;
// later turns (and concurrent duplicates) are no-ops.
func (s *Store) TransitionReplyChat(ctx context.Context, replyID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE letter_replies SET chat_status = ?, updated_at = ? WHERE id = ? AND chat_status = ?`,
		to, now(), replyID, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition reply chat %s: %w", replyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Info("reply chat status changed", "reply_id", replyID, "from", from, "to", to)
	}
	return n > 0, nil
}

func (s *Store) scanReply(row *sql.Row) (*LetterReply, error) {
	var r LetterReply
	var sealed string
	err := row.Scan(&r.ID, &r.LetterID, &r.FutureProfileID, &sealed, &r.ChatStatus, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reply: %w", err)
	}
	if r.Content, err = s.codec.Decode(sealed); err != nil {
		return nil, fmt.Errorf("open reply content: %w", err)
	}
	return &r, nil
}

func (s *Store) scanReplyRows(rows *sql.Rows) (*LetterReply, error) {
	var r LetterReply
	var sealed string
	if err := rows.Scan(&r.ID, &r.LetterID, &r.FutureProfileID, &sealed, &r.ChatStatus, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan reply: %w", err)
	}
	var err error
	if r.Content, err = s.codec.Decode(sealed); err != nil {
		return nil, fmt.Errorf("open reply content: %w", err)
	}
	return &r, nil
}
