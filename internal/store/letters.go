package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateLetter inserts a new letter in PENDING state. Returns
// ErrLetterExists if the user already has one; the letters table is
// unique on user_id so the check holds even under concurrent submits.
func (s *Store) CreateLetter(ctx context.Context, userID, content string) (*Letter, error) {
	sealed, err := s.codec.Encode(content)
	if err != nil {
		return nil, fmt.Errorf("seal letter content: %w", err)
	}

	l := &Letter{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		Status:    LetterPending,
		CreatedAt: now(),
		UpdatedAt: now(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO letters (id, user_id, content, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, sealed, l.Status, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrLetterExists
		}
		return nil, fmt.Errorf("insert letter: %w", err)
	}

	return l, nil
}

// GetLetter fetches a letter by id. Returns ErrNotFound if absent.
func (s *Store) GetLetter(ctx context.Context, id string) (*Letter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, content, status, created_at, updated_at
		 FROM letters WHERE id = ?`, id)
	return s.scanLetter(row)
}

// LetterByUser fetches the user's letter (there is at most one).
// Returns ErrNotFound if the user has not submitted.
func (s *Store) LetterByUser(ctx context.Context, userID string) (*Letter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, content, status, created_at, updated_at
		 FROM letters WHERE user_id = ?`, userID)
	return s.scanLetter(row)
}

func (s *Store) scanLetter(row *sql.Row) (*Letter, error) {
	var l Letter
	var sealed string
	err := row.Scan(&l.ID, &l.UserID, &sealed, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan letter: %w", err)
	}
	if l.Content, err = s.codec.Decode(sealed); err != nil {
		return nil, fmt.Errorf("open letter content: %w", err)
	}
	return &l, nil
}

// TransitionLetter moves a letter from one status to another. The
// update is conditional on the current status, so a redelivered job
// racing an already-terminal letter changes nothing and gets false.
func (s *Store) TransitionLetter(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE letters SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition letter %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Info("letter status changed", "letter_id", id, "from", from, "to", to)
	}
	return n > 0, nil
}
