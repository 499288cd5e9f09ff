package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateMemoryChunk stores a text excerpt with its embedding. The
// excerpt is sealed like every other free-text column; the embedding
// is a fixed-width float32 blob.
func (s *Store) CreateMemoryChunk(ctx context.Context, c *MemoryChunk) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = now()

	sealed, err := s.codec.Encode(c.TextChunk)
	if err != nil {
		return fmt.Errorf("seal memory chunk: %w", err)
	}

	var profileID any
	if c.FutureProfileID != "" {
		profileID = c.FutureProfileID
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_chunks (id, user_id, future_profile_id, doc_type, text_chunk, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, profileID, c.DocType, sealed, encodeVector(c.Embedding), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory chunk: %w", err)
	}
	return nil
}

// MemoryChunksByScope lists a user's chunks. A non-empty profileID
// narrows to chunks scoped to that persona plus the user-wide ones
// (the original letter is user-wide and must stay recallable from any
// conversation). Ranking happens in the memory package.
func (s *Store) MemoryChunksByScope(ctx context.Context, userID, profileID string) ([]*MemoryChunk, error) {
	query := `SELECT id, user_id, COALESCE(future_profile_id, ''), doc_type, text_chunk, embedding, created_at
	          FROM memory_chunks WHERE user_id = ?`
	args := []any{userID}
	if profileID != "" {
		query += ` AND (future_profile_id IS NULL OR future_profile_id = ?)`
		args = append(args, profileID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*MemoryChunk
	for rows.Next() {
		var c MemoryChunk
		var sealed string
		var blob []byte
		if err := rows.Scan(&c.ID, &c.UserID, &c.FutureProfileID, &c.DocType, &sealed, &blob, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory chunk: %w", err)
		}
		if c.TextChunk, err = s.codec.Decode(sealed); err != nil {
			return nil, fmt.Errorf("open memory chunk: %w", err)
		}
		if c.Embedding, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}
