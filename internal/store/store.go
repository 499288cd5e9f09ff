package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Store wraps the SQLite database and the field codec. The *sql.DB is
// injected so production (mattn/go-sqlite3) and tests (modernc.org/sqlite)
// can each register their own driver.
type Store struct {
	db     *sql.DB
	codec  Codec
	logger *slog.Logger
}

// Codec seals and opens free-text columns. Implemented by
// securetext.Codec; tests may substitute a passthrough.
type Codec interface {
	Encode(plaintext string) (string, error)
	Decode(stored string) (string, error)
}

// New creates a Store and applies the schema.
func New(db *sql.DB, codec Codec, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, codec: codec, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS current_profiles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		demo_json TEXT,
		vals_json TEXT,
		bfi_json TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS future_profiles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		profile_name TEXT NOT NULL,
		future_values TEXT,
		future_vision TEXT,
		future_obstacles TEXT,
		profile_description TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_future_profiles_user ON future_profiles(user_id);

	-- One letter per user, enforced here and re-checked in the service.
	CREATE TABLE IF NOT EXISTS letters (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- One reply per (letter, persona); the unique index makes
	-- redelivered letter jobs skip personas they already served.
	CREATE TABLE IF NOT EXISTS letter_replies (
		id TEXT PRIMARY KEY,
		letter_id TEXT NOT NULL,
		future_profile_id TEXT NOT NULL,
		content TEXT NOT NULL,
		chat_status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(letter_id, future_profile_id),
		FOREIGN KEY (letter_id) REFERENCES letters(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_replies_profile ON letter_replies(future_profile_id);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		future_profile_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_pair ON chat_messages(user_id, future_profile_id, created_at);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id, created_at);

	CREATE TABLE IF NOT EXISTS memory_chunks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		future_profile_id TEXT,
		doc_type TEXT NOT NULL,
		text_chunk TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_user ON memory_chunks(user_id, future_profile_id);
	`)
	return err
}

// now returns the current UTC time truncated to microseconds, which
// round-trips cleanly through SQLite TIMESTAMP columns.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// encodeVector packs an embedding as little-endian float32 bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a blob written by encodeVector.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
