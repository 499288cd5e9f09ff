// Package store provides SQLite persistence for letters, replies,
// personas, conversations, reports, and memory chunks. All free-text
// columns are sealed with securetext at this boundary; callers only
// ever see plaintext.
package store

import (
	"errors"
	"time"
)

// Letter lifecycle states. A letter leaves PENDING exactly once.
const (
	LetterPending      = "PENDING"
	LetterRepliesReady = "REPLIES_READY"
	LetterFailed       = "FAILED"
)

// Reply chat states. NOT_STARTED flips to COMPLETED when the first
// user turn for the reply's persona is accepted.
const (
	ChatNotStarted = "NOT_STARTED"
	ChatCompleted  = "COMPLETED"
)

// Report lifecycle states. A report leaves GENERATING exactly once.
const (
	ReportGenerating = "GENERATING"
	ReportReady      = "READY"
	ReportFailed     = "FAILED"
)

// Message sender values.
const (
	SenderUser  = "USER"
	SenderAgent = "AGENT"
)

// Memory chunk document types.
const (
	DocTypeLetter = "letter"
	DocTypeReply  = "reply"
	DocTypeChat   = "chat"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrLetterExists is returned when a user who already has a letter
// submits another. Letters are one per user.
var ErrLetterExists = errors.New("letter already submitted")

// ErrReplyExists is returned when a reply for a (letter, persona) pair
// already exists. The unique pairing is what makes letter-job
// redelivery safe.
var ErrReplyExists = errors.New("reply already exists for this persona")

// Letter is a user's one letter to their future self.
type Letter struct {
	ID        string
	UserID    string
	Content   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LetterReply is a generated reply from one persona to one letter.
type LetterReply struct {
	ID              string
	LetterID        string
	FutureProfileID string
	Content         string
	ChatStatus      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FutureProfile is a user-authored future-self persona. The narrative
// fields are free text and stored sealed.
type FutureProfile struct {
	ID                 string
	UserID             string
	ProfileName        string
	FutureValues       string
	FutureVision       string
	FutureObstacles    string
	ProfileDescription string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CurrentProfile holds a user's questionnaire data as JSON blobs
// (demographics, values inventory, personality inventory). One per user.
type CurrentProfile struct {
	ID        string
	UserID    string
	DemoJSON  string
	ValsJSON  string
	BFIJSON   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one turn in a (user, persona) conversation.
// Append-only, ordered by creation time.
type ChatMessage struct {
	ID              string
	UserID          string
	FutureProfileID string
	Sender          string
	Content         string
	CreatedAt       time.Time
}

// Report is a generated WOOP summary. Content holds the provider's raw
// text; readers extract the structured record from it.
type Report struct {
	ID        string
	UserID    string
	Content   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemoryChunk is a retrievable text excerpt with its embedding,
// scoped to a user and optionally to one persona.
type MemoryChunk struct {
	ID              string
	UserID          string
	FutureProfileID string // empty = user-wide
	DocType         string
	TextChunk       string
	Embedding       []float32
	CreatedAt       time.Time
}
