// Package letters handles the submission side of the pipeline: a user
// writes one letter to their future self, the letter is queued for
// persona replies, and the inbox serves those replies once they exist.
package letters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/memory"
	"github.com/postself/postself/internal/queue"
	"github.com/postself/postself/internal/store"
)

// ErrAlreadySubmitted is returned when a user who already has a letter
// submits another. Callers map it to LETTER_ALREADY_SUBMITTED.
var ErrAlreadySubmitted = errors.New("letter already submitted")

// ErrEmptyLetter is returned for a blank submission.
var ErrEmptyLetter = errors.New("letter content is empty")

// Service owns letter submission and reads.
type Service struct {
	store     *store.Store
	retriever *memory.Retriever
	queue     queue.Queue
	bus       *events.Bus
	logger    *slog.Logger
}

// NewService creates a letters Service. bus may be nil.
func NewService(st *store.Store, retriever *memory.Retriever, q queue.Queue, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		retriever: retriever,
		queue:     q,
		bus:       bus,
		logger:    logger,
	}
}

// Submit stores a user's letter and queues the reply fan-out. The
// letter is also ingested as user-wide memory so every persona can
// recall it during chat.
func (s *Service) Submit(ctx context.Context, userID, content string) (*store.Letter, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyLetter
	}

	letter, err := s.store.CreateLetter(ctx, userID, content)
	if errors.Is(err, store.ErrLetterExists) {
		return nil, ErrAlreadySubmitted
	}
	if err != nil {
		return nil, fmt.Errorf("store letter: %w", err)
	}

	if err := s.retriever.Ingest(ctx, userID, "", store.DocTypeLetter, content); err != nil {
		// The letter is stored; a missing memory chunk only weakens
		// later retrieval.
		s.logger.Warn("letter memory ingest failed", "letter_id", letter.ID, "error", err)
	}

	job := queue.Job{Task: queue.TaskProcessLetter, UserID: userID, LetterID: letter.ID}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The letter stays PENDING; it can be re-driven once the queue
		// recovers.
		s.logger.Error("letter job enqueue failed", "letter_id", letter.ID, "error", err)
		return letter, fmt.Errorf("enqueue letter job: %w", err)
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceLetters,
		Kind:      events.KindLetterSubmitted,
		Data:      map[string]any{"letter_id": letter.ID, "user_id": userID},
	})
	s.logger.Info("letter submitted", "letter_id", letter.ID, "user_id", userID)
	return letter, nil
}

// Status returns the user's letter with its current lifecycle state.
// ErrNotFound when the user has not submitted yet.
func (s *Service) Status(ctx context.Context, userID string) (*store.Letter, error) {
	return s.store.LetterByUser(ctx, userID)
}

// InboxEntry is one persona's reply ready for display.
type InboxEntry struct {
	Reply       *store.LetterReply
	ProfileName string
	// HTML is the reply content rendered from markdown.
	HTML string
}

// Inbox returns the generated replies for the user's letter, one per
// persona, with rendered HTML. Empty until the letter reaches
// REPLIES_READY.
func (s *Service) Inbox(ctx context.Context, userID string) ([]*InboxEntry, error) {
	letter, err := s.store.LetterByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if letter.Status != store.LetterRepliesReady {
		return nil, nil
	}

	replies, err := s.store.RepliesByLetter(ctx, letter.ID)
	if err != nil {
		return nil, fmt.Errorf("load replies: %w", err)
	}

	entries := make([]*InboxEntry, 0, len(replies))
	for _, r := range replies {
		entry := &InboxEntry{Reply: r}
		if profile, err := s.store.GetFutureProfile(ctx, r.FutureProfileID); err == nil {
			entry.ProfileName = profile.ProfileName
		}
		html, err := RenderHTML(r.Content)
		if err != nil {
			s.logger.Warn("reply markdown render failed", "reply_id", r.ID, "error", err)
			html = r.Content
		}
		entry.HTML = html
		entries = append(entries, entry)
	}
	return entries, nil
}

// RenderHTML converts generated markdown to an HTML fragment for
// display.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
