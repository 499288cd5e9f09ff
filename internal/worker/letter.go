package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/queue"
	"github.com/postself/postself/internal/store"
)

// processLetter generates one reply per persona for a submitted letter
// and flips it PENDING -> REPLIES_READY. Redelivery-safe: personas
// that already have a reply are skipped, and the final transition is
// conditional, so a second delivery of the same job does nothing.
func (w *Worker) processLetter(ctx context.Context, job queue.Job) error {
	letter, err := w.store.GetLetter(ctx, job.LetterID)
	if errors.Is(err, store.ErrNotFound) {
		return dataErr("letter %s not found", job.LetterID)
	}
	if err != nil {
		return fmt.Errorf("load letter: %w", err)
	}
	if letter.Status != store.LetterPending {
		// Already processed (or failed) by an earlier delivery.
		w.logger.Info("letter already in terminal state, skipping", "letter_id", letter.ID, "status", letter.Status)
		return nil
	}

	profiles, err := w.store.FutureProfilesByUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load future profiles: %w", err)
	}
	if len(profiles) == 0 {
		return dataErr("user %s has no future profiles", job.UserID)
	}

	current, err := w.currentProfile(ctx, job.UserID)
	if err != nil {
		return err
	}

	generated := 0
	for _, profile := range profiles {
		exists, err := w.store.HasReply(ctx, letter.ID, profile.ID)
		if err != nil {
			return fmt.Errorf("check reply: %w", err)
		}
		if exists {
			continue
		}

		content, err := w.composer.LetterReply(ctx, profile, current, letter.Content)
		if err != nil {
			return fmt.Errorf("generate reply for persona %s: %w", profile.ID, err)
		}

		if _, err := w.store.CreateReply(ctx, letter.ID, profile.ID, content); err != nil {
			if errors.Is(err, store.ErrReplyExists) {
				// Lost a race with a concurrent delivery. Its reply stands.
				continue
			}
			return fmt.Errorf("store reply: %w", err)
		}
		if err := w.retriever.Ingest(ctx, job.UserID, profile.ID, store.DocTypeReply, content); err != nil {
			// The reply is stored; losing its memory chunk only weakens
			// later retrieval.
			w.logger.Warn("reply memory ingest failed", "future_profile_id", profile.ID, "error", err)
		}
		generated++
	}

	won, err := w.store.TransitionLetter(ctx, letter.ID, store.LetterPending, store.LetterRepliesReady)
	if err != nil {
		return fmt.Errorf("transition letter: %w", err)
	}
	if won {
		w.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWorker,
			Kind:      events.KindRepliesReady,
			Data: map[string]any{
				"letter_id": letter.ID,
				"user_id":   job.UserID,
				"replies":   len(profiles),
			},
		})
		w.logger.Info("letter replies ready", "letter_id", letter.ID, "personas", len(profiles), "generated", generated)
	}
	return nil
}

// currentProfile loads the questionnaire data, tolerating its absence.
func (w *Worker) currentProfile(ctx context.Context, userID string) (*store.CurrentProfile, error) {
	current, err := w.store.CurrentProfileByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current profile: %w", err)
	}
	return current, nil
}
