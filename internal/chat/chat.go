// Package chat runs the turn-limited conversation between a user and
// one future-self persona. Each accepted user turn is persisted, then
// answered by the fast model; once a pair's user-turn budget is spent,
// further turns are rejected without side effects.
package chat

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/postself/postself/internal/compose"
	"github.com/postself/postself/internal/config"
	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/store"
)

// ErrMessageLimitExceeded is returned when a (user, persona) pair has
// spent its user-turn budget. Callers map it to MESSAGE_LIMIT_EXCEEDED.
var ErrMessageLimitExceeded = errors.New("message limit exceeded")

// ErrPersonaNotFound is returned when the addressed persona does not
// exist or belongs to a different user.
var ErrPersonaNotFound = errors.New("persona not found")

// stripeCount sizes the lock table for turn serialization. Two pairs
// hashing to the same stripe serialize needlessly, which is harmless.
const stripeCount = 64

// Service guards and runs conversations.
type Service struct {
	store    *store.Store
	composer *compose.Composer
	bus      *events.Bus
	maxTurns int
	logger   *slog.Logger

	stripes [stripeCount]sync.Mutex
}

// NewService creates a chat Service. bus may be nil.
func NewService(st *store.Store, composer *compose.Composer, bus *events.Bus, cfg config.ChatConfig, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		composer: composer,
		bus:      bus,
		maxTurns: cfg.MaxUserTurns,
		logger:   logger,
	}
}

// pairLock returns the stripe serializing one (user, persona) pair.
// The count-then-insert guard is only correct under this lock.
func (s *Service) pairLock(userID, profileID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(profileID))
	return &s.stripes[h.Sum32()%stripeCount]
}

// Turn is the outcome of one accepted chat turn.
type Turn struct {
	UserMessage  *store.ChatMessage
	AgentMessage *store.ChatMessage
	// TurnsLeft is how many user turns remain for this pair.
	TurnsLeft int
}

// Send runs one user turn against a persona: guard, persist, generate,
// persist the answer. Rejected turns persist nothing.
func (s *Service) Send(ctx context.Context, userID, profileID, content string) (*Turn, error) {
	profile, err := s.store.GetFutureProfile(ctx, profileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPersonaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load persona: %w", err)
	}
	if profile.UserID != userID {
		return nil, ErrPersonaNotFound
	}

	mu := s.pairLock(userID, profileID)
	mu.Lock()
	userMsg, used, err := s.acceptTurn(ctx, userID, profileID, content)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	current, err := s.store.CurrentProfileByUser(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load current profile: %w", err)
	}

	answer, err := s.composer.ChatReply(ctx, profile, current, userID, content)
	if err != nil {
		return nil, fmt.Errorf("generate chat reply: %w", err)
	}
	agentMsg, err := s.store.CreateChatMessage(ctx, userID, profileID, store.SenderAgent, answer)
	if err != nil {
		return nil, fmt.Errorf("store agent turn: %w", err)
	}

	return &Turn{
		UserMessage:  userMsg,
		AgentMessage: agentMsg,
		TurnsLeft:    s.maxTurns - used,
	}, nil
}

// acceptTurn applies the turn guard and persists the user's message.
// Must be called with the pair's stripe held. Returns the stored
// message and how many user turns the pair has used, including this
// one.
func (s *Service) acceptTurn(ctx context.Context, userID, profileID, content string) (*store.ChatMessage, int, error) {
	count, err := s.store.CountUserTurns(ctx, userID, profileID)
	if err != nil {
		return nil, 0, fmt.Errorf("count user turns: %w", err)
	}
	if count >= s.maxTurns {
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceChat,
			Kind:      events.KindTurnRejected,
			Data:      map[string]any{"user_id": userID, "future_profile_id": profileID},
		})
		s.logger.Info("chat turn rejected", "user_id", userID, "future_profile_id", profileID, "used", count)
		return nil, 0, ErrMessageLimitExceeded
	}

	if count == 0 {
		s.markChatStarted(ctx, profileID)
	}

	msg, err := s.store.CreateChatMessage(ctx, userID, profileID, store.SenderUser, content)
	if err != nil {
		return nil, 0, fmt.Errorf("store user turn: %w", err)
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChat,
		Kind:      events.KindTurnAccepted,
		Data: map[string]any{
			"user_id":           userID,
			"future_profile_id": profileID,
			"user_turns":        count + 1,
		},
	})
	return msg, count + 1, nil
}

// markChatStarted flips the persona's reply NOT_STARTED -> COMPLETED on
// the pair's first accepted turn. A persona without a reply yet just
// skips the flip.
func (s *Service) markChatStarted(ctx context.Context, profileID string) {
	reply, err := s.store.ReplyForProfile(ctx, profileID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("loading reply for chat flip", "future_profile_id", profileID, "error", err)
		return
	}
	if _, err := s.store.TransitionReplyChat(ctx, reply.ID, store.ChatNotStarted, store.ChatCompleted); err != nil {
		s.logger.Warn("reply chat flip failed", "reply_id", reply.ID, "error", err)
	}
}

// History returns the full conversation with one persona, oldest
// first.
func (s *Service) History(ctx context.Context, userID, profileID string) ([]*store.ChatMessage, error) {
	return s.store.ChatHistory(ctx, userID, profileID)
}

// TurnsLeft reports the remaining user-turn budget for a pair.
func (s *Service) TurnsLeft(ctx context.Context, userID, profileID string) (int, error) {
	count, err := s.store.CountUserTurns(ctx, userID, profileID)
	if err != nil {
		return 0, err
	}
	left := s.maxTurns - count
	if left < 0 {
		left = 0
	}
	return left, nil
}
