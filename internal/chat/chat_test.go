package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/postself/postself/internal/compose"
	"github.com/postself/postself/internal/config"
	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/llm"
	"github.com/postself/postself/internal/memory"
	"github.com/postself/postself/internal/securetext"
	"github.com/postself/postself/internal/store"

	_ "modernc.org/sqlite"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type cannedLLM struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (f *cannedLLM) Generate(_ context.Context, _ llm.Tier, _ []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, nil
}

func (f *cannedLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type constEmbedder struct{}

func (constEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)%5) + 1, 1, 0}, nil
}

func newTestService(t *testing.T, client llm.Client) (*Service, *store.Store) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "chat_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// One connection keeps concurrent turn tests free of lock errors.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	codec, err := securetext.New(testKey)
	if err != nil {
		t.Fatalf("securetext.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(db, codec, logger)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	retriever := memory.NewRetriever(st, constEmbedder{}, logger)
	cfg := config.ChatConfig{MaxUserTurns: 5, HistoryWindow: 10, RetrievalLimit: 5}
	composer := compose.New(st, client, retriever, cfg, logger)
	return NewService(st, composer, events.New(), cfg, logger), st
}

func seedPersona(t *testing.T, st *store.Store, userID string) (*store.FutureProfile, *store.LetterReply) {
	t.Helper()
	ctx := context.Background()

	letter, err := st.CreateLetter(ctx, userID, "dear future me")
	if err != nil {
		t.Fatalf("CreateLetter: %v", err)
	}
	p := &store.FutureProfile{UserID: userID, ProfileName: "Future Me"}
	if err := st.CreateFutureProfile(ctx, p); err != nil {
		t.Fatalf("CreateFutureProfile: %v", err)
	}
	reply, err := st.CreateReply(ctx, letter.ID, p.ID, "a warm reply")
	if err != nil {
		t.Fatalf("CreateReply: %v", err)
	}
	return p, reply
}

func TestSendPersistsBothTurns(t *testing.T) {
	client := &cannedLLM{reply: "hello from the future"}
	svc, st := newTestService(t, client)
	ctx := context.Background()

	p, _ := seedPersona(t, st, "u_1")
	turn, err := svc.Send(ctx, "u_1", p.ID, "did it work out?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if turn.UserMessage.Content != "did it work out?" || turn.UserMessage.Sender != store.SenderUser {
		t.Errorf("user message = %+v", turn.UserMessage)
	}
	if turn.AgentMessage.Content != "hello from the future" || turn.AgentMessage.Sender != store.SenderAgent {
		t.Errorf("agent message = %+v", turn.AgentMessage)
	}
	if turn.TurnsLeft != 4 {
		t.Errorf("TurnsLeft = %d, want 4", turn.TurnsLeft)
	}

	history, err := svc.History(ctx, "u_1", p.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d messages, want 2", len(history))
	}
}

func TestSendFlipsChatStatusOnce(t *testing.T) {
	client := &cannedLLM{reply: "answer"}
	svc, st := newTestService(t, client)
	ctx := context.Background()

	p, reply := seedPersona(t, st, "u_1")

	if _, err := svc.Send(ctx, "u_1", p.ID, "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := st.GetReply(ctx, reply.ID)
	if err != nil {
		t.Fatalf("GetReply: %v", err)
	}
	if got.ChatStatus != store.ChatCompleted {
		t.Errorf("chat status after first turn = %q, want COMPLETED", got.ChatStatus)
	}

	if _, err := svc.Send(ctx, "u_1", p.ID, "second"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, _ = st.GetReply(ctx, reply.ID)
	if got.ChatStatus != store.ChatCompleted {
		t.Errorf("chat status after second turn = %q, want COMPLETED", got.ChatStatus)
	}
}

func TestSendEnforcesTurnLimit(t *testing.T) {
	client := &cannedLLM{reply: "answer"}
	svc, st := newTestService(t, client)
	ctx := context.Background()

	p, _ := seedPersona(t, st, "u_1")
	for i := range 5 {
		if _, err := svc.Send(ctx, "u_1", p.ID, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	_, err := svc.Send(ctx, "u_1", p.ID, "one too many")
	if !errors.Is(err, ErrMessageLimitExceeded) {
		t.Fatalf("Send #6 error = %v, want ErrMessageLimitExceeded", err)
	}

	// The rejected turn must leave no trace.
	history, err := svc.History(ctx, "u_1", p.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 10 {
		t.Errorf("history = %d messages, want 10", len(history))
	}
	left, err := svc.TurnsLeft(ctx, "u_1", p.ID)
	if err != nil {
		t.Fatalf("TurnsLeft: %v", err)
	}
	if left != 0 {
		t.Errorf("TurnsLeft = %d, want 0", left)
	}
}

func TestSendLimitIsPerPersona(t *testing.T) {
	client := &cannedLLM{reply: "answer"}
	svc, st := newTestService(t, client)
	ctx := context.Background()

	p1, _ := seedPersona(t, st, "u_1")
	p2 := &store.FutureProfile{UserID: "u_1", ProfileName: "Other Me"}
	if err := st.CreateFutureProfile(ctx, p2); err != nil {
		t.Fatalf("CreateFutureProfile: %v", err)
	}

	for i := range 5 {
		if _, err := svc.Send(ctx, "u_1", p1.ID, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if _, err := svc.Send(ctx, "u_1", p1.ID, "over"); !errors.Is(err, ErrMessageLimitExceeded) {
		t.Fatalf("expected limit on persona 1, got %v", err)
	}

	// A fresh persona has its own budget.
	if _, err := svc.Send(ctx, "u_1", p2.ID, "hello other me"); err != nil {
		t.Errorf("Send to second persona: %v", err)
	}
}

func TestSendUnknownPersona(t *testing.T) {
	svc, _ := newTestService(t, &cannedLLM{reply: "x"})
	_, err := svc.Send(context.Background(), "u_1", "nope", "hi")
	if !errors.Is(err, ErrPersonaNotFound) {
		t.Errorf("err = %v, want ErrPersonaNotFound", err)
	}
}

func TestSendForeignPersona(t *testing.T) {
	svc, st := newTestService(t, &cannedLLM{reply: "x"})
	p, _ := seedPersona(t, st, "u_owner")
	_, err := svc.Send(context.Background(), "u_intruder", p.ID, "hi")
	if !errors.Is(err, ErrPersonaNotFound) {
		t.Errorf("err = %v, want ErrPersonaNotFound", err)
	}
}

func TestSendConcurrentTurnsNeverExceedLimit(t *testing.T) {
	client := &cannedLLM{reply: "answer"}
	svc, st := newTestService(t, client)
	ctx := context.Background()

	p, _ := seedPersona(t, st, "u_1")

	const attempts = 12
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Send(ctx, "u_1", p.ID, fmt.Sprintf("concurrent %d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	accepted, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrMessageLimitExceeded):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 5 {
		t.Errorf("accepted = %d, want exactly 5", accepted)
	}
	if rejected != attempts-5 {
		t.Errorf("rejected = %d, want %d", rejected, attempts-5)
	}

	count, err := st.CountUserTurns(ctx, "u_1", p.ID)
	if err != nil {
		t.Fatalf("CountUserTurns: %v", err)
	}
	if count != 5 {
		t.Errorf("persisted user turns = %d, want 5", count)
	}
}
