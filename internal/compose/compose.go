// Package compose assembles generation context and drives the provider
// for the three generation flows: a persona's letter reply, one
// interactive chat turn, and the WOOP report. It owns the shape of what
// the model sees; callers own persistence and lifecycle.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/postself/postself/internal/config"
	"github.com/postself/postself/internal/llm"
	"github.com/postself/postself/internal/prompts"
	"github.com/postself/postself/internal/store"
)

// HistoryStore is the slice of persistence compose reads chat context
// from.
type HistoryStore interface {
	ChatHistory(ctx context.Context, userID, profileID string) ([]*store.ChatMessage, error)
}

// Retriever fetches ranked memory excerpts for a query.
type Retriever interface {
	Retrieve(ctx context.Context, userID, personaScope, query string, limit int) ([]*store.MemoryChunk, error)
}

// Composer builds prompts and runs generation calls.
type Composer struct {
	history   HistoryStore
	client    llm.Client
	retriever Retriever
	window    int
	retrieval int
	logger    *slog.Logger
}

// New creates a Composer. window and retrieval limits come from the
// chat configuration.
func New(history HistoryStore, client llm.Client, retriever Retriever, cfg config.ChatConfig, logger *slog.Logger) *Composer {
	return &Composer{
		history:   history,
		client:    client,
		retriever: retriever,
		window:    cfg.HistoryWindow,
		retrieval: cfg.RetrievalLimit,
		logger:    logger,
	}
}

// LetterReply generates one persona's written reply to the user's
// letter. current may be nil when the user skipped the questionnaire.
func (c *Composer) LetterReply(ctx context.Context, profile *store.FutureProfile, current *store.CurrentProfile, letterContent string) (string, error) {
	demo, vals, bfi := profileBlobs(current)
	system := prompts.LetterReply(DescribeProfile(profile), vals, bfi, demo)

	c.logger.Debug("generating letter reply",
		"future_profile_id", profile.ID,
		"letter_len", len(letterContent))

	return c.client.Generate(ctx, llm.TierStandard, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: letterContent},
	})
}

// ChatReply generates the persona's answer to one user chat turn. The
// user's turn must already be persisted; the history window read here
// includes it.
func (c *Composer) ChatReply(ctx context.Context, profile *store.FutureProfile, current *store.CurrentProfile, userID, userMessage string) (string, error) {
	chunks, err := c.retriever.Retrieve(ctx, userID, profile.ID, userMessage, c.retrieval)
	if err != nil {
		return "", fmt.Errorf("retrieve memory: %w", err)
	}
	memoryBlock := formatMemory(chunks)

	history, err := c.history.ChatHistory(ctx, userID, profile.ID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	historyBlock := FormatHistory(lastN(history, c.window))

	demo, vals, bfi := profileBlobs(current)
	system := prompts.Chat(profile.ProfileName, DescribeProfile(profile), vals, bfi, demo, memoryBlock, historyBlock)

	c.logger.Debug("generating chat reply",
		"user_id", userID,
		"future_profile_id", profile.ID,
		"memory_chunks", len(chunks),
		"history_len", len(history))

	return c.client.Generate(ctx, llm.TierFast, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: userMessage},
	})
}

// Report generates the raw WOOP summary text from the letter and the
// full chat transcript.
func (c *Composer) Report(ctx context.Context, current *store.CurrentProfile, letterContent, transcript string) (string, error) {
	system := prompts.Report(currentProfileJSON(current), letterContent, transcript)

	c.logger.Debug("generating report",
		"letter_len", len(letterContent),
		"transcript_len", len(transcript))

	return c.client.Generate(ctx, llm.TierStandard, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompts.ReportUserQuery},
	})
}

// DescribeProfile renders a persona's narrative fields as the identity
// block the templates expect. Blank fields are omitted.
func DescribeProfile(p *store.FutureProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", p.ProfileName)
	appendField(&b, "Background", p.ProfileDescription)
	appendField(&b, "Values", p.FutureValues)
	appendField(&b, "Vision", p.FutureVision)
	appendField(&b, "Obstacles overcome", p.FutureObstacles)
	return strings.TrimRight(b.String(), "\n")
}

func appendField(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}

// FormatHistory renders chat messages as one "SENDER: content" line
// per turn.
func FormatHistory(msgs []*store.ChatMessage) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Sender+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func lastN(msgs []*store.ChatMessage, n int) []*store.ChatMessage {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func formatMemory(chunks []*store.MemoryChunk) string {
	lines := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		lines = append(lines, ch.TextChunk)
	}
	return strings.Join(lines, "\n")
}

// profileBlobs unpacks the questionnaire JSON blobs, tolerating a
// missing current profile.
func profileBlobs(p *store.CurrentProfile) (demo, vals, bfi string) {
	if p == nil {
		return "", "", ""
	}
	return p.DemoJSON, p.ValsJSON, p.BFIJSON
}

// currentProfileJSON merges the questionnaire blobs into the single
// object the report template embeds.
func currentProfileJSON(p *store.CurrentProfile) string {
	if p == nil {
		return ""
	}
	obj := struct {
		Demographics json.RawMessage `json:"demographics"`
		Values       json.RawMessage `json:"values"`
		Personality  json.RawMessage `json:"personality"`
	}{
		Demographics: rawOrEmpty(p.DemoJSON),
		Values:       rawOrEmpty(p.ValsJSON),
		Personality:  rawOrEmpty(p.BFIJSON),
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(b)
}

func rawOrEmpty(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
