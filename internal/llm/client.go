// Package llm provides clients for the generative text provider.
package llm

import "context"

// Tier selects a latency/quality tradeoff for a generation call.
type Tier string

const (
	// TierStandard is the slower, higher-quality model. Letter replies
	// and reports use it.
	TierStandard Tier = "standard"
	// TierFast is the lower-latency model used for interactive chat.
	TierFast Tier = "fast"
)

// Message is one entry in a chat-completion conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Client is the generation contract: a structured prompt in, raw
// generated text out. Implementations block until the provider
// completes or ctx is done.
type Client interface {
	Generate(ctx context.Context, tier Tier, messages []Message) (string, error)
}
