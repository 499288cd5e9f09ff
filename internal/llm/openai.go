package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/postself/postself/internal/config"
	"github.com/postself/postself/internal/httpkit"
)

// OpenAIClient talks to an OpenAI-compatible chat completions API
// (SiliconFlow, OpenRouter, a local vLLM, etc). Each tier maps to a
// configured model name on the same endpoint.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	models      map[Tier]string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a client from provider configuration.
func NewOpenAIClient(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIClient {
	return &OpenAIClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		models: map[Tier]string{
			TierStandard: cfg.ModelStandard,
			TierFast:     cfg.ModelFast,
		},
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		// Generation calls block the worker; the timeout is generous
		// because large models routinely take minutes.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger,
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the subset of the response we consume.
type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate sends a chat completion request and returns the raw text of
// the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, tier Tier, messages []Message) (string, error) {
	model, ok := c.models[tier]
	if !ok || model == "" {
		return "", fmt.Errorf("no model configured for tier %q", tier)
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, errBody)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}

	c.logger.Debug("generation complete",
		"model", model,
		"tier", string(tier),
		"tokens_in", chatResp.Usage.PromptTokens,
		"tokens_out", chatResp.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return chatResp.Choices[0].Message.Content, nil
}
