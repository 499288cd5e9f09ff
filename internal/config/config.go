// Package config handles postself configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/postself/config.yaml, /etc/postself/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "postself", "config.yaml"))
	}

	paths = append(paths, "/etc/postself/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all postself configuration.
type Config struct {
	Provider   ProviderConfig   `yaml:"provider"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Queue      QueueConfig      `yaml:"queue"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Chat       ChatConfig       `yaml:"chat"`
	DataDir    string           `yaml:"data_dir"`
	// EncryptionKey is the hex-encoded 32-byte key for field encryption.
	// Every free-text column in the store is sealed with it.
	EncryptionKey string `yaml:"encryption_key"`
	LogLevel      string `yaml:"log_level"`
}

// ProviderConfig defines the generative text provider (an
// OpenAI-compatible chat completions API).
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// ModelStandard is the slower, higher-quality tier used for letter
	// replies and reports. ModelFast serves interactive chat turns.
	ModelStandard string  `yaml:"model_standard"`
	ModelFast     string  `yaml:"model_fast"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Dim is the embedding vector dimension. Vectors of any other
	// length are rejected at the store boundary.
	Dim int `yaml:"dim"`
}

// QueueConfig defines the job queue transport. When Broker is empty the
// worker runs with an in-process queue (single-node mode).
type QueueConfig struct {
	Broker   string `yaml:"broker"` // e.g. "mqtt://localhost:1883"
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix namespaces job topics on a shared broker.
	TopicPrefix string `yaml:"topic_prefix"`
}

// JobsConfig defines retry behavior for generation jobs.
type JobsConfig struct {
	// MaxAttempts is the total number of tries per job before the
	// entity is committed FAILED. Default 3.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBaseDelaySec is the base for the exponential retry delay:
	// delay = base * 2^attempt. Default 60.
	RetryBaseDelaySec int `yaml:"retry_base_delay_sec"`
	// Workers is the worker pool size. Default 2.
	Workers int `yaml:"workers"`
}

// ChatConfig defines conversation limits and context sizing.
type ChatConfig struct {
	// MaxUserTurns caps user-authored messages per (user, persona)
	// conversation. Default 5.
	MaxUserTurns int `yaml:"max_user_turns"`
	// HistoryWindow is how many trailing turns are included in the
	// chat prompt. Default 10.
	HistoryWindow int `yaml:"history_window"`
	// RetrievalLimit is how many memory chunks RAG retrieval returns.
	// Default 5.
	RetrievalLimit int `yaml:"retrieval_limit"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:     "https://api.siliconflow.cn/v1",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Embeddings: EmbeddingsConfig{
			Model: "BAAI/bge-m3",
			Dim:   1024,
		},
		Jobs: JobsConfig{
			MaxAttempts:       3,
			RetryBaseDelaySec: 60,
			Workers:           2,
		},
		Chat: ChatConfig{
			MaxUserTurns:   5,
			HistoryWindow:  10,
			RetrievalLimit: 5,
		},
		DataDir: ".",
	}
}

// Validate checks the loaded configuration for values the pipeline
// cannot run without. Defaults fill the rest.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption_key is required (64 hex chars)")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.ModelStandard == "" {
		return fmt.Errorf("provider.model_standard is required")
	}
	if c.Provider.ModelFast == "" {
		c.Provider.ModelFast = c.Provider.ModelStandard
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Provider.BaseURL
	}
	if c.Embeddings.APIKey == "" {
		c.Embeddings.APIKey = c.Provider.APIKey
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.RetryBaseDelaySec <= 0 {
		c.Jobs.RetryBaseDelaySec = 60
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 2
	}
	if c.Chat.MaxUserTurns <= 0 {
		c.Chat.MaxUserTurns = 5
	}
	if c.Chat.HistoryWindow <= 0 {
		c.Chat.HistoryWindow = 10
	}
	if c.Chat.RetrievalLimit <= 0 {
		c.Chat.RetrievalLimit = 5
	}
	return nil
}
