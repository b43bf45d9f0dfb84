package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for advisor-agent.
//
// Secrets (provider API keys) are never stored here; they are resolved from the
// environment variable named by Provider.APIKeyEnv at startup.
type Config struct {
	Provider ProviderConfig `json:"provider"`

	// DataDir holds the local sqlite databases (conversation memory, incidents).
	// If empty, the agent defaults to ~/.advisor-agent.
	DataDir string `json:"data_dir,omitempty"`

	Memory    *MemoryConfig    `json:"memory,omitempty"`
	Engine    *EngineConfig    `json:"engine,omitempty"`
	Guardrail *GuardrailConfig `json:"guardrail,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// ProviderConfig selects the model capability backend.
type ProviderConfig struct {
	// Type is "openai", "openai_compatible" or "anthropic".
	Type string `json:"type"`
	// Model is the provider model id, e.g. "gpt-4.1" or "claude-sonnet-4-5".
	Model string `json:"model"`
	// BaseURL overrides the provider endpoint (openai_compatible gateways).
	BaseURL string `json:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	// Defaults per provider type (OPENAI_API_KEY / ANTHROPIC_API_KEY).
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// MemoryConfig tunes conversation memory. All budgets are approximate token
// counts (see memory.EstimateTokens); boundedness matters, not exactness.
type MemoryConfig struct {
	// HistoryTokenBudget bounds the history loaded for a turn. It is kept
	// deliberately smaller than the model context to favor latency.
	HistoryTokenBudget *int `json:"history_token_budget,omitempty"`
	// SummarizeThreshold is the number of unsummarized messages that triggers
	// background summarization of a thread.
	SummarizeThreshold *int `json:"summarize_threshold,omitempty"`
	// SummaryWorkers sizes the background summarization pool.
	SummaryWorkers *int `json:"summary_workers,omitempty"`
}

// EngineConfig tunes the orchestration loop.
type EngineConfig struct {
	// MaxSteps caps model/tool round-trips within one turn.
	MaxSteps *int `json:"max_steps,omitempty"`
	// MaxOutputTokens caps a single model response.
	MaxOutputTokens *int `json:"max_output_tokens,omitempty"`
	// ThinkingAfterMs emits rotating "thinking" statuses once no content has
	// arrived for this long. GeneratingAfterMs switches to a single
	// "generating" status. Both are cosmetic.
	ThinkingAfterMs   *int `json:"thinking_after_ms,omitempty"`
	GeneratingAfterMs *int `json:"generating_after_ms,omitempty"`
	// PersistOpTimeoutMs bounds each memory persistence operation.
	PersistOpTimeoutMs *int `json:"persist_op_timeout_ms,omitempty"`
}

// GuardrailConfig tunes input/output validation.
type GuardrailConfig struct {
	// RulesPath points to a YAML rule pack overriding the embedded default.
	RulesPath string `json:"rules_path,omitempty"`
}

const (
	defaultHistoryTokenBudget = 3000
	defaultSummarizeThreshold = 50
	defaultSummaryWorkers     = 1
	defaultMaxSteps           = 8
	defaultMaxOutputTokens    = 4096
	defaultThinkingAfterMs    = 3000
	defaultGeneratingAfterMs  = 15000
	defaultPersistOpTimeoutMs = 10000
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider.Type)) {
	case "openai", "openai_compatible", "anthropic":
	case "":
		return errors.New("missing provider.type")
	default:
		return fmt.Errorf("unsupported provider.type %q", c.Provider.Type)
	}
	if strings.TrimSpace(c.Provider.Model) == "" {
		return errors.New("missing provider.model")
	}
	if c.Memory != nil {
		if v := c.Memory.HistoryTokenBudget; v != nil && *v <= 0 {
			return errors.New("memory.history_token_budget must be > 0")
		}
		if v := c.Memory.SummarizeThreshold; v != nil && *v <= 0 {
			return errors.New("memory.summarize_threshold must be > 0")
		}
		if v := c.Memory.SummaryWorkers; v != nil && *v <= 0 {
			return errors.New("memory.summary_workers must be > 0")
		}
	}
	if c.Engine != nil {
		if v := c.Engine.MaxSteps; v != nil && *v <= 0 {
			return errors.New("engine.max_steps must be > 0")
		}
		if v := c.Engine.MaxOutputTokens; v != nil && *v <= 0 {
			return errors.New("engine.max_output_tokens must be > 0")
		}
	}
	return nil
}

// APIKeyEnvName resolves the env var carrying the provider key.
func (c *Config) APIKeyEnvName() string {
	if c == nil {
		return ""
	}
	if v := strings.TrimSpace(c.Provider.APIKeyEnv); v != "" {
		return v
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider.Type)) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

func (c *Config) EffectiveHistoryTokenBudget() int {
	if c != nil && c.Memory != nil && c.Memory.HistoryTokenBudget != nil {
		return *c.Memory.HistoryTokenBudget
	}
	return defaultHistoryTokenBudget
}

func (c *Config) EffectiveSummarizeThreshold() int {
	if c != nil && c.Memory != nil && c.Memory.SummarizeThreshold != nil {
		return *c.Memory.SummarizeThreshold
	}
	return defaultSummarizeThreshold
}

func (c *Config) EffectiveSummaryWorkers() int {
	if c != nil && c.Memory != nil && c.Memory.SummaryWorkers != nil {
		return *c.Memory.SummaryWorkers
	}
	return defaultSummaryWorkers
}

func (c *Config) EffectiveMaxSteps() int {
	if c != nil && c.Engine != nil && c.Engine.MaxSteps != nil {
		return *c.Engine.MaxSteps
	}
	return defaultMaxSteps
}

func (c *Config) EffectiveMaxOutputTokens() int {
	if c != nil && c.Engine != nil && c.Engine.MaxOutputTokens != nil {
		return *c.Engine.MaxOutputTokens
	}
	return defaultMaxOutputTokens
}

func (c *Config) EffectiveThinkingAfterMs() int {
	if c != nil && c.Engine != nil && c.Engine.ThinkingAfterMs != nil {
		return *c.Engine.ThinkingAfterMs
	}
	return defaultThinkingAfterMs
}

func (c *Config) EffectiveGeneratingAfterMs() int {
	if c != nil && c.Engine != nil && c.Engine.GeneratingAfterMs != nil {
		return *c.Engine.GeneratingAfterMs
	}
	return defaultGeneratingAfterMs
}

func (c *Config) EffectivePersistOpTimeoutMs() int {
	if c != nil && c.Engine != nil && c.Engine.PersistOpTimeoutMs != nil {
		return *c.Engine.PersistOpTimeoutMs
	}
	return defaultPersistOpTimeoutMs
}

// EffectiveDataDir resolves the data directory, defaulting to ~/.advisor-agent.
func (c *Config) EffectiveDataDir() string {
	if c != nil {
		if v := strings.TrimSpace(c.DataDir); v != "" {
			return v
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".advisor-agent"
	}
	return filepath.Join(home, ".advisor-agent")
}

// DefaultConfigPath returns the default config path:
//
//	~/.advisor-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "advisor-agent.config.json"
	}
	return filepath.Join(home, ".advisor-agent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}
