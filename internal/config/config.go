package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultDataDirName       = ".jarvis"
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18790
	DefaultBufSize           = 100
	DefaultMonthlyCapUSD     = 50.0
	DefaultMinSleepSeconds   = 30
	DefaultMaxSleepSeconds   = 3600
	DefaultMaxContextTokens  = 24000
	DefaultRetrievalCount    = 8
	DefaultRelevanceThresh   = 0.55
	DefaultDecayFactor       = 0.97
	DefaultMemoryQuietGap    = "3m"
	DefaultMemoryTokenBudget = 0.6
	DefaultMemoryDailyFlush  = "03:00"
	DefaultLLMTimeoutSeconds = 120
	DefaultToolTimeoutSecs   = 30

	DefaultMemoryEmbeddingBatchSize = 16
	DefaultMemoryEmbeddingTimeoutMs = 10000

	// DefaultRouterMaxRetries bounds same-candidate retries on a classified
	// rate_limit/network failure before the router falls through to the next
	// candidate in the tier.
	DefaultRouterMaxRetries = 3
	// DefaultRouterMaxFallback bounds how many candidates within a single
	// tier the router will try before giving up on that tier entirely.
	DefaultRouterMaxFallback = 3
	// DefaultRouterRetryBaseDelayMs is the first backoff delay; each
	// subsequent retry doubles it.
	DefaultRouterRetryBaseDelayMs = 500
)

// Config is the single process-wide configuration snapshot. It is assembled
// once at startup and passed by pointer into every component's constructor;
// nothing downstream re-reads the environment.
type Config struct {
	DataDir     string          `json:"dataDir"`
	Directive   string          `json:"directive"`
	Auth        AuthConfig      `json:"auth"`
	Gateway     GatewayConfig   `json:"gateway"`
	Budget      BudgetConfig    `json:"budget"`
	Providers   []ProviderSeed  `json:"providers"`
	Memory      MemoryConfig    `json:"memory"`
	Channels    ChannelsConfig  `json:"channels"`
	SelfUpdate  SelfUpdateConfig `json:"selfUpdate"`
	CoreLoop    CoreLoopConfig  `json:"coreLoop"`
	Router      RouterConfig    `json:"router"`
}

// RouterConfig bounds the LLM router's retry-with-backoff and same-tier
// fallback behavior.
type RouterConfig struct {
	MaxRetries       int `json:"maxRetries"`
	MaxFallback      int `json:"maxFallback"`
	RetryBaseDelayMs int `json:"retryBaseDelayMs"`
}

type AuthConfig struct {
	Mode         string `json:"mode"` // "off" | "single-creator-token"
	CreatorToken string `json:"creatorToken,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type BudgetConfig struct {
	MonthlyCapUSD float64 `json:"monthlyCapUsd"`
}

// ProviderSeed is the on-disk/env description of one LLM provider used to
// populate the budget tracker and LLM router provider tables at boot.
type ProviderSeed struct {
	Name           string  `json:"name"`
	Tier           string  `json:"tier"` // paid | free | unknown
	Currency       string  `json:"currency"`
	APIKeyEnv      string  `json:"apiKeyEnv,omitempty"`
	APIKey         string  `json:"apiKey,omitempty"`
	BaseURL        string  `json:"baseUrl,omitempty"`
	Model          string  `json:"model"`
	InputPer1K     float64 `json:"inputPer1k"`
	OutputPer1K    float64 `json:"outputPer1k"`
	KnownBalance   float64 `json:"knownBalance,omitempty"`
	RouterTiers    []string `json:"routerTiers"` // e.g. ["level1","coding_level1"]
}

type MemoryConfig struct {
	DBPath           string           `json:"dbPath,omitempty"`
	RetrievalCount   int              `json:"retrievalCount"`
	RelevanceThresh  float64          `json:"relevanceThreshold"`
	DecayFactor      float64          `json:"decayFactor"`
	MaxContextTokens int              `json:"maxContextTokens"`
	Extraction       ExtractionConfig `json:"extraction"`
	EmbeddingModel   string           `json:"embeddingModel,omitempty"`

	// Model/MaxTokens/ReasoningEffort configure the LLM used for extraction,
	// compression, and profile refresh (internal/memory's LLMClient). Empty
	// values fall back to the first configured provider's model.
	Model           string `json:"model,omitempty"`
	MaxTokens       int    `json:"maxTokens,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`

	// Provider overrides which endpoint the memory LLM/embedder talk to; nil
	// falls back to the first entry in Config.Providers.
	Provider  *ProviderConfig `json:"provider,omitempty"`
	Embedding EmbeddingConfig `json:"embedding"`
}

// ProviderConfig is a bare endpoint/credential pair, used where a component
// needs an LLM endpoint but not the full router ProviderSeed shape.
type ProviderConfig struct {
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "api" | "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

type ExtractionConfig struct {
	QuietGap    string  `json:"quietGap,omitempty"`
	TokenBudget float64 `json:"tokenBudget,omitempty"`
	DailyFlush  string  `json:"dailyFlush,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
}

type SelfUpdateConfig struct {
	LiveRoot      string `json:"liveRoot"`
	BackupRoot    string `json:"backupRoot"`
	RemoteURL     string `json:"remoteUrl,omitempty"`
	RemoteToken   string `json:"remoteToken,omitempty"`
	GitUserName   string `json:"gitUserName"`
	GitUserEmail  string `json:"gitUserEmail"`
}

type CoreLoopConfig struct {
	MinSleepSeconds int `json:"minSleepSeconds"`
	MaxSleepSeconds int `json:"maxSleepSeconds"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, DefaultDataDirName)
	return &Config{
		DataDir:   dataDir,
		Directive: "Assist the creator. Operate safely, transparently, and within budget.",
		Auth: AuthConfig{
			Mode: "off",
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Budget: BudgetConfig{
			MonthlyCapUSD: DefaultMonthlyCapUSD,
		},
		Memory: MemoryConfig{
			DBPath:           filepath.Join(dataDir, "memory.db"),
			RetrievalCount:   DefaultRetrievalCount,
			RelevanceThresh:  DefaultRelevanceThresh,
			DecayFactor:      DefaultDecayFactor,
			MaxContextTokens: DefaultMaxContextTokens,
			Extraction: ExtractionConfig{
				QuietGap:    DefaultMemoryQuietGap,
				TokenBudget: DefaultMemoryTokenBudget,
				DailyFlush:  DefaultMemoryDailyFlush,
			},
		},
		SelfUpdate: SelfUpdateConfig{
			LiveRoot:     ".",
			BackupRoot:   filepath.Join(dataDir, "code", "backend"),
			GitUserName:  "jarvis",
			GitUserEmail: "jarvis@localhost",
		},
		CoreLoop: CoreLoopConfig{
			MinSleepSeconds: DefaultMinSleepSeconds,
			MaxSleepSeconds: DefaultMaxSleepSeconds,
		},
		Router: RouterConfig{
			MaxRetries:       DefaultRouterMaxRetries,
			MaxFallback:      DefaultRouterMaxFallback,
			RetryBaseDelayMs: DefaultRouterRetryBaseDelayMs,
		},
	}
}

// PrimaryProvider returns the first configured LLM provider, the fallback
// endpoint/credential source for components (memory extraction, embedding)
// that don't participate in the router's tiered fallback chain.
func (c *Config) PrimaryProvider() ProviderSeed {
	if len(c.Providers) == 0 {
		return ProviderSeed{}
	}
	return c.Providers[0]
}

// ModelReasoningEffort returns the reasoning effort to request from the
// memory subsystem's LLM calls, or "" to omit the field entirely.
func (c *Config) ModelReasoningEffort() string {
	return c.Memory.ReasoningEffort
}

func ConfigDir() string {
	if dir := os.Getenv("JARVIS_DATA_DIR"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, DefaultDataDirName)
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads config.json (if present) and layers environment variable
// overrides on top of it. Every override wins over the file, and secrets are
// only ever sourced from the environment or an *Env indirection, never
// required to sit in the file in plaintext.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if dir := os.Getenv("JARVIS_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if directive := os.Getenv("JARVIS_DIRECTIVE"); directive != "" {
		cfg.Directive = directive
	}
	if cap := os.Getenv("JARVIS_MONTHLY_CAP_USD"); cap != "" {
		if parsed, err := strconv.ParseFloat(cap, 64); err == nil {
			cfg.Budget.MonthlyCapUSD = parsed
		}
	}
	if token := os.Getenv("JARVIS_CREATOR_TOKEN"); token != "" {
		cfg.Auth.CreatorToken = token
		if cfg.Auth.Mode == "off" {
			cfg.Auth.Mode = "single-creator-token"
		}
	}
	if token := os.Getenv("JARVIS_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if url := os.Getenv("JARVIS_SELF_UPDATE_REMOTE"); url != "" {
		cfg.SelfUpdate.RemoteURL = url
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.SelfUpdate.RemoteToken = token
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviderSeeds()
	}
	// Resolve each provider's API key: an explicit inline key wins, otherwise
	// fall back to the named environment variable.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}

	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(cfg.DataDir, "memory.db")
	}
	if cfg.Memory.Extraction.QuietGap == "" {
		cfg.Memory.Extraction.QuietGap = DefaultMemoryQuietGap
	}
	if cfg.Memory.Extraction.TokenBudget <= 0 {
		cfg.Memory.Extraction.TokenBudget = DefaultMemoryTokenBudget
	}
	if cfg.Memory.Extraction.DailyFlush == "" {
		cfg.Memory.Extraction.DailyFlush = DefaultMemoryDailyFlush
	}
	if cfg.CoreLoop.MinSleepSeconds <= 0 {
		cfg.CoreLoop.MinSleepSeconds = DefaultMinSleepSeconds
	}
	if cfg.CoreLoop.MaxSleepSeconds <= 0 {
		cfg.CoreLoop.MaxSleepSeconds = DefaultMaxSleepSeconds
	}

	return cfg, nil
}

// defaultProviderSeeds mirrors the tier ladder this was adapted from: a
// paid frontier model at level1, a cheaper paid model at level2, a free
// model at level3, and local_only always available with no seed needed.
func defaultProviderSeeds() []ProviderSeed {
	return []ProviderSeed{
		{
			Name: "anthropic", Tier: "paid", Currency: "USD",
			APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-sonnet-4-5-20250929",
			InputPer1K: 0.003, OutputPer1K: 0.015,
			RouterTiers: []string{"level1", "coding_level1"},
		},
		{
			Name: "openai", Tier: "paid", Currency: "USD",
			APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4.1-mini",
			InputPer1K: 0.0004, OutputPer1K: 0.0016,
			RouterTiers: []string{"level2", "coding_level2"},
		},
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0o644)
}
