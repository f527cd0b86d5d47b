package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envOpenAIAPIKey      = "OPENAI_API_KEY"
	envAnthropicAPIKey   = "ANTHROPIC_API_KEY"
	envBraveAPIKey       = "BRAVE_API_KEY"
)

const (
	defaultMaxToolIterations     = 20
	defaultSubagentIterations    = 15
	defaultMaxTokens             = 8192
	defaultExecTimeoutSeconds    = 120
	defaultSearchMaxResults      = 5
	defaultFetchMaxChars         = 50000
	defaultHeartbeatMinutes      = 30
	defaultReplyProbabilityBase  = 0.85
	defaultReplyProbabilityDecay = 0.2
	defaultReplyProbabilityFloor = 0.3
	defaultDiscussionMaxRounds   = 6
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Agents     AgentsConfig     `json:"agents"`
	Channels   ChannelsConfig   `json:"channels"`
	Providers  ProvidersConfig  `json:"providers"`
	Tools      ToolsConfig      `json:"tools,omitempty"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Discussion DiscussionConfig `json:"discussion,omitempty"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// AgentsConfig contains agent runtime defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults describes default model/runtime settings for new agent sessions.
type AgentDefaults struct {
	Workspace             string  `json:"workspace"`
	RestrictToWorkspace   bool    `json:"restrict_to_workspace"`
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	MaxTokens             int     `json:"max_tokens"`
	Temperature           float64 `json:"temperature"`
	MaxToolIterations     int     `json:"max_tool_iterations"`
	SubagentMaxIterations int     `json:"subagent_max_iterations"`
}

// EffectiveMaxToolIterations returns the configured budget or the default.
func (d AgentDefaults) EffectiveMaxToolIterations() int {
	if d.MaxToolIterations > 0 {
		return d.MaxToolIterations
	}
	return defaultMaxToolIterations
}

// EffectiveSubagentIterations returns the subagent budget or the default.
func (d AgentDefaults) EffectiveSubagentIterations() int {
	if d.SubagentMaxIterations > 0 {
		return d.SubagentMaxIterations
	}
	return defaultSubagentIterations
}

// EffectiveMaxTokens returns the completion token cap or the default.
func (d AgentDefaults) EffectiveMaxTokens() int {
	if d.MaxTokens > 0 {
		return d.MaxTokens
	}
	return defaultMaxTokens
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI    OpenAIProviderConfig    `json:"openai"`
	Anthropic AnthropicProviderConfig `json:"anthropic"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKey                string `json:"api_key"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// AnthropicProviderConfig configures the Anthropic provider client.
type AnthropicProviderConfig struct {
	APIKey                string `json:"api_key"`
	BaseURL               string `json:"base_url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	Proxy     string   `json:"proxy"`
	AllowFrom []string `json:"allow_from"`
}

// ToolsConfig groups optional tool-system configuration.
type ToolsConfig struct {
	Web  WebToolsConfig `json:"web"`
	Exec ExecConfig     `json:"exec"`
}

// WebToolsConfig configures search and fetch behavior for the web tools.
type WebToolsConfig struct {
	Brave        SearchProviderConfig `json:"brave"`
	FetchMaxSize int                  `json:"fetch_max_size"`
}

// EffectiveFetchMaxSize returns the fetch extraction cap or the default.
func (w WebToolsConfig) EffectiveFetchMaxSize() int {
	if w.FetchMaxSize > 0 {
		return w.FetchMaxSize
	}
	return defaultFetchMaxChars
}

// SearchProviderConfig configures one external search provider.
type SearchProviderConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

// EffectiveMaxResults returns the result count cap or the default.
func (s SearchProviderConfig) EffectiveMaxResults() int {
	if s.MaxResults > 0 {
		return s.MaxResults
	}
	return defaultSearchMaxResults
}

// ExecConfig configures local command execution safety behavior.
type ExecConfig struct {
	DisableDenyPatterns bool     `json:"disable_deny_patterns,omitempty"`
	CustomDenyPatterns  []string `json:"custom_deny_patterns"`
	TimeoutSeconds      int      `json:"timeout_seconds"`
}

// EffectiveTimeoutSeconds returns the per-command timeout or the default.
func (e ExecConfig) EffectiveTimeoutSeconds() int {
	if e.TimeoutSeconds > 0 {
		return e.TimeoutSeconds
	}
	return defaultExecTimeoutSeconds
}

// HeartbeatConfig controls the periodic synthetic prompt.
type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"interval_minutes"`
	Channel         string `json:"channel"`
	ChatID          string `json:"chat_id"`
}

// EffectiveIntervalMinutes returns the heartbeat period or the default.
func (h HeartbeatConfig) EffectiveIntervalMinutes() int {
	if h.IntervalMinutes > 0 {
		return h.IntervalMinutes
	}
	return defaultHeartbeatMinutes
}

// DiscussionConfig holds pacing policy for multi-agent group conversations.
// Adapters that relay agent-to-agent traffic consult it to decide whether a
// bot replies in a given round; the core loop does not read it.
type DiscussionConfig struct {
	ReplyProbabilityBase  float64 `json:"reply_probability_base,omitempty"`
	ReplyProbabilityDecay float64 `json:"reply_probability_decay,omitempty"`
	ReplyProbabilityFloor float64 `json:"reply_probability_floor,omitempty"`
	MaxRounds             int     `json:"max_rounds,omitempty"`
}

// ReplyProbability returns the chance of replying in the given round,
// decaying linearly per round down to the configured floor.
func (d DiscussionConfig) ReplyProbability(round int) float64 {
	base := d.ReplyProbabilityBase
	if base <= 0 {
		base = defaultReplyProbabilityBase
	}
	decay := d.ReplyProbabilityDecay
	if decay <= 0 {
		decay = defaultReplyProbabilityDecay
	}
	floor := d.ReplyProbabilityFloor
	if floor <= 0 {
		floor = defaultReplyProbabilityFloor
	}
	p := base - float64(round)*decay
	if p < floor {
		return floor
	}
	return p
}

// EffectiveMaxRounds returns the discussion round cap or the default.
func (d DiscussionConfig) EffectiveMaxRounds() int {
	if d.MaxRounds > 0 {
		return d.MaxRounds
	}
	return defaultDiscussionMaxRounds
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// defaultConfig seeds the settings whose zero value would be unsafe if the
// config file omits them. Unmarshal overwrites any field the file sets.
func defaultConfig() Config {
	var cfg Config
	cfg.Agents.Defaults.RestrictToWorkspace = true
	return cfg
}

// applyEnvOverrides injects secret-bearing env settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if key := strings.TrimSpace(os.Getenv(envOpenAIAPIKey)); key != "" {
		cfg.Providers.OpenAI.APIKey = key
	}

	if key := strings.TrimSpace(os.Getenv(envAnthropicAPIKey)); key != "" {
		cfg.Providers.Anthropic.APIKey = key
	}

	if key := strings.TrimSpace(os.Getenv(envBraveAPIKey)); key != "" {
		cfg.Tools.Web.Brave.APIKey = key
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is PINCER_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("PINCER_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("PINCER_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
