// Package config handles Steward configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Agent loop defaults. Each one is overridable from the agent section
// of the config file.
const (
	DefaultMaxSteps             = 100
	DefaultMaxConsecutiveErrors = 3
	DefaultRepeatToolLimit      = 3
	DefaultStuckResetAt         = 5
	DefaultStuckTerminateAt     = 7
	DefaultProgressWindow       = 10
	DefaultProgressMinDistinct  = 3
	DefaultMaxObserve           = 2000
	DefaultMaxPlanningAttempts  = 3
	DefaultToolChoice           = "auto"
)

// Chunking defaults.
const (
	DefaultTokenLimit      = 7000
	DefaultChunkSize       = 6000
	DefaultChunkOverlap    = 500
	DefaultMaxChunks       = 5
	DefaultBrowseThreshold = 10000
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "config.yaml"))
	}

	paths = append(paths, "/etc/steward/config.yaml")
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

// Config holds all Steward configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Agent      AgentConfig      `yaml:"agent"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Search     SearchConfig     `yaml:"search"`
	Browser    BrowserConfig    `yaml:"browser"`
	Transcript TranscriptConfig `yaml:"transcript"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text, json, tint
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig names the model backends available to agents. Entries
// are registered under their Name and looked up by it at run time.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig is one named model backend.
type ModelConfig struct {
	Name        string  `yaml:"name"`
	Provider    string  `yaml:"provider"` // ollama, openai, anthropic
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSec  int     `yaml:"timeout_sec"`

	// Pricing prices calls for usage reports. Zero means free.
	Pricing PricingEntry `yaml:"pricing"`
}

// PricingEntry is a model's price in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// AgentConfig bounds the run loop.
type AgentConfig struct {
	MaxSteps             int    `yaml:"max_steps"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors"`
	RepeatToolLimit      int    `yaml:"repeat_tool_limit"`
	StuckResetAt         int    `yaml:"stuck_reset_at"`
	StuckTerminateAt     int    `yaml:"stuck_terminate_at"`
	ProgressWindow       int    `yaml:"progress_window"`
	ProgressMinDistinct  int    `yaml:"progress_min_distinct"`
	MaxObserve           int    `yaml:"max_observe"`
	MaxPlanningAttempts  int    `yaml:"max_planning_attempts"`
	ToolChoice           string `yaml:"tool_choice"` // none, auto, required
	Planning             *bool  `yaml:"planning"`

	// Phrasebook optionally replaces the built-in phrase and pattern
	// tables used to recover tool calls from free text.
	Phrasebook string `yaml:"phrasebook"`
}

// PlanningEnabled reports whether the pre-run task analysis is on.
// It defaults to true when unset.
func (a AgentConfig) PlanningEnabled() bool {
	return a.Planning == nil || *a.Planning
}

// ChunkingConfig sizes the large-content pipeline. Sizes are in
// characters except TokenLimit, which is compared against the
// length/4 token estimate.
type ChunkingConfig struct {
	Disabled        bool `yaml:"disabled"`
	TokenLimit      int  `yaml:"token_limit"`
	ChunkSize       int  `yaml:"chunk_size"`
	Overlap         int  `yaml:"overlap"`
	MaxChunks       int  `yaml:"max_chunks"`
	BrowseThreshold int  `yaml:"browse_threshold"`
}

// SearchConfig configures the web_search providers. The first
// configured provider in the order searxng, brave, duckduckgo is the
// primary.
type SearchConfig struct {
	Default    string `yaml:"default"`
	SearXNGURL string `yaml:"searxng_url"`
	BraveKey   string `yaml:"brave_api_key"`
	DuckDuckGo bool   `yaml:"duckduckgo"`
	MaxResults int    `yaml:"max_results"`
}

// BrowserConfig configures the HTTP-backed browser_use tool.
type BrowserConfig struct {
	TimeoutSec int   `yaml:"timeout_sec"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// TranscriptConfig selects where runs are recorded. An empty Path
// disables the transcript.
type TranscriptConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`
}

// MQTTConfig configures the optional event publisher. When Requests
// is set, task requests published to <topic_prefix>/request are run
// and their answers published to <topic_prefix>/result.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Requests    bool   `yaml:"requests"`
}

// Configured reports whether a broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Model returns the named model entry. An empty name selects the
// default entry.
func (c *Config) Model(name string) (ModelConfig, bool) {
	if name == "" {
		name = c.Models.Default
	}
	for _, m := range c.Models.Available {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	switch c.Agent.ToolChoice {
	case "none", "auto", "required":
	default:
		return fmt.Errorf("agent.tool_choice %q invalid (valid: none, auto, required)", c.Agent.ToolChoice)
	}
	if c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.overlap (%d) must be smaller than chunking.chunk_size (%d)",
			c.Chunking.Overlap, c.Chunking.ChunkSize)
	}
	if c.Agent.StuckTerminateAt < c.Agent.StuckResetAt {
		return fmt.Errorf("agent.stuck_terminate_at (%d) must not be below agent.stuck_reset_at (%d)",
			c.Agent.StuckTerminateAt, c.Agent.StuckResetAt)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	switch c.Transcript.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("transcript.driver %q invalid (valid: sqlite3, sqlite)", c.Transcript.Driver)
	}
	seen := make(map[string]bool)
	for _, m := range c.Models.Available {
		if m.Name == "" {
			return fmt.Errorf("models.available entry for %q has no name", m.Model)
		}
		if seen[m.Name] {
			return fmt.Errorf("models.available: duplicate name %q", m.Name)
		}
		seen[m.Name] = true
	}
	if c.Models.Default != "" && len(c.Models.Available) > 0 && !seen[c.Models.Default] {
		return fmt.Errorf("models.default %q is not in models.available", c.Models.Default)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}

	a := &c.Agent
	setDefault(&a.MaxSteps, DefaultMaxSteps)
	setDefault(&a.MaxConsecutiveErrors, DefaultMaxConsecutiveErrors)
	setDefault(&a.RepeatToolLimit, DefaultRepeatToolLimit)
	setDefault(&a.StuckResetAt, DefaultStuckResetAt)
	setDefault(&a.StuckTerminateAt, DefaultStuckTerminateAt)
	setDefault(&a.ProgressWindow, DefaultProgressWindow)
	setDefault(&a.ProgressMinDistinct, DefaultProgressMinDistinct)
	setDefault(&a.MaxObserve, DefaultMaxObserve)
	setDefault(&a.MaxPlanningAttempts, DefaultMaxPlanningAttempts)
	a.ToolChoice = strings.ToLower(strings.TrimSpace(a.ToolChoice))
	if a.ToolChoice == "" {
		a.ToolChoice = DefaultToolChoice
	}

	ch := &c.Chunking
	setDefault(&ch.TokenLimit, DefaultTokenLimit)
	setDefault(&ch.ChunkSize, DefaultChunkSize)
	setDefault(&ch.Overlap, DefaultChunkOverlap)
	setDefault(&ch.MaxChunks, DefaultMaxChunks)
	setDefault(&ch.BrowseThreshold, DefaultBrowseThreshold)

	setDefault(&c.Search.MaxResults, 10)
	setDefault(&c.Browser.TimeoutSec, 30)

	if c.Transcript.Driver == "" {
		c.Transcript.Driver = "sqlite3"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "steward"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	for i := range c.Models.Available {
		m := &c.Models.Available[i]
		if m.Provider == "" {
			m.Provider = "ollama"
		}
		if m.Name == "" {
			m.Name = m.Model
		}
	}
	if c.Models.Default == "" && len(c.Models.Available) > 0 {
		c.Models.Default = c.Models.Available[0].Name
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Default returns a default configuration: a single local Ollama model
// and DuckDuckGo search.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "default",
			Available: []ModelConfig{
				{
					Name:     "default",
					Provider: "ollama",
					Model:    "qwen3:8b",
					BaseURL:  "http://localhost:11434",
				},
			},
		},
		Search: SearchConfig{DuckDuckGo: true},
	}
	cfg.applyDefaults()
	return cfg
}
