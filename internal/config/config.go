// Package config handles Hearth configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that cannot possibly work. The CLI
// maps it to a distinct exit status so a supervisor does not restart
// Hearth in a loop.
var ErrInvalid = errors.New("invalid configuration")

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml", AddonOptionsPath)
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing entry of DefaultSearchPaths wins.
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

// Config holds all Hearth configuration. It is built once at startup
// and never mutated afterwards.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMConfig           `yaml:"llm"`
	Context       ContextConfig       `yaml:"context"`
	Memory        MemoryConfig        `yaml:"memory"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// HomeAssistantConfig defines the two ways Hearth can reach Home
// Assistant. The primary endpoint is tried first; the fallback is used
// once when the primary rejects a history query as unauthorized or
// not found.
type HomeAssistantConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	FallbackURL   string `yaml:"fallback_url"`
	FallbackToken string `yaml:"fallback_token"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

// Configured reports whether the primary endpoint is set.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// HasFallback reports whether a secondary endpoint is set.
func (c HomeAssistantConfig) HasFallback() bool {
	return c.FallbackURL != "" && c.FallbackToken != ""
}

// Timeout returns the per-request timeout for REST calls.
func (c HomeAssistantConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// AgentConfig controls the trigger loop and result publishing.
type AgentConfig struct {
	// PromptEntity is the text entity polled for new commands.
	PromptEntity string `yaml:"prompt_entity"`
	// Trigger selects how changes are observed: "poll" or "websocket".
	Trigger         string `yaml:"trigger"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	// SkipInitial treats the value present at startup as already handled.
	SkipInitial *bool `yaml:"skip_initial"`
	// TriggersPerMinute caps websocket-driven turns. Zero disables the cap.
	TriggersPerMinute int    `yaml:"triggers_per_minute"`
	ResultEvent       string `yaml:"result_event"`
	Notify            bool   `yaml:"notify"`
	NotifyTitle       string `yaml:"notify_title"`
}

// PollInterval returns the poll period.
func (c AgentConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// SkipInitialValue reports whether the startup value should be ignored.
func (c AgentConfig) SkipInitialValue() bool {
	return c.SkipInitial == nil || *c.SkipInitial
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // gemini, ollama, anthropic, openai
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxTokens  int    `yaml:"max_tokens"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-call LLM timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// needsKey reports whether the provider cannot work without an API key.
func (c LLMConfig) needsKey() bool {
	switch c.Provider {
	case "gemini", "anthropic":
		return true
	case "openai":
		return c.BaseURL == ""
	}
	return false
}

// MaxEntitiesLimit bounds context.max_entities so history queries and
// prompts stay small.
const MaxEntitiesLimit = 20

// ContextConfig tunes context assembly.
type ContextConfig struct {
	MaxEntities       int      `yaml:"max_entities"`
	PointBandMin      int      `yaml:"point_band_min"`
	MaxLinesPerEntity int      `yaml:"max_lines_per_entity"`
	HistoryTimeoutSec int      `yaml:"history_timeout_sec"`
	Exclude           []string `yaml:"exclude"` // glob patterns, added to the built-in noise filter
	LexiconFile       string   `yaml:"lexicon_file"`

	// ConfigDir is the Home Assistant configuration directory. When set,
	// files named by the lexicon's config_files rules are attached to
	// the context. Empty disables it.
	ConfigDir      string `yaml:"config_dir"`
	ConfigMaxBytes int    `yaml:"config_max_bytes"`
}

// PointBand returns the POINT-mode acceptance half-width.
func (c ContextConfig) PointBand() time.Duration {
	return time.Duration(c.PointBandMin) * time.Minute
}

// HistoryTimeout returns the history fetch timeout.
func (c ContextConfig) HistoryTimeout() time.Duration {
	return time.Duration(c.HistoryTimeoutSec) * time.Second
}

// MemoryConfig controls the conversation log.
type MemoryConfig struct {
	// Path is the SQLite database file. Empty keeps memory in-process.
	Path        string `yaml:"path"`
	MaxTurns    int    `yaml:"max_turns"`
	RenderTurns int    `yaml:"render_turns"`
}

// MQTTConfig configures optional answer fan-out over MQTT.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	BaseTopic       string `yaml:"base_topic"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// AcceptQuestions subscribes to <base_topic>/<device_name>/ask and
	// answers each payload like a prompt entity change.
	AcceptQuestions    bool `yaml:"accept_questions"`
	QuestionsPerMinute int  `yaml:"questions_per_minute"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. A .env file next to the
// config (and one in the working directory) is loaded first so that
// ${VAR} references can be satisfied without exporting secrets in the
// service definition. Existing environment variables are never
// overridden. Files named options.json are treated as Home Assistant
// add-on options.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	if filepath.Base(path) == filepath.Base(AddonOptionsPath) {
		return LoadAddonOptions(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// godotenv.Load does not override variables already set.
		_ = godotenv.Load(abs)
	}
}

// Default returns a configuration with every default applied and no
// endpoints set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
	c.HomeAssistant.FallbackURL = strings.TrimRight(c.HomeAssistant.FallbackURL, "/")
	if c.HomeAssistant.TimeoutSec <= 0 {
		c.HomeAssistant.TimeoutSec = 30
	}

	if c.Agent.PromptEntity == "" {
		c.Agent.PromptEntity = "input_text.gemini_prompt"
	}
	if c.Agent.Trigger == "" {
		c.Agent.Trigger = "poll"
	}
	if c.Agent.PollIntervalSec <= 0 {
		c.Agent.PollIntervalSec = 5
	}
	if c.Agent.ResultEvent == "" {
		c.Agent.ResultEvent = "hearth_result"
	}
	if c.Agent.NotifyTitle == "" {
		c.Agent.NotifyTitle = "Hearth"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case "gemini":
			c.LLM.Model = "gemini-1.5-pro"
		case "anthropic":
			c.LLM.Model = "claude-3-5-haiku-latest"
		case "openai":
			c.LLM.Model = "gpt-4o-mini"
		case "ollama":
			c.LLM.Model = "qwen3:4b"
		}
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 60
	}

	if c.Context.MaxEntities <= 0 {
		c.Context.MaxEntities = 15
	}
	if c.Context.PointBandMin <= 0 {
		c.Context.PointBandMin = 45
	}
	if c.Context.MaxLinesPerEntity <= 0 {
		c.Context.MaxLinesPerEntity = 40
	}
	if c.Context.HistoryTimeoutSec <= 0 {
		c.Context.HistoryTimeoutSec = 20
	}
	if c.Context.ConfigMaxBytes <= 0 {
		c.Context.ConfigMaxBytes = 15000
	}

	if c.Memory.MaxTurns <= 0 {
		c.Memory.MaxTurns = 20
	}
	if c.Memory.RenderTurns <= 0 {
		c.Memory.RenderTurns = 6
	}

	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "hearth"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hearth"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.QuestionsPerMinute <= 0 {
		c.MQTT.QuestionsPerMinute = 10
	}

	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate reports configuration that makes the main loop pointless.
// Every returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	var problems []string

	if !c.HomeAssistant.Configured() {
		problems = append(problems, "homeassistant.url and homeassistant.token are required")
	}
	if c.Agent.PromptEntity == "" {
		problems = append(problems, "agent.prompt_entity is required")
	}
	switch c.Agent.Trigger {
	case "poll", "websocket":
	default:
		problems = append(problems, fmt.Sprintf("agent.trigger %q (expected poll or websocket)", c.Agent.Trigger))
	}
	switch c.LLM.Provider {
	case "gemini", "ollama", "anthropic", "openai":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q (expected gemini, ollama, anthropic or openai)", c.LLM.Provider))
	}
	if c.LLM.needsKey() && c.LLM.APIKey == "" {
		problems = append(problems, fmt.Sprintf("llm.api_key is required for provider %s", c.LLM.Provider))
	}
	if c.Context.MaxEntities > MaxEntitiesLimit {
		problems = append(problems, fmt.Sprintf("context.max_entities %d (at most %d)", c.Context.MaxEntities, MaxEntitiesLimit))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}
