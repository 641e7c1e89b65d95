package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// AddonOptionsPath is where the Home Assistant supervisor writes add-on
// options.
const AddonOptionsPath = "/data/options.json"

// supervisorURL is the core API proxy reachable from inside an add-on.
const supervisorURL = "http://supervisor/core"

// addonOptions is the flat option schema exposed in the add-on UI.
type addonOptions struct {
	GeminiAPIKey  string `json:"gemini_api_key"`
	PromptEntity  string `json:"prompt_entity"`
	Provider      string `json:"llm_provider"`
	Model         string `json:"model"`
	APIKey        string `json:"api_key"`
	BaseURL       string `json:"base_url"`
	HAURL         string `json:"ha_url"`
	HAToken       string `json:"ha_token"`
	ResultEvent   string `json:"result_event"`
	Notify        *bool  `json:"notify"`
	PollInterval  int    `json:"poll_interval"`
	MaxEntities   int    `json:"max_entities"`
	MemoryTurns   int    `json:"memory_turns"`
	MemoryPath    string `json:"memory_path"`
	LogLevel      string `json:"log_level"`
	MQTTBroker    string `json:"mqtt_broker"`
	MQTTUser      string `json:"mqtt_username"`
	MQTTPassword  string `json:"mqtt_password"`
	LexiconFile   string `json:"lexicon_file"`
	ConfigDir     string `json:"config_dir"`
	TriggerSource string `json:"trigger"`
}

// addonConfigDir is where the supervisor mounts the Home Assistant
// configuration inside an add-on.
const addonConfigDir = "/config"

// LoadAddonOptions maps an add-on options file onto Config. Inside an
// add-on the supervisor proxy is the primary endpoint, authenticated
// with SUPERVISOR_TOKEN; ha_url and ha_token, when set, become the
// direct-access fallback. Outside an add-on they are the primary.
func LoadAddonOptions(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var opts addonOptions
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("parse add-on options: %w", err)
	}

	cfg := &Config{
		Agent: AgentConfig{
			PromptEntity:    opts.PromptEntity,
			Trigger:         opts.TriggerSource,
			PollIntervalSec: opts.PollInterval,
			ResultEvent:     opts.ResultEvent,
			Notify:          opts.Notify == nil || *opts.Notify,
		},
		LLM: LLMConfig{
			Provider: opts.Provider,
			Model:    opts.Model,
			APIKey:   opts.APIKey,
			BaseURL:  opts.BaseURL,
		},
		Context: ContextConfig{
			MaxEntities: opts.MaxEntities,
			LexiconFile: opts.LexiconFile,
			ConfigDir:   opts.ConfigDir,
		},
		Memory: MemoryConfig{
			Path:     opts.MemoryPath,
			MaxTurns: opts.MemoryTurns,
		},
		MQTT: MQTTConfig{
			Broker:   opts.MQTTBroker,
			Username: opts.MQTTUser,
			Password: opts.MQTTPassword,
		},
		DataDir:  "/data",
		LogLevel: opts.LogLevel,
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = opts.GeminiAPIKey
	}

	if token := os.Getenv("SUPERVISOR_TOKEN"); token != "" {
		cfg.HomeAssistant.URL = supervisorURL
		cfg.HomeAssistant.Token = token
		cfg.HomeAssistant.FallbackURL = opts.HAURL
		cfg.HomeAssistant.FallbackToken = opts.HAToken
		if cfg.Context.ConfigDir == "" {
			cfg.Context.ConfigDir = addonConfigDir
		}
	} else {
		cfg.HomeAssistant.URL = opts.HAURL
		cfg.HomeAssistant.Token = opts.HAToken
	}

	cfg.applyDefaults()
	return cfg, nil
}
