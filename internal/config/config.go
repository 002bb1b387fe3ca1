package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "agentchat.yaml"

// Config holds all agentchat configuration.
type Config struct {
	Agents   AgentsConfig   `yaml:"agents"`
	Model    ModelConfig    `yaml:"model"`
	Terminal TerminalConfig `yaml:"terminal"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	History  HistoryConfig  `yaml:"history"`
	Logging  LoggingConfig  `yaml:"logging"`
	UI       UIConfig       `yaml:"ui"`
}

// AgentsConfig names the participants as they appear in prompts and the UI.
type AgentsConfig struct {
	User     string `yaml:"user"`
	Terminal string `yaml:"terminal"`
	Chatbot  string `yaml:"chatbot"`
}

// ModelConfig configures the language-model backend.
type ModelConfig struct {
	Provider    string  `yaml:"provider"` // ollama, gemini
	Name        string  `yaml:"name"`
	OllamaURL   string  `yaml:"ollama_url"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	Stream      bool    `yaml:"stream"`
	// HistoryWindow is how many trailing messages the prompt carries; 0 is all.
	HistoryWindow int `yaml:"history_window"`
}

type TerminalConfig struct {
	Shell          []string `yaml:"shell,omitempty"`
	Timeout        string   `yaml:"timeout"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	WorkingDir     string   `yaml:"working_dir,omitempty"`
}

type DispatchConfig struct {
	MaxChainedDirectives int `yaml:"max_chained_directives"`
}

type HistoryConfig struct {
	XMLPath    string `yaml:"xml_path"`
	Resume     bool   `yaml:"resume"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file,omitempty"`
}

type UIConfig struct {
	AltScreen bool `yaml:"alt_screen"`
	Markdown  bool `yaml:"markdown"`
}

// DefaultConfig returns the built-in configuration: a local Ollama model and
// an XML history in the working directory.
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{User: "user", Terminal: "terminal", Chatbot: "chatbot"},
		Model: ModelConfig{
			Provider:      "ollama",
			Name:          "gemma3",
			OllamaURL:     "http://127.0.0.1:11434",
			Timeout:       "120s",
			Temperature:   0.2,
			Stream:        true,
			HistoryWindow: 40,
		},
		Terminal: TerminalConfig{
			Timeout:        "60s",
			MaxOutputBytes: 50000,
		},
		Dispatch: DispatchConfig{MaxChainedDirectives: 5},
		History:  HistoryConfig{XMLPath: "chat_log.xml", Resume: true},
		Logging:  LoggingConfig{Level: "info"},
		UI:       UIConfig{AltScreen: true, Markdown: true},
	}
}

// Load reads path over the defaults, applies environment overrides and
// normalises the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.Normalize()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.Model.Name = envOr("AGENTCHAT_MODEL", c.Model.Name)
	c.Model.Provider = envOr("AGENTCHAT_PROVIDER", c.Model.Provider)
	c.Model.OllamaURL = envOr("AGENTCHAT_OLLAMA_URL", c.Model.OllamaURL)
	if key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); key != "" {
		c.Model.APIKey = key
	}
	c.Model.Timeout = envOr("AGENTCHAT_MODEL_TIMEOUT", c.Model.Timeout)
	c.Terminal.Timeout = envOr("AGENTCHAT_COMMAND_TIMEOUT", c.Terminal.Timeout)
	if shell := strings.TrimSpace(os.Getenv("AGENTCHAT_SHELL")); shell != "" {
		c.Terminal.Shell = strings.Fields(shell)
	}
	c.Dispatch.MaxChainedDirectives = envOrInt("AGENTCHAT_MAX_CHAIN", c.Dispatch.MaxChainedDirectives)
	c.History.XMLPath = envOr("AGENTCHAT_HISTORY_FILE", c.History.XMLPath)
	c.History.Resume = envOrBool("AGENTCHAT_RESUME", c.History.Resume)
	c.History.SQLitePath = envOr("AGENTCHAT_SQLITE", c.History.SQLitePath)
	c.Logging.File = envOr("AGENTCHAT_LOG_FILE", c.Logging.File)
	c.Logging.Level = envOr("AGENTCHAT_LOG_LEVEL", c.Logging.Level)
}

// Normalize fills blanks with defaults and clamps numeric settings into
// their supported ranges.
func (c *Config) Normalize() {
	def := DefaultConfig()
	c.Agents.User = strings.TrimSpace(orDefault(c.Agents.User, def.Agents.User))
	c.Agents.Terminal = strings.TrimSpace(orDefault(c.Agents.Terminal, def.Agents.Terminal))
	c.Agents.Chatbot = strings.TrimSpace(orDefault(c.Agents.Chatbot, def.Agents.Chatbot))

	c.Model.Provider = strings.ToLower(strings.TrimSpace(orDefault(c.Model.Provider, def.Model.Provider)))
	c.Model.Name = strings.TrimSpace(orDefault(c.Model.Name, def.Model.Name))
	c.Model.OllamaURL = strings.TrimRight(orDefault(c.Model.OllamaURL, def.Model.OllamaURL), "/")
	c.Model.Timeout = clampDuration(c.Model.Timeout, 120*time.Second, time.Second, 600*time.Second).String()
	if c.Model.Temperature < 0 {
		c.Model.Temperature = 0
	}
	if c.Model.Temperature > 2 {
		c.Model.Temperature = 2
	}
	c.Model.HistoryWindow = clampInt(c.Model.HistoryWindow, 0, 500)

	c.Terminal.Timeout = clampDuration(c.Terminal.Timeout, 60*time.Second, time.Second, time.Hour).String()
	c.Terminal.MaxOutputBytes = clampInt(c.Terminal.MaxOutputBytes, 1024, 1<<20)

	c.Dispatch.MaxChainedDirectives = clampInt(c.Dispatch.MaxChainedDirectives, 1, 50)

	c.Logging.Level = strings.ToLower(strings.TrimSpace(orDefault(c.Logging.Level, def.Logging.Level)))
}

// Validate reports settings that cannot be used as configured.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "ollama":
	case "gemini":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.provider gemini requires model.api_key or GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown model.provider %q", c.Model.Provider)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	if c.Agents.User == c.Agents.Terminal || c.Agents.User == c.Agents.Chatbot || c.Agents.Terminal == c.Agents.Chatbot {
		return fmt.Errorf("agent names must be distinct")
	}
	return nil
}

func (c *Config) ModelTimeout() time.Duration {
	return parseDuration(c.Model.Timeout, 120*time.Second)
}

func (c *Config) CommandTimeout() time.Duration {
	return parseDuration(c.Terminal.Timeout, 60*time.Second)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func clampDuration(value string, fallback, min, max time.Duration) time.Duration {
	d := parseDuration(value, fallback)
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
