package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AGENTCHAT_MODEL", "AGENTCHAT_PROVIDER", "AGENTCHAT_OLLAMA_URL", "GEMINI_API_KEY",
		"AGENTCHAT_MODEL_TIMEOUT", "AGENTCHAT_COMMAND_TIMEOUT", "AGENTCHAT_SHELL",
		"AGENTCHAT_MAX_CHAIN", "AGENTCHAT_HISTORY_FILE", "AGENTCHAT_RESUME", "AGENTCHAT_SQLITE",
		"AGENTCHAT_LOG_FILE", "AGENTCHAT_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "gemma3", cfg.Model.Name)
	assert.Equal(t, "ollama", cfg.Model.Provider)
	assert.Equal(t, 5, cfg.Dispatch.MaxChainedDirectives)
	assert.Equal(t, 120*time.Second, cfg.ModelTimeout())
	assert.Equal(t, 60*time.Second, cfg.CommandTimeout())
	assert.Equal(t, "chat_log.xml", cfg.History.XMLPath)
	assert.True(t, cfg.History.Resume)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agentchat.yaml")
	data := `
agents:
  chatbot: marvin
model:
  name: llama3.2
  timeout: 30s
terminal:
  timeout: "5"
dispatch:
  max_chained_directives: 3
ui:
  markdown: false
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "marvin", cfg.Agents.Chatbot)
	assert.Equal(t, "user", cfg.Agents.User, "unset keys keep defaults")
	assert.Equal(t, "llama3.2", cfg.Model.Name)
	assert.Equal(t, 30*time.Second, cfg.ModelTimeout())
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 3, cfg.Dispatch.MaxChainedDirectives)
	assert.False(t, cfg.UI.Markdown)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agentchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Run("model settings", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AGENTCHAT_MODEL", "qwen2.5")
		t.Setenv("AGENTCHAT_OLLAMA_URL", "http://ollama:11434/")
		t.Setenv("AGENTCHAT_MAX_CHAIN", "8")
		t.Setenv("AGENTCHAT_SHELL", "/bin/bash -lc")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "qwen2.5", cfg.Model.Name)
		assert.Equal(t, "http://ollama:11434", cfg.Model.OllamaURL)
		assert.Equal(t, 8, cfg.Dispatch.MaxChainedDirectives)
		assert.Equal(t, []string{"/bin/bash", "-lc"}, cfg.Terminal.Shell)
	})

	t.Run("gemini key", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GEMINI_API_KEY", "g-key")
		t.Setenv("AGENTCHAT_PROVIDER", "Gemini")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "gemini", cfg.Model.Provider)
		assert.Equal(t, "g-key", cfg.Model.APIKey)
		require.NoError(t, cfg.Validate())
	})

	t.Run("invalid integers keep the file value", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AGENTCHAT_MAX_CHAIN", "lots")
		t.Setenv("AGENTCHAT_RESUME", "off")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Dispatch.MaxChainedDirectives)
		assert.False(t, cfg.History.Resume)
	})
}

func TestNormalizeClamps(t *testing.T) {
	cfg := &Config{}
	cfg.Model.Timeout = "1h"
	cfg.Model.HistoryWindow = -4
	cfg.Model.Temperature = 9
	cfg.Terminal.Timeout = "10ms"
	cfg.Terminal.MaxOutputBytes = 10
	cfg.Dispatch.MaxChainedDirectives = 500
	cfg.Normalize()

	assert.Equal(t, 600*time.Second, cfg.ModelTimeout())
	assert.Equal(t, time.Second, cfg.CommandTimeout())
	assert.Equal(t, 0, cfg.Model.HistoryWindow)
	assert.Equal(t, 2.0, cfg.Model.Temperature)
	assert.Equal(t, 1024, cfg.Terminal.MaxOutputBytes)
	assert.Equal(t, 50, cfg.Dispatch.MaxChainedDirectives)
	assert.Equal(t, "chatbot", cfg.Agents.Chatbot)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Provider = "gemini"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Agents.Terminal = "user"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "conf", "agentchat.yaml")
	cfg := DefaultConfig()
	cfg.Model.Name = "mistral"
	cfg.Terminal.Shell = []string{"/bin/zsh", "-c"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mistral", loaded.Model.Name)
	assert.Equal(t, []string{"/bin/zsh", "-c"}, loaded.Terminal.Shell)
}
