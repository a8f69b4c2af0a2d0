package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{SQLiteBasePath: "data"},
	}
}

func TestValidateBackfillsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 7, cfg.Recording.RetentionDays)
	assert.Equal(t, 1000, cfg.Recording.PollIntervalMs)
	assert.Equal(t, 1000, cfg.Recording.ChunkIntervalMs)
	assert.Equal(t, 100, cfg.Recording.SettleDelayMs)
	assert.Equal(t, 1500, cfg.Recording.AnswerDelayMs)
	assert.Equal(t, []string{"audio/wav", "audio/pcm"}, cfg.Recording.MIMETypes)
	assert.Equal(t, 16000, cfg.Recording.SampleRate)
	assert.Equal(t, 1, cfg.Recording.Channels)
	assert.Equal(t, "whisper-1", cfg.Transcription.Model)
	assert.Equal(t, "openai", cfg.Completion.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Completion.Model)
}

func TestValidateGeminiDefaultModel(t *testing.T) {
	cfg := validConfig()
	cfg.Completion.Provider = "gemini"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "gemini-2.0-flash", cfg.Completion.Model)
}

func TestValidateErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Storage.SQLiteBasePath = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Completion.Provider = "anthropic"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Recording.AutoTranscribe = true
	assert.Error(t, cfg.Validate(), "auto_transcribe requires an API key")

	cfg = validConfig()
	cfg.Recording.SpeakerLabels = true
	assert.Error(t, cfg.Validate(), "speaker_labels requires an API key")
}

func TestLoadWithFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test-config.toml")
	content := `
[server]
port = 9000

[storage]
sqlite_base_path = "recordings"

[recording]
enabled = true
retention_days = 14
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadWithFallback(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "recordings", cfg.Storage.SQLiteBasePath)
	assert.True(t, cfg.Recording.Enabled)
	assert.Equal(t, 14, cfg.Recording.RetentionDays)
}

func TestLoadWithFallbackMissing(t *testing.T) {
	_, err := LoadWithFallback(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
