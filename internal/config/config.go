package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server        ServerConfig        `toml:"server"`        // HTTP server settings
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
	Storage       StorageConfig       `toml:"storage"`       // Data persistence settings
	Recording     RecordingConfig     `toml:"recording"`     // Call detection and capture settings
	Transcription TranscriptionConfig `toml:"transcription"` // Audio transcription service settings
	Completion    CompletionConfig    `toml:"completion"`    // Text completion service settings (speaker labeling)
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for audio downloads)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for the SQLite database file
}

// RecordingConfig contains call detection and capture settings
type RecordingConfig struct {
	Enabled        bool     `toml:"enabled"`          // Initial recording-enabled state (runtime toggles persist separately)
	AutoAnswer     bool     `toml:"auto_answer"`      // Automatically answer incoming call prompts
	AutoTranscribe bool     `toml:"auto_transcribe"`  // Transcribe recordings automatically after save
	SpeakerLabels  bool     `toml:"speaker_labels"`   // Run speaker labeling over transcriptions
	RetentionDays  int      `toml:"retention_days"`   // Recordings older than this are swept at startup (default: 7)
	PollIntervalMs int      `toml:"poll_interval_ms"` // Call detection poll interval in milliseconds (default: 1000)
	ChunkIntervalMs int     `toml:"chunk_interval_ms"` // Capture chunk emission interval in milliseconds (default: 1000)
	SettleDelayMs  int      `toml:"settle_delay_ms"`  // Wait after stopping the encoder during a restart (default: 100)
	AnswerDelayMs  int      `toml:"answer_delay_ms"`  // Stabilization delay before auto-answering (default: 1500)
	MIMETypes      []string `toml:"mime_types"`       // Ordered encoding preference list for capture
	SampleRate     int      `toml:"sample_rate"`      // PCM sample rate in Hz (default: 16000)
	Channels       int      `toml:"channels"`         // PCM channel count (default: 1)
}

// TranscriptionConfig contains settings for the audio transcription service
type TranscriptionConfig struct {
	APIKey         string `toml:"api_key"`         // API key for the transcription service
	BaseURL        string `toml:"base_url"`        // Optional base URL override (e.g., for proxies). Defaults to https://api.openai.com
	Model          string `toml:"model"`           // Transcription model (e.g., "whisper-1")
	Language       string `toml:"language"`        // Primary language hint (e.g., "ru")
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP timeout for transcription requests in seconds
}

// CompletionConfig contains settings for the text completion service
// used for speaker labeling
type CompletionConfig struct {
	Provider       string  `toml:"provider"`        // "openai" or "gemini"
	APIKey         string  `toml:"api_key"`         // API key for the completion provider
	BaseURL        string  `toml:"base_url"`        // Optional base URL override (openai provider only)
	Model          string  `toml:"model"`           // Completion model
	MaxTokens      int     `toml:"max_tokens"`      // Maximum response tokens
	Temperature    float64 `toml:"temperature"`     // Sampling temperature
	TimeoutSeconds int     `toml:"timeout_seconds"` // HTTP timeout for completion requests in seconds
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // Location in configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and backfills defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}

	// Validate logging config
	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "":
		c.Logging.Format = "console"
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.SQLiteBasePath == "" {
		return fmt.Errorf("sqlite_base_path is required when storage type is sqlite")
	}

	// Validate recording config
	if c.Recording.RetentionDays < 0 {
		return fmt.Errorf("invalid retention_days: %d (must be >= 0)", c.Recording.RetentionDays)
	}
	if c.Recording.RetentionDays == 0 {
		c.Recording.RetentionDays = 7
	}
	if c.Recording.PollIntervalMs <= 0 {
		c.Recording.PollIntervalMs = 1000
	}
	if c.Recording.ChunkIntervalMs <= 0 {
		c.Recording.ChunkIntervalMs = 1000
	}
	if c.Recording.SettleDelayMs <= 0 {
		c.Recording.SettleDelayMs = 100
	}
	if c.Recording.AnswerDelayMs <= 0 {
		c.Recording.AnswerDelayMs = 1500
	}
	if len(c.Recording.MIMETypes) == 0 {
		c.Recording.MIMETypes = []string{"audio/wav", "audio/pcm"}
	}
	if c.Recording.SampleRate <= 0 {
		c.Recording.SampleRate = 16000
	}
	if c.Recording.Channels <= 0 {
		c.Recording.Channels = 1
	}

	// Validate transcription config
	if c.Recording.AutoTranscribe && c.Transcription.APIKey == "" {
		return fmt.Errorf("transcription api_key is required when auto_transcribe is enabled")
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
	if c.Transcription.TimeoutSeconds <= 0 {
		c.Transcription.TimeoutSeconds = 120
	}

	// Validate completion config
	switch c.Completion.Provider {
	case "":
		c.Completion.Provider = "openai"
	case "openai", "gemini":
		// Valid provider
	default:
		return fmt.Errorf("invalid completion provider: %s (must be 'openai' or 'gemini')", c.Completion.Provider)
	}
	if c.Recording.SpeakerLabels && c.Completion.APIKey == "" {
		return fmt.Errorf("completion api_key is required when speaker_labels is enabled")
	}
	if c.Completion.Model == "" {
		if c.Completion.Provider == "gemini" {
			c.Completion.Model = "gemini-2.0-flash"
		} else {
			c.Completion.Model = "gpt-4o-mini"
		}
	}
	if c.Completion.MaxTokens <= 0 {
		c.Completion.MaxTokens = 4096
	}
	if c.Completion.TimeoutSeconds <= 0 {
		c.Completion.TimeoutSeconds = 60
	}

	return nil
}
