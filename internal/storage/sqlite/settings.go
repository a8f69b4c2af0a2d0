package sqlite

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/yegors/callscribe/pkg/logger"
)

// Settings holds the runtime toggles that survive restarts. The
// config file supplies initial defaults; changes made through the API
// are persisted here.
type Settings struct {
	Enabled        bool `json:"enabled"`
	AutoAnswer     bool `json:"auto_answer"`
	AutoTranscribe bool `json:"auto_transcribe"`
	SpeakerLabels  bool `json:"speaker_labels"`
}

// SettingsStorage persists runtime settings as key/value rows
type SettingsStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSettingsStorage creates a settings store on an existing database
func NewSettingsStorage(db *sql.DB, log *logger.Logger) *SettingsStorage {
	storage := &SettingsStorage{
		db:     db,
		logger: log.Named("sqlite-settings"),
	}

	if err := storage.initDB(); err != nil {
		storage.logger.Error("Failed to initialize settings storage", logger.Error(err))
	}

	return storage
}

// initDB initializes the settings table
func (s *SettingsStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}
	return nil
}

// Load reads persisted settings, filling any missing key from the
// given defaults
func (s *SettingsStorage) Load(defaults Settings) (Settings, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return defaults, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := defaults
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return defaults, fmt.Errorf("failed to scan setting: %w", err)
		}
		flag, err := strconv.ParseBool(value)
		if err != nil {
			s.logger.Warn("Ignoring malformed setting",
				logger.String("key", key),
				logger.String("value", value))
			continue
		}
		switch key {
		case "enabled":
			out.Enabled = flag
		case "auto_answer":
			out.AutoAnswer = flag
		case "auto_transcribe":
			out.AutoTranscribe = flag
		case "speaker_labels":
			out.SpeakerLabels = flag
		}
	}

	return out, rows.Err()
}

// Save persists all settings
func (s *SettingsStorage) Save(settings Settings) error {
	pairs := map[string]bool{
		"enabled":         settings.Enabled,
		"auto_answer":     settings.AutoAnswer,
		"auto_transcribe": settings.AutoTranscribe,
		"speaker_labels":  settings.SpeakerLabels,
	}

	for key, value := range pairs {
		_, err := s.db.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, strconv.FormatBool(value),
		)
		if err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}

	s.logger.Debug("Settings saved",
		logger.Bool("enabled", settings.Enabled),
		logger.Bool("auto_answer", settings.AutoAnswer),
		logger.Bool("auto_transcribe", settings.AutoTranscribe),
		logger.Bool("speaker_labels", settings.SpeakerLabels))
	return nil
}
