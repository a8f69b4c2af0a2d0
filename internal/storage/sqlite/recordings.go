package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/callscribe/internal/transcription"
	"github.com/yegors/callscribe/pkg/logger"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested recording id does not exist
var ErrNotFound = errors.New("recording not found")

// Recording represents a stored call recording. Fields other than the
// transcription-related ones are immutable after Save.
type Recording struct {
	ID        int64     `json:"id"`
	Caller    string    `json:"caller"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	CreatedAt time.Time `json:"created_at"`
	MIMEType  string    `json:"mime_type"`
	Duration  float64   `json:"duration_seconds"`
	Size      int64     `json:"size_bytes"`
	Audio     []byte    `json:"-"`

	Transcription          string                  `json:"transcription,omitempty"`
	TranscriptionFormatted string                  `json:"transcription_formatted,omitempty"`
	TranscriptionLanguage  string                  `json:"transcription_language,omitempty"`
	TranscriptionDuration  float64                 `json:"transcription_duration,omitempty"`
	Segments               []transcription.Segment `json:"segments,omitempty"`
	TranscriptionError     string                  `json:"transcription_error,omitempty"`
	Processed              bool                    `json:"processed"`
}

// RecordingUpdate carries the transcription-related fields of a
// partial update; nil pointers leave the stored value untouched
type RecordingUpdate struct {
	Transcription          *string
	TranscriptionFormatted *string
	TranscriptionLanguage  *string
	TranscriptionDuration  *float64
	Segments               []transcription.Segment
	TranscriptionError     *string
	Processed              *bool
}

// Stats holds aggregate figures over all stored recordings
type Stats struct {
	Count           int64   `json:"count"`
	TotalSize       int64   `json:"total_size_bytes"`
	TotalDuration   float64 `json:"total_duration_seconds"`
	AverageSize     float64 `json:"average_size_bytes"`
	AverageDuration float64 `json:"average_duration_seconds"`
}

// RecordingStorage is a SQLite-based store for call recordings
type RecordingStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewRecordingStorage opens (or creates) the database at dbPath,
// initializes the schema and runs the retention sweep
func NewRecordingStorage(dbPath string, retentionDays int, log *logger.Logger) (*RecordingStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage", logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	storage := &RecordingStorage{
		db:     db,
		logger: storageLogger,
	}

	if err := storage.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	if retentionDays > 0 {
		deleted, err := storage.Sweep(retentionDays)
		if err != nil {
			storageLogger.Error("Retention sweep failed", logger.Error(err))
		} else if deleted > 0 {
			storageLogger.Info("Retention sweep removed old recordings",
				logger.Int64("deleted", deleted),
				logger.Int("max_age_days", retentionDays))
		}
	}

	return storage, nil
}

// Close closes the database connection
func (s *RecordingStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetDB returns the database connection
func (s *RecordingStorage) GetDB() *sql.DB {
	return s.db
}

// initDB initializes the database tables
func (s *RecordingStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			mime_type TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			size_bytes INTEGER NOT NULL,
			audio BLOB NOT NULL,
			transcription TEXT,
			transcription_formatted TEXT,
			transcription_language TEXT,
			transcription_duration REAL,
			segments TEXT,
			transcription_error TEXT,
			processed BOOLEAN NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create recordings table: %w", err)
	}

	// Create indexes
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_recordings_created_at ON recordings(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_recordings_caller ON recordings(caller)`)
	if err != nil {
		return fmt.Errorf("failed to create caller index: %w", err)
	}

	return nil
}

// Save persists a finished recording, assigns its id and stamps the
// creation time. Transcription fields start empty.
func (s *RecordingStorage) Save(rec *Recording) (*Recording, error) {
	now := time.Now().UTC()

	result, err := s.db.Exec(
		`INSERT INTO recordings
		(caller, started_at, ended_at, created_at, mime_type, duration_seconds, size_bytes, audio, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.Caller,
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.EndedAt.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		rec.MIMEType,
		rec.Duration,
		rec.Size,
		rec.Audio,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert recording: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	saved := *rec
	saved.ID = id
	saved.CreatedAt = now
	saved.Processed = false

	s.logger.Info("Recording saved",
		logger.Int64("id", id),
		logger.String("caller", rec.Caller),
		logger.Int64("size_bytes", rec.Size))

	return &saved, nil
}

const recordingColumns = `id, caller, started_at, ended_at, created_at, mime_type,
	duration_seconds, size_bytes, audio, transcription, transcription_formatted,
	transcription_language, transcription_duration, segments, transcription_error, processed`

// Get returns one recording by id, including the audio payload
func (s *RecordingStorage) Get(id int64) (*Recording, error) {
	row := s.db.QueryRow(
		`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)

	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

// allowed list sort fields; anything else falls back to created_at
var sortFields = map[string]string{
	"created_at": "created_at",
	"caller":     "caller",
	"duration":   "duration_seconds",
	"size":       "size_bytes",
}

// List returns recordings as an index-walk window. Audio payloads are
// omitted; fetch them individually via Get.
func (s *RecordingStorage) List(limit, offset int, sortField, order string) ([]*Recording, error) {
	column, ok := sortFields[sortField]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if order == "asc" {
		direction = "ASC"
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, caller, started_at, ended_at, created_at, mime_type,
			duration_seconds, size_bytes, transcription, transcription_formatted,
			transcription_language, transcription_duration, segments, transcription_error, processed
		FROM recordings
		ORDER BY `+column+` `+direction+`
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	var records []*Recording
	for rows.Next() {
		rec, err := scanRecordingSansAudio(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Update applies a partial update to the transcription-related fields
// as one read-merge-write transaction and returns the merged record.
// Returns ErrNotFound when the id is absent.
func (s *RecordingStorage) Update(id int64, upd *RecordingUpdate) (*Recording, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recording for update: %w", err)
	}

	if upd.Transcription != nil {
		rec.Transcription = *upd.Transcription
	}
	if upd.TranscriptionFormatted != nil {
		rec.TranscriptionFormatted = *upd.TranscriptionFormatted
	}
	if upd.TranscriptionLanguage != nil {
		rec.TranscriptionLanguage = *upd.TranscriptionLanguage
	}
	if upd.TranscriptionDuration != nil {
		rec.TranscriptionDuration = *upd.TranscriptionDuration
	}
	if upd.Segments != nil {
		rec.Segments = upd.Segments
	}
	if upd.TranscriptionError != nil {
		rec.TranscriptionError = *upd.TranscriptionError
	}
	if upd.Processed != nil {
		rec.Processed = *upd.Processed
	}

	var segmentsJSON any
	if rec.Segments != nil {
		encoded, err := json.Marshal(rec.Segments)
		if err != nil {
			return nil, fmt.Errorf("failed to encode segments: %w", err)
		}
		segmentsJSON = string(encoded)
	}

	_, err = tx.Exec(
		`UPDATE recordings
		SET transcription = ?, transcription_formatted = ?, transcription_language = ?,
			transcription_duration = ?, segments = ?, transcription_error = ?, processed = ?
		WHERE id = ?`,
		nullableString(rec.Transcription),
		nullableString(rec.TranscriptionFormatted),
		nullableString(rec.TranscriptionLanguage),
		rec.TranscriptionDuration,
		segmentsJSON,
		nullableString(rec.TranscriptionError),
		rec.Processed,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update recording: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	return rec, nil
}

// Delete removes one recording by id
func (s *RecordingStorage) Delete(id int64) error {
	result, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Info("Recording deleted", logger.Int64("id", id))
	return nil
}

// DeleteAll removes every recording and returns the deleted count
func (s *RecordingStorage) DeleteAll() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM recordings`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete recordings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	s.logger.Info("All recordings deleted", logger.Int64("count", affected))
	return affected, nil
}

// Sweep deletes every recording older than maxAgeDays and returns the
// deleted count
func (s *RecordingStorage) Sweep(maxAgeDays int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	result, err := s.db.Exec(
		`DELETE FROM recordings WHERE created_at < ?`,
		cutoff.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep recordings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

// Stats returns aggregate figures over all recordings. Averages are
// zero when the store is empty.
func (s *RecordingStorage) Stats() (*Stats, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(duration_seconds), 0)
		FROM recordings`)

	var stats Stats
	if err := row.Scan(&stats.Count, &stats.TotalSize, &stats.TotalDuration); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	if stats.Count > 0 {
		stats.AverageSize = float64(stats.TotalSize) / float64(stats.Count)
		stats.AverageDuration = stats.TotalDuration / float64(stats.Count)
	}

	return &stats, nil
}

// scanner matches both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (*Recording, error) {
	var rec Recording
	var startedAt, endedAt, createdAt string
	var transcriptionText, formatted, language, txError, segmentsJSON sql.NullString
	var txDuration sql.NullFloat64

	if err := row.Scan(
		&rec.ID,
		&rec.Caller,
		&startedAt,
		&endedAt,
		&createdAt,
		&rec.MIMEType,
		&rec.Duration,
		&rec.Size,
		&rec.Audio,
		&transcriptionText,
		&formatted,
		&language,
		&txDuration,
		&segmentsJSON,
		&txError,
		&rec.Processed,
	); err != nil {
		return nil, err
	}

	if err := fillRecordingTimes(&rec, startedAt, endedAt, createdAt); err != nil {
		return nil, err
	}
	fillRecordingNullables(&rec, transcriptionText, formatted, language, txError, segmentsJSON, txDuration)
	return &rec, nil
}

func scanRecordingSansAudio(row scanner) (*Recording, error) {
	var rec Recording
	var startedAt, endedAt, createdAt string
	var transcriptionText, formatted, language, txError, segmentsJSON sql.NullString
	var txDuration sql.NullFloat64

	if err := row.Scan(
		&rec.ID,
		&rec.Caller,
		&startedAt,
		&endedAt,
		&createdAt,
		&rec.MIMEType,
		&rec.Duration,
		&rec.Size,
		&transcriptionText,
		&formatted,
		&language,
		&txDuration,
		&segmentsJSON,
		&txError,
		&rec.Processed,
	); err != nil {
		return nil, fmt.Errorf("failed to scan recording: %w", err)
	}

	if err := fillRecordingTimes(&rec, startedAt, endedAt, createdAt); err != nil {
		return nil, err
	}
	fillRecordingNullables(&rec, transcriptionText, formatted, language, txError, segmentsJSON, txDuration)
	return &rec, nil
}

func fillRecordingTimes(rec *Recording, startedAt, endedAt, createdAt string) error {
	var err error
	rec.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return fmt.Errorf("failed to parse started_at: %w", err)
	}
	rec.EndedAt, err = time.Parse(time.RFC3339, endedAt)
	if err != nil {
		return fmt.Errorf("failed to parse ended_at: %w", err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return fmt.Errorf("failed to parse created_at: %w", err)
	}
	return nil
}

func fillRecordingNullables(rec *Recording, transcriptionText, formatted, language, txError, segmentsJSON sql.NullString, txDuration sql.NullFloat64) {
	if transcriptionText.Valid {
		rec.Transcription = transcriptionText.String
	}
	if formatted.Valid {
		rec.TranscriptionFormatted = formatted.String
	}
	if language.Valid {
		rec.TranscriptionLanguage = language.String
	}
	if txError.Valid {
		rec.TranscriptionError = txError.String
	}
	if txDuration.Valid {
		rec.TranscriptionDuration = txDuration.Float64
	}
	if segmentsJSON.Valid && segmentsJSON.String != "" {
		// Segments are stored as JSON; a decode failure leaves them empty
		_ = json.Unmarshal([]byte(segmentsJSON.String), &rec.Segments)
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
