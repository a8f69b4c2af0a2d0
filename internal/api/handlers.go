// Package api exposes the HTTP and WebSocket surface of the recorder
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/callscribe/internal/config"
	"github.com/yegors/callscribe/internal/recording"
	"github.com/yegors/callscribe/internal/storage/sqlite"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	recordingService *recording.Service
	recordingStorage *sqlite.RecordingStorage
	config           *config.Config
	logger           *logger.Logger
	wsServer         *websocket.Server
}

// NewHandler creates a new API handler
func NewHandler(recordingService *recording.Service, recordingStorage *sqlite.RecordingStorage, config *config.Config, logger *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		recordingService: recordingService,
		recordingStorage: recordingStorage,
		config:           config,
		logger:           logger.Named("api-handler"),
		wsServer:         wsServer,
	}
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.recordingService.Status()

	response := map[string]interface{}{
		"status":        "ok",
		"enabled":       status.Enabled,
		"capture_state": status.CaptureState,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetStatus returns the full recorder status snapshot
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.recordingService.Status())
}

// GetRecordings returns stored recordings with pagination and sorting
func (h *Handler) GetRecordings(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)
	sortField := r.URL.Query().Get("sort")
	order := r.URL.Query().Get("order")

	recordings, err := h.recordingStorage.List(limit, offset, sortField, order)
	if err != nil {
		h.logger.Error("Failed to retrieve recordings", logger.Error(err))
		http.Error(w, "Failed to retrieve recordings", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"timestamp":  time.Now().UTC(),
		"count":      len(recordings),
		"recordings": recordings,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetRecordingByID returns a single recording's metadata and transcription
func (h *Handler) GetRecordingByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordingID(w, r)
	if !ok {
		return
	}

	rec, err := h.recordingStorage.Get(id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			http.Error(w, "Recording not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to retrieve recording", logger.Int64("id", id), logger.Error(err))
		http.Error(w, "Failed to retrieve recording", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, rec)
}

// GetRecordingAudio serves the raw audio bytes of a recording
func (h *Handler) GetRecordingAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordingID(w, r)
	if !ok {
		return
	}

	rec, err := h.recordingStorage.Get(id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			http.Error(w, "Recording not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to retrieve recording audio", logger.Int64("id", id), logger.Error(err))
		http.Error(w, "Failed to retrieve recording", http.StatusInternalServerError)
		return
	}

	contentType := rec.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Audio)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"recording-%d%s\"", rec.ID, extensionFor(contentType)))
	w.Header().Set("Cache-Control", "no-cache, no-store")

	if r.Method == "HEAD" {
		return
	}

	if _, err := w.Write(rec.Audio); err != nil {
		h.logger.Debug("Client disconnected during audio download",
			logger.Int64("id", id),
			logger.Error(err))
	}
}

// DeleteRecording removes a single recording
func (h *Handler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordingID(w, r)
	if !ok {
		return
	}

	if err := h.recordingStorage.Delete(id); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			http.Error(w, "Recording not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to delete recording", logger.Int64("id", id), logger.Error(err))
		http.Error(w, "Failed to delete recording", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// DeleteAllRecordings removes every stored recording
func (h *Handler) DeleteAllRecordings(w http.ResponseWriter, r *http.Request) {
	count, err := h.recordingStorage.DeleteAll()
	if err != nil {
		h.logger.Error("Failed to delete recordings", logger.Error(err))
		http.Error(w, "Failed to delete recordings", http.StatusInternalServerError)
		return
	}

	h.logger.Info("All recordings deleted", logger.Int64("count", count))
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": count})
}

// GetRecordingStats returns aggregate statistics over stored recordings
func (h *Handler) GetRecordingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.recordingStorage.Stats()
	if err != nil {
		h.logger.Error("Failed to compute recording stats", logger.Error(err))
		http.Error(w, "Failed to compute stats", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// TranscribeRecording queues a (re-)transcription for a stored recording
func (h *Handler) TranscribeRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordingID(w, r)
	if !ok {
		return
	}

	if err := h.recordingService.TranscribeRecording(id); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			http.Error(w, "Recording not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to queue transcription", logger.Int64("id", id), logger.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "queued"})
}

// GetSettings returns the current runtime settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.recordingService.Settings())
}

// UpdateSettings applies a full settings object
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings sqlite.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "Invalid settings payload", http.StatusBadRequest)
		return
	}

	if err := h.recordingService.UpdateSettings(settings); err != nil {
		h.logger.Error("Failed to apply settings", logger.Error(err))
		http.Error(w, "Failed to apply settings", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, h.recordingService.Settings())
}

// AnswerCall accepts the current incoming call prompt
func (h *Handler) AnswerCall(w http.ResponseWriter, r *http.Request) {
	if err := h.recordingService.Answer(); err != nil {
		h.logger.Error("Failed to answer call", logger.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "answered"})
}

// DeclineCall rejects the current incoming call prompt
func (h *Handler) DeclineCall(w http.ResponseWriter, r *http.Request) {
	if err := h.recordingService.Decline(); err != nil {
		h.logger.Error("Failed to decline call", logger.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "declined"})
}

// HandleWebSocket handles WebSocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("WebSocket connection request received")

	h.wsServer.HandleConnection(w, r)
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseRecordingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		http.Error(w, "Missing recording ID", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid recording ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parsePaginationParams(r *http.Request) (int, int) {
	limit := 50 // Default limit
	offset := 0 // Default offset

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/wav", "audio/wave", "audio/x-wav":
		return ".wav"
	case "audio/pcm", "audio/l16":
		return ".pcm"
	default:
		return ".bin"
	}
}
