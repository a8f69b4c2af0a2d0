package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/callscribe/internal/config"
	"github.com/yegors/callscribe/internal/detector"
	"github.com/yegors/callscribe/internal/host"
	"github.com/yegors/callscribe/internal/media"
	"github.com/yegors/callscribe/internal/recording"
	"github.com/yegors/callscribe/internal/storage/sqlite"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

type idleUI struct{}

func (idleUI) MediaSources() []*media.Source { return nil }
func (idleUI) IncomingPrompt() *host.Prompt  { return nil }
func (idleUI) CallerProbes() []string        { return nil }
func (idleUI) Answer() error                 { return nil }
func (idleUI) Decline() error                { return nil }
func (idleUI) Mutations() <-chan struct{}    { return nil }

type idleMic struct{}

func (idleMic) Acquire(ctx context.Context) (*media.Source, error) {
	return nil, errors.New("no microphone")
}
func (idleMic) Release(*media.Source) {}

func setupAPI(t *testing.T) (*httptest.Server, *sqlite.RecordingStorage) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	storage, err := sqlite.NewRecordingStorage(filepath.Join(t.TempDir(), "test.db"), 0, log)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	settings := sqlite.NewSettingsStorage(storage.GetDB(), log)
	det := detector.New(idleUI{}, idleMic{}, detector.Config{PollInterval: time.Hour}, log)

	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 8080, CORSAllowedOrigins: []string{"*"}},
		Storage: config.StorageConfig{SQLiteBasePath: t.TempDir()},
		Recording: config.RecordingConfig{
			MIMETypes:  []string{"audio/pcm"},
			SampleRate: 16000,
			Channels:   1,
		},
	}

	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	svc := recording.NewService(cfg.Recording, cfg.Completion, det, storage, settings, nil, nil, wsServer, log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	router := NewRouter(svc, storage, cfg, log, wsServer)
	server := httptest.NewServer(router.Routes())
	t.Cleanup(server.Close)

	return server, storage
}

func saveTestRecording(t *testing.T, storage *sqlite.RecordingStorage) *sqlite.Recording {
	t.Helper()
	started := time.Now().UTC().Add(-time.Minute)
	saved, err := storage.Save(&sqlite.Recording{
		Caller:    "Jane Smith",
		StartedAt: started,
		EndedAt:   started.Add(30 * time.Second),
		MIMEType:  "audio/wav",
		Duration:  30,
		Size:      4,
		Audio:     []byte{1, 2, 3, 4},
	})
	require.NoError(t, err)
	return saved
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestGetRecordings(t *testing.T) {
	server, storage := setupAPI(t)
	saveTestRecording(t, storage)
	saveTestRecording(t, storage)

	var body struct {
		Count      int                 `json:"count"`
		Recordings []*sqlite.Recording `json:"recordings"`
	}
	resp := getJSON(t, server.URL+"/api/v1/recordings/", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Recordings, 2)
	assert.Equal(t, "Jane Smith", body.Recordings[0].Caller)
}

func TestGetRecordingByID(t *testing.T) {
	server, storage := setupAPI(t)
	saved := saveTestRecording(t, storage)

	var rec sqlite.Recording
	resp := getJSON(t, server.URL+"/api/v1/recordings/1", &rec)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, saved.ID, rec.ID)
	assert.Equal(t, "Jane Smith", rec.Caller)

	resp = getJSON(t, server.URL+"/api/v1/recordings/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getJSON(t, server.URL+"/api/v1/recordings/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRecordingAudio(t *testing.T) {
	server, storage := setupAPI(t)
	saveTestRecording(t, storage)

	resp, err := http.Get(server.URL + "/api/v1/recordings/1/audio")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "recording-1.wav")

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Bytes())
}

func TestDeleteRecording(t *testing.T) {
	server, storage := setupAPI(t)
	saveTestRecording(t, storage)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/recordings/1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = storage.Get(1)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetStats(t *testing.T) {
	server, storage := setupAPI(t)
	saveTestRecording(t, storage)

	var stats sqlite.Stats
	resp := getJSON(t, server.URL+"/api/v1/recordings/stats", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, int64(4), stats.TotalSize)
}

func TestTranscribeWithoutTranscriber(t *testing.T) {
	server, storage := setupAPI(t)
	saveTestRecording(t, storage)

	resp, err := http.Post(server.URL+"/api/v1/recordings/1/transcribe", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSettingsRoundTrip(t *testing.T) {
	server, _ := setupAPI(t)

	var settings sqlite.Settings
	resp := getJSON(t, server.URL+"/api/v1/settings", &settings)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, settings.AutoAnswer)

	settings.AutoAnswer = true
	payload, err := json.Marshal(settings)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, server.URL+"/api/v1/settings", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	putResp.Body.Close()
	assert.Equal(t, http.StatusOK, putResp.StatusCode)

	var updated sqlite.Settings
	getJSON(t, server.URL+"/api/v1/settings", &updated)
	assert.True(t, updated.AutoAnswer)
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := setupAPI(t)

	var status recording.Status
	resp := getJSON(t, server.URL+"/api/v1/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inactive", status.CaptureState)
}

func TestCORSHeaders(t *testing.T) {
	server, _ := setupAPI(t)

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
