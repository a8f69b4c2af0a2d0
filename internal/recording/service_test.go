package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/callscribe/internal/ai"
	"github.com/yegors/callscribe/internal/config"
	"github.com/yegors/callscribe/internal/detector"
	"github.com/yegors/callscribe/internal/host"
	"github.com/yegors/callscribe/internal/media"
	"github.com/yegors/callscribe/internal/storage/sqlite"
	"github.com/yegors/callscribe/internal/transcription"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

type fakeUI struct {
	mu        sync.Mutex
	sources   []*media.Source
	prompt    *host.Prompt
	probes    []string
	mutations chan struct{}
}

func newFakeUI() *fakeUI {
	return &fakeUI{mutations: make(chan struct{}, 1)}
}

func (f *fakeUI) MediaSources() []*media.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*media.Source, len(f.sources))
	copy(out, f.sources)
	return out
}

func (f *fakeUI) IncomingPrompt() *host.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

func (f *fakeUI) CallerProbes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeUI) Answer() error  { return nil }
func (f *fakeUI) Decline() error { return nil }

func (f *fakeUI) Mutations() <-chan struct{} { return f.mutations }

func (f *fakeUI) setSources(sources ...*media.Source) {
	f.mu.Lock()
	f.sources = sources
	f.mu.Unlock()
	select {
	case f.mutations <- struct{}{}:
	default:
	}
}

type fakeMic struct{}

func (fakeMic) Acquire(ctx context.Context) (*media.Source, error) {
	return nil, errors.New("no microphone in tests")
}
func (fakeMic) Release(*media.Source) {}

type fakeTranscriber struct {
	mu     sync.Mutex
	result *transcription.Result
	err    error
	calls  int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (*transcription.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCompleter struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []ai.Message, cfg ai.CompletionConfig) (*ai.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &ai.CompletionResult{Text: f.text}, nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []*websocket.Message
}

func (f *fakeBroadcaster) Broadcast(message *websocket.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeBroadcaster) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Type
	}
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type testEnv struct {
	svc     *Service
	ui      *fakeUI
	storage *sqlite.RecordingStorage
	ws      *fakeBroadcaster
}

func setupService(t *testing.T, transcriber Transcriber, completer ai.CompletionProvider) *testEnv {
	t.Helper()

	log := testLogger(t)
	storage, err := sqlite.NewRecordingStorage(filepath.Join(t.TempDir(), "test.db"), 0, log)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	settings := sqlite.NewSettingsStorage(storage.GetDB(), log)
	ui := newFakeUI()
	det := detector.New(ui, fakeMic{}, detector.Config{PollInterval: 5 * time.Millisecond}, log)

	cfg := config.RecordingConfig{
		Enabled:         true,
		AutoTranscribe:  transcriber != nil,
		SpeakerLabels:   completer != nil,
		PollIntervalMs:  5,
		ChunkIntervalMs: 10,
		SettleDelayMs:   1,
		MIMETypes:       []string{"audio/pcm"},
		SampleRate:      16000,
		Channels:        1,
	}

	ws := &fakeBroadcaster{}
	svc := NewService(cfg, config.CompletionConfig{Model: "test-model"}, det, storage, settings, transcriber, completer, ws, log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return &testEnv{svc: svc, ui: ui, storage: storage, ws: ws}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) recordings(t *testing.T) []*sqlite.Recording {
	t.Helper()
	recs, err := e.storage.List(10, 0, "", "")
	require.NoError(t, err)
	return recs
}

func TestCallRecordedAndTranscribed(t *testing.T) {
	transcriber := &fakeTranscriber{result: &transcription.Result{
		Text:     "привет, это тест",
		Language: "ru",
		Duration: 1.5,
		Segments: []transcription.Segment{{ID: 0, Start: 0, End: 1.5, Text: "привет, это тест"}},
	}}
	env := setupService(t, transcriber, nil)

	track := media.NewTrack("")
	remote := media.NewSource("remote-1", track)
	env.ui.probes = []string{"Иван Петров"}
	env.ui.setSources(remote)

	waitFor(t, "capture to start", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})

	track.WritePCM([]byte{1, 0, 2, 0})
	waitFor(t, "audio to be chunked", func() bool {
		return env.svc.Status().SizeBytes > 0
	})

	env.ui.setSources()

	waitFor(t, "recording to be saved and transcribed", func() bool {
		recs := env.recordings(t)
		return len(recs) == 1 && recs[0].Processed
	})

	recs := env.recordings(t)
	rec := recs[0]
	assert.Equal(t, "Иван Петров", rec.Caller)
	assert.Equal(t, "audio/pcm", rec.MIMEType)
	assert.Equal(t, "привет, это тест", rec.Transcription)
	assert.Equal(t, "ru", rec.TranscriptionLanguage)
	assert.Empty(t, rec.TranscriptionError)

	full, err := env.storage.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, full.Audio)

	types := env.ws.types()
	assert.Contains(t, types, websocket.MessageTypeCallStarted)
	assert.Contains(t, types, websocket.MessageTypeCallEnded)
	assert.Contains(t, types, websocket.MessageTypeRecordingSaved)
	assert.Contains(t, types, websocket.MessageTypeTranscriptionComplete)
}

func TestTranscriptionFailureIsSoft(t *testing.T) {
	transcriber := &fakeTranscriber{err: errors.New("api unreachable")}
	env := setupService(t, transcriber, nil)

	track := media.NewTrack("")
	env.ui.setSources(media.NewSource("remote-1", track))
	waitFor(t, "capture to start", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})
	track.WritePCM([]byte{5, 0})
	waitFor(t, "audio to be chunked", func() bool {
		return env.svc.Status().SizeBytes > 0
	})
	env.ui.setSources()

	waitFor(t, "transcription error to be recorded", func() bool {
		recs := env.recordings(t)
		return len(recs) == 1 && recs[0].TranscriptionError != ""
	})

	rec := env.recordings(t)[0]
	assert.False(t, rec.Processed)
	assert.Contains(t, rec.TranscriptionError, "api unreachable")

	full, err := env.storage.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 0}, full.Audio, "audio survives a failed transcription")
	assert.Contains(t, env.ws.types(), websocket.MessageTypeTranscriptionFailed)
}

func TestSpeakerLabelingFailureKeepsRawTranscription(t *testing.T) {
	transcriber := &fakeTranscriber{result: &transcription.Result{Text: "hello there", Language: "en"}}
	completer := &fakeCompleter{err: errors.New("quota exceeded")}
	env := setupService(t, transcriber, completer)

	track := media.NewTrack("")
	env.ui.setSources(media.NewSource("remote-1", track))
	waitFor(t, "capture to start", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})
	track.WritePCM([]byte{1, 0})
	waitFor(t, "audio to be chunked", func() bool {
		return env.svc.Status().SizeBytes > 0
	})
	env.ui.setSources()

	waitFor(t, "transcription to complete", func() bool {
		recs := env.recordings(t)
		return len(recs) == 1 && recs[0].Processed
	})

	rec := env.recordings(t)[0]
	assert.Equal(t, "hello there", rec.Transcription)
	assert.Empty(t, rec.TranscriptionFormatted, "labeling failure leaves no formatted text")
	assert.Empty(t, rec.TranscriptionError, "labeling failure is not a transcription error")
}

func TestSpeakerLabelingFormatsTranscript(t *testing.T) {
	transcriber := &fakeTranscriber{result: &transcription.Result{
		Text: "hi how are you fine thanks",
		Segments: []transcription.Segment{
			{ID: 0, Start: 0, End: 2, Text: "hi how are you"},
			{ID: 1, Start: 2, End: 4, Text: "fine thanks"},
		},
	}}
	completer := &fakeCompleter{text: "Speaker 1: hi how are you\nSpeaker 2: fine thanks"}
	env := setupService(t, transcriber, completer)

	track := media.NewTrack("")
	env.ui.setSources(media.NewSource("remote-1", track))
	waitFor(t, "capture to start", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})
	track.WritePCM([]byte{1, 0})
	waitFor(t, "audio to be chunked", func() bool {
		return env.svc.Status().SizeBytes > 0
	})
	env.ui.setSources()

	waitFor(t, "formatted transcript", func() bool {
		recs := env.recordings(t)
		return len(recs) == 1 && recs[0].TranscriptionFormatted != ""
	})

	rec := env.recordings(t)[0]
	assert.Contains(t, rec.TranscriptionFormatted, "Speaker 1")
	assert.Contains(t, rec.TranscriptionFormatted, "Speaker 2")
}

func TestSourceSetChangeContinuesRecording(t *testing.T) {
	env := setupService(t, nil, nil)

	firstTrack := media.NewTrack("")
	first := media.NewSource("remote-1", firstTrack)
	env.ui.setSources(first)

	waitFor(t, "capture to start", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})
	firstTrack.WritePCM([]byte{1, 0})
	waitFor(t, "first chunk", func() bool {
		return env.svc.Status().SizeBytes >= 2
	})

	// A second participant joins mid-call
	secondTrack := media.NewTrack("")
	second := media.NewSource("remote-2", secondTrack)
	env.ui.setSources(first, second)

	waitFor(t, "capture to survive the source change", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})
	secondTrack.WritePCM([]byte{2, 0})
	waitFor(t, "second chunk", func() bool {
		return env.svc.Status().SizeBytes >= 4
	})

	env.ui.setSources()

	waitFor(t, "single recording", func() bool {
		return len(env.recordings(t)) == 1
	})

	rec := env.recordings(t)[0]
	full, err := env.storage.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, full.Audio, "chunks from before and after the change are preserved in order")
}

func TestDisableFinalizesInFlightCapture(t *testing.T) {
	env := setupService(t, nil, nil)

	track := media.NewTrack("")
	env.ui.setSources(media.NewSource("remote-1", track))
	waitFor(t, "capture to start", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})
	track.WritePCM([]byte{3, 0})
	waitFor(t, "audio to be chunked", func() bool {
		return env.svc.Status().SizeBytes > 0
	})

	require.NoError(t, env.svc.Disable())

	waitFor(t, "recording to be saved", func() bool {
		return len(env.recordings(t)) == 1
	})
	assert.Equal(t, "inactive", env.svc.Status().CaptureState)
	assert.False(t, env.svc.Settings().Enabled)

	// No new capture starts while disabled
	env.ui.setSources(media.NewSource("remote-2", media.NewTrack("")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "inactive", env.svc.Status().CaptureState)
}

func TestManualTranscribeRetry(t *testing.T) {
	transcriber := &fakeTranscriber{err: errors.New("down")}
	env := setupService(t, transcriber, nil)

	track := media.NewTrack("")
	env.ui.setSources(media.NewSource("remote-1", track))
	waitFor(t, "capture to start", func() bool {
		return env.svc.Status().CaptureState == "recording"
	})
	track.WritePCM([]byte{1, 0})
	waitFor(t, "audio to be chunked", func() bool {
		return env.svc.Status().SizeBytes > 0
	})
	env.ui.setSources()

	waitFor(t, "failed transcription", func() bool {
		recs := env.recordings(t)
		return len(recs) == 1 && recs[0].TranscriptionError != ""
	})
	rec := env.recordings(t)[0]

	// Service recovers and the retry succeeds
	transcriber.mu.Lock()
	transcriber.err = nil
	transcriber.result = &transcription.Result{Text: "recovered", Language: "en"}
	transcriber.mu.Unlock()

	require.NoError(t, env.svc.TranscribeRecording(rec.ID))

	waitFor(t, "retry to succeed", func() bool {
		got, err := env.storage.Get(rec.ID)
		return err == nil && got.Processed
	})

	got, err := env.storage.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "recovered", got.Transcription)
	assert.Empty(t, got.TranscriptionError, "older failure marker cleared by the newer attempt")
}

func TestTranscribeRecordingUnknownID(t *testing.T) {
	env := setupService(t, &fakeTranscriber{}, nil)
	assert.ErrorIs(t, env.svc.TranscribeRecording(999), sqlite.ErrNotFound)
}

func TestUpdateSettingsTogglesDetector(t *testing.T) {
	env := setupService(t, nil, nil)

	next := env.svc.Settings()
	next.AutoAnswer = true
	require.NoError(t, env.svc.UpdateSettings(next))
	assert.True(t, env.svc.Settings().AutoAnswer)

	// Settings survive through the storage layer
	settings := sqlite.NewSettingsStorage(env.storage.GetDB(), testLogger(t))
	loaded, err := settings.Load(sqlite.Settings{})
	require.NoError(t, err)
	assert.True(t, loaded.AutoAnswer)
	assert.True(t, loaded.Enabled)
}
