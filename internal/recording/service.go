// Package recording wires the detector, mixer, capture session and
// store into the end-to-end call recording lifecycle.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/callscribe/internal/ai"
	"github.com/yegors/callscribe/internal/capture"
	"github.com/yegors/callscribe/internal/config"
	"github.com/yegors/callscribe/internal/detector"
	"github.com/yegors/callscribe/internal/media"
	"github.com/yegors/callscribe/internal/storage/sqlite"
	"github.com/yegors/callscribe/internal/transcription"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

// Transcriber converts an audio artifact to text with time-aligned segments
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (*transcription.Result, error)
}

// Broadcaster pushes lifecycle events to connected clients
type Broadcaster interface {
	Broadcast(message *websocket.Message)
}

// Status is a snapshot of the recorder for the status API
type Status struct {
	Enabled         bool    `json:"enabled"`
	AutoAnswer      bool    `json:"auto_answer"`
	AutoTranscribe  bool    `json:"auto_transcribe"`
	SpeakerLabels   bool    `json:"speaker_labels"`
	CaptureState    string  `json:"capture_state"`
	Caller          string  `json:"caller,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int     `json:"size_bytes"`
}

// Service is the call recording orchestrator. Detector events are
// processed sequentially by a single consumer, so no two lifecycle
// transitions for the same call ever overlap.
type Service struct {
	cfg         config.RecordingConfig
	completion  config.CompletionConfig
	detector    *detector.Detector
	store       *sqlite.RecordingStorage
	settings    *sqlite.SettingsStorage
	session     *capture.Session
	transcriber Transcriber
	completer   ai.CompletionProvider
	ws          Broadcaster
	logger      *logger.Logger

	// captureMu serializes capture teardown (Disable, shutdown) with
	// the event loop, so a queued call end and an external teardown
	// cannot both finalize the same capture.
	captureMu sync.Mutex

	mu      sync.Mutex
	running bool
	current sqlite.Settings
	mixer   *media.Mixer
	caller  string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates the orchestrator. The transcriber, completer and
// broadcaster may be nil; the matching features degrade to no-ops.
func NewService(
	cfg config.RecordingConfig,
	completion config.CompletionConfig,
	det *detector.Detector,
	store *sqlite.RecordingStorage,
	settings *sqlite.SettingsStorage,
	transcriber Transcriber,
	completer ai.CompletionProvider,
	ws Broadcaster,
	log *logger.Logger,
) *Service {
	session := capture.NewSession(capture.Config{
		ChunkInterval: time.Duration(cfg.ChunkIntervalMs) * time.Millisecond,
		SettleDelay:   time.Duration(cfg.SettleDelayMs) * time.Millisecond,
		MIMETypes:     cfg.MIMETypes,
		SampleRate:    cfg.SampleRate,
		Channels:      cfg.Channels,
	}, log)

	s := &Service{
		cfg:         cfg,
		completion:  completion,
		detector:    det,
		store:       store,
		settings:    settings,
		session:     session,
		transcriber: transcriber,
		completer:   completer,
		ws:          ws,
		logger:      log.Named("recording"),
	}
	session.OnError(func(err error) {
		s.logger.Error("Capture session error", logger.Error(err))
	})
	return s
}

// Start loads persisted settings and begins consuming detector events.
// The detector itself only runs while recording is enabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("recording service already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	loaded, err := s.settings.Load(sqlite.Settings{
		Enabled:        s.cfg.Enabled,
		AutoAnswer:     s.cfg.AutoAnswer,
		AutoTranscribe: s.cfg.AutoTranscribe,
		SpeakerLabels:  s.cfg.SpeakerLabels,
	})
	if err != nil {
		s.logger.Warn("Failed to load persisted settings, using config defaults", logger.Error(err))
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()

	s.detector.SetAutoAnswer(loaded.AutoAnswer)

	s.wg.Add(1)
	go s.consumeEvents()

	if loaded.Enabled {
		if err := s.detector.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start detector: %w", err)
		}
	}

	s.logger.Info("Recording service started",
		logger.Bool("enabled", loaded.Enabled),
		logger.Bool("auto_answer", loaded.AutoAnswer),
		logger.Bool("auto_transcribe", loaded.AutoTranscribe))
	return nil
}

// Stop halts the detector, tears down any in-flight capture like a
// normal call end, and waits for background transcriptions
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.detector.Stop()
	s.teardownCapture()
	cancel()
	s.wg.Wait()

	s.logger.Info("Recording service stopped")
}

// consumeEvents is the single-consumer loop over detector events
func (s *Service) consumeEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.detector.Events():
			s.handleEvent(ev)
		}
	}
}

func (s *Service) handleEvent(ev detector.Event) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	switch ev.Type {
	case detector.EventIncomingCall:
		// Auto-answer is the detector's responsibility
		s.logger.Info("Incoming call", logger.String("caller", ev.Caller))
		s.broadcast(websocket.MessageTypeIncomingCall, map[string]any{"caller": ev.Caller})

	case detector.EventCallStarted:
		s.handleCallStarted(ev)

	case detector.EventSourceSetChanged:
		s.handleSourceSetChanged(ev)

	case detector.EventCallEnded:
		s.handleCallEnded(ev)
	}
}

func (s *Service) handleCallStarted(ev detector.Event) {
	s.mu.Lock()
	enabled := s.current.Enabled
	s.mu.Unlock()

	if !enabled || s.session.Capturing() {
		return
	}

	src := s.remix(ev.Sources)
	if src == nil {
		s.logger.Warn("Call started with no usable sources, not capturing")
		return
	}

	if !s.session.Start(src, false) {
		s.releaseMixer()
		s.logger.Error("Capture start failed", logger.String("caller", ev.Caller))
		return
	}

	s.mu.Lock()
	s.caller = ev.Caller
	s.mu.Unlock()

	s.broadcast(websocket.MessageTypeCallStarted, map[string]any{
		"caller":  ev.Caller,
		"sources": len(ev.Sources),
	})
}

// handleSourceSetChanged is the seamless-continuation path: the mixer
// is rebuilt and the session restarted in place. Stop/Start would
// split the recording, so only Restart is used here.
func (s *Service) handleSourceSetChanged(ev detector.Event) {
	if !s.session.Capturing() {
		return
	}

	src := s.remix(ev.Sources)
	if src == nil {
		s.logger.Warn("Source set empty after change, awaiting call end")
		return
	}

	if !s.session.Restart(src) {
		s.logger.Error("Capture restart failed, previous chunks preserved")
		return
	}

	s.logger.Info("Capture continued on new source set", logger.Int("sources", len(ev.Sources)))
}

func (s *Service) handleCallEnded(ev detector.Event) {
	s.mu.Lock()
	caller := s.caller
	s.mu.Unlock()
	if caller == "" {
		caller = ev.Caller
	}

	s.broadcast(websocket.MessageTypeCallEnded, map[string]any{
		"caller":           caller,
		"duration_seconds": ev.Duration.Seconds(),
	})

	if !s.session.Capturing() {
		s.releaseMixer()
		return
	}

	artifact, err := s.session.Stop()
	s.releaseMixer()
	if err != nil {
		if !errors.Is(err, capture.ErrNotCapturing) {
			s.logger.Error("Failed to stop capture", logger.Error(err))
		}
		return
	}

	s.finalize(artifact, caller)
}

// teardownCapture finalizes an in-flight capture outside the normal
// call-end path (Disable, shutdown)
func (s *Service) teardownCapture() {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	if !s.session.Capturing() {
		s.releaseMixer()
		return
	}

	s.mu.Lock()
	caller := s.caller
	s.mu.Unlock()

	artifact, err := s.session.Stop()
	s.releaseMixer()
	if err != nil {
		if !errors.Is(err, capture.ErrNotCapturing) {
			s.logger.Error("Failed to stop capture during teardown", logger.Error(err))
		}
		return
	}

	s.logger.Info("In-flight capture finalized on disable")
	s.finalize(artifact, caller)
}

// remix releases the previous mixing context and builds a new one for
// the given source set. Falls back to the first raw source when mixing
// fails; returns nil when the set is empty.
func (s *Service) remix(sources []*media.Source) *media.Source {
	s.releaseMixer()

	if len(sources) == 0 {
		return nil
	}

	mixer := media.NewMixer(s.logger)
	mixed, err := mixer.Mix(sources)
	if err != nil {
		if errors.Is(err, media.ErrMixingFailed) {
			s.logger.Warn("Mixing failed, falling back to first raw source",
				logger.String("source_id", sources[0].ID))
			return sources[0]
		}
		return nil
	}

	if len(sources) > 1 {
		s.mu.Lock()
		s.mixer = mixer
		s.mu.Unlock()
	}
	return mixed
}

// releaseMixer cleans up the current mixing context, if any
func (s *Service) releaseMixer() {
	s.mu.Lock()
	mixer := s.mixer
	s.mixer = nil
	s.mu.Unlock()

	if mixer != nil {
		mixer.Cleanup()
	}
}

// finalize persists the artifact and kicks off async enrichment.
// Enrichment failure never loses the recording itself.
func (s *Service) finalize(artifact *capture.Artifact, caller string) {
	if caller == "" {
		caller = detector.UnknownCaller
	}

	saved, err := s.store.Save(&sqlite.Recording{
		Caller:    caller,
		StartedAt: artifact.StartedAt,
		EndedAt:   artifact.EndedAt,
		MIMEType:  artifact.MIMEType,
		Duration:  artifact.Duration.Seconds(),
		Size:      int64(artifact.Size),
		Audio:     artifact.Data,
	})
	if err != nil {
		s.logger.Error("Failed to save recording", logger.Error(err))
		return
	}

	s.broadcast(websocket.MessageTypeRecordingSaved, map[string]any{
		"id":               saved.ID,
		"caller":           saved.Caller,
		"duration_seconds": saved.Duration,
		"size_bytes":       saved.Size,
	})

	s.mu.Lock()
	autoTranscribe := s.current.AutoTranscribe
	s.mu.Unlock()

	if !autoTranscribe || s.transcriber == nil {
		return
	}

	// Private copy: a second call finishing in quick succession may
	// reuse shared buffers.
	audio := make([]byte, len(artifact.Data))
	copy(audio, artifact.Data)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribeAndLabel(saved.ID, audio, artifact.MIMEType)
	}()
}

// Enable turns recording on, persists the setting and starts the detector
func (s *Service) Enable() error {
	s.mu.Lock()
	s.current.Enabled = true
	current := s.current
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.settings.Save(current); err != nil {
		s.logger.Error("Failed to persist settings", logger.Error(err))
	}
	if err := s.detector.Start(ctx); err != nil {
		return err
	}

	s.logger.Info("Recording enabled")
	s.broadcastSettings(current)
	return nil
}

// Disable turns recording off, persists the setting, stops the
// detector and tears down any in-flight capture gracefully
func (s *Service) Disable() error {
	s.mu.Lock()
	s.current.Enabled = false
	current := s.current
	s.mu.Unlock()

	if err := s.settings.Save(current); err != nil {
		s.logger.Error("Failed to persist settings", logger.Error(err))
	}

	s.detector.Stop()
	s.teardownCapture()

	s.logger.Info("Recording disabled")
	s.broadcastSettings(current)
	return nil
}

// Settings returns the current runtime settings
func (s *Service) Settings() sqlite.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// UpdateSettings applies and persists a full settings object,
// starting or stopping the detector when the enabled flag flips
func (s *Service) UpdateSettings(next sqlite.Settings) error {
	s.mu.Lock()
	prev := s.current
	s.current = next
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.settings.Save(next); err != nil {
		s.logger.Error("Failed to persist settings", logger.Error(err))
	}

	s.detector.SetAutoAnswer(next.AutoAnswer)

	if next.Enabled && !prev.Enabled {
		if err := s.detector.Start(ctx); err != nil {
			return err
		}
	}
	if !next.Enabled && prev.Enabled {
		s.detector.Stop()
		s.teardownCapture()
	}

	s.broadcastSettings(next)
	return nil
}

// Answer accepts the current incoming call prompt
func (s *Service) Answer() error {
	return s.detector.Answer()
}

// Decline rejects the current incoming call prompt
func (s *Service) Decline() error {
	return s.detector.Decline()
}

// Status returns a snapshot for the status API
func (s *Service) Status() Status {
	s.mu.Lock()
	current := s.current
	caller := s.caller
	s.mu.Unlock()

	st := Status{
		Enabled:        current.Enabled,
		AutoAnswer:     current.AutoAnswer,
		AutoTranscribe: current.AutoTranscribe,
		SpeakerLabels:  current.SpeakerLabels,
		CaptureState:   string(s.session.State()),
	}
	if s.session.Capturing() {
		st.Caller = caller
		st.DurationSeconds = s.session.Duration().Seconds()
		st.SizeBytes = s.session.Size()
	}
	return st
}

func (s *Service) broadcast(messageType string, data map[string]any) {
	if s.ws == nil {
		return
	}
	s.ws.Broadcast(&websocket.Message{Type: messageType, Data: data})
}

func (s *Service) broadcastSettings(current sqlite.Settings) {
	s.broadcast(websocket.MessageTypeSettingsChanged, map[string]any{
		"enabled":         current.Enabled,
		"auto_answer":     current.AutoAnswer,
		"auto_transcribe": current.AutoTranscribe,
		"speaker_labels":  current.SpeakerLabels,
	})
}
