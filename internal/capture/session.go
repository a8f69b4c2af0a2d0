package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/yegors/callscribe/internal/media"
	"github.com/yegors/callscribe/pkg/logger"
)

// ErrNotCapturing indicates Stop was called on an idle session
var ErrNotCapturing = errors.New("no capture in progress")

// State describes the capture session's recorder state
type State string

const (
	// StateInactive means no capture is in progress
	StateInactive State = "inactive"
	// StateRecording means audio chunks are being emitted
	StateRecording State = "recording"
	// StatePaused means capture is suspended but not stopped
	StatePaused State = "paused"
)

// Artifact is the finalized binary payload of one completed capture
type Artifact struct {
	Data      []byte
	MIMEType  string
	Duration  time.Duration
	Size      int
	Chunks    int
	StartedAt time.Time
	EndedAt   time.Time
}

// Config holds capture session settings
type Config struct {
	ChunkInterval time.Duration // How often audio chunks are emitted
	SettleDelay   time.Duration // Wait after stopping the encoder during a restart
	MIMETypes     []string      // Ordered encoding preference list
	SampleRate    int
	Channels      int
}

// Session wraps one audio source as an appendable chunked recording.
// The chunk sequence, once capture starts, is never truncated: it is
// only appended to, or on restart preserved verbatim and continued.
type Session struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.Mutex
	state     State
	source    *media.Source
	enc       encoder
	chunks    [][]byte
	startTime time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
	onError   func(error)
}

// NewSession creates an idle capture session
func NewSession(cfg Config, log *logger.Logger) *Session {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 100 * time.Millisecond
	}
	if len(cfg.MIMETypes) == 0 {
		cfg.MIMETypes = []string{"audio/wav", "audio/pcm"}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Session{
		cfg:    cfg,
		logger: log.Named("capture"),
		state:  StateInactive,
	}
}

// OnError registers a callback invoked for capture failures that do
// not surface through a return value
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

func (s *Session) reportError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	s.logger.Error("Capture error", logger.Error(err))
	if fn != nil {
		fn(err)
	}
}

// Start begins capturing from the given source. Refuses while a
// capture is already in progress. When keepExisting is false the
// chunk sequence and start time are reset; when true both are
// preserved and new chunks append to the existing sequence, which is
// what makes mid-call source swaps non-destructive.
func (s *Session) Start(source *media.Source, keepExisting bool) bool {
	if source == nil {
		s.reportError(errors.New("capture start failed: nil source"))
		return false
	}

	s.mu.Lock()
	if s.state != StateInactive {
		s.mu.Unlock()
		s.logger.Warn("Start refused, capture already in progress", logger.String("state", string(s.state)))
		return false
	}
	s.mu.Unlock()

	// Some hosts report track readiness lazily, so proceed with a
	// warning rather than refusing.
	if !source.Mixed() && source.LiveTracks() == 0 {
		s.logger.Warn("Source has no live tracks, starting anyway", logger.String("source_id", source.ID))
	}

	enc, err := negotiateFormat(s.cfg.MIMETypes)
	if err != nil {
		s.reportError(err)
		return false
	}

	s.mu.Lock()
	if !keepExisting || s.startTime.IsZero() {
		if !keepExisting {
			s.chunks = nil
		}
		s.startTime = time.Now().UTC()
	}
	s.source = source
	s.enc = enc
	s.state = StateRecording
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.captureLoop(source, stopCh)

	s.logger.Info("Capture started",
		logger.String("source_id", source.ID),
		logger.String("mime_type", enc.MIMEType()),
		logger.Bool("keep_existing", keepExisting))
	return true
}

// captureLoop emits one chunk per interval for durability against
// crashes, plus a final drain when stopped
func (s *Session) captureLoop(source *media.Source, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			paused := s.state == StatePaused
			s.mu.Unlock()
			if paused {
				continue
			}
			s.appendChunk(source.ReadPCM())
		case <-stopCh:
			s.appendChunk(source.ReadPCM())
			return
		}
	}
}

func (s *Session) appendChunk(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	s.chunks = append(s.chunks, data)
	count := len(s.chunks)
	s.mu.Unlock()
	s.logger.Debug("Chunk emitted", logger.Int("bytes", len(data)), logger.Int("chunk_count", count))
}

// claim atomically takes ownership of an active capture and stops its
// loop. The state transition happens under the lock, so of any number
// of concurrent Stop or Restart calls exactly one wins; the losers see
// an inactive session.
func (s *Session) claim() bool {
	s.mu.Lock()
	if s.state == StateInactive {
		s.mu.Unlock()
		return false
	}
	s.state = StateInactive
	ch := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if ch != nil {
		close(ch)
		s.wg.Wait()
	}
	return true
}

// Stop ends the capture, concatenates all chunks into one artifact
// and clears the session's active state
func (s *Session) Stop() (*Artifact, error) {
	if !s.claim() {
		return nil, ErrNotCapturing
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	endedAt := time.Now().UTC()
	data, err := s.enc.Finalize(s.chunks, s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		// Finalize failed; keep the chunks so a retry is possible.
		return nil, err
	}

	artifact := &Artifact{
		Data:      data,
		MIMEType:  s.enc.MIMEType(),
		Duration:  endedAt.Sub(s.startTime),
		Size:      len(data),
		Chunks:    len(s.chunks),
		StartedAt: s.startTime,
		EndedAt:   endedAt,
	}

	s.chunks = nil
	s.startTime = time.Time{}
	s.source = nil

	s.logger.Info("Capture stopped",
		logger.Int("bytes", artifact.Size),
		logger.Int("chunks", artifact.Chunks),
		logger.Duration("duration", artifact.Duration))

	return artifact, nil
}

// Restart swaps the capture's underlying source while preserving the
// chunk sequence and start time. Requires an active capture. The
// encoder is stopped without a stopped notification, the stop is
// given a short settle delay, then capture resumes on the new source
// with keepExisting=true. On failure the pre-restart chunks and start
// time are restored exactly and the session is left stopped.
func (s *Session) Restart(newSource *media.Source) bool {
	if !s.claim() {
		s.logger.Warn("Restart refused, no active capture")
		return false
	}

	time.Sleep(s.cfg.SettleDelay)

	s.mu.Lock()
	savedChunks := s.chunks
	savedStart := s.startTime
	s.source = nil
	s.mu.Unlock()

	if !s.Start(newSource, true) {
		s.mu.Lock()
		s.chunks = savedChunks
		s.startTime = savedStart
		s.mu.Unlock()
		s.logger.Error("Restart failed, previous chunks restored",
			logger.Int("preserved_chunks", len(savedChunks)))
		return false
	}

	s.logger.Info("Capture restarted on new source",
		logger.String("source_id", newSource.ID),
		logger.Int("preserved_chunks", len(savedChunks)))
	return true
}

// Pause suspends chunk emission. Only valid while recording.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return false
	}
	s.state = StatePaused
	s.logger.Info("Capture paused")
	return true
}

// Resume continues chunk emission. Only valid while paused.
func (s *Session) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return false
	}
	s.state = StateRecording
	s.logger.Info("Capture resumed")
	return true
}

// State returns the current recorder state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capturing reports whether a capture is in progress (recording or paused)
func (s *Session) Capturing() bool {
	return s.State() != StateInactive
}

// Duration returns the elapsed capture time, or zero when idle
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInactive || s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Size returns the total bytes captured so far
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.chunks {
		total += len(c)
	}
	return total
}

// ChunkCount returns the number of chunks captured so far
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}
