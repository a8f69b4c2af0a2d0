package media

import (
	"sync"

	"github.com/google/uuid"
)

// maxPendingBytes bounds the per-track PCM backlog. Writers past this
// limit push out the oldest data so a stalled reader cannot grow memory
// without bound.
const maxPendingBytes = 1 << 20

// TrackState describes the readiness of a track
type TrackState string

const (
	// TrackLive indicates the track is producing audio
	TrackLive TrackState = "live"
	// TrackEnded indicates the track has terminated and will produce no more audio
	TrackEnded TrackState = "ended"
)

// Track is a single audio track within a source. Audio arrives as
// 16-bit little-endian PCM frames pushed by the host media layer.
type Track struct {
	ID   string
	Kind string

	mu      sync.Mutex
	state   TrackState
	enabled bool
	pending []byte
}

// NewTrack creates a live, enabled audio track
func NewTrack(id string) *Track {
	if id == "" {
		id = uuid.NewString()
	}
	return &Track{
		ID:      id,
		Kind:    "audio",
		state:   TrackLive,
		enabled: true,
	}
}

// State returns the current track state
func (t *Track) State() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Live reports whether the track is in the live state
func (t *Track) Live() bool {
	return t.State() == TrackLive
}

// Enabled reports whether the track is enabled
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled enables or disables the track
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// End transitions the track to the ended state and drops pending audio
func (t *Track) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TrackEnded
	t.pending = nil
}

// WritePCM appends PCM bytes to the track's pending buffer.
// Writes to ended or disabled tracks are dropped.
func (t *Track) WritePCM(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TrackLive || !t.enabled {
		return
	}
	t.pending = append(t.pending, p...)
	if overflow := len(t.pending) - maxPendingBytes; overflow > 0 {
		t.pending = t.pending[overflow:]
	}
}

// DrainPCM removes and returns all pending PCM bytes
func (t *Track) DrainPCM() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	out := t.pending
	t.pending = nil
	return out
}

// PCMReader supplies PCM audio for a source. Mixed sources delegate
// reads to the mixer that produced them.
type PCMReader interface {
	ReadPCM() []byte
}

// Source is a live, possibly multi-track audio feed. Sources are
// referenced by identity and are never copied; they appear and
// disappear under the control of the host media layer.
type Source struct {
	ID    string
	Label string

	mu     sync.Mutex
	active bool
	tracks []*Track
	reader PCMReader
}

// NewSource creates an active source with the given tracks
func NewSource(id string, tracks ...*Track) *Source {
	if id == "" {
		id = uuid.NewString()
	}
	return &Source{
		ID:     id,
		active: true,
		tracks: tracks,
	}
}

// Active reports whether the host considers the source active
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive updates the source's active flag
func (s *Source) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

// Tracks returns a snapshot of the source's tracks
func (s *Source) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AddTrack appends a track to the source
func (s *Source) AddTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// LiveTracks returns the number of tracks in the live state
func (s *Source) LiveTracks() int {
	n := 0
	for _, t := range s.Tracks() {
		if t.Live() {
			n++
		}
	}
	return n
}

// Usable reports whether the source counts as a usable audio
// indicator: marked active by the host, or carrying at least one
// live track.
func (s *Source) Usable() bool {
	return s.Active() || s.LiveTracks() > 0
}

// Mixed reports whether the source is a synthetic mixer output
func (s *Source) Mixed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader != nil
}

// setReader installs a delegate PCM reader (mixer output)
func (s *Source) setReader(r PCMReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reader = r
}

// ReadPCM drains all available audio from the source. For plain
// sources the live enabled tracks are drained and summed; mixed
// sources delegate to the mixer.
func (s *Source) ReadPCM() []byte {
	s.mu.Lock()
	reader := s.reader
	tracks := make([]*Track, len(s.tracks))
	copy(tracks, s.tracks)
	s.mu.Unlock()

	if reader != nil {
		return reader.ReadPCM()
	}

	var out []byte
	for _, t := range tracks {
		if !t.Live() || !t.Enabled() {
			continue
		}
		out = sumPCM16(out, t.DrainPCM())
	}
	return out
}

// sumPCM16 adds two 16-bit little-endian PCM buffers sample by sample
// with clamping, returning a buffer as long as the longer input. The
// dst slice is reused when it is the longer one.
func sumPCM16(dst, src []byte) []byte {
	if len(src) == 0 {
		return dst
	}
	if len(dst) < len(src) {
		grown := make([]byte, len(src))
		copy(grown, dst)
		dst = grown
	}
	for i := 0; i+1 < len(src); i += 2 {
		a := int32(int16(uint16(dst[i]) | uint16(dst[i+1])<<8))
		b := int32(int16(uint16(src[i]) | uint16(src[i+1])<<8))
		sum := a + b
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		dst[i] = byte(uint16(sum))
		dst[i+1] = byte(uint16(sum) >> 8)
	}
	return dst
}
