package media

import (
	"errors"
	"sync"

	"github.com/yegors/callscribe/pkg/logger"
)

var (
	// ErrNoSources indicates Mix was called with an empty source list
	ErrNoSources = errors.New("no audio sources to mix")
	// ErrMixingFailed indicates no input track could be connected to the mix
	ErrMixingFailed = errors.New("mixing produced no connected tracks")
)

// Mixer combines the live tracks of multiple sources into a single
// synthetic output source. Call participants leave and join
// independently of the recording pipeline, so partially-dead inputs
// are skipped rather than failing the whole mix.
type Mixer struct {
	logger *logger.Logger

	mu       sync.Mutex
	taps     []*Track
	output   *Source
	released bool
}

// NewMixer creates a new mixer
func NewMixer(log *logger.Logger) *Mixer {
	return &Mixer{
		logger: log.Named("mixer"),
	}
}

// Mix combines the given sources into one logical source.
// Zero sources is an error. A single source is returned unchanged
// with no mixing context allocated. For two or more, every live
// enabled track is connected into a shared summation point; if
// nothing could be connected the partial connections are released
// and ErrMixingFailed is returned so the caller can fall back to
// the first raw source.
func (m *Mixer) Mix(sources []*Source) (*Source, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	if len(sources) == 1 {
		m.logger.Debug("Single source, bypassing mixer", logger.String("source_id", sources[0].ID))
		return sources[0], nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.taps = m.taps[:0]
	m.released = false

	skipped := 0
	for _, src := range sources {
		for _, track := range src.Tracks() {
			if !track.Live() || !track.Enabled() {
				skipped++
				continue
			}
			m.taps = append(m.taps, track)
		}
	}

	if len(m.taps) == 0 {
		m.taps = nil
		m.released = true
		m.logger.Warn("No connectable tracks in any source",
			logger.Int("source_count", len(sources)),
			logger.Int("skipped_tracks", skipped))
		return nil, ErrMixingFailed
	}

	out := NewSource("mixed-"+sources[0].ID, NewTrack(""))
	out.setReader(m)
	m.output = out

	m.logger.Info("Mixed sources",
		logger.Int("source_count", len(sources)),
		logger.Int("connected_tracks", len(m.taps)),
		logger.Int("skipped_tracks", skipped))

	return out, nil
}

// ReadPCM drains and sums the connected tracks
func (m *Mixer) ReadPCM() []byte {
	m.mu.Lock()
	taps := make([]*Track, len(m.taps))
	copy(taps, m.taps)
	m.mu.Unlock()

	var out []byte
	for _, t := range taps {
		if !t.Live() {
			continue
		}
		out = sumPCM16(out, t.DrainPCM())
	}
	return out
}

// Cleanup disconnects every connected track and releases the mixing
// context. Idempotent.
func (m *Mixer) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return
	}
	m.released = true

	if m.output != nil {
		for _, t := range m.output.Tracks() {
			t.End()
		}
		m.output.setReader(nil)
		m.output = nil
	}
	m.taps = nil

	m.logger.Debug("Mixer released")
}
