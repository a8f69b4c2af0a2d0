// Package bridge implements the host interfaces on top of a WebSocket
// connection from a lightweight in-page shim running inside the
// team-chat client. The shim streams UI snapshots and base64 PCM
// track data, and executes call and microphone commands sent back.
package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"github.com/yegors/callscribe/internal/host"
	"github.com/yegors/callscribe/internal/media"
	"github.com/yegors/callscribe/internal/websocket"
	"github.com/yegors/callscribe/pkg/logger"
)

// localMicSourceID identifies the bridge-owned microphone source in
// track_data messages from the shim
const localMicSourceID = "local-mic"

// Bridge maintains a mirror of the host UI state fed by shim messages
type Bridge struct {
	ws     *websocket.Server
	logger *logger.Logger

	mu      sync.RWMutex
	sources map[string]*media.Source
	tracks  map[string]map[string]*media.Track // source id -> track id -> track
	prompt  *hostPrompt
	probes  []string
	mic     *media.Source

	mutations chan struct{}
}

type hostPrompt struct {
	label    string
	answered bool
}

// New creates a bridge bound to the given WebSocket server
func New(ws *websocket.Server, log *logger.Logger) *Bridge {
	return &Bridge{
		ws:        ws,
		logger:    log.Named("host-bridge"),
		sources:   make(map[string]*media.Source),
		tracks:    make(map[string]map[string]*media.Track),
		mutations: make(chan struct{}, 1),
	}
}

// HandleMessage handles incoming WebSocket messages from the shim
func (b *Bridge) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	switch messageType {
	case websocket.MessageTypeHostSnapshot:
		return b.handleSnapshot(data)
	case websocket.MessageTypeTrackData:
		return b.handleTrackData(data)
	default:
		b.logger.Debug("Unhandled message type", logger.String("type", messageType))
		return nil
	}
}

// handleSnapshot reconciles the mirrored UI state with a shim snapshot
func (b *Bridge) handleSnapshot(data map[string]any) error {
	b.mu.Lock()

	// Prompt state
	b.prompt = nil
	if promptData, ok := data["prompt"].(map[string]any); ok {
		p := &hostPrompt{}
		if label, ok := promptData["label"].(string); ok {
			p.label = label
		}
		if answered, ok := promptData["answered"].(bool); ok {
			p.answered = answered
		}
		b.prompt = p
	}

	// Caller probe candidates
	b.probes = b.probes[:0]
	if probes, ok := data["caller_probes"].([]any); ok {
		for _, p := range probes {
			if s, ok := p.(string); ok {
				b.probes = append(b.probes, s)
			}
		}
	}

	// Media sources
	seen := make(map[string]bool)
	if sources, ok := data["sources"].([]any); ok {
		for _, raw := range sources {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := entry["id"].(string)
			if id == "" {
				continue
			}
			seen[id] = true
			b.reconcileSource(id, entry)
		}
	}

	// Sources gone from the UI are deactivated and dropped
	for id, src := range b.sources {
		if seen[id] {
			continue
		}
		src.SetActive(false)
		for _, t := range src.Tracks() {
			t.End()
		}
		delete(b.sources, id)
		delete(b.tracks, id)
		b.logger.Debug("Source removed from host UI", logger.String("source_id", id))
	}

	b.mu.Unlock()

	b.notifyMutation()
	return nil
}

// reconcileSource updates or creates one mirrored source. Caller holds b.mu.
func (b *Bridge) reconcileSource(id string, entry map[string]any) {
	src, exists := b.sources[id]
	if !exists {
		src = media.NewSource(id)
		b.sources[id] = src
		b.tracks[id] = make(map[string]*media.Track)
		b.logger.Debug("Source appeared in host UI", logger.String("source_id", id))
	}

	if label, ok := entry["label"].(string); ok {
		src.Label = label
	}
	if active, ok := entry["active"].(bool); ok {
		src.SetActive(active)
	}

	seenTracks := make(map[string]bool)
	if trackList, ok := entry["tracks"].([]any); ok {
		for _, rawTrack := range trackList {
			trackEntry, ok := rawTrack.(map[string]any)
			if !ok {
				continue
			}
			trackID, _ := trackEntry["id"].(string)
			if trackID == "" {
				continue
			}
			seenTracks[trackID] = true

			track, exists := b.tracks[id][trackID]
			if !exists {
				track = media.NewTrack(trackID)
				b.tracks[id][trackID] = track
				src.AddTrack(track)
			}
			if state, ok := trackEntry["state"].(string); ok && state == "ended" {
				track.End()
			}
			if enabled, ok := trackEntry["enabled"].(bool); ok {
				track.SetEnabled(enabled)
			}
		}
	}

	for trackID, track := range b.tracks[id] {
		if !seenTracks[trackID] {
			track.End()
			delete(b.tracks[id], trackID)
		}
	}
}

// handleTrackData routes one base64 PCM payload into its track
func (b *Bridge) handleTrackData(data map[string]any) error {
	sourceID, _ := data["source_id"].(string)
	trackID, _ := data["track_id"].(string)
	encoded, _ := data["data"].(string)
	if sourceID == "" || encoded == "" {
		return fmt.Errorf("track_data message missing source_id or data")
	}

	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode track data: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if sourceID == localMicSourceID {
		if b.mic != nil {
			for _, t := range b.mic.Tracks() {
				t.WritePCM(pcm)
			}
		}
		return nil
	}

	byTrack, ok := b.tracks[sourceID]
	if !ok {
		// Data can arrive before the first snapshot mentions the source
		b.logger.Debug("Track data for unknown source", logger.String("source_id", sourceID))
		return nil
	}
	if trackID != "" {
		if track, ok := byTrack[trackID]; ok {
			track.WritePCM(pcm)
		}
		return nil
	}
	for _, track := range byTrack {
		track.WritePCM(pcm)
	}
	return nil
}

func (b *Bridge) notifyMutation() {
	select {
	case b.mutations <- struct{}{}:
	default:
		// A rescan is already pending; coalesce
	}
}

// sendCommand broadcasts a command for the in-page shim. Non-shim
// clients ignore call_command messages.
func (b *Bridge) sendCommand(action string, extra map[string]any) {
	data := map[string]any{"action": action}
	for k, v := range extra {
		data[k] = v
	}
	b.ws.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeCallCommand,
		Data: data,
	})
}

// -- host.UI implementation --

// MediaSources returns the sources currently bound to host rendering elements
func (b *Bridge) MediaSources() []*media.Source {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*media.Source, 0, len(b.sources))
	for _, src := range b.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IncomingPrompt returns the current ringing prompt, or nil
func (b *Bridge) IncomingPrompt() *host.Prompt {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.prompt == nil {
		return nil
	}
	return &host.Prompt{Label: b.prompt.label, Answered: b.prompt.answered}
}

// CallerProbes returns ranked caller-label candidates, best first
func (b *Bridge) CallerProbes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.probes))
	copy(out, b.probes)
	return out
}

// Answer accepts the current incoming call prompt
func (b *Bridge) Answer() error {
	b.logger.Info("Sending answer command to host")
	b.sendCommand("answer", nil)
	return nil
}

// Decline rejects the current incoming call prompt
func (b *Bridge) Decline() error {
	b.logger.Info("Sending decline command to host")
	b.sendCommand("decline", nil)
	return nil
}

// Mutations delivers coalesced change notifications
func (b *Bridge) Mutations() <-chan struct{} {
	return b.mutations
}

// -- host.Microphone implementation --

// Acquire requests microphone capture from the shim and returns the
// bridge-owned source its PCM will arrive on
func (b *Bridge) Acquire(ctx context.Context) (*media.Source, error) {
	b.mu.Lock()
	if b.mic != nil {
		mic := b.mic
		b.mu.Unlock()
		return mic, nil
	}
	mic := media.NewSource(localMicSourceID, media.NewTrack(localMicSourceID+"-track"))
	mic.Label = "Microphone"
	b.mic = mic
	b.mu.Unlock()

	b.sendCommand("mic_acquire", map[string]any{"source_id": localMicSourceID})
	b.logger.Info("Microphone capture requested")
	return mic, nil
}

// Release ends the microphone source and tells the shim to stop capture
func (b *Bridge) Release(src *media.Source) {
	b.mu.Lock()
	if b.mic == nil || (src != nil && src != b.mic) {
		b.mu.Unlock()
		return
	}
	mic := b.mic
	b.mic = nil
	b.mu.Unlock()

	for _, t := range mic.Tracks() {
		t.End()
	}
	mic.SetActive(false)

	b.sendCommand("mic_release", map[string]any{"source_id": localMicSourceID})
	b.logger.Info("Microphone capture released")
}
