// Package detector infers call lifecycle from the host UI: a
// fixed-interval scanner plus a coalesced rescan signal feed a
// single-consumer event channel. Detection is best-effort against an
// environment outside this system's control; absence of evidence is
// "no call", never an error.
package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yegors/callscribe/internal/host"
	"github.com/yegors/callscribe/internal/media"
	"github.com/yegors/callscribe/pkg/logger"
)

// EventType identifies a call lifecycle transition
type EventType string

const (
	// EventIncomingCall fires when an unanswered ringing prompt appears
	EventIncomingCall EventType = "incoming_call"
	// EventCallStarted fires when the first usable audio indicator appears
	EventCallStarted EventType = "call_started"
	// EventSourceSetChanged fires when the active call's source identities change
	EventSourceSetChanged EventType = "source_set_changed"
	// EventCallEnded fires when no usable indicators remain
	EventCallEnded EventType = "call_ended"
)

// Event is one detector observation delivered to the orchestrator
type Event struct {
	Type      EventType
	Caller    string
	Sources   []*media.Source
	StartedAt time.Time
	Duration  time.Duration
}

// Config holds detector settings
type Config struct {
	PollInterval time.Duration // Fixed scan interval
	AnswerDelay  time.Duration // Stabilization delay before auto-answering
	AutoAnswer   bool
	EventBuffer  int // Event channel capacity
}

// Detector watches the host UI for call lifecycle transitions
type Detector struct {
	ui     host.UI
	mic    host.Microphone
	cfg    Config
	logger *logger.Logger
	events chan Event

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	autoAnswer bool

	// Incoming prompt axis
	promptOpen     bool
	promptAnswered bool
	promptLabel    string
	answerTimer    *time.Timer

	// Call session axis
	callActive  bool
	callStarted time.Time
	callCaller  string
	sourceIDs   []string
	micSource   *media.Source
}

// New creates a detector over the given host surfaces
func New(ui host.UI, mic host.Microphone, cfg Config, log *logger.Logger) *Detector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.AnswerDelay <= 0 {
		cfg.AnswerDelay = 1500 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &Detector{
		ui:         ui,
		mic:        mic,
		cfg:        cfg,
		logger:     log.Named("detector"),
		events:     make(chan Event, cfg.EventBuffer),
		autoAnswer: cfg.AutoAnswer,
	}
}

// Events returns the detector's event channel. Events are consumed by
// a single reader.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// SetAutoAnswer toggles automatic answering of incoming prompts
func (d *Detector) SetAutoAnswer(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoAnswer = enabled
}

// Answer accepts the current incoming call prompt
func (d *Detector) Answer() error {
	return d.ui.Answer()
}

// Decline rejects the current incoming call prompt
func (d *Detector) Decline() error {
	return d.ui.Decline()
}

// Start begins polling the host UI
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Warn("Detector already running")
		return nil
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()

	d.logger.Info("Detector started", logger.Duration("poll_interval", d.cfg.PollInterval))
	return nil
}

// Stop halts polling and releases the microphone if held. Any
// in-flight capture teardown is the orchestrator's responsibility.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.stopAnswerTimer()
	d.releaseMic()
	d.callActive = false
	d.promptOpen = false
	d.sourceIDs = nil
	d.mu.Unlock()

	d.logger.Info("Detector stopped")
}

// run is the scan loop: a fixed-interval ticker plus the coalesced
// mutation feed, both funneled through the same scan
func (d *Detector) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.scan()
		case <-d.ui.Mutations():
			d.scan()
		}
	}
}

func (d *Detector) scan() {
	d.scanPrompt()
	d.scanCall()
}

// scanPrompt evaluates the incoming-call prompt axis:
// absent -> present(unanswered) -> answered | absent
func (d *Detector) scanPrompt() {
	p := d.ui.IncomingPrompt()

	d.mu.Lock()

	if p == nil {
		if d.promptOpen {
			d.promptOpen = false
			d.stopAnswerTimer()
			d.logger.Debug("Incoming call prompt dismissed")
		}
		d.mu.Unlock()
		return
	}

	if !d.promptOpen {
		d.promptOpen = true
		d.promptAnswered = p.Answered

		candidates := append([]string{p.Label}, d.ui.CallerProbes()...)
		d.promptLabel = ResolveCallerLabel(candidates)

		autoAnswer := d.autoAnswer && !p.Answered
		if autoAnswer {
			d.answerTimer = time.AfterFunc(d.cfg.AnswerDelay, d.autoAnswerFire)
		}
		label := d.promptLabel
		d.mu.Unlock()

		d.logger.Info("Incoming call detected",
			logger.String("caller", label),
			logger.Bool("auto_answer", autoAnswer))
		d.emit(Event{Type: EventIncomingCall, Caller: label})
		return
	}

	if p.Answered && !d.promptAnswered {
		d.promptAnswered = true
		d.stopAnswerTimer()
		d.logger.Debug("Incoming call prompt answered")
	}
	d.mu.Unlock()
}

// autoAnswerFire invokes the answer action if the prompt is still
// open and unanswered after the stabilization delay
func (d *Detector) autoAnswerFire() {
	d.mu.Lock()
	fire := d.promptOpen && !d.promptAnswered && d.autoAnswer
	d.mu.Unlock()
	if !fire {
		return
	}
	d.logger.Info("Auto-answering incoming call")
	if err := d.ui.Answer(); err != nil {
		d.logger.Error("Auto-answer failed", logger.Error(err))
	}
}

func (d *Detector) stopAnswerTimer() {
	if d.answerTimer != nil {
		d.answerTimer.Stop()
		d.answerTimer = nil
	}
}

// scanCall evaluates the call session axis: none -> active -> none,
// recomputing the usable source set on every scan
func (d *Detector) scanCall() {
	usable := usableSources(d.ui.MediaSources())

	d.mu.Lock()

	if !d.callActive {
		if len(usable) == 0 {
			d.mu.Unlock()
			return
		}

		caller := d.resolveActiveCallerLocked()
		d.callActive = true
		d.callStarted = time.Now().UTC()
		d.callCaller = caller
		d.sourceIDs = sourceIDs(usable)
		started := d.callStarted
		d.mu.Unlock()

		// Microphone is best-effort: failure degrades to remote-only
		// recording and never blocks call detection.
		d.acquireMic()

		set := d.withMic(usable)
		d.logger.Info("Call started",
			logger.String("caller", caller),
			logger.Int("sources", len(set)))
		d.emit(Event{Type: EventCallStarted, Caller: caller, Sources: set, StartedAt: started})
		return
	}

	if len(usable) == 0 {
		duration := time.Since(d.callStarted)
		caller := d.callCaller
		d.callActive = false
		d.sourceIDs = nil
		d.releaseMic()
		d.mu.Unlock()

		d.logger.Info("Call ended",
			logger.String("caller", caller),
			logger.Duration("duration", duration))
		d.emit(Event{Type: EventCallEnded, Caller: caller, Duration: duration})
		return
	}

	ids := sourceIDs(usable)
	if sameIDs(ids, d.sourceIDs) {
		d.mu.Unlock()
		return
	}
	d.sourceIDs = ids
	caller := d.callCaller
	d.mu.Unlock()

	set := d.withMic(usable)
	d.logger.Info("Call source set changed", logger.Int("sources", len(set)))
	d.emit(Event{Type: EventSourceSetChanged, Caller: caller, Sources: set})
}

// resolveActiveCallerLocked prefers the open prompt's valid label,
// then a fresh UI probe pass, then UnknownCaller. Caller holds d.mu.
func (d *Detector) resolveActiveCallerLocked() string {
	if d.promptOpen && d.promptLabel != UnknownCaller {
		return d.promptLabel
	}
	return ResolveCallerLabel(d.ui.CallerProbes())
}

func (d *Detector) acquireMic() {
	d.mu.Lock()
	held := d.micSource != nil
	d.mu.Unlock()
	if held {
		return
	}

	src, err := d.mic.Acquire(d.ctx)
	if err != nil {
		d.logger.Warn("Microphone capture failed, recording remote audio only", logger.Error(err))
		return
	}

	d.mu.Lock()
	d.micSource = src
	d.mu.Unlock()
}

// releaseMic releases the microphone exactly once. Caller holds d.mu.
func (d *Detector) releaseMic() {
	if d.micSource == nil {
		return
	}
	d.mic.Release(d.micSource)
	d.micSource = nil
}

// withMic re-appends the microphone source to a remote source set
func (d *Detector) withMic(sources []*media.Source) []*media.Source {
	d.mu.Lock()
	mic := d.micSource
	d.mu.Unlock()

	out := make([]*media.Source, 0, len(sources)+1)
	out = append(out, sources...)
	if mic != nil {
		out = append(out, mic)
	}
	return out
}

// emit delivers an event to the consumer. Under backpressure most
// observations are droppable, but a call_ended gates capture teardown
// and is never dropped: the scan loop blocks until the consumer takes
// it or the detector shuts down.
func (d *Detector) emit(ev Event) {
	if ev.Type == EventCallEnded {
		select {
		case d.events <- ev:
		case <-d.ctx.Done():
		}
		return
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("Event channel full, dropping event", logger.String("type", string(ev.Type)))
	}
}

func usableSources(sources []*media.Source) []*media.Source {
	out := make([]*media.Source, 0, len(sources))
	for _, s := range sources {
		if s.Usable() {
			out = append(out, s)
		}
	}
	return out
}

// sourceIDs returns the identity set in sorted order. The host makes
// no promise about enumeration order, so comparisons must not depend
// on it.
func sourceIDs(sources []*media.Source) []string {
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}
	sort.Strings(ids)
	return ids
}

// sameIDs compares two sorted identity sets
func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
