package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/callscribe/internal/host"
	"github.com/yegors/callscribe/internal/media"
	"github.com/yegors/callscribe/pkg/logger"
)

type fakeUI struct {
	mu        sync.Mutex
	sources   []*media.Source
	prompt    *host.Prompt
	probes    []string
	answers   int
	declines  int
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
	if f.prompt == nil {
		return nil
	}
	p := *f.prompt
	return &p
}

func (f *fakeUI) CallerProbes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeUI) Answer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	if f.prompt != nil {
		f.prompt.Answered = true
	}
	return nil
}

func (f *fakeUI) Decline() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declines++
	f.prompt = nil
	return nil
}

func (f *fakeUI) Mutations() <-chan struct{} {
	return f.mutations
}

func (f *fakeUI) setSources(sources ...*media.Source) {
	f.mu.Lock()
	f.sources = sources
	f.mu.Unlock()
	f.notify()
}

func (f *fakeUI) setPrompt(p *host.Prompt) {
	f.mu.Lock()
	f.prompt = p
	f.mu.Unlock()
	f.notify()
}

func (f *fakeUI) notify() {
	select {
	case f.mutations <- struct{}{}:
	default:
	}
}

type fakeMic struct {
	mu       sync.Mutex
	acquired int
	released int
	fail     bool
	src      *media.Source
}

func (f *fakeMic) Acquire(ctx context.Context) (*media.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("microphone unavailable")
	}
	f.acquired++
	f.src = media.NewSource("local-mic", media.NewTrack("mic-track"))
	return f.src, nil
}

func (f *fakeMic) Release(src *media.Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeMic) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func startDetector(t *testing.T, ui *fakeUI, mic *fakeMic, cfg Config) *Detector {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	d := New(ui, mic, cfg, testLogger(t))
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func waitEvent(t *testing.T, d *Detector, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-d.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestCallLifecycleEvents(t *testing.T) {
	ui := newFakeUI()
	mic := &fakeMic{}
	d := startDetector(t, ui, mic, Config{})

	remote := media.NewSource("remote-1", media.NewTrack(""))
	ui.setSources(remote)

	started := waitEvent(t, d, EventCallStarted)
	assert.Equal(t, UnknownCaller, started.Caller)
	assert.False(t, started.StartedAt.IsZero())
	require.Len(t, started.Sources, 2, "remote source plus microphone")
	assert.Equal(t, "remote-1", started.Sources[0].ID)
	assert.Equal(t, "local-mic", started.Sources[1].ID)

	// Second participant joins
	second := media.NewSource("remote-2", media.NewTrack(""))
	ui.setSources(remote, second)

	changed := waitEvent(t, d, EventSourceSetChanged)
	require.Len(t, changed.Sources, 3)
	assert.Equal(t, "local-mic", changed.Sources[2].ID)

	// Everyone leaves
	ui.setSources()

	ended := waitEvent(t, d, EventCallEnded)
	assert.Greater(t, ended.Duration, time.Duration(0))

	acquired, released := mic.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released, "microphone released exactly once")
}

func TestReorderedSourcesAreNotAChange(t *testing.T) {
	ui := newFakeUI()
	d := startDetector(t, ui, &fakeMic{fail: true}, Config{})

	a := media.NewSource("remote-a", media.NewTrack(""))
	b := media.NewSource("remote-b", media.NewTrack(""))
	ui.setSources(a, b)
	waitEvent(t, d, EventCallStarted)

	// Same identities in a different enumeration order
	ui.setSources(b, a)

	select {
	case ev := <-d.Events():
		t.Fatalf("unexpected %s event for a reordered but identical set", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// A real membership change still fires
	c := media.NewSource("remote-c", media.NewTrack(""))
	ui.setSources(b, a, c)
	waitEvent(t, d, EventSourceSetChanged)
}

func TestCallEndedNeverDropped(t *testing.T) {
	ui := newFakeUI()
	d := startDetector(t, ui, &fakeMic{fail: true}, Config{EventBuffer: 2})

	remote := media.NewSource("remote-1", media.NewTrack(""))

	// First call cycle fills the unconsumed buffer
	ui.setSources(remote)
	time.Sleep(30 * time.Millisecond)
	ui.setSources()
	time.Sleep(30 * time.Millisecond)

	// Second cycle: the started event is dropped on the full buffer,
	// but the ended event must still be delivered
	ui.setSources(remote)
	time.Sleep(30 * time.Millisecond)
	ui.setSources()
	time.Sleep(30 * time.Millisecond)

	ended := 0
	for {
		select {
		case ev := <-d.Events():
			if ev.Type == EventCallEnded {
				ended++
			}
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 2, ended, "every call end is delivered")
}

func TestCallStartsWithMicFailure(t *testing.T) {
	ui := newFakeUI()
	mic := &fakeMic{fail: true}
	d := startDetector(t, ui, mic, Config{})

	ui.setSources(media.NewSource("remote-1", media.NewTrack("")))

	started := waitEvent(t, d, EventCallStarted)
	require.Len(t, started.Sources, 1, "remote-only when microphone fails")

	ui.setSources()
	waitEvent(t, d, EventCallEnded)

	_, released := mic.counts()
	assert.Equal(t, 0, released)
}

func TestUnusableSourcesIgnored(t *testing.T) {
	ui := newFakeUI()
	d := startDetector(t, ui, &fakeMic{}, Config{})

	dead := media.NewSource("dead", media.NewTrack(""))
	dead.SetActive(false)
	for _, tr := range dead.Tracks() {
		tr.End()
	}
	ui.setSources(dead)

	select {
	case ev := <-d.Events():
		t.Fatalf("unexpected event %s for unusable source", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIncomingCallPromptAndCallerResolution(t *testing.T) {
	ui := newFakeUI()
	ui.probes = []string{"Звонок", "Иван Петров"}
	d := startDetector(t, ui, &fakeMic{}, Config{})

	ui.setPrompt(&host.Prompt{Label: "Входящий звонок"})

	ev := waitEvent(t, d, EventIncomingCall)
	assert.Equal(t, "Иван Петров", ev.Caller, "boilerplate prompt label falls through to probes")

	// The resolved caller carries into call start
	ui.setSources(media.NewSource("remote-1", media.NewTrack("")))
	started := waitEvent(t, d, EventCallStarted)
	assert.Equal(t, "Иван Петров", started.Caller)
}

func TestAutoAnswerAfterDelay(t *testing.T) {
	ui := newFakeUI()
	d := startDetector(t, ui, &fakeMic{}, Config{
		AutoAnswer:  true,
		AnswerDelay: 10 * time.Millisecond,
	})

	ui.setPrompt(&host.Prompt{Label: "Jane Smith"})
	waitEvent(t, d, EventIncomingCall)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ui.mu.Lock()
		answers := ui.answers
		ui.mu.Unlock()
		if answers == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prompt was not auto-answered")
}

func TestAnsweredPromptNotAutoAnswered(t *testing.T) {
	ui := newFakeUI()
	d := startDetector(t, ui, &fakeMic{}, Config{
		AutoAnswer:  true,
		AnswerDelay: 10 * time.Millisecond,
	})

	ui.setPrompt(&host.Prompt{Label: "Jane Smith", Answered: true})
	waitEvent(t, d, EventIncomingCall)

	time.Sleep(50 * time.Millisecond)
	ui.mu.Lock()
	answers := ui.answers
	ui.mu.Unlock()
	assert.Equal(t, 0, answers)
}

func TestStopReleasesMicDuringCall(t *testing.T) {
	ui := newFakeUI()
	mic := &fakeMic{}
	cfg := Config{PollInterval: 5 * time.Millisecond}
	d := New(ui, mic, cfg, testLogger(t))
	require.NoError(t, d.Start(context.Background()))

	ui.setSources(media.NewSource("remote-1", media.NewTrack("")))
	waitEvent(t, d, EventCallStarted)

	d.Stop()

	acquired, released := mic.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}
