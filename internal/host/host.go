// Package host defines the contract between the recording core and
// the uncontrolled team-chat client it observes. Everything here is
// best-effort: the host UI changes under us, so implementations are
// polled and never treated as authoritative.
package host

import (
	"context"

	"github.com/yegors/callscribe/internal/media"
)

// Prompt is a transient snapshot of an unanswered ringing UI state
type Prompt struct {
	// Label is the raw caller label as the host reports it, unvalidated
	Label string
	// Answered is set once the host reports the prompt as accepted
	Answered bool
}

// UI exposes the host client's call surface: media sinks bound to
// live sources, the incoming-call prompt, caller-label probe
// candidates, call actions, and a coalesced change feed.
type UI interface {
	// MediaSources returns the sources currently bound to the host's
	// audio/video rendering elements. Polled, never pushed to.
	MediaSources() []*media.Source

	// IncomingPrompt returns the current ringing prompt, or nil
	IncomingPrompt() *Prompt

	// CallerProbes returns ranked caller-label candidates extracted
	// from the UI, best first. May be empty.
	CallerProbes() []string

	// Answer accepts the current incoming call prompt
	Answer() error

	// Decline rejects the current incoming call prompt
	Decline() error

	// Mutations delivers a coalesced "the document changed"
	// notification with no payload, used only to trigger re-polling
	Mutations() <-chan struct{}
}

// Microphone acquires and releases the local capture device
type Microphone interface {
	Acquire(ctx context.Context) (*media.Source, error)
	Release(*media.Source)
}
