// Package live defines the Transport abstraction for real-time bidirectional
// voice services such as Gemini Live and the OpenAI Realtime API.
//
// A Transport opens a Session: a long-lived, duplex channel that accepts
// outbound audio frames and delivers an ordered stream of server events
// (audio, interruption, turn boundaries, transcripts, termination). Outbound
// sends are fire-and-forget; a send failure surfaces later as an [EventError]
// on the event stream, never as a return value.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"fmt"

	"github.com/MrWong99/livepanel/pkg/audio"
)

// Config is the initial configuration for a new session.
type Config struct {
	// Instructions is the system-level prompt for the voice model.
	Instructions string

	// Voice is the provider-specific name of the synthesised voice. Empty
	// selects the provider default.
	Voice string

	// InputFormat is the preferred outbound audio format. Transports whose
	// service mandates a fixed format ignore it and report the real format
	// via [Session.InputFormat].
	InputFormat audio.Format

	// OutputFormat is the fallback format for inbound audio whose descriptor
	// omits parameters.
	OutputFormat audio.Format

	// Transcription requests input and output transcripts as
	// [EventTranscript] events.
	Transcription bool
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventOpened acknowledges the session setup. Frames sent before it are
	// queued and flushed once it arrives.
	EventOpened EventKind = iota + 1

	// EventAudio carries one inbound audio frame in Event.Frame.
	EventAudio

	// EventInterrupted tells the client to discard all pending playback.
	EventInterrupted

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventTranscript carries text in Event.Text spoken by Event.Role.
	EventTranscript

	// EventClosed reports an orderly close. It is terminal.
	EventClosed

	// EventError reports a failure in Event.Err. It is terminal.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Terminal reports whether no event can follow k.
func (k EventKind) Terminal() bool {
	return k == EventClosed || k == EventError
}

// Transcript roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Event is one server event.
type Event struct {
	Kind EventKind

	// Frame is set for EventAudio. Frame.Data is the base64 text exactly as
	// received; decoding is left to the consumer.
	Frame audio.Frame

	// Text and Role are set for EventTranscript.
	Text string
	Role string

	// Err is set for EventError.
	Err error
}

// Session is an open transport channel. It is an interface so that test code
// can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendFrame queues one outbound audio frame. It never blocks and never
	// fails synchronously; frames are delivered in call order. Frames sent
	// after the session terminated are discarded.
	SendFrame(f audio.Frame)

	// Events returns the ordered server event stream. At most one terminal
	// event (EventClosed or EventError) is delivered, after which the
	// channel is closed. A channel that closes without a terminal event
	// means the session was closed locally.
	Events() <-chan Event

	// Done is closed once the session has terminated for any reason.
	Done() <-chan struct{}

	// InputFormat returns the outbound audio format the service accepts.
	InputFormat() audio.Format

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Transport is the abstraction over any real-time voice backend.
type Transport interface {
	// Name identifies the transport in logs, metrics and errors.
	Name() string

	// Open dials the service and sends the session setup. It returns as soon
	// as the setup is written; the acknowledgment arrives as EventOpened.
	// Failures are reported as *[ConnectionError]. The caller owns the
	// returned Session.
	Open(ctx context.Context, cfg Config) (Session, error)
}
