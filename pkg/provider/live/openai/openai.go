// Package openai implements the live.Transport interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded pcm16 at 24 kHz in both directions. The
// server's voice activity detection doubles as the interruption signal: when
// the user starts speaking, pending playback must be discarded.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// Compile-time assertions that Transport and session satisfy the live interfaces.
var _ live.Transport = (*Transport)(nil)
var _ live.Session = (*session)(nil)

const (
	// Name is the registry name of this transport.
	Name = "openai-realtime"

	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// pcm16 in the Realtime API is always 24 kHz mono.
	sampleRate = 24000

	transcriptionModel = "whisper-1"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements live.Transport for OpenAI's Realtime API.
type Transport struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements live.Transport.
func (t *Transport) Name() string { return Name }

// Open dials the Realtime endpoint and sends session.update. The session
// becomes ready when session.updated arrives, which is reported as
// live.EventOpened.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	wsURL := t.baseURL + "?model=" + url.QueryEscape(t.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &live.ConnectionError{Transport: Name, Op: "dial", Err: err}
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		format: audio.Mono(sampleRate),
		stream: live.NewEventStream(live.DefaultEventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, newSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &live.ConnectionError{Transport: Name, Op: "setup", Err: err}
	}

	sess.outbox = live.NewOutbox(sessCtx, sess.writeFrame, sess.sendFailed)
	go sess.receiveLoop()

	slog.Debug("openai: session opened", "model", t.model)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *audioTranscription  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func newSessionUpdate(cfg live.Config) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetectionParams{Type: "server_vad"},
	}
	if cfg.Transcription {
		params.InputAudioTranscription = &audioTranscription{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	format audio.Format
	stream *live.EventStream
	outbox *live.Outbox

	mu      sync.Mutex
	sendErr error
	closed  bool
	opened  bool

	// transcript accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done. Only the receive loop touches it.
	transcript strings.Builder

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeFrame is the outbox writer.
func (s *session) writeFrame(ctx context.Context, f audio.Frame) error {
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: string(f.Data),
	})
}

// sendFailed records the first outbound failure and tears the connection
// down; the receive loop then reports it as the terminal error.
func (s *session) sendFailed(err error) {
	s.mu.Lock()
	if s.sendErr == nil {
		s.sendErr = err
	}
	s.mu.Unlock()
	s.conn.Close(websocket.StatusInternalError, "send failed")
}

// receiveLoop reads events from the WebSocket and dispatches them. It is the
// only producer on the event stream and finishes it when it exits.
func (s *session) receiveLoop() {
	term := s.readLoop()
	s.outbox.Close()
	s.cancel()
	s.conn.CloseNow()
	s.stream.Finish(term)
}

func (s *session) readLoop() live.Event {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return s.terminal(err)
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: skipping malformed server event", "err", err)
			continue
		}

		if term, done := s.handleServerEvent(&evt); done {
			return term
		}
	}
}

// terminal maps a read failure to the terminal event.
func (s *session) terminal(err error) live.Event {
	s.mu.Lock()
	sendErr, closed := s.sendErr, s.closed
	s.mu.Unlock()

	switch {
	case sendErr != nil:
		return live.Event{Kind: live.EventError, Err: &live.ConnectionError{Transport: Name, Op: "send", Err: sendErr}}
	case closed:
		return live.Event{Kind: live.EventClosed}
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return live.Event{Kind: live.EventClosed}
	}
	return live.Event{Kind: live.EventError, Err: &live.ConnectionError{Transport: Name, Op: "read", Err: err}}
}

// handleServerEvent emits the event carried by evt and reports whether the
// session is over.
func (s *session) handleServerEvent(evt *serverEvent) (live.Event, bool) {
	switch evt.Type {
	case "session.updated":
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first {
			s.outbox.Ready()
			s.stream.Emit(live.Event{Kind: live.EventOpened})
		}

	case "response.audio.delta":
		if evt.Delta == "" {
			break
		}
		s.stream.Emit(live.Event{
			Kind:  live.EventAudio,
			Frame: audio.Frame{Data: []byte(evt.Delta), Format: s.format},
		})

	case "input_audio_buffer.speech_started":
		s.stream.Emit(live.Event{Kind: live.EventInterrupted})

	case "response.done":
		s.stream.Emit(live.Event{Kind: live.EventTurnComplete})

	case "response.audio_transcript.delta":
		s.transcript.WriteString(evt.Delta)

	case "response.audio_transcript.done":
		text := evt.Transcript
		if text == "" {
			text = s.transcript.String()
		}
		s.transcript.Reset()
		if text != "" {
			s.stream.Emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: text})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.stream.Emit(live.Event{Kind: live.EventTranscript, Role: live.RoleUser, Text: evt.Transcript})
		}

	case "error":
		msg := "unknown error"
		code := ""
		if evt.Error != nil {
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			code = evt.Error.Code
		}
		err := fmt.Errorf("%s: %s", code, msg)
		return live.Event{Kind: live.EventError, Err: &live.ConnectionError{Transport: Name, Op: "server", Err: err}}, true
	}
	return live.Event{}, false
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendFrame queues f for delivery as input_audio_buffer.append.
func (s *session) SendFrame(f audio.Frame) { s.outbox.Send(f) }

// Events returns the ordered server event stream.
func (s *session) Events() <-chan live.Event { return s.stream.Events() }

// Done is closed once the receive loop has exited.
func (s *session) Done() <-chan struct{} { return s.stream.Done() }

// InputFormat returns 24 kHz mono, the fixed pcm16 format of the Realtime API.
func (s *session) InputFormat() audio.Format { return s.format }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.outbox.Close()
	s.stream.Stop()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.cancel()
	return nil
}
