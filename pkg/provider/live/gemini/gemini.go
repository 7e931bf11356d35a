// Package gemini implements the live.Transport interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Outbound audio travels as realtimeInput media chunks once the
// server has acknowledged the setup; inbound audio arrives as inlineData parts
// of the model turn and is forwarded without decoding.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// Compile-time assertions that Transport and session satisfy the live interfaces.
var _ live.Transport = (*Transport)(nil)
var _ live.Session = (*session)(nil)

const (
	// Name is the registry name of this transport.
	Name = "gemini-live"

	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	servicePath    = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Gemini Live only accepts 16 kHz input and answers at 24 kHz.
	inputRate  = 16000
	outputRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithKeepalive overrides the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements live.Transport for Google's Gemini Live API.
type Transport struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements live.Transport.
func (t *Transport) Name() string { return Name }

// Open dials Gemini Live and sends the setup message. The session becomes
// ready when setupComplete arrives, which is reported as live.EventOpened.
func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	wsURL := t.baseURL + servicePath + "?key=" + url.QueryEscape(t.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.ConnectionError{Transport: Name, Op: "dial", Err: err}
	}
	conn.SetReadLimit(-1)

	out := cfg.OutputFormat
	if !out.Valid() {
		out = audio.Mono(outputRate)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		inFormat:  audio.Mono(inputRate),
		outFormat: out,
		stream:    live.NewEventStream(live.DefaultEventBuffer),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := sess.writeJSON(ctx, newSetup(t.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.ConnectionError{Transport: Name, Op: "setup", Err: err}
	}

	sess.outbox = live.NewOutbox(sessCtx, sess.writeFrame, sess.sendFailed)

	go sess.receiveLoop()
	if t.keepalive > 0 {
		go sess.keepaliveLoop(t.keepalive)
	}

	slog.Debug("gemini: session opened", "model", t.model)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

func newSetup(model string, cfg live.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	inFormat  audio.Format
	outFormat audio.Format
	stream    *live.EventStream
	outbox    *live.Outbox

	mu      sync.Mutex
	sendErr error
	closed  bool
	opened  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeFrame is the outbox writer.
func (s *session) writeFrame(ctx context.Context, f audio.Frame) error {
	return s.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: f.MIMEType(), Data: string(f.Data)}},
		},
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

// receiveLoop reads messages from the WebSocket and dispatches them. It is
// the only producer on the event stream and finishes it when it exits.
func (s *session) receiveLoop() {
	term := s.readLoop()
	s.outbox.Close()
	s.cancel()
	s.conn.CloseNow()
	s.stream.Finish(term)
}

// readLoop returns the terminal event.
func (s *session) readLoop() live.Event {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return s.terminal(err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed server message", "err", err)
			continue
		}

		if term, done := s.handleServerMessage(&msg); done {
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

// handleServerMessage emits the events carried by msg and reports whether
// the session is over.
func (s *session) handleServerMessage(msg *serverMessage) (live.Event, bool) {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		err := fmt.Errorf("%d %s: %s", msg.Error.Code, msg.Error.Status, text)
		return live.Event{Kind: live.EventError, Err: &live.ConnectionError{Transport: Name, Op: "server", Err: err}}, true
	}

	if msg.SetupComplete != nil {
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first {
			s.outbox.Ready()
			s.stream.Emit(live.Event{Kind: live.EventOpened})
		}
	}

	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}

	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect")
	}
	return live.Event{}, false
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				s.emitAudio(p.InlineData)
			}
			if p.Text != "" {
				s.stream.Emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.stream.Emit(live.Event{Kind: live.EventTranscript, Role: live.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.stream.Emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		s.stream.Emit(live.Event{Kind: live.EventInterrupted})
	}
	if sc.TurnComplete {
		s.stream.Emit(live.Event{Kind: live.EventTurnComplete})
	}
}

// emitAudio forwards one inlineData part. A descriptor that cannot be parsed
// yields a frame with an invalid format, which the consumer rejects as a
// codec error.
func (s *session) emitAudio(d *inlineData) {
	if d.MIMEType != "" && !strings.HasPrefix(d.MIMEType, "audio/") {
		return
	}
	f := s.outFormat
	if d.MIMEType != "" {
		parsed, err := audio.ParseMIMEType(d.MIMEType, s.outFormat)
		if err != nil {
			slog.Debug("gemini: unparseable audio descriptor", "mime", d.MIMEType, "err", err)
			parsed = audio.Format{}
		}
		f = parsed
	}
	s.stream.Emit(live.Event{Kind: live.EventAudio, Frame: audio.Frame{Data: []byte(d.Data), Format: f}})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendFrame queues f for delivery as a realtimeInput media chunk.
func (s *session) SendFrame(f audio.Frame) { s.outbox.Send(f) }

// Events returns the ordered server event stream.
func (s *session) Events() <-chan live.Event { return s.stream.Events() }

// Done is closed once the receive loop has exited.
func (s *session) Done() <-chan struct{} { return s.stream.Done() }

// InputFormat returns 16 kHz mono, the only input Gemini Live accepts.
func (s *session) InputFormat() audio.Format { return s.inFormat }

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
	s.cancel() // unblocks receiveLoop and keepaliveLoop
	return nil
}
