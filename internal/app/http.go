package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livepanel/internal/observe"
	"github.com/MrWong99/livepanel/internal/session"
	"github.com/MrWong99/livepanel/pkg/audio"
	"github.com/MrWong99/livepanel/pkg/provider/live"
)

// statusResponse is the body of GET /live/status and of an accepted start.
type statusResponse struct {
	State      string            `json:"state"`
	SessionID  string            `json:"session_id,omitempty"`
	Transport  string            `json:"transport,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	Cursor     float64           `json:"cursor"`
	Live       int               `json:"live"`
	FramesSent int64             `json:"frames_sent"`
	Dropped    int64             `json:"capture_dropped"`
	Playback   playbackResponse  `json:"playback"`
	Breakers   []breakerResponse `json:"breakers"`
}

type playbackResponse struct {
	Scheduled     int64 `json:"scheduled"`
	Dropped       int64 `json:"dropped"`
	Interruptions int64 `json:"interruptions"`
	Completed     int64 `json:"completed"`
}

type breakerResponse struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the full HTTP surface wrapped in the observability
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /live/start", a.handleStart)
	mux.HandleFunc("POST /live/stop", a.handleStop)
	mux.HandleFunc("GET /live/status", a.handleStatus)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return observe.Middleware(a.metrics)(mux)
}

// handleStart opens a session. 202 once the transport is open, 409 when a
// session is already running, 424 when the microphone is unavailable and
// 502 when no transport could be opened.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	if st := a.ctrl.State(); st != session.StateIdle {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session is " + st.String()})
		return
	}
	a.stopped.Store(false)

	err := a.ctrl.Start(r.Context())
	var de *audio.DeviceError
	var ce *live.ConnectionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, a.status())
	case errors.As(err, &de):
		writeJSON(w, http.StatusFailedDependency, errorResponse{Error: err.Error()})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		observe.Logger(r.Context()).Error("start failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// handleStop ends the session, if any. It always answers 204.
func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.stopped.Store(true)
	a.ctrl.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) status() statusResponse {
	st := a.ctrl.Status()
	res := statusResponse{
		State:      st.State.String(),
		SessionID:  st.ID,
		Transport:  st.Transport,
		Cursor:     st.Cursor,
		Live:       st.Live,
		FramesSent: st.FramesSent,
		Dropped:    st.CaptureDropped,
		Playback: playbackResponse{
			Scheduled:     st.Playback.Scheduled,
			Dropped:       st.Playback.Dropped,
			Interruptions: st.Playback.Interruptions,
			Completed:     st.Playback.Completed,
		},
	}
	if !st.StartedAt.IsZero() {
		started := st.StartedAt
		res.StartedAt = &started
	}
	for _, e := range a.transport.Status() {
		res.Breakers = append(res.Breakers, breakerResponse{Name: e.Name, State: e.State.String()})
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}
