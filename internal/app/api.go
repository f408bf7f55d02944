package app

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/livepersona/internal/broadcast"
	"github.com/MrWong99/livepersona/internal/observe"
	"github.com/MrWong99/livepersona/internal/stream"
)

// tokenHeader carries the admin token.
const tokenHeader = "X-API-Token"

// StreamStatus is the body of the admin status endpoint.
type StreamStatus struct {
	Phase          string                   `json:"phase"`
	ElapsedSeconds float64                  `json:"elapsed_seconds"`
	Speaking       bool                     `json:"is_speaking"`
	SpeechState    string                   `json:"speech_state"`
	Viewers        int                      `json:"viewers"`
	PendingInput   int                      `json:"pending_input"`
	BufferedChat   int                      `json:"buffered_chat"`
	Metadata       broadcast.StreamMetadata `json:"metadata"`
}

type apiError struct {
	Error string `json:"error"`
}

// routes builds the server mux wrapped in the metrics middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/stream", a.hub.ServeWS)

	admin := a.requireToken
	mux.Handle("POST /api/stream/start", admin(http.HandlerFunc(a.handleStart)))
	mux.Handle("POST /api/stream/reset", admin(http.HandlerFunc(a.handleReset)))
	mux.Handle("GET /api/stream/status", admin(http.HandlerFunc(a.handleStatus)))

	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, a.metricsHandler)
	}

	return observe.Middleware(a.metrics)(mux)
}

// requireToken rejects requests without the configured admin token. With no
// token configured every request passes.
func (a *App) requireToken(next http.Handler) http.Handler {
	token := a.cfg.Server.AdminToken
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(tokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, apiError{Error: "invalid or missing " + tokenHeader})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.controller.StartCycle(r.Context())
	switch {
	case errors.Is(err, stream.ErrCycleActive):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	case err != nil:
		observe.Logger(r.Context()).Error("start cycle failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, a.status())
	}
}

func (a *App) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Reset(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("reset incomplete", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

// status collects the current stream state.
func (a *App) status() StreamStatus {
	snap := a.controller.Snapshot()
	return StreamStatus{
		Phase:          snap.Phase,
		ElapsedSeconds: snap.ElapsedSeconds,
		Speaking:       snap.Speaking,
		SpeechState:    string(a.scheduler.State()),
		Viewers:        a.hub.Len(),
		PendingInput:   a.input.Len(),
		BufferedChat:   a.display.Len(),
		Metadata:       a.hub.Metadata(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
