package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

// Info describes the running worker on the info endpoint.
type Info struct {
	Mode    string `json:"mode"`
	App     string `json:"app"`
	Worker  string `json:"worker"`
	PID     int    `json:"pid"`
	Version string `json:"version,omitempty"`
}

// Handler serves the operational endpoints every worker exposes next to the
// hosted application.
type Handler struct {
	info  Info
	clock func() time.Time

	startedAt time.Time
	ready     atomic.Bool
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler constructs a Handler that reports info and starts out ready.
func NewHandler(info Info, opts ...HandlerOption) *Handler {
	h := &Handler{
		info: info,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.clock()
	h.ready.Store(true)
	return h
}

// MarkUnavailable flips the readiness endpoint to 503 so load balancers stop
// routing to this worker before it drains.
func (h *Handler) MarkUnavailable() {
	h.ready.Store(false)
}

// Ready reports whether the worker still accepts new traffic.
func (h *Handler) Ready() bool {
	return h.ready.Load()
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	_ = r
	if !h.Ready() {
		writeError(w, http.StatusServiceUnavailable, "Shutting down", "worker is draining connections")
		return
	}
	resp := healthResponse{
		Status:    "ready",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	_ = r
	now := h.clock()
	resp := infoResponse{
		Info:      h.info,
		StartedAt: h.startedAt,
		Uptime:    now.Sub(h.startedAt).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestID returns the request id assigned by the router, if any.
func RequestID(ctx context.Context) string {
	return requestIDFromContext(ctx)
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type infoResponse struct {
	Info
	StartedAt time.Time `json:"startedAt"`
	Uptime    string    `json:"uptime"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSON encodes payload with the given status. Hosted applications use it
// to answer in the same envelope as the runtime endpoints.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload)
}

// WriteError writes the runtime's JSON error envelope.
func WriteError(w http.ResponseWriter, status int, message, details string) {
	writeError(w, status, message, details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{
		Error:   message,
		Details: details,
	})
}
