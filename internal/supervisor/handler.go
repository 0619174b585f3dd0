package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// removeTimeout bounds how long DELETE waits for a connection to release.
const removeTimeout = 5 * time.Second

// Handler exposes the supervisor over HTTP using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register mounts the stream endpoints on r. limit wraps the endpoints that
// restart connections; nil applies no limit.
func (h *Handler) Register(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Post("/", h.AddStream)
		r.Route("/{stream_id}", func(r chi.Router) {
			r.Get("/", h.GetStream)
			r.Delete("/", h.RemoveStream)
			r.Group(func(r chi.Router) {
				if limit != nil {
					r.Use(limit)
				}
				r.Post("/reconnect", h.Reconnect)
				r.Put("/source", h.SwitchSource)
			})
		})
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type sourceBody struct {
	URL string `json:"url"`
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.List())
}

// GetStream handles GET /streams/{stream_id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Get(streamID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// AddStream handles POST /streams.
// Body: { "id": "front", "url": "http://nvr.local:8888/front", "native_hls": false }.
func (h *Handler) AddStream(w http.ResponseWriter, r *http.Request) {
	var cfg StreamConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.log.Debug("invalid stream body", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	st, err := h.svc.Add(cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/streams/"+string(st.ID))
	h.writeJSON(w, http.StatusCreated, st)
}

// RemoveStream handles DELETE /streams/{stream_id}.
func (h *Handler) RemoveStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), removeTimeout)
	defer cancel()
	if err := h.svc.Remove(ctx, streamID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconnect handles POST /streams/{stream_id}/reconnect.
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	if err := h.svc.Reconnect(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("manual reconnect requested", slog.String("stream_id", string(id)))
	w.WriteHeader(http.StatusAccepted)
}

// SwitchSource handles PUT /streams/{stream_id}/source.
// Body: { "url": "http://nvr.local:8888/garage" }.
func (h *Handler) SwitchSource(w http.ResponseWriter, r *http.Request) {
	var body sourceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if err := h.svc.Switch(streamID(r), body.URL); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func streamID(r *http.Request) StreamID {
	return StreamID(chi.URLParam(r, "stream_id"))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	default:
		code = http.StatusInternalServerError
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	h.writeJSON(w, code, errorBody{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}
