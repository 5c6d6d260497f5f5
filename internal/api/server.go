// Package api exposes the capture control and clip retrieval endpoints
// over HTTP, served by the service on both TLS/TCP and HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rewind/internal/capture"
	"rewind/internal/ingest"
	"rewind/internal/logging"
	"rewind/internal/metrics"
	"rewind/internal/replay"
)

// clipContentType is the media type of retrieved clips: the passthrough
// engine emits MPEG transport stream.
const clipContentType = "video/mp2t"

// Server builds the HTTP handler for the captures API.
type Server struct {
	log *slog.Logger
	mgr *capture.Manager
	met *metrics.Metrics

	// lifecycle outlives any single request; recorder restarts triggered
	// through the API are bound to it, not to the request context.
	lifecycle context.Context
}

// NewServer creates the API server. lifecycle governs how long captures
// started through the API keep running. If log is nil, slog.Default() is
// used; met may be nil to disable metric recording (e.g. in tests).
func NewServer(lifecycle context.Context, mgr *capture.Manager, met *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "api"),
		mgr:       mgr,
		met:       met,
		lifecycle: lifecycle,
	}
}

// Router assembles the chi router with logging and metrics middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestLogger(s.log))
	if s.met != nil {
		r.Use(metrics.RequestMiddleware(s.met))
		r.Method(http.MethodGet, "/metrics", s.met.Handler(s.updateGauges))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/captures", func(r chi.Router) {
		r.Get("/", s.listCaptures)
		r.Route("/{key}", func(r chi.Router) {
			r.Post("/start", s.startCapture)
			r.Post("/stop", s.stopCapture)
			r.Get("/clip", s.retrieveClip)
		})
	})

	return r
}

// CaptureSummary is the JSON shape of one capture in the list endpoint.
type CaptureSummary struct {
	Key       string              `json:"key"`
	CreatedAt int64               `json:"createdAt"`
	Recorder  replay.Stats        `json:"recorder"`
	Source    *ingest.SourceStats `json:"source,omitempty"`
}

func (s *Server) listCaptures(w http.ResponseWriter, _ *http.Request) {
	caps := s.mgr.List()
	out := make([]CaptureSummary, 0, len(caps))
	for _, c := range caps {
		summary := CaptureSummary{
			Key:       c.Key,
			CreatedAt: c.CreatedAt.UnixMilli(),
			Recorder:  c.Recorder.Stats(),
		}
		if c.Source != nil {
			stats := c.Source.Stats()
			summary.Source = &stats
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startCapture(w http.ResponseWriter, r *http.Request) {
	c, ok := s.mgr.Get(chi.URLParam(r, "key"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := c.Recorder.Start(s.lifecycle); err != nil {
		s.log.Error("start capture failed", "key", c.Key, "error", err)
		http.Error(w, "start capture: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopCapture(w http.ResponseWriter, r *http.Request) {
	c, ok := s.mgr.Get(chi.URLParam(r, "key"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	c.Recorder.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// retrieveClip resolves a retrieval against the capture's recorder. An
// empty clip is a valid outcome and maps to 204; a concurrent retrieval
// maps to 409 so the caller sees its own concurrency bug rather than a
// queued response.
func (s *Server) retrieveClip(w http.ResponseWriter, r *http.Request) {
	c, ok := s.mgr.Get(chi.URLParam(r, "key"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	clip, err := c.Recorder.Retrieve(r.Context())
	switch {
	case errors.Is(err, replay.ErrRetrievalInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client gave up; the recorder keeps the segment as its fallback.
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		s.log.Error("retrieval failed", "key", c.Key, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if clip.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	id := uuid.NewString()
	if s.met != nil {
		s.met.IncClipServed(clip.Size())
	}
	s.log.Info("clip served", "key", c.Key, "clip_id", id, "bytes", clip.Size())

	w.Header().Set("Content-Type", clipContentType)
	w.Header().Set("Content-Length", strconv.Itoa(clip.Size()))
	w.Header().Set("X-Clip-Id", id)
	w.Header().Set("X-Clip-Duration-Ms", strconv.FormatInt(clip.Duration.Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(clip.Bytes)
}

// updateGauges refreshes the capture-derived gauges before each scrape.
func (s *Server) updateGauges() {
	caps := s.mgr.List()
	var buffered, rotations int64
	for _, c := range caps {
		st := c.Recorder.Stats()
		buffered += st.BytesBuffered + int64(st.FallbackBytes)
		rotations += st.Rotations
	}
	s.met.SetActiveCaptures(len(caps))
	s.met.SetBufferedBytes(buffered)
	s.met.SetRotations(rotations)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
