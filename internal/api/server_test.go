package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"rewind/internal/capture"
	"rewind/internal/encoder"
	"rewind/internal/replay"
)

type fakeSession struct {
	onChunk   encoder.ChunkFunc
	stopBlock chan struct{}
}

func (s *fakeSession) emit(b []byte) { s.onChunk(b) }

func (s *fakeSession) RequestData() error { return nil }

func (s *fakeSession) Stop() error {
	if s.stopBlock != nil {
		<-s.stopBlock
	}
	return nil
}

type fakeEngine struct {
	mu        sync.Mutex
	stopBlock chan struct{}
	sessions  []*fakeSession
}

func (e *fakeEngine) Start(_ context.Context, _ io.Reader, _ encoder.Options, onChunk encoder.ChunkFunc) (encoder.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSession{onChunk: onChunk, stopBlock: e.stopBlock}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) last() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[len(e.sessions)-1]
}

// newTestServer wires a recorder over a fake engine into a manager and
// returns the router plus the engine for driving chunk emission.
func newTestServer(t *testing.T) (http.Handler, *fakeEngine, *capture.Capture) {
	t.Helper()

	eng := &fakeEngine{}
	rec := replay.New(eng, nil, replay.Config{RotateInterval: time.Hour}, nil)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	t.Cleanup(rec.Stop)

	mgr := capture.NewManager(nil)
	c, ok := mgr.Create("cam1", rec, nil)
	if !ok {
		t.Fatal("create capture")
	}

	srv := NewServer(context.Background(), mgr, nil, nil)
	return srv.Router(), eng, c
}

func doRequest(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestServer(t)
	rr := doRequest(h, http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rr.Body.String())
	}
}

func TestRetrieveClipServesBytes(t *testing.T) {
	t.Parallel()

	h, eng, _ := newTestServer(t)
	eng.last().emit([]byte("abc"))
	eng.last().emit([]byte("def"))

	rr := doRequest(h, http.MethodGet, "/api/captures/cam1/clip")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != "abcdef" {
		t.Errorf("body = %q, want abcdef", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rr.Header().Get("X-Clip-Id") == "" {
		t.Error("missing X-Clip-Id header")
	}
	if rr.Header().Get("X-Clip-Duration-Ms") == "" {
		t.Error("missing X-Clip-Duration-Ms header")
	}
}

func TestRetrieveClipEmpty(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestServer(t)
	rr := doRequest(h, http.MethodGet, "/api/captures/cam1/clip")
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
}

func TestRetrieveConflict(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{stopBlock: make(chan struct{})}
	rec := replay.New(eng, nil, replay.Config{RotateInterval: time.Hour}, nil)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start recorder: %v", err)
	}

	mgr := capture.NewManager(nil)
	mgr.Create("cam1", rec, nil)
	h := NewServer(context.Background(), mgr, nil, nil).Router()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- doRequest(h, http.MethodGet, "/api/captures/cam1/clip")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.Stats().State != "finalizing" && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if rr := doRequest(h, http.MethodGet, "/api/captures/cam1/clip"); rr.Code != http.StatusConflict {
		t.Errorf("concurrent retrieval status = %d, want 409", rr.Code)
	}

	close(eng.stopBlock)
	select {
	case rr := <-first:
		if rr.Code != http.StatusOK && rr.Code != http.StatusNoContent {
			t.Errorf("first retrieval status = %d", rr.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first retrieval did not complete")
	}
	rec.Stop()
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	h, _, c := newTestServer(t)

	// Start is a no-op while already recording.
	if rr := doRequest(h, http.MethodPost, "/api/captures/cam1/start"); rr.Code != http.StatusNoContent {
		t.Errorf("start status = %d, want 204", rr.Code)
	}

	if rr := doRequest(h, http.MethodPost, "/api/captures/cam1/stop"); rr.Code != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", rr.Code)
	}
	if st := c.Recorder.Stats(); st.State != "stopped" {
		t.Errorf("state after stop = %q, want stopped", st.State)
	}

	// Stopped pipelines serve nothing.
	if rr := doRequest(h, http.MethodGet, "/api/captures/cam1/clip"); rr.Code != http.StatusNoContent {
		t.Errorf("clip after stop status = %d, want 204", rr.Code)
	}

	if rr := doRequest(h, http.MethodPost, "/api/captures/cam1/start"); rr.Code != http.StatusNoContent {
		t.Errorf("restart status = %d, want 204", rr.Code)
	}
	if st := c.Recorder.Stats(); st.State != "recording" {
		t.Errorf("state after restart = %q, want recording", st.State)
	}
}

func TestUnknownCaptureIs404(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestServer(t)
	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/captures/ghost/clip"},
		{http.MethodPost, "/api/captures/ghost/start"},
		{http.MethodPost, "/api/captures/ghost/stop"},
	} {
		if rr := doRequest(h, req.method, req.path); rr.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", req.method, req.path, rr.Code)
		}
	}
}

func TestListCaptures(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestServer(t)
	rr := doRequest(h, http.MethodGet, "/api/captures")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var out []CaptureSummary
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d captures, want 1", len(out))
	}
	if out[0].Key != "cam1" {
		t.Errorf("key = %q, want cam1", out[0].Key)
	}
	if out[0].Recorder.State != "recording" {
		t.Errorf("recorder state = %q, want recording", out[0].Recorder.State)
	}
}
