// Package ingest tracks live media sources flowing into the service,
// coupling raw byte receivers (the SRT listener) with lifecycle signaling
// and replay-capture dispatch. A registered source is the read-only stream
// handle a recorder's encoder sessions consume; the registry owns the pipe,
// the recorder only reads.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// SourceStats captures connection-level metrics for a live source, exposed
// via the captures API for monitoring source health.
type SourceStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source is one active live media source. Bytes written to the internal
// pipe by the receiver are read by the encoder sessions of the capture
// bound to this source.
type Source struct {
	Key       string
	StartedAt time.Time
	input     io.ReadCloser
	pw        io.WriteCloser
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Reader returns the read side of the source, the live-stream handle a
// capture is constructed with.
func (s *Source) Reader() io.Reader {
	return s.input
}

// Done is closed when the source is unregistered, signaling the bound
// capture to tear down.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// RecordRead increments the byte and read counters, called by the receiver
// after each successful socket read.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the publishing connection for
// diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of source connection metrics.
func (s *Source) Stats() SourceStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SourceStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active sources by key and dispatches each new one to the
// onSource callback, where the service wires up a replay capture. It is
// the rendezvous point between the SRT layer and the capture manager.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(src *Source)
}

// NewRegistry creates a Registry. The onSource callback is invoked
// asynchronously whenever a new source is registered.
func NewRegistry(onSource func(src *Source)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Register creates a new source with the given key, returning the Source
// and the Writer the receiver should write into. If a source with this key
// already exists, Register returns nil and false.
func (r *Registry) Register(key string) (*Source, io.Writer, bool) {
	pr, pw := io.Pipe()

	src := &Source{
		Key:       key,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.sources[key]; exists {
		r.mu.Unlock()
		pw.Close()
		return nil, nil, false
	}
	r.sources[key] = src
	r.mu.Unlock()

	if r.onSource != nil {
		go r.onSource(src)
	}

	return src, pw, true
}

// Unregister removes a source by key, closing its pipe and signaling Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	src, ok := r.sources[key]
	if ok {
		delete(r.sources, key)
	}
	r.mu.Unlock()

	if ok {
		src.pw.Close()
		close(src.done)
	}
}

// Get returns the Source for the given key, or false if not found.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// List returns all active sources.
func (r *Registry) List() []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	return out
}
