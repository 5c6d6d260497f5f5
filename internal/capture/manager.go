// Package capture tracks the lifecycle of active replay captures, pairing
// each live source with its recorder and providing create/remove/list
// operations used by the ingest and API layers.
package capture

import (
	"log/slog"
	"sync"
	"time"

	"rewind/internal/ingest"
	"rewind/internal/replay"
)

// Capture pairs a live source with the recorder buffering it.
type Capture struct {
	Key       string
	CreatedAt time.Time
	Recorder  *replay.Recorder
	Source    *ingest.Source
}

// Manager manages the active captures.
type Manager struct {
	log  *slog.Logger
	mu   sync.RWMutex
	caps map[string]*Capture
}

// NewManager creates a capture manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:  log.With("component", "capture-manager"),
		caps: make(map[string]*Capture),
	}
}

// Create registers a capture for the given source. Returns the capture and
// true if created, or nil and false if one with this key already exists.
func (m *Manager) Create(key string, rec *replay.Recorder, src *ingest.Source) (*Capture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.caps[key]; ok {
		m.log.Warn("capture already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	c := &Capture{
		Key:       key,
		CreatedAt: time.Now(),
		Recorder:  rec,
		Source:    src,
	}

	m.caps[key] = c
	m.log.Info("capture created", "key", key)
	return c, true
}

// Remove stops a capture's recorder and removes it from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	c, ok := m.caps[key]
	if ok {
		delete(m.caps, key)
	}
	m.mu.Unlock()

	if ok {
		c.Recorder.Stop()
		m.log.Info("capture removed", "key", key)
	}
}

// Get returns the capture for the given key, or false if not found.
func (m *Manager) Get(key string) (*Capture, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caps[key]
	return c, ok
}

// List returns all active captures.
func (m *Manager) List() []*Capture {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Capture, 0, len(m.caps))
	for _, c := range m.caps {
		out = append(out, c)
	}
	return out
}
