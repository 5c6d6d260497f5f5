package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// tsPacketSize is the fixed MPEG-TS packet length.
const tsPacketSize = 188

// tsSyncByte marks the start of every transport stream packet.
const tsSyncByte = 0x47

// readBufferSize matches the standard SRT payload of 7 TS packets, times a
// few reads' worth of headroom.
const readBufferSize = 1316 * 10

// TSEngine is a passthrough segmenter for MPEG-TS live sources. Transport
// streams are self-describing per packet, so a packet-aligned slice of the
// stream is an independently playable file; the engine therefore does no
// re-encoding, only sync-byte alignment and chunking.
//
// One feeder goroutine reads the source for the engine's whole lifetime and
// routes aligned packets to the currently attached session. Bytes read
// between sessions are discarded, so a session's chunks never contain data
// from outside its own start/stop window.
type TSEngine struct {
	log *slog.Logger

	// emitMu serializes chunk extraction with delivery so that chunks
	// reach the callback in emission order even when the feeder and a
	// RequestData/Stop caller race.
	emitMu sync.Mutex

	mu      sync.Mutex
	src     io.Reader
	active  *tsSession
	raw     []byte // unaligned bytes awaiting sync
	out     []byte // aligned packets pending emission
	dead    error  // set when the feeder exits
	resyncs int64
}

// NewTSEngine creates a TSEngine. If log is nil, slog.Default() is used.
func NewTSEngine(log *slog.Logger) *TSEngine {
	if log == nil {
		log = slog.Default()
	}
	return &TSEngine{log: log.With("component", "ts-engine")}
}

type tsSession struct {
	eng        *TSEngine
	onChunk    ChunkFunc
	chunkBytes int
	stopped    bool
}

// Start attaches a new session to the engine's live source. The first call
// binds the engine to src and starts the feeder; later calls must pass the
// same source. Codec and bitrate options are accepted and ignored: the
// passthrough emits the source's own encoding.
func (e *TSEngine) Start(ctx context.Context, src io.Reader, opts Options, onChunk ChunkFunc) (Session, error) {
	chunkBytes := opts.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = defaultChunkBytes
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead != nil {
		return nil, fmt.Errorf("start session: %w", e.dead)
	}
	if e.src == nil {
		e.src = src
		go e.feed(ctx)
	} else if e.src != src {
		return nil, ErrSourceMismatch
	}
	if e.active != nil {
		return nil, errors.New("encoder: session already attached")
	}

	// Drop anything buffered while no session was attached.
	e.out = nil

	s := &tsSession{eng: e, onChunk: onChunk, chunkBytes: chunkBytes}
	e.active = s
	return s, nil
}

// feed reads the live source until it ends or the context is cancelled,
// aligning bytes on packet boundaries and emitting chunks to the attached
// session.
func (e *TSEngine) feed(ctx context.Context) {
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			e.finish(ctx.Err())
			return
		}

		n, err := e.src.Read(buf)
		if n > 0 {
			e.ingest(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = ErrSourceClosed
			}
			e.finish(err)
			return
		}
	}
}

// ingest appends raw bytes, aligns them, and emits a chunk if the attached
// session's target size is reached.
func (e *TSEngine) ingest(b []byte) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	e.raw = append(e.raw, b...)
	e.alignLocked()

	var chunk []byte
	var deliver ChunkFunc
	if e.active == nil {
		e.out = nil
	} else if len(e.out) >= e.active.chunkBytes {
		chunk = e.out
		e.out = nil
		deliver = e.active.onChunk
	}
	e.mu.Unlock()

	if chunk != nil {
		deliver(chunk)
	}
}

// alignLocked moves complete, sync-verified packets from raw to out,
// discarding bytes one at a time to resync after corruption.
func (e *TSEngine) alignLocked() {
	for len(e.raw) >= tsPacketSize {
		if e.raw[0] != tsSyncByte {
			e.raw = e.raw[1:]
			e.resyncs++
			continue
		}
		e.out = append(e.out, e.raw[:tsPacketSize]...)
		e.raw = e.raw[tsPacketSize:]
	}
}

// finish records the terminal feeder error and flushes whatever aligned
// data remains to the attached session.
func (e *TSEngine) finish(err error) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	e.dead = err
	chunk, deliver := e.detachLocked()
	resyncs := e.resyncs
	e.mu.Unlock()

	if chunk != nil {
		deliver(chunk)
	}
	e.log.Info("live source ended", "error", err, "resyncs", resyncs)
}

// detachLocked hands the pending aligned bytes to the attached session and
// detaches it. Returns a nil chunk when there is nothing to flush.
func (e *TSEngine) detachLocked() ([]byte, ChunkFunc) {
	if e.active == nil {
		return nil, nil
	}
	deliver := e.active.onChunk
	chunk := e.out
	e.out = nil
	e.active = nil
	if len(chunk) == 0 {
		return nil, nil
	}
	return chunk, deliver
}

// RequestData flushes aligned-but-unemitted packets through the chunk
// callback without stopping the session. Sub-packet remainders stay
// buffered until the rest of the packet arrives.
func (s *tsSession) RequestData() error {
	e := s.eng
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if s.stopped {
		e.mu.Unlock()
		return ErrSessionStopped
	}
	var chunk []byte
	if e.active == s && len(e.out) > 0 {
		chunk = e.out
		e.out = nil
	}
	e.mu.Unlock()

	if chunk != nil {
		s.onChunk(chunk)
	}
	return nil
}

// Stop flushes the remaining aligned packets and detaches the session from
// the feeder. It is idempotent and never fails: the feeder keeps reading
// for the next session.
func (s *tsSession) Stop() error {
	e := s.eng
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if s.stopped {
		e.mu.Unlock()
		return nil
	}
	s.stopped = true
	var chunk []byte
	var deliver ChunkFunc
	if e.active == s {
		chunk, deliver = e.detachLocked()
	}
	e.mu.Unlock()

	if chunk != nil {
		deliver(chunk)
	}
	return nil
}
