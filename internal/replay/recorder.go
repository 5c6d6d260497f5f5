// Package replay implements an instant-replay buffer over a live encoder
// session. A Recorder keeps exactly one session recording at a time,
// rotates it on a fixed interval to bound memory, retains the previously
// sealed segment as a fallback, and serves on-demand retrievals of the
// trailing window as complete, independently playable clips. Clips are
// never truncated mid-session files and never re-encoded.
package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"rewind/internal/encoder"
)

// Defaults for the rotation interval and the freshness threshold. The
// interval is long enough to amortize session-start overhead and short
// enough to bound peak memory at realistic bitrates; the threshold covers
// the window in which a retrieval can race a rotation. Both are tunables,
// not semantically load-bearing values.
const (
	DefaultRotateInterval = 45 * time.Second
	DefaultFreshness      = 5 * time.Second
)

// Config carries the recorder tunables plus the opaque encoder options
// passed through to each session.
type Config struct {
	// RotateInterval is how long a session may record before it is
	// force-finalized and replaced. Zero selects the default.
	RotateInterval time.Duration
	// Freshness is the minimum age a just-sealed segment must have for a
	// retrieval to prefer it over the fallback. Zero selects the default.
	Freshness time.Duration
	// Encoder is passed unchanged to every session.
	Encoder encoder.Options
}

func (c Config) withDefaults() Config {
	if c.RotateInterval <= 0 {
		c.RotateInterval = DefaultRotateInterval
	}
	if c.Freshness <= 0 {
		c.Freshness = DefaultFreshness
	}
	return c
}

type state int

const (
	stateStopped state = iota
	stateRecording
	stateFinalizing
)

func (s state) String() string {
	switch s {
	case stateRecording:
		return "recording"
	case stateFinalizing:
		return "finalizing"
	default:
		return "stopped"
	}
}

type finalizeReason int

const (
	reasonRotate finalizeReason = iota
	reasonRetrieve
)

func (r finalizeReason) String() string {
	if r == reasonRetrieve {
		return "retrieve"
	}
	return "rotate"
}

// session is one start-to-finalize encoder cycle with its chunk
// accumulator. Chunks are appended in emission order and concatenated in
// that same order when sealed.
type session struct {
	enc       encoder.Session
	startedAt time.Time
	chunks    [][]byte
	bytes     int
}

func (s *session) seal(at time.Time) Clip {
	buf := make([]byte, 0, s.bytes)
	for _, c := range s.chunks {
		buf = append(buf, c...)
	}
	return Clip{Bytes: buf, SealedAt: at, Duration: at.Sub(s.startedAt)}
}

type clipResult struct {
	clip Clip
	err  error
}

// Recorder owns one live encoder session at a time and coordinates
// rotation, the fallback store, and retrievals. All state transitions are
// guarded by a single mutex; encoder chunk delivery and finalize
// completion take the same mutex, so transitions never interleave.
type Recorder struct {
	log *slog.Logger
	eng encoder.Engine
	src io.Reader
	cfg Config

	mu sync.Mutex
	st state
	// gen increments on every session start and explicit stop, so an
	// in-flight finalize can detect that the pipeline moved on without it
	// and discard its result.
	gen     uint64
	ctx     context.Context
	sess    *session
	rotate  *time.Timer
	pending chan clipResult
	store   store

	rotations int64
	clips     int64
}

// New creates a Recorder bound to the given live source. The source is
// borrowed, never owned: the recorder only reads it, through sessions
// started on eng. If log is nil, slog.Default() is used.
func New(eng encoder.Engine, src io.Reader, cfg Config, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		log: log.With("component", "recorder"),
		eng: eng,
		src: src,
		cfg: cfg.withDefaults(),
	}
}

// Start begins capturing. It is a no-op when a session is already
// recording or finalizing. Starting a fresh capture discards any fallback
// left over from a previous run. The context is retained and reused when
// rotation and retrieval restart sessions internally.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.st != stateStopped {
		return nil
	}
	r.ctx = ctx
	r.store.clear()
	if err := r.startLocked(); err != nil {
		return err
	}
	r.log.Info("capture started",
		"rotate_interval", r.cfg.RotateInterval,
		"freshness", r.cfg.Freshness,
	)
	return nil
}

// startLocked creates a new encoder session and arms the rotation timer.
// Callers hold r.mu.
func (r *Recorder) startLocked() error {
	s := &session{startedAt: time.Now()}
	onChunk := func(b []byte) {
		r.mu.Lock()
		s.chunks = append(s.chunks, b)
		s.bytes += len(b)
		r.mu.Unlock()
	}

	enc, err := r.eng.Start(r.ctx, r.src, r.cfg.Encoder, onChunk)
	if err != nil {
		r.st = stateStopped
		return fmt.Errorf("start encoder session: %w", err)
	}

	s.enc = enc
	r.sess = s
	r.st = stateRecording
	r.gen++
	gen := r.gen
	r.rotate = time.AfterFunc(r.cfg.RotateInterval, func() { r.onRotate(gen) })
	return nil
}

// onRotate fires when the current session has recorded for a full
// rotation interval. A rotation that races a retrieval or a state change
// is coalesced: the next session start re-arms the timer.
func (r *Recorder) onRotate(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gen != gen || r.st != stateRecording || r.pending != nil {
		r.log.Debug("rotation skipped", "state", r.st.String())
		return
	}
	r.requestFinalizeLocked(reasonRotate)
}

// requestFinalizeLocked transitions the current session to finalizing and
// hands it to a goroutine for the flush/stop round-trip. Callers hold
// r.mu. Returns ErrNotRecording unless a session is recording; the state
// check is what keeps rotation and retrieval finalizes from overlapping.
func (r *Recorder) requestFinalizeLocked(reason finalizeReason) error {
	if r.st != stateRecording {
		return ErrNotRecording
	}
	r.st = stateFinalizing
	if r.rotate != nil {
		r.rotate.Stop()
		r.rotate = nil
	}
	go r.finalize(r.sess, reason, r.gen)
	return nil
}

// finalize flushes and stops one session off the lock, then routes the
// sealed segment by reason. Chunk delivery and Stop both synchronize on
// r.mu, so the accumulator is complete once Stop returns.
func (r *Recorder) finalize(s *session, reason finalizeReason, gen uint64) {
	if err := s.enc.RequestData(); err != nil {
		r.log.Warn("flush before stop failed", "error", err)
	}
	err := s.enc.Stop()
	sealedAt := time.Now()

	r.mu.Lock()
	if r.gen != gen {
		// The pipeline was stopped while we were finalizing; Stop already
		// released the session and discarded its data.
		r.mu.Unlock()
		return
	}
	r.sess = nil

	if err != nil {
		// Transient encoder failure: discard the broken session and halt
		// rather than restarting into a possibly broken state. The result
		// is buffered before the lock is released so a cancelling waiter
		// that sees its pending slot claimed always finds it.
		r.st = stateStopped
		if ch := r.pending; ch != nil {
			r.pending = nil
			ch <- clipResult{err: &FinalizeError{Err: err}}
		}
		r.mu.Unlock()
		r.log.Error("encoder stop failed, capture halted",
			"reason", reason.String(), "error", err)
		return
	}

	sealed := s.seal(sealedAt)
	ch := r.pending
	r.pending = nil

	if ch != nil {
		// A retrieval is waiting, either because it triggered this
		// finalize or because it piggybacked on a rotation's.
		//
		// Freshness policy: a segment sealed moments after a rotation is
		// too short to be a meaningful clip, so prefer the fallback when
		// one exists. Either way the fallback slot ends up empty.
		result := sealed
		fromFallback := false
		if sealed.Duration < r.cfg.Freshness && r.store.has() {
			result = r.store.take()
			fromFallback = true
		} else {
			r.store.clear()
		}
		r.clips++

		// Restart before resolving so the caller observes a recording
		// pipeline and may retrieve again without an explicit Start. The
		// result lands in the buffered channel while r.mu is still held:
		// once a cancelling waiter sees its pending slot claimed, the
		// result is guaranteed to be there.
		if rerr := r.startLocked(); rerr != nil {
			r.log.Error("restart after retrieval failed", "error", rerr)
		}
		ch <- clipResult{clip: result}
		r.mu.Unlock()
		r.log.Info("clip retrieved",
			"bytes", result.Size(),
			"duration_ms", result.Duration.Milliseconds(),
			"from_fallback", fromFallback,
		)
		return
	}

	// No waiter: a rotation, or a retrieval whose caller gave up. Either
	// way the sealed segment becomes the fallback and recording resumes.
	// A segment that sealed without data must not displace a usable
	// fallback, or a retrieval could come up empty despite captured data.
	if reason == reasonRotate {
		r.rotations++
	}
	if !sealed.Empty() {
		r.store.put(sealed)
	}
	r.resumeLocked(reason.String()+" sealed", sealed)
}

// resumeLocked restarts recording after a rotation (or an abandoned
// retrieval) and releases r.mu.
func (r *Recorder) resumeLocked(event string, sealed Clip) {
	err := r.startLocked()
	r.mu.Unlock()
	if err != nil {
		r.log.Error("restart failed, capture halted", "error", err)
		return
	}
	r.log.Debug(event,
		"sealed_bytes", sealed.Size(),
		"sealed_duration_ms", sealed.Duration.Milliseconds(),
	)
}

// Retrieve returns a clip of the trailing window. While recording it
// finalizes the current session and suspends the caller until the sealed
// segment (or the fallback, per the freshness policy) is ready; recording
// resumes before the caller is released. While stopped it consumes the
// fallback if one exists. An empty clip is a valid result meaning nothing
// has been captured.
//
// At most one retrieval may be outstanding; a second concurrent call
// fails with ErrRetrievalInFlight. The in-flight finalize itself cannot
// be cancelled: if ctx expires first the caller is released with ctx's
// error and the finalize completes in the background, keeping its segment
// as the fallback. When expiry races an already-committed result, the
// result wins and the clip is returned; captured data is never dropped.
func (r *Recorder) Retrieve(ctx context.Context) (Clip, error) {
	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return Clip{}, ErrRetrievalInFlight
	}
	if r.st == stateStopped {
		clip := r.store.take()
		if !clip.Empty() {
			r.clips++
		}
		r.mu.Unlock()
		return clip, nil
	}

	ch := make(chan clipResult, 1)
	r.pending = ch
	if r.st == stateRecording {
		r.requestFinalizeLocked(reasonRetrieve)
	}
	// When a rotation's finalize is already in flight, the retrieval
	// piggybacks on its completion instead of scheduling a second one.
	r.mu.Unlock()

	select {
	case res := <-ch:
		return res.clip, res.err
	case <-ctx.Done():
		r.mu.Lock()
		if r.pending == ch {
			// The finalize has not claimed this retrieval yet; abandon it.
			// Its sealed segment will land in the fallback slot.
			r.pending = nil
			r.mu.Unlock()
			return Clip{}, ctx.Err()
		}
		r.mu.Unlock()
		// The slot was claimed: either the finalize committed a result to
		// the buffer before releasing the lock, or Stop abandoned the
		// waiter and nothing will ever arrive.
		select {
		case res := <-ch:
			return res.clip, res.err
		default:
			return Clip{}, ctx.Err()
		}
	}
}

// Stop halts capture immediately. It cancels the rotation timer, discards
// the accumulator and the fallback, and releases the encoder session,
// swallowing any error from it. The session is released synchronously,
// off r.mu, so a Start issued right after Stop returns always finds the
// engine free. A retrieval caught mid-flight is abandoned; its caller is
// released by its own context. Stop is idempotent and never fails.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.st == stateStopped && r.sess == nil {
		r.mu.Unlock()
		return
	}
	r.gen++
	r.st = stateStopped
	if r.rotate != nil {
		r.rotate.Stop()
		r.rotate = nil
	}
	s := r.sess
	r.sess = nil
	r.pending = nil
	r.store.clear()
	r.mu.Unlock()

	if s != nil {
		if err := s.enc.Stop(); err != nil {
			r.log.Debug("encoder stop during shutdown", "error", err)
		}
	}
	r.log.Info("capture stopped")
}

// Stats is a point-in-time snapshot of recorder state, suitable for JSON
// serialization in the captures API.
type Stats struct {
	State            string `json:"state"`
	SessionStartedAt int64  `json:"sessionStartedAt,omitempty"`
	SessionUptimeMs  int64  `json:"sessionUptimeMs,omitempty"`
	ChunksBuffered   int    `json:"chunksBuffered"`
	BytesBuffered    int64  `json:"bytesBuffered"`
	Rotations        int64  `json:"rotations"`
	ClipsServed      int64  `json:"clipsServed"`
	FallbackBytes    int    `json:"fallbackBytes"`
}

// Stats returns a snapshot of the recorder's counters and current session.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		State:         r.st.String(),
		Rotations:     r.rotations,
		ClipsServed:   r.clips,
		FallbackBytes: r.store.fallback.Size(),
	}
	if r.sess != nil {
		st.SessionStartedAt = r.sess.startedAt.UnixMilli()
		st.SessionUptimeMs = time.Since(r.sess.startedAt).Milliseconds()
		st.ChunksBuffered = len(r.sess.chunks)
		st.BytesBuffered = int64(r.sess.bytes)
	}
	return st
}
