// Package encoder defines the opaque encoder-session collaborator consumed
// by the replay recorder, plus a production MPEG-TS passthrough
// implementation. The recorder treats a Session as a black box with
// start/flush/stop semantics and a push-style chunk callback; it never
// inspects or transforms the bytes a session emits.
package encoder

import (
	"context"
	"errors"
	"io"
)

// Default chunking target when Options.ChunkBytes is zero: 512 transport
// stream packets.
const defaultChunkBytes = 188 * 512

// Sentinel errors for session lifecycle misuse.
var (
	// ErrSessionStopped is returned by RequestData after Stop.
	ErrSessionStopped = errors.New("encoder: session stopped")

	// ErrSourceMismatch is returned by Start when an engine already bound
	// to one live source is asked to read from a different one.
	ErrSourceMismatch = errors.New("encoder: engine bound to a different source")

	// ErrSourceClosed is returned by Start when the live source has ended.
	ErrSourceClosed = errors.New("encoder: live source closed")
)

// Options is opaque configuration passed through to the underlying
// encoder. Codec and BitrateBps are not interpreted here.
type Options struct {
	// Codec identifies the codec/container the session produces.
	Codec string
	// BitrateBps is the target bitrate in bits per second.
	BitrateBps int
	// ChunkBytes is the approximate size of each emitted chunk. Zero
	// selects a default.
	ChunkBytes int
}

// ChunkFunc receives one emitted chunk. Ownership of the slice passes to
// the callee; the engine never reuses it. Chunks for one session arrive in
// emission order and never interleave with another session's.
type ChunkFunc func(chunk []byte)

// Engine starts encoder sessions against a live source. Start must not
// invoke onChunk synchronously; delivery begins on the engine's own
// goroutine after Start returns.
type Engine interface {
	Start(ctx context.Context, src io.Reader, opts Options, onChunk ChunkFunc) (Session, error)
}

// Session is one start-to-finalize encoder cycle.
type Session interface {
	// RequestData flushes internally buffered data through the chunk
	// callback without stopping the session.
	RequestData() error

	// Stop ends the session. When Stop returns, every chunk the session
	// will ever produce has been delivered through the chunk callback.
	Stop() error
}
