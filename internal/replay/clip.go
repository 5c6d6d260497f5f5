package replay

import "time"

// Clip is a sealed, independently playable media buffer produced by one
// encoder session. It is immutable once created: the recorder never writes
// to Bytes after sealing, and callers must not either.
type Clip struct {
	// Bytes is the complete container file. Nil for the empty sentinel.
	Bytes []byte
	// SealedAt is when the producing session finished finalizing.
	SealedAt time.Time
	// Duration is the wall-clock span the clip covers, from session start
	// to seal.
	Duration time.Duration
}

// Empty reports whether the clip is the empty sentinel, i.e. nothing has
// been captured. An empty clip is a valid result, distinct from a failed
// retrieval.
func (c Clip) Empty() bool {
	return len(c.Bytes) == 0
}

// Size returns the clip length in bytes.
func (c Clip) Size() int {
	return len(c.Bytes)
}
