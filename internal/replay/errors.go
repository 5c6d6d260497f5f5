package replay

import "errors"

// Sentinel errors for recorder state violations. These signal caller bugs
// and are returned immediately rather than queueing, so callers can
// distinguish them with errors.Is.
var (
	// ErrRetrievalInFlight is returned by Retrieve when another retrieval
	// is already waiting on the current finalize round-trip.
	ErrRetrievalInFlight = errors.New("replay: retrieval already in flight")

	// ErrNotRecording is returned when a finalize is requested while no
	// session is recording.
	ErrNotRecording = errors.New("replay: not recording")
)

// FinalizeError wraps a failure from the underlying encoder session while
// it was being finalized. The recorder discards the broken session and
// stops; the caller must Start again explicitly.
type FinalizeError struct {
	Err error
}

func (e *FinalizeError) Error() string {
	return "replay: finalize session: " + e.Err.Error()
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}
