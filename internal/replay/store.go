package replay

// store holds the single fallback clip: the most recently rotation-sealed
// segment, retained so a retrieval that lands right after a rotation can
// return a meaningful clip instead of a near-empty one. Together with the
// in-progress session accumulator this bounds the recorder to at most two
// segments at any time.
//
// store is not safe for concurrent use; the Recorder guards it with its
// own mutex.
type store struct {
	fallback Clip
}

// put replaces the fallback with the newly sealed clip, releasing the
// previous one.
func (s *store) put(c Clip) {
	s.fallback = c
}

// take consumes and clears the fallback, returning the empty sentinel if
// none is held.
func (s *store) take() Clip {
	c := s.fallback
	s.fallback = Clip{}
	return c
}

// has reports whether a non-empty fallback is held.
func (s *store) has() bool {
	return !s.fallback.Empty()
}

// clear drops the fallback without returning it.
func (s *store) clear() {
	s.fallback = Clip{}
}
