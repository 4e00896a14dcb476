package storage

import (
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("storage: stream closed")

// streamChunkSize bounds how many ids a stream holds in memory at once.
const streamChunkSize = 256

// IDStream lazily iterates over the ids of a backend in chunks of
// streamChunkSize ids; the stream itself holds at most one chunk. The
// memory and file backends still build their full sorted id list for each
// chunk they serve. Streams are scoped resources: callers MUST Close them
// on every exit path.
//
// A stream is safe to consume concurrently with read-only queries. If the
// backend is mutated during iteration, ids may be skipped or repeated;
// the stream never blocks writers.
//
// Example:
//
//	stream, err := backend.Stream()
//	if err != nil {
//		return err
//	}
//	defer stream.Close()
//	for {
//		id, ok := stream.Next()
//		if !ok {
//			break
//		}
//		process(id)
//	}
type IDStream struct {
	mu      sync.Mutex
	fetch   func(pageSize int, cursor string) (*Page, error)
	buf     []string
	cursor  string
	drained bool
	closed  bool
	err     error
}

// newIDStream builds a stream over any paginated id source.
func newIDStream(fetch func(pageSize int, cursor string) (*Page, error)) *IDStream {
	return &IDStream{fetch: fetch}
}

// Next returns the next id. ok is false when the stream is exhausted,
// closed, or failed; check Err after a false return.
func (s *IDStream) Next() (id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil {
		return "", false
	}
	if len(s.buf) == 0 {
		if s.drained {
			return "", false
		}
		page, err := s.fetch(streamChunkSize, s.cursor)
		if err != nil {
			s.err = err
			return "", false
		}
		s.buf = page.IDs
		s.cursor = page.NextCursor
		if page.NextCursor == "" {
			s.drained = true
		}
		if len(s.buf) == 0 {
			return "", false
		}
	}
	id = s.buf[0]
	s.buf = s.buf[1:]
	return id, true
}

// Err reports a fetch failure encountered during iteration, if any.
func (s *IDStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && s.err == nil {
		return nil
	}
	return s.err
}

// Close releases the stream. Close is idempotent; Next returns false
// afterwards.
func (s *IDStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	return nil
}
