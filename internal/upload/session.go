package upload

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a Session.
type Status int32

const (
	// StatusBeginning: registered locally, remote upload not started yet.
	StatusBeginning Status = iota
	StatusBuffering
	StatusFlushing
	StatusCompleting
	StatusCompleted
	StatusFailed
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusBeginning:
		return "beginning"
	case StatusBuffering:
		return "buffering"
	case StatusFlushing:
		return "flushing"
	case StatusCompleting:
		return "completing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further remote call will be made for the session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Session is one in-flight upload tied to one open write handle. Writes are
// serialized by mu; size and status can be read without taking it so that
// getattr never waits behind a part flush.
type Session struct {
	key       string
	createdAt time.Time

	status   atomic.Int32
	received atomic.Int64

	mu       sync.Mutex
	uploadID string
	nextPart int32
	buf      []byte
	parts    []Part
	err      error
}

func newSession(key string) *Session {
	return &Session{
		key:       key,
		createdAt: time.Now(),
		nextPart:  1,
	}
}

// Key returns the object key the session uploads to.
func (s *Session) Key() string { return s.key }

// CreatedAt is the fixed timestamp reported for the session's node.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Received returns the number of bytes accepted so far.
func (s *Session) Received() int64 { return s.received.Load() }

// Status returns the current state.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// UploadID returns the remote upload identifier, empty until Begin succeeded.
func (s *Session) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

// Parts returns a copy of the parts sent so far.
func (s *Session) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]Part, len(s.parts))
	copy(parts, s.parts)
	return parts
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setStatus(st Status) {
	s.status.Store(int32(st))
}
