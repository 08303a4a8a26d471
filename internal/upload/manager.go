package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
	log "github.com/sirupsen/logrus"
)

const (
	// MinPartSize is the smallest part S3 accepts for any part but the last (5MB).
	MinPartSize = 5 * 1024 * 1024
	// MaxPartSize is the largest part S3 accepts (5GB).
	MaxPartSize = 5 * 1024 * 1024 * 1024

	DefaultMaxAttempts   = 3
	DefaultMaxBackoff    = 2 * time.Second
	DefaultRemoteTimeout = 5 * time.Minute
)

var logger = log.WithField("component", "upload")

// Config tunes the session manager.
type Config struct {
	// Bucket is only used to tag journal records.
	Bucket string
	// PartSize is the buffer threshold at which a part is sent.
	PartSize int
	// MaxAttempts bounds the attempts for transient errors, first try included.
	MaxAttempts int
	// MaxBackoff caps the jittered exponential delay between attempts.
	MaxBackoff time.Duration
	// RemoteTimeout bounds every single store call. Zero disables it.
	RemoteTimeout time.Duration
	// MountID tags journal records. Recover only touches records carrying
	// the same id, so mounts sharing a journal leave each other alone.
	MountID string
}

func (c *Config) applyDefaults() {
	if c.PartSize <= 0 {
		c.PartSize = MinPartSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Manager drives the multipart protocol for every session of a mount.
type Manager struct {
	cfg     Config
	store   Store
	creds   CredentialRefresher
	journal types.Journal
	backoff retry.BackoffDelayer

	mu     sync.Mutex
	open   map[*Session]struct{}
	closed bool
}

// NewManager creates a session manager. creds and journal may be nil.
func NewManager(cfg Config, store Store, creds CredentialRefresher, journal types.Journal) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		store:   store,
		creds:   creds,
		journal: journal,
		backoff: retry.NewExponentialJitterBackoff(cfg.MaxBackoff),
		open:    make(map[*Session]struct{}),
	}
}

// SetBackoff replaces the delay strategy used between transient retries.
func (m *Manager) SetBackoff(b retry.BackoffDelayer) {
	m.backoff = b
}

// PartSize returns the effective part threshold.
func (m *Manager) PartSize() int {
	return m.cfg.PartSize
}

// NewSession returns a session for key that has not contacted the store yet.
// Callers register it before calling Begin so it is resolvable right away.
func (m *Manager) NewSession(key string) *Session {
	return newSession(key)
}

// OpenSessions returns the number of sessions holding a remote upload.
func (m *Manager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Begin starts the remote multipart upload for s. Like Write, it is not
// interrupted by ctx; RemoteTimeout is the only deadline.
func (m *Manager) Begin(ctx context.Context, s *Session) error {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != StatusBeginning {
		return ErrSessionClosed
	}
	if m.isClosed() {
		s.err = ErrShutdown
		s.setStatus(StatusFailed)
		return ErrShutdown
	}

	var uploadID string
	err := m.do(ctx, "begin upload", s.key, func(ctx context.Context) error {
		id, err := m.store.Begin(ctx, s.key)
		uploadID = id
		return err
	})
	if err != nil {
		s.err = err
		s.setStatus(StatusFailed)
		logger.WithField("key", s.key).WithError(err).Error("failed to begin upload")
		return err
	}

	s.uploadID = uploadID
	if !m.track(s) {
		// Shutdown ran while the upload was being started.
		s.err = ErrShutdown
		s.setStatus(StatusAborted)
		status := types.StatusAborted
		if err := m.abort(ctx, s); err != nil {
			logger.WithField("key", s.key).WithError(err).Warn("failed to abort upload started during shutdown")
			status = types.StatusFailed
		}
		m.record(ctx, s, status)
		return ErrShutdown
	}
	s.setStatus(StatusBuffering)
	m.record(ctx, s, types.StatusOpen)

	logger.WithFields(log.Fields{"key": s.key, "upload_id": uploadID}).Debug("started upload")
	return nil
}

// Write appends data at offset. The offset must equal the number of bytes
// received so far. When the buffer reaches the part size it is sent before
// Write returns, which keeps at most one part in memory per session.
//
// Cancelling ctx does not interrupt a part in flight. A writer that gives up
// is handled by Finish, which completes the object with what was received.
func (m *Manager) Write(ctx context.Context, s *Session, offset int64, data []byte) (int, error) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != StatusBuffering {
		if s.err != nil {
			return 0, s.err
		}
		return 0, ErrSessionClosed
	}

	if received := s.received.Load(); offset != received {
		return 0, fmt.Errorf("%w: offset %d, expected %d", ErrOutOfOrderWrite, offset, received)
	}

	s.buf = append(s.buf, data...)
	s.received.Add(int64(len(data)))

	if len(s.buf) >= m.cfg.PartSize {
		s.setStatus(StatusFlushing)
		if err := m.flush(ctx, s); err != nil {
			m.fail(ctx, s, err)
			return 0, err
		}
		s.setStatus(StatusBuffering)
	}

	return len(data), nil
}

// Finish completes the remote object with whatever was received. It is safe
// to call more than once; only the first call reaches the store.
func (m *Manager) Finish(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status() {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return s.err
	case StatusBeginning, StatusAborted:
		return ErrSessionClosed
	}

	s.setStatus(StatusCompleting)

	// A zero-byte object is uploaded as a single empty part.
	if len(s.buf) > 0 || len(s.parts) == 0 {
		if err := m.flush(ctx, s); err != nil {
			m.fail(ctx, s, err)
			return err
		}
	}

	err := m.do(ctx, "complete upload", s.key, func(ctx context.Context) error {
		_, err := m.store.Complete(ctx, s.key, s.uploadID, s.parts)
		return err
	})
	if err != nil {
		m.fail(ctx, s, err)
		return err
	}

	s.buf = nil
	s.setStatus(StatusCompleted)
	m.untrack(s)
	m.record(ctx, s, types.StatusCompleted)

	logger.WithFields(log.Fields{
		"key":       s.key,
		"upload_id": s.uploadID,
		"parts":     len(s.parts),
		"bytes":     s.received.Load(),
	}).Info("upload completed")
	return nil
}

// Abort discards the remote upload of a session that has not finished yet.
func (m *Manager) Abort(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.Status()
	if st.Terminal() {
		return nil
	}
	s.buf = nil
	s.setStatus(StatusAborted)
	if st == StatusBeginning {
		return nil
	}
	m.untrack(s)

	err := m.abort(ctx, s)
	if err != nil {
		m.record(ctx, s, types.StatusFailed)
		return err
	}
	m.record(ctx, s, types.StatusAborted)
	logger.WithFields(log.Fields{"key": s.key, "upload_id": s.uploadID}).Info("upload aborted")
	return nil
}

// Shutdown aborts every session that still holds a remote upload. Sessions
// begun afterwards are refused.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.open))
	for s := range m.open {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := m.Abort(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("failed to abort %s: %w", s.key, err))
		}
	}
	if len(sessions) > 0 {
		logger.WithField("sessions", len(sessions)).Warn("aborted unfinished uploads on shutdown")
	}
	return errors.Join(errs...)
}

// Recover aborts uploads the journal still lists as pending for this bucket
// and mount id, i.e. uploads left behind by an earlier run of the same mount
// that did not shut down cleanly. It must run before the first Begin. It
// returns the number of uploads aborted.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}

	records, err := m.journal.Pending(ctx, m.cfg.Bucket, m.cfg.MountID)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending uploads: %w", err)
	}

	aborted := 0
	for _, rec := range records {
		err := m.do(ctx, "abort upload", rec.Key, func(ctx context.Context) error {
			return m.store.Abort(ctx, rec.Key, rec.UploadID)
		})
		if err != nil {
			logger.WithFields(log.Fields{"key": rec.Key, "upload_id": rec.UploadID}).WithError(err).
				Warn("failed to abort orphaned upload")
			continue
		}
		rec.Status = types.StatusAborted
		rec.UpdatedAt = time.Now()
		if err := m.journal.Put(ctx, rec); err != nil {
			return aborted, fmt.Errorf("failed to update journal: %w", err)
		}
		aborted++
	}

	if aborted > 0 {
		logger.WithField("uploads", aborted).Info("aborted orphaned uploads")
	}
	return aborted, nil
}

// flush sends the buffer as the next part. Caller holds s.mu.
func (m *Manager) flush(ctx context.Context, s *Session) error {
	number := s.nextPart
	data := s.buf

	var etag string
	err := m.do(ctx, "send part", s.key, func(ctx context.Context) error {
		tag, err := m.store.SendPart(ctx, s.key, s.uploadID, number, data)
		etag = tag
		return err
	})
	if err != nil {
		return err
	}

	s.parts = append(s.parts, Part{Number: number, ETag: etag, Size: int64(len(data))})
	s.nextPart++
	s.buf = s.buf[:0]

	logger.WithFields(log.Fields{
		"key":       s.key,
		"upload_id": s.uploadID,
		"part":      number,
		"size":      len(data),
	}).Debug("sent part")
	return nil
}

// fail moves s to Failed and issues a best-effort abort. Caller holds s.mu.
func (m *Manager) fail(ctx context.Context, s *Session, cause error) {
	s.err = cause
	s.buf = nil
	s.setStatus(StatusFailed)
	m.untrack(s)

	entry := logger.WithFields(log.Fields{"key": s.key, "upload_id": s.uploadID})
	entry.WithError(cause).Error("upload failed, aborting")

	status := types.StatusAborted
	if err := m.abort(context.WithoutCancel(ctx), s); err != nil {
		entry.WithError(err).Warn("failed to abort upload")
		status = types.StatusFailed
	}
	m.record(ctx, s, status)
}

func (m *Manager) abort(ctx context.Context, s *Session) error {
	return m.do(ctx, "abort upload", s.key, func(ctx context.Context) error {
		return m.store.Abort(ctx, s.key, s.uploadID)
	})
}

// do runs fn with the retry policy: transient errors back off and retry up to
// MaxAttempts, any other error gets one retry after invalidating credentials.
func (m *Manager) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	refreshed := false
	for attempt := 1; ; attempt++ {
		err := m.call(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("failed to %s %s: %w: %w", op, key, ErrRemoteTransport, err)
		}

		entry := logger.WithFields(log.Fields{"op": op, "key": key, "attempt": attempt}).WithError(err)

		if errors.Is(err, ErrTransient) {
			if attempt >= m.cfg.MaxAttempts {
				return fmt.Errorf("failed to %s %s after %d attempts: %w: %w", op, key, attempt, ErrRemoteTransport, err)
			}
			delay, derr := m.backoff.BackoffDelay(attempt, err)
			if derr != nil {
				return fmt.Errorf("failed to %s %s: %w: %w", op, key, ErrRemoteTransport, err)
			}
			entry.WithField("delay", delay).Warn("transient object store error, retrying")
			if serr := sleep(ctx, delay); serr != nil {
				return fmt.Errorf("failed to %s %s: %w: %w", op, key, ErrRemoteTransport, serr)
			}
			continue
		}

		if refreshed {
			if errors.Is(err, ErrCredentialsUnavailable) {
				return fmt.Errorf("failed to %s %s: %w", op, key, err)
			}
			return fmt.Errorf("failed to %s %s: %w: %w", op, key, ErrRemoteRejected, err)
		}
		refreshed = true
		if m.creds != nil {
			m.creds.Invalidate()
		}
		entry.Warn("object store rejected request, refreshing credentials and retrying")
	}
}

func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	if m.cfg.RemoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RemoteTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// track registers s for Shutdown. It reports false once Shutdown has run.
func (m *Manager) track(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.open[s] = struct{}{}
	return true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	delete(m.open, s)
	m.mu.Unlock()
}

func (m *Manager) record(ctx context.Context, s *Session, status types.Status) {
	if m.journal == nil || s.uploadID == "" {
		return
	}
	rec := types.Record{
		UploadID:  s.uploadID,
		Bucket:    m.cfg.Bucket,
		MountID:   m.cfg.MountID,
		Key:       s.key,
		Status:    status,
		Parts:     int32(len(s.parts)),
		Size:      s.received.Load(),
		StartedAt: s.createdAt,
		UpdatedAt: time.Now(),
	}
	if err := m.journal.Put(context.WithoutCancel(ctx), rec); err != nil {
		logger.WithFields(log.Fields{"key": s.key, "upload_id": s.uploadID}).WithError(err).
			Warn("failed to update upload journal")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
