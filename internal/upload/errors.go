package upload

import (
	"errors"

	"github.com/s3fs-fuse/s3wofs-go/internal/credentials"
)

var (
	// ErrOutOfOrderWrite is returned when a write does not start where the
	// previous one ended.
	ErrOutOfOrderWrite = errors.New("write offset is not sequential")

	// ErrSessionClosed is returned for operations on a session that already
	// reached a terminal state.
	ErrSessionClosed = errors.New("upload session is closed")

	// ErrShutdown is returned by Begin once the manager was shut down.
	ErrShutdown = errors.New("upload manager is shut down")

	// ErrCredentialsUnavailable means no credential source produced a usable set.
	ErrCredentialsUnavailable = credentials.ErrUnavailable

	// ErrCredentialsRejected is attached by store implementations when the
	// remote side refused the signature or token.
	ErrCredentialsRejected = errors.New("credentials rejected by object store")

	// ErrTransient is attached by store implementations to errors worth retrying
	// with backoff (throttling, 5xx, timeouts, broken connections).
	ErrTransient = errors.New("transient object store error")

	// ErrRemoteRejected is reported once the store keeps declining a request
	// after the credential refresh retry.
	ErrRemoteRejected = errors.New("object store rejected the request")

	// ErrRemoteTransport is reported once transient retries are exhausted.
	ErrRemoteTransport = errors.New("object store unreachable")
)
