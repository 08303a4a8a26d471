package fuse

import (
	"errors"
	"syscall"

	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
)

var (
	// ErrNotFound is returned for names that are neither static nor an open upload.
	ErrNotFound = errors.New("no such file or directory")

	// ErrNotSupported is returned for operations a write-only mount cannot serve:
	// reading uploads, rename, link, unlink and truncating to a non-zero size.
	ErrNotSupported = errors.New("operation not supported on a write-only mount")

	// ErrNameConflict is returned when a write targets a static entry or a key
	// that already has an open upload.
	ErrNameConflict = errors.New("name is in use")

	// ErrPermission is returned for mkdir and for opening directories other
	// than the root.
	ErrPermission = errors.New("permission denied")
)

// OpError records a failed filesystem operation and the name it targeted.
type OpError struct {
	Op   string
	Name string
	Err  error
}

func (e *OpError) Error() string {
	if e.Name == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Name + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Name: name, Err: err}
}

// ToErrno maps an error to the errno reported to the kernel. Remote and
// credential failures all surface as EIO.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, ErrNameConflict):
		return syscall.EEXIST
	case errors.Is(err, ErrPermission):
		return syscall.EACCES
	case errors.Is(err, upload.ErrOutOfOrderWrite):
		return syscall.ESPIPE
	default:
		return syscall.EIO
	}
}
