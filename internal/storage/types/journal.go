package types

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned by Get when the journal holds no record for
// the upload id.
var ErrRecordNotFound = errors.New("journal record not found")

// Status is the remote outcome recorded for an upload.
type Status string

const (
	// StatusOpen: the multipart upload exists remotely and no terminal
	// decision has been confirmed yet.
	StatusOpen Status = "open"
	// StatusCompleted: the object was assembled.
	StatusCompleted Status = "completed"
	// StatusAborted: the store confirmed the abort.
	StatusAborted Status = "aborted"
	// StatusFailed: the session failed and the abort was not confirmed, so the
	// upload may still linger remotely.
	StatusFailed Status = "failed"
)

// Pending reports whether a record still needs an abort at the next mount.
func (s Status) Pending() bool {
	return s == StatusOpen || s == StatusFailed
}

// Record is one journal entry per remote multipart upload. MountID names the
// mount that owns the upload, so several mounts can share one journal.
type Record struct {
	UploadID  string    `json:"upload_id" bson:"_id"`
	Bucket    string    `json:"bucket" bson:"bucket"`
	MountID   string    `json:"mount_id" bson:"mount_id"`
	Key       string    `json:"key" bson:"key"`
	Status    Status    `json:"status" bson:"status"`
	Parts     int32     `json:"parts" bson:"parts"`
	Size      int64     `json:"size" bson:"size"`
	StartedAt time.Time `json:"started_at" bson:"started_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Journal persists upload records so uploads left open by a crashed mount can
// be aborted later.
type Journal interface {
	// Put inserts or replaces the record for rec.UploadID.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for uploadID or ErrRecordNotFound.
	Get(ctx context.Context, uploadID string) (Record, error)

	// Pending lists records of the bucket and mount whose status is open or
	// failed, oldest first.
	Pending(ctx context.Context, bucket, mountID string) ([]Record, error)

	// Close releases the backend's resources.
	Close() error
}
