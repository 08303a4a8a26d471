package upload

import "context"

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	Number int32
	ETag   string
	Size   int64
}

// Store is the narrow multipart protocol the session manager drives. Every
// call is addressed by object key; implementations attach ErrTransient or
// ErrCredentialsRejected to errors so the manager can pick a retry strategy.
type Store interface {
	// Begin starts a multipart upload and returns its identifier.
	Begin(ctx context.Context, key string) (string, error)

	// SendPart uploads one part and returns the identifier the store assigned
	// to it (an ETag for S3).
	SendPart(ctx context.Context, key, uploadID string, number int32, data []byte) (string, error)

	// Complete assembles the object from the given parts, in order, and
	// returns the object version when the store reports one.
	Complete(ctx context.Context, key, uploadID string, parts []Part) (string, error)

	// Abort discards the upload. Aborting an unknown upload is not an error.
	Abort(ctx context.Context, key, uploadID string) error
}

// CredentialRefresher drops cached credentials so the next remote call
// resolves them again.
type CredentialRefresher interface {
	Invalidate()
}
