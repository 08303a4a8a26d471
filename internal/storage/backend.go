package storage

import "github.com/s3fs-fuse/s3wofs-go/internal/storage/types"

// Journal records the remote state of every multipart upload a mount starts.
// Backends live in subpackages; NewJournal picks one from configuration.
type Journal = types.Journal

// Record is one upload journal entry.
type Record = types.Record
