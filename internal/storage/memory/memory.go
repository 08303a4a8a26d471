package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
)

// Journal keeps records in process memory. Records do not survive a restart,
// so it cannot recover orphaned uploads; it is the default when no persistent
// backend is configured.
type Journal struct {
	mu      sync.RWMutex
	records map[string]types.Record
}

var _ types.Journal = (*Journal)(nil)

// New creates an empty in-memory journal.
func New() *Journal {
	return &Journal{records: make(map[string]types.Record)}
}

func (j *Journal) Put(ctx context.Context, rec types.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.UploadID] = rec
	return nil
}

func (j *Journal) Get(ctx context.Context, uploadID string) (types.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.records[uploadID]
	if !ok {
		return types.Record{}, types.ErrRecordNotFound
	}
	return rec, nil
}

func (j *Journal) Pending(ctx context.Context, bucket, mountID string) ([]types.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []types.Record
	for _, rec := range j.records {
		if rec.Bucket == bucket && rec.MountID == mountID && rec.Status.Pending() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out, nil
}

func (j *Journal) Close() error {
	return nil
}
