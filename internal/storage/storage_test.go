package storage

import (
	"context"
	"testing"
	"time"

	"github.com/s3fs-fuse/s3wofs-go/internal/storage/badger"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/memory"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journalContract runs the behavior every backend must share.
func journalContract(t *testing.T, j types.Journal) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	records := []types.Record{
		{UploadID: "u3", Bucket: "b", MountID: "m", Key: "c", Status: types.StatusFailed, StartedAt: base.Add(3 * time.Second)},
		{UploadID: "u1", Bucket: "b", MountID: "m", Key: "a", Status: types.StatusOpen, StartedAt: base.Add(1 * time.Second)},
		{UploadID: "u2", Bucket: "b", MountID: "m", Key: "b", Status: types.StatusCompleted, StartedAt: base.Add(2 * time.Second)},
		{UploadID: "u4", Bucket: "other", MountID: "m", Key: "d", Status: types.StatusOpen, StartedAt: base},
		{UploadID: "u5", Bucket: "b", MountID: "elsewhere", Key: "e", Status: types.StatusOpen, StartedAt: base},
	}
	for _, rec := range records {
		require.NoError(t, j.Put(ctx, rec))
	}

	got, err := j.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Key)
	assert.Equal(t, "m", got.MountID)
	assert.Equal(t, types.StatusOpen, got.Status)

	_, err = j.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrRecordNotFound)

	pending, err := j.Pending(ctx, "b", "m")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "u1", pending[0].UploadID)
	assert.Equal(t, "u3", pending[1].UploadID)

	// Updating a record replaces it.
	rec := records[1]
	rec.Status = types.StatusAborted
	require.NoError(t, j.Put(ctx, rec))

	pending, err = j.Pending(ctx, "b", "m")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u3", pending[0].UploadID)

	// Records of another mount are left to that mount.
	pending, err = j.Pending(ctx, "b", "elsewhere")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u5", pending[0].UploadID)
}

func TestMemoryJournal(t *testing.T) {
	j := memory.New()
	defer j.Close()
	journalContract(t, j)
}

func TestBadgerJournal(t *testing.T) {
	j, err := badger.New(badger.Config{InMemory: true})
	require.NoError(t, err)
	defer j.Close()
	journalContract(t, j)
}

func TestBadgerJournalPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := badger.New(badger.Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, types.Record{UploadID: "u1", Bucket: "b", MountID: "m", Key: "k", Status: types.StatusOpen}))
	require.NoError(t, j.Close())

	j, err = badger.New(badger.Config{Path: dir})
	require.NoError(t, err)
	defer j.Close()

	pending, err := j.Pending(ctx, "b", "m")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "k", pending[0].Key)
}

func TestNewJournal(t *testing.T) {
	ctx := context.Background()

	j, err := NewJournal(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &memory.Journal{}, j)

	j, err = NewJournal(ctx, Config{Type: BackendTypeBadger, Options: map[string]any{"in_memory": true}})
	require.NoError(t, err)
	assert.IsType(t, &badger.Journal{}, j)
	require.NoError(t, j.Close())

	_, err = NewJournal(ctx, Config{Type: BackendTypeBadger})
	assert.Error(t, err, "badger without a path must fail")

	_, err = NewJournal(ctx, Config{Type: BackendTypeBadger, Options: map[string]any{"bogus": 1}})
	assert.Error(t, err, "unknown options must be rejected")

	_, err = NewJournal(ctx, Config{Type: BackendTypePostgres})
	assert.Error(t, err, "postgres without a dsn must fail")

	_, err = NewJournal(ctx, Config{Type: BackendTypeMongoDB})
	assert.Error(t, err, "mongodb without a uri must fail")

	_, err = NewJournal(ctx, Config{Type: "etcd"})
	assert.Error(t, err)
}
