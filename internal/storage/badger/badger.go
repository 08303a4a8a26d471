package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
)

// prefixUpload is the key prefix for upload records (upload id → Record JSON).
const prefixUpload = "u:"

// Config holds the badger journal options.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string `mapstructure:"path"`
	// InMemory keeps the database in memory, for tests.
	InMemory bool `mapstructure:"in_memory"`
}

// Journal is an embedded, crash-safe journal stored in BadgerDB.
type Journal struct {
	db *badgerdb.DB
}

var _ types.Journal = (*Journal)(nil)

// New opens (or creates) the journal database.
func New(cfg Config) (*Journal, error) {
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger journal path is required")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badgerdb.WARNING)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return &Journal{db: db}, nil
}

func keyUpload(uploadID string) []byte {
	return []byte(prefixUpload + uploadID)
}

func (j *Journal) Put(ctx context.Context, rec types.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	err = j.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyUpload(rec.UploadID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (j *Journal) Get(ctx context.Context, uploadID string) (types.Record, error) {
	var rec types.Record
	err := j.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyUpload(uploadID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return types.Record{}, types.ErrRecordNotFound
	}
	if err != nil {
		return types.Record{}, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

func (j *Journal) Pending(ctx context.Context, bucket, mountID string) ([]types.Record, error) {
	var out []types.Record
	err := j.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixUpload)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec types.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Bucket == bucket && rec.MountID == mountID && rec.Status.Pending() {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
