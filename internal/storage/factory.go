package storage

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/badger"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/memory"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/mongodb"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/postgres"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
)

// BackendType represents the type of journal backend
type BackendType string

const (
	BackendTypeMemory   BackendType = "memory"
	BackendTypeBadger   BackendType = "badger"
	BackendTypePostgres BackendType = "postgres"
	BackendTypeMongoDB  BackendType = "mongodb"
)

// Config holds configuration for creating a journal. Options carries the
// backend specific settings as loaded from the config file.
type Config struct {
	Type    BackendType
	Options map[string]any
}

// NewJournal creates a journal backend based on the config
func NewJournal(ctx context.Context, config Config) (types.Journal, error) {
	switch config.Type {
	case BackendTypeMemory, "":
		return memory.New(), nil

	case BackendTypeBadger:
		var cfg badger.Config
		if err := decode(config.Options, &cfg); err != nil {
			return nil, fmt.Errorf("invalid badger journal config: %w", err)
		}
		return badger.New(cfg)

	case BackendTypePostgres:
		var cfg postgres.Config
		if err := decode(config.Options, &cfg); err != nil {
			return nil, fmt.Errorf("invalid postgres journal config: %w", err)
		}
		return postgres.New(ctx, cfg)

	case BackendTypeMongoDB:
		var cfg mongodb.Config
		if err := decode(config.Options, &cfg); err != nil {
			return nil, fmt.Errorf("invalid mongodb journal config: %w", err)
		}
		return mongodb.New(ctx, cfg)

	default:
		return nil, fmt.Errorf("unknown journal type: %s", config.Type)
	}
}

func decode(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
