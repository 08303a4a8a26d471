// Package mount assembles every component of one running mount from its
// configuration and owns their lifetime.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/s3fs-fuse/s3wofs-go/internal/config"
	"github.com/s3fs-fuse/s3wofs-go/internal/credentials"
	"github.com/s3fs-fuse/s3wofs-go/internal/fuse"
	"github.com/s3fs-fuse/s3wofs-go/internal/s3client"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("component", "mount")

// bucketChecker is implemented by stores that can verify access up front.
type bucketChecker interface {
	CheckBucket(ctx context.Context) error
}

// MountContext holds the components of one mount. It is built once before
// mounting and torn down after the kernel released the mountpoint.
type MountContext struct {
	Config     *config.Config
	Store      upload.Store
	Journal    types.Journal
	Manager    *upload.Manager
	Filesystem *fuse.Filesystem

	settings config.MountSettings
}

// New builds the credential chain, the S3 client, the journal and the
// filesystem described by cfg.
func New(ctx context.Context, cfg *config.Config) (*MountContext, error) {
	sources, err := credentials.NewChain(credentials.ChainOptions{
		Order:      cfg.Credentials.Sources,
		PasswdFile: cfg.Credentials.PasswdFile,
		Bucket:     cfg.BucketName(),
		Profile:    cfg.Credentials.Profile,
		Region:     cfg.S3.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build credential chain: %w", err)
	}

	client, err := s3client.NewClient(ctx, s3client.Options{
		Bucket:            cfg.BucketName(),
		Region:            cfg.S3.Region,
		Endpoint:          cfg.S3.Endpoint,
		PathStyle:         cfg.S3.PathStyle,
		Credentials:       credentials.NewProvider(sources...),
		RequestsPerSecond: cfg.Upload.RequestsPerSecond,
		Burst:             cfg.Upload.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	journal, err := storage.NewJournal(ctx, storage.Config{
		Type:    storage.BackendType(cfg.Journal.Type),
		Options: cfg.Journal.Options(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open upload journal: %w", err)
	}

	mc, err := NewWithStore(cfg, client, client, journal)
	if err != nil {
		journal.Close()
		return nil, err
	}
	return mc, nil
}

// NewWithStore builds a MountContext around an existing store and journal.
// creds and journal may be nil.
func NewWithStore(cfg *config.Config, store upload.Store, creds upload.CredentialRefresher, journal types.Journal) (*MountContext, error) {
	settings, err := cfg.MountSettings()
	if err != nil {
		return nil, err
	}

	manager := upload.NewManager(upload.Config{
		Bucket:        cfg.BucketName(),
		PartSize:      cfg.Upload.PartSize,
		MaxAttempts:   cfg.Upload.MaxAttempts,
		MaxBackoff:    cfg.Upload.MaxBackoff,
		RemoteTimeout: cfg.Upload.RemoteTimeout,
		MountID:       MountID(cfg.Mountpoint),
	}, store, creds, journal)

	filesystem, err := fuse.NewFilesystem(manager, fuse.Options{
		Prefix: cfg.Prefix(),
		Owner:  fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())},
	})
	if err != nil {
		return nil, err
	}

	return &MountContext{
		Config:     cfg,
		Store:      store,
		Journal:    journal,
		Manager:    manager,
		Filesystem: filesystem,
		settings:   settings,
	}, nil
}

// MountID identifies a mount in the upload journal as host:mountpoint. Two
// live mounts never share it, and a remount after a crash gets the same id
// back, so recovery only aborts uploads of its own earlier run.
func MountID(mountpoint string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if abs, err := filepath.Abs(mountpoint); err == nil {
		mountpoint = abs
	}
	return host + ":" + filepath.Clean(mountpoint)
}

// Check verifies that the bucket is reachable with the configured
// credentials, when the store supports it.
func (m *MountContext) Check(ctx context.Context) error {
	checker, ok := m.Store.(bucketChecker)
	if !ok {
		return nil
	}
	if err := checker.CheckBucket(ctx); err != nil {
		return fmt.Errorf("bucket %s is not accessible: %w", m.Config.BucketName(), err)
	}
	return nil
}

// MountOptions returns the kernel mount options of this mount.
func (m *MountContext) MountOptions() fuse.MountOptions {
	return fuse.MountOptions{
		FSName:             m.settings.FSName,
		Subtype:            "s3wofs",
		AllowOther:         m.settings.AllowOther,
		DefaultPermissions: m.settings.DefaultPermissions,
		AllowDev:           m.settings.AllowDev,
		AllowSUID:          m.settings.AllowSUID,
	}
}

// Serve aborts uploads orphaned by an earlier mount, then mounts and serves
// the filesystem until ctx is cancelled or the filesystem is unmounted
// externally.
func (m *MountContext) Serve(ctx context.Context) error {
	if _, err := m.Manager.Recover(ctx); err != nil {
		logger.WithError(err).Warn("orphan recovery failed")
	}

	logger.WithFields(log.Fields{
		"bucket":     m.Config.BucketName(),
		"prefix":     m.Config.Prefix(),
		"mountpoint": m.Config.Mountpoint,
		"mount_id":   MountID(m.Config.Mountpoint),
		"part_size":  m.Manager.PartSize(),
	}).Info("serving write-only filesystem")

	return fuse.Mount(ctx, m.Config.Mountpoint, m.Filesystem, m.MountOptions())
}

// Close aborts every upload still open and closes the journal.
func (m *MountContext) Close(ctx context.Context) error {
	var errs []error
	if err := m.Filesystem.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.Journal != nil {
		if err := m.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
