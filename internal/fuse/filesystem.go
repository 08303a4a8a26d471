package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("component", "fuse")

// uploadMode is the mode reported for open uploads: writable, never readable.
const uploadMode os.FileMode = 0o220

// Attr represents file attributes
type Attr struct {
	Inode uint64
	Mode  os.FileMode
	Size  int64
	Mtime time.Time
	Uid   uint32
	Gid   uint32
	// Valid is how long the kernel may cache the attributes.
	Valid time.Duration
}

// DirEntry represents a directory entry
type DirEntry struct {
	Name  string
	Inode uint64
	IsDir bool
}

// OpenMode is the access mode of an open or create call.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenWrite
	OpenReadWrite
)

// Options configures a Filesystem.
type Options struct {
	// Prefix is prepended to every object key, without surrounding slashes.
	Prefix string
	// Static replaces the default notice files when non-nil.
	Static []StaticEntry
	// Owner owns the root directory.
	Owner Owner
}

// Filesystem is the write-only namespace behind the mount. Names resolve to
// static notice files or to open uploads; only the notice files are listed.
type Filesystem struct {
	manager *upload.Manager
	table   *InodeTable
	prefix  string
	owner   Owner
	mounted time.Time
}

// NewFilesystem creates a filesystem that streams uploads through manager.
func NewFilesystem(manager *upload.Manager, opts Options) (*Filesystem, error) {
	if manager == nil {
		return nil, errors.New("upload manager is required")
	}
	entries := opts.Static
	if entries == nil {
		entries = DefaultStaticEntries()
	}
	static, err := NewStaticNamespace(entries)
	if err != nil {
		return nil, err
	}
	return &Filesystem{
		manager: manager,
		table:   NewInodeTable(static),
		prefix:  strings.Trim(opts.Prefix, "/"),
		owner:   opts.Owner,
		mounted: time.Now(),
	}, nil
}

// ObjectKey returns the object key a file called name is uploaded to.
func (fs *Filesystem) ObjectKey(name string) string {
	name = strings.TrimPrefix(name, "/")
	if fs.prefix == "" {
		return name
	}
	return fs.prefix + "/" + name
}

// RootAttr returns the attributes of the mount root.
func (fs *Filesystem) RootAttr() Attr {
	return Attr{
		Inode: RootInode,
		Mode:  os.ModeDir | 0o755,
		Mtime: fs.mounted,
		Uid:   fs.owner.Uid,
		Gid:   fs.owner.Gid,
		Valid: staticValid,
	}
}

// Lookup resolves name in the root directory.
func (fs *Filesystem) Lookup(ctx context.Context, name string) (VirtualInode, error) {
	vi := fs.table.Resolve(name)
	if vi.Kind == KindAbsent {
		return vi, opError("lookup", name, ErrNotFound)
	}
	return vi, nil
}

// GetAttr returns the attributes of an open upload. Size is the number of
// bytes received so far and the timestamp is fixed when the upload starts.
func (fs *Filesystem) GetAttr(ctx context.Context, h HandleID) (Attr, error) {
	entry, ok := fs.table.Upload(h)
	if !ok {
		return Attr{}, opError("getattr", "", ErrNotFound)
	}
	return uploadAttr(entry), nil
}

func uploadAttr(entry UploadEntry) Attr {
	return Attr{
		Inode: entry.Inode,
		Mode:  uploadMode,
		Size:  entry.Session.Received(),
		Mtime: entry.Session.CreatedAt(),
		Uid:   entry.Owner.Uid,
		Gid:   entry.Owner.Gid,
		Valid: uploadValid,
	}
}

// ReadDir lists the root directory. It only ever contains the static entries.
func (fs *Filesystem) ReadDir(ctx context.Context) []DirEntry {
	visible := fs.table.ListVisible()
	entries := make([]DirEntry, 0, len(visible))
	for _, e := range visible {
		entries = append(entries, DirEntry{Name: e.Name, Inode: e.Inode})
	}
	return entries
}

// ReadFile reads a static entry. Uploads cannot be read back.
func (fs *Filesystem) ReadFile(ctx context.Context, name string, offset int64, size int) ([]byte, error) {
	vi := fs.table.Resolve(name)
	switch vi.Kind {
	case KindStatic:
		return vi.Static.Read(offset, size), nil
	case KindUpload:
		return nil, opError("read", name, ErrNotSupported)
	default:
		return nil, opError("read", name, ErrNotFound)
	}
}

// OpenStatic checks that a static entry is opened for reading only.
func (fs *Filesystem) OpenStatic(ctx context.Context, name string, mode OpenMode) error {
	if _, ok := fs.table.static.Lookup(name); !ok {
		return opError("open", name, ErrNotFound)
	}
	if mode != OpenRead {
		return opError("open", name, ErrNameConflict)
	}
	return nil
}

// Create starts a new upload for name. The upload is resolvable before the
// remote upload is begun, so concurrent lookups of name already see it.
func (fs *Filesystem) Create(ctx context.Context, name string, mode OpenMode, owner Owner) (UploadEntry, error) {
	if err := validName(name); err != nil {
		return UploadEntry{}, opError("create", name, err)
	}
	if mode != OpenWrite {
		return UploadEntry{}, opError("create", name, ErrNotSupported)
	}

	key := fs.ObjectKey(name)
	session := fs.manager.NewSession(key)
	entry, err := fs.table.RegisterSession(name, session, owner)
	if err != nil {
		return UploadEntry{}, opError("create", name, err)
	}

	if err := fs.manager.Begin(ctx, session); err != nil {
		fs.table.DeregisterSession(entry.Handle)
		return UploadEntry{}, opError("create", name, err)
	}

	logger.WithFields(log.Fields{"name": name, "key": key, "inode": entry.Inode}).Debug("started new upload")
	return entry, nil
}

// OpenUpload opens an upload node for writing. A node whose upload already
// finished is a stale kernel entry; opening it starts a new upload under the
// same name. A node whose upload is still open is in use.
func (fs *Filesystem) OpenUpload(ctx context.Context, h HandleID, name string, mode OpenMode, owner Owner) (UploadEntry, error) {
	if mode != OpenWrite {
		return UploadEntry{}, opError("open", name, ErrNotSupported)
	}
	if _, ok := fs.table.Upload(h); ok {
		return UploadEntry{}, opError("open", name, ErrNameConflict)
	}
	return fs.Create(ctx, name, mode, owner)
}

// Write appends data to the upload behind h. Offsets must be sequential.
func (fs *Filesystem) Write(ctx context.Context, h HandleID, offset int64, data []byte) (int, error) {
	entry, ok := fs.table.Upload(h)
	if !ok {
		return 0, opError("write", "", ErrNotFound)
	}
	n, err := fs.manager.Write(ctx, entry.Session, offset, data)
	return n, opError("write", entry.Name, err)
}

// Truncate accepts only the size the upload already has, which is what
// copy tools request on a freshly created file.
func (fs *Filesystem) Truncate(ctx context.Context, h HandleID, size int64) error {
	entry, ok := fs.table.Upload(h)
	if !ok {
		return opError("truncate", "", ErrNotFound)
	}
	if size != entry.Session.Received() {
		return opError("truncate", entry.Name, ErrNotSupported)
	}
	return nil
}

// Flush does not upload anything; Release is the single finalize point.
func (fs *Filesystem) Flush(ctx context.Context, h HandleID) error {
	return nil
}

// Release finalizes the upload behind h and forgets it. The remote object is
// completed with whatever was received, even if the writer stopped early.
func (fs *Filesystem) Release(ctx context.Context, h HandleID) error {
	entry, ok := fs.table.Upload(h)
	if !ok {
		return nil
	}
	err := fs.manager.Finish(ctx, entry.Session)
	fs.table.DeregisterSession(h)
	if err != nil {
		return opError("release", entry.Name, err)
	}
	logger.WithFields(log.Fields{"name": entry.Name, "key": entry.Session.Key()}).Info("uploaded new file")
	return nil
}

// Mkdir always fails: the root is the only directory.
func (fs *Filesystem) Mkdir(ctx context.Context, name string) error {
	return opError("mkdir", name, ErrPermission)
}

// Unsupported reports op as not supported on name.
func (fs *Filesystem) Unsupported(op, name string) error {
	return opError(op, name, ErrNotSupported)
}

// OpenUploads returns the number of uploads currently open.
func (fs *Filesystem) OpenUploads() int {
	return fs.table.OpenUploads()
}

// Shutdown aborts every upload that is still open.
func (fs *Filesystem) Shutdown(ctx context.Context) error {
	return fs.manager.Shutdown(ctx)
}

// Statfs represents filesystem statistics
type Statfs struct {
	Bsize   uint64 // Block size
	Blocks  uint64 // Total blocks
	Bfree   uint64 // Free blocks
	Bavail  uint64 // Available blocks
	Files   uint64 // Total inodes
	Ffree   uint64 // Free inodes
	Namelen uint32 // Max filename length
}

// Statfs returns filesystem statistics. Object storage has no real limits,
// so large values are reported to keep tools from refusing to copy.
func (fs *Filesystem) Statfs(ctx context.Context) *Statfs {
	return &Statfs{
		Bsize:   4096,
		Blocks:  1 << 40,
		Bfree:   1 << 40,
		Bavail:  1 << 40,
		Files:   1 << 32,
		Ffree:   1 << 32,
		Namelen: 1024,
	}
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: empty or reserved name", ErrNotSupported)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: name contains a path separator", ErrNotSupported)
	}
	return nil
}
