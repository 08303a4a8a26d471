package fuse

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	log "github.com/sirupsen/logrus"
)

// FuseFS implements the fuse.FS interface
type FuseFS struct {
	filesystem *Filesystem
	root       *Dir
	static     map[string]*StaticFile

	mu      sync.Mutex
	uploads map[HandleID]*UploadFile
}

var _ fs.FS = (*FuseFS)(nil)
var _ fs.FSStatfser = (*FuseFS)(nil)
var _ fs.FSDestroyer = (*FuseFS)(nil)

// NewFuseFS wraps filesystem for serving with bazil.
func NewFuseFS(filesystem *Filesystem) *FuseFS {
	f := &FuseFS{
		filesystem: filesystem,
		static:     make(map[string]*StaticFile),
		uploads:    make(map[HandleID]*UploadFile),
	}
	f.root = &Dir{fuseFS: f}
	for _, e := range filesystem.table.ListVisible() {
		f.static[e.Name] = &StaticFile{fuseFS: f, entry: e}
	}
	return f
}

// Root returns the root directory
func (f *FuseFS) Root() (fs.Node, error) {
	return f.root, nil
}

// Statfs returns filesystem statistics
func (f *FuseFS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	statfs := f.filesystem.Statfs(ctx)
	resp.Blocks = statfs.Blocks
	resp.Bfree = statfs.Bfree
	resp.Bavail = statfs.Bavail
	resp.Files = statfs.Files
	resp.Ffree = statfs.Ffree
	resp.Bsize = uint32(statfs.Bsize)
	resp.Namelen = statfs.Namelen
	resp.Frsize = uint32(statfs.Bsize)
	return nil
}

// Destroy is called by the kernel on unmount. Uploads still open are aborted.
func (f *FuseFS) Destroy() {
	if err := f.filesystem.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("failed to abort open uploads on unmount")
	}
}

// uploadNode returns the node for entry, creating it on first use so every
// lookup of an open upload yields the same node.
func (f *FuseFS) uploadNode(entry UploadEntry) *UploadFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.uploads[entry.Handle]; ok {
		return n
	}
	n := &UploadFile{fuseFS: f, name: entry.Name, handle: entry.Handle}
	f.uploads[entry.Handle] = n
	return n
}

func (f *FuseFS) adopt(n *UploadFile, h HandleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[h] = n
}

func (f *FuseFS) forget(h HandleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, h)
}

// Dir is the mount root, the only directory.
type Dir struct {
	fuseFS *FuseFS
}

var _ fs.Node = (*Dir)(nil)
var _ fs.NodeRequestLookuper = (*Dir)(nil)
var _ fs.HandleReadDirAller = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeRemover = (*Dir)(nil)
var _ fs.NodeRenamer = (*Dir)(nil)
var _ fs.NodeLinker = (*Dir)(nil)
var _ fs.NodeSymlinker = (*Dir)(nil)
var _ fs.NodeMknoder = (*Dir)(nil)

// Attr returns directory attributes
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	fillAttr(a, d.fuseFS.filesystem.RootAttr())
	a.Nlink = 2
	return nil
}

// Lookup looks up a child node
func (d *Dir) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fs.Node, error) {
	vi, err := d.fuseFS.filesystem.Lookup(ctx, req.Name)
	if err != nil {
		return nil, toFuseError(err)
	}

	switch vi.Kind {
	case KindStatic:
		resp.EntryValid = staticValid
		return d.fuseFS.static[vi.Static.Name], nil
	default:
		resp.EntryValid = uploadValid
		return d.fuseFS.uploadNode(vi.Upload), nil
	}
}

// ReadDirAll reads all directory entries
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries := d.fuseFS.filesystem.ReadDir(ctx)

	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, entry := range entries {
		dirents = append(dirents, fuse.Dirent{
			Inode: entry.Inode,
			Name:  entry.Name,
			Type:  fuse.DT_File,
		})
	}
	return dirents, nil
}

// Create starts a new upload
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	owner := Owner{Uid: req.Uid, Gid: req.Gid}
	entry, err := d.fuseFS.filesystem.Create(ctx, req.Name, openMode(req.Flags), owner)
	if err != nil {
		return nil, nil, toFuseError(err)
	}

	node := d.fuseFS.uploadNode(entry)
	resp.EntryValid = uploadValid
	resp.Flags |= fuse.OpenDirectIO
	return node, &UploadHandle{fuseFS: d.fuseFS, handle: entry.Handle, name: entry.Name}, nil
}

// Mkdir is refused, the root is the only directory
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	return nil, toFuseError(d.fuseFS.filesystem.Mkdir(ctx, req.Name))
}

// Remove is not supported
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	return toFuseError(d.fuseFS.filesystem.Unsupported("remove", req.Name))
}

// Rename is not supported
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	return toFuseError(d.fuseFS.filesystem.Unsupported("rename", req.OldName))
}

// Link is not supported
func (d *Dir) Link(ctx context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	return nil, toFuseError(d.fuseFS.filesystem.Unsupported("link", req.NewName))
}

// Symlink is not supported
func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	return nil, toFuseError(d.fuseFS.filesystem.Unsupported("symlink", req.NewName))
}

// Mknod is not supported
func (d *Dir) Mknod(ctx context.Context, req *fuse.MknodRequest) (fs.Node, error) {
	return nil, toFuseError(d.fuseFS.filesystem.Unsupported("mknod", req.Name))
}

// StaticFile is a read-only notice file.
type StaticFile struct {
	fuseFS *FuseFS
	entry  StaticEntry
}

var _ fs.Node = (*StaticFile)(nil)
var _ fs.NodeOpener = (*StaticFile)(nil)
var _ fs.HandleReader = (*StaticFile)(nil)

// Attr returns file attributes
func (s *StaticFile) Attr(ctx context.Context, a *fuse.Attr) error {
	fillAttr(a, s.entry.Attr())
	return nil
}

// Open opens the file for reading. Write intents collide with the static name.
func (s *StaticFile) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if err := s.fuseFS.filesystem.OpenStatic(ctx, s.entry.Name, openMode(req.Flags)); err != nil {
		return nil, toFuseError(err)
	}
	resp.Flags |= fuse.OpenKeepCache
	return s, nil
}

// Read reads file data
func (s *StaticFile) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := s.fuseFS.filesystem.ReadFile(ctx, s.entry.Name, req.Offset, req.Size)
	if err != nil {
		return toFuseError(err)
	}
	resp.Data = data
	return nil
}

// UploadFile is the node of an open upload. It can be written and stat'ed
// but never read.
type UploadFile struct {
	fuseFS *FuseFS
	name   string

	mu     sync.Mutex
	handle HandleID
}

var _ fs.Node = (*UploadFile)(nil)
var _ fs.NodeOpener = (*UploadFile)(nil)
var _ fs.NodeSetattrer = (*UploadFile)(nil)
var _ fs.NodeFsyncer = (*UploadFile)(nil)

func (u *UploadFile) current() HandleID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handle
}

// Attr returns file attributes
func (u *UploadFile) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := u.fuseFS.filesystem.GetAttr(ctx, u.current())
	if err != nil {
		return toFuseError(err)
	}
	fillAttr(a, attr)
	return nil
}

// Open opens the file for writing. Opening a node whose upload already
// finished starts a new upload under the same name.
func (u *UploadFile) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	owner := Owner{Uid: req.Uid, Gid: req.Gid}

	// Not under u.mu: starting the upload is a remote call. The inode table
	// lets only one concurrent open of u.name win.
	entry, err := u.fuseFS.filesystem.OpenUpload(ctx, u.current(), u.name, openMode(req.Flags), owner)
	if err != nil {
		return nil, toFuseError(err)
	}
	u.mu.Lock()
	u.handle = entry.Handle
	u.mu.Unlock()
	u.fuseFS.adopt(u, entry.Handle)

	resp.Flags |= fuse.OpenDirectIO
	return &UploadHandle{fuseFS: u.fuseFS, handle: entry.Handle, name: entry.Name}, nil
}

// Setattr ignores mode, owner and time changes. A size change is only
// accepted when it matches the bytes received so far.
func (u *UploadFile) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := u.fuseFS.filesystem.Truncate(ctx, u.current(), int64(req.Size)); err != nil {
			return toFuseError(err)
		}
	}
	return nil
}

// Fsync is a no-op, parts are sent as soon as they are full
func (u *UploadFile) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return nil
}

// UploadHandle is an open write handle. It stays bound to the upload it was
// opened for.
type UploadHandle struct {
	fuseFS *FuseFS
	handle HandleID
	name   string
}

var _ fs.Handle = (*UploadHandle)(nil)
var _ fs.HandleWriter = (*UploadHandle)(nil)
var _ fs.HandleReader = (*UploadHandle)(nil)
var _ fs.HandleFlusher = (*UploadHandle)(nil)
var _ fs.HandleReleaser = (*UploadHandle)(nil)

// Write writes file data
func (h *UploadHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.fuseFS.filesystem.Write(ctx, h.handle, req.Offset, req.Data)
	if err != nil {
		return toFuseError(err)
	}
	resp.Size = n
	return nil
}

// Read is not supported, uploads cannot be read back
func (h *UploadHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	return toFuseError(h.fuseFS.filesystem.Unsupported("read", h.name))
}

// Flush flushes file buffers
func (h *UploadHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return toFuseError(h.fuseFS.filesystem.Flush(ctx, h.handle))
}

// Release completes the upload. The kernel gives no hint whether the writer
// finished or gave up, so both end in a complete object.
func (h *UploadHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	err := h.fuseFS.filesystem.Release(context.WithoutCancel(ctx), h.handle)
	h.fuseFS.forget(h.handle)
	return toFuseError(err)
}

func fillAttr(a *fuse.Attr, attr Attr) {
	a.Valid = attr.Valid
	a.Inode = attr.Inode
	a.Mode = attr.Mode
	a.Size = uint64(attr.Size)
	a.Atime = attr.Mtime
	a.Mtime = attr.Mtime
	a.Ctime = attr.Mtime
	a.Uid = attr.Uid
	a.Gid = attr.Gid
	a.Nlink = 1
	a.BlockSize = 4096
	a.Blocks = (a.Size + 511) / 512
}

func openMode(flags fuse.OpenFlags) OpenMode {
	switch {
	case flags.IsReadWrite():
		return OpenReadWrite
	case flags.IsWriteOnly():
		return OpenWrite
	default:
		return OpenRead
	}
}

// toFuseError converts err to the errno bazil reports to the kernel.
func toFuseError(err error) error {
	if err == nil {
		return nil
	}
	errno := ToErrno(err)
	entry := logger.WithError(err).WithField("errno", errno)
	if errno == syscall.EIO {
		entry.Error("filesystem operation failed")
	} else {
		entry.Debug("filesystem operation rejected")
	}
	return fuse.Errno(errno)
}

// MountOptions contains options for mounting the filesystem
type MountOptions struct {
	FSName             string
	Subtype            string
	AllowOther         bool
	DefaultPermissions bool
	AllowDev           bool
	AllowSUID          bool
}

func (o MountOptions) mountOptions() []fuse.MountOption {
	options := []fuse.MountOption{
		fuse.FSName(o.FSName),
		fuse.Subtype(o.Subtype),
	}
	if o.AllowOther {
		options = append(options, fuse.AllowOther())
	}
	if o.DefaultPermissions {
		options = append(options, fuse.DefaultPermissions())
	}
	if o.AllowDev {
		options = append(options, fuse.AllowDev())
	}
	if o.AllowSUID {
		options = append(options, fuse.AllowSUID())
	}
	return options
}

// Mount mounts filesystem at mountpoint and serves it until ctx is done or the
// filesystem is unmounted externally.
func Mount(ctx context.Context, mountpoint string, filesystem *Filesystem, opts MountOptions) error {
	if opts.Subtype == "" {
		opts.Subtype = "s3wofs"
	}
	if opts.FSName == "" {
		opts.FSName = opts.Subtype
	}

	if err := mountpointReady(mountpoint); err != nil {
		return fmt.Errorf("invalid mountpoint: %w", err)
	}

	c, err := fuse.Mount(mountpoint, opts.mountOptions()...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	defer c.Close()

	entry := logger.WithFields(log.Fields{"mountpoint": mountpoint, "fsname": opts.FSName})
	entry.Info("mounted filesystem")

	errc := make(chan error, 1)
	go func() {
		errc <- fs.Serve(c, NewFuseFS(filesystem))
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve failed: %w", err)
		}
		entry.Info("filesystem unmounted")
		return nil
	case <-ctx.Done():
	}

	entry.Info("unmounting filesystem")
	if err := fuse.Unmount(mountpoint); err != nil {
		return fmt.Errorf("unmount %s: %w", mountpoint, err)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("serve failed: %w", err)
	}
	return nil
}

// mountpointReady reports whether path is an existing directory.
func mountpointReady(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
