package fuse

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/s3fs-fuse/s3wofs-go/internal/s3client"
)

func setupTestFuseFS(t *testing.T) (*FuseFS, *Dir, *s3client.MockClient) {
	t.Helper()
	filesystem, client := setupTestFilesystem(t)
	ffs := NewFuseFS(filesystem)
	root, err := ffs.Root()
	if err != nil {
		t.Fatalf("Root failed: %v", err)
	}
	return ffs, root.(*Dir), client
}

func createRequest(name string, flags fuse.OpenFlags) *fuse.CreateRequest {
	return &fuse.CreateRequest{
		Header: fuse.Header{Uid: 1000, Gid: 1000},
		Name:   name,
		Flags:  flags,
		Mode:   0o644,
	}
}

func createUpload(t *testing.T, dir *Dir, name string) (*UploadFile, *UploadHandle) {
	t.Helper()
	resp := &fuse.CreateResponse{}
	node, handle, err := dir.Create(context.Background(), createRequest(name, fuse.OpenWriteOnly|fuse.OpenCreate|fuse.OpenTruncate), resp)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", name, err)
	}
	if resp.Flags&fuse.OpenDirectIO == 0 {
		t.Error("Expected direct IO on upload handles")
	}
	if resp.EntryValid != 0 {
		t.Errorf("Upload entries must not be cached, got %v", resp.EntryValid)
	}
	return node.(*UploadFile), handle.(*UploadHandle)
}

func isErrno(err error, errno syscall.Errno) bool {
	var got fuse.Errno
	return errors.As(err, &got) && got == fuse.Errno(errno)
}

func TestRootAttr(t *testing.T) {
	_, dir, _ := setupTestFuseFS(t)

	var a fuse.Attr
	if err := dir.Attr(context.Background(), &a); err != nil {
		t.Fatalf("Attr failed: %v", err)
	}
	if a.Inode != RootInode || !a.Mode.IsDir() || a.Valid != 60*time.Second {
		t.Errorf("Unexpected root attributes %+v", a)
	}
}

func TestReadDirAllShowsOnlyNotices(t *testing.T) {
	_, dir, _ := setupTestFuseFS(t)
	ctx := context.Background()

	createUpload(t, dir, "hidden")

	dirents, err := dir.ReadDirAll(ctx)
	if err != nil {
		t.Fatalf("ReadDirAll failed: %v", err)
	}
	if len(dirents) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(dirents))
	}
	for i, e := range DefaultStaticEntries() {
		if dirents[i].Name != e.Name || dirents[i].Inode != e.Inode || dirents[i].Type != fuse.DT_File {
			t.Errorf("Entry %d: unexpected %+v", i, dirents[i])
		}
	}
}

func TestLookup(t *testing.T) {
	_, dir, _ := setupTestFuseFS(t)
	ctx := context.Background()
	notice := DefaultStaticEntries()[0]

	resp := &fuse.LookupResponse{}
	node, err := dir.Lookup(ctx, &fuse.LookupRequest{Name: notice.Name}, resp)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if _, ok := node.(*StaticFile); !ok {
		t.Fatalf("Expected *StaticFile, got %T", node)
	}
	again, _ := dir.Lookup(ctx, &fuse.LookupRequest{Name: notice.Name}, &fuse.LookupResponse{})
	if again != node {
		t.Error("Static lookups must return the same node")
	}

	_, err = dir.Lookup(ctx, &fuse.LookupRequest{Name: "missing"}, &fuse.LookupResponse{})
	if !isErrno(err, syscall.ENOENT) {
		t.Errorf("Expected ENOENT, got %v", err)
	}

	created, _ := createUpload(t, dir, "open")
	resp = &fuse.LookupResponse{EntryValid: time.Minute}
	node, err = dir.Lookup(ctx, &fuse.LookupRequest{Name: "open"}, resp)
	if err != nil {
		t.Fatalf("Lookup of open upload failed: %v", err)
	}
	if node != created {
		t.Error("Lookup of an open upload must return the created node")
	}
	if resp.EntryValid != 0 {
		t.Errorf("Expected uncached upload entry, got %v", resp.EntryValid)
	}
}

func TestCreateWriteReleaseThroughNodes(t *testing.T) {
	ffs, dir, client := setupTestFuseFS(t)
	ctx := context.Background()

	node, handle := createUpload(t, dir, "copied.bin")

	// cp truncates the new file to zero before writing.
	err := node.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 0}, &fuse.SetattrResponse{})
	if err != nil {
		t.Fatalf("Setattr size 0 failed: %v", err)
	}

	payload := []byte("hello through the kernel")
	wresp := &fuse.WriteResponse{}
	if err := handle.Write(ctx, &fuse.WriteRequest{Offset: 0, Data: payload}, wresp); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if wresp.Size != len(payload) {
		t.Errorf("Expected %d bytes written, got %d", len(payload), wresp.Size)
	}

	var a fuse.Attr
	if err := node.Attr(ctx, &a); err != nil {
		t.Fatalf("Attr failed: %v", err)
	}
	if a.Size != uint64(len(payload)) || a.Mode != 0o220 || a.Uid != 1000 || a.Valid != 0 {
		t.Errorf("Unexpected upload attributes %+v", a)
	}

	if err := handle.Flush(ctx, &fuse.FlushRequest{}); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if err := node.Fsync(ctx, &fuse.FsyncRequest{}); err != nil {
		t.Errorf("Fsync failed: %v", err)
	}
	if len(client.CallsFor(s3client.OpComplete, "")) != 0 {
		t.Error("Flush and fsync must not complete the upload")
	}

	if err := handle.Release(ctx, &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	obj, ok := client.Object("copied.bin")
	if !ok || string(obj.Data) != string(payload) {
		t.Errorf("Expected completed object, got %+v", obj)
	}

	if err := node.Attr(ctx, &a); !isErrno(err, syscall.ENOENT) {
		t.Errorf("Expected ENOENT for a released upload, got %v", err)
	}
	ffs.mu.Lock()
	remaining := len(ffs.uploads)
	ffs.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected released node to be forgotten, %d left", remaining)
	}
}

func TestErrnoMapping(t *testing.T) {
	_, dir, client := setupTestFuseFS(t)
	ctx := context.Background()
	notice := DefaultStaticEntries()[0].Name

	_, _, err := dir.Create(ctx, createRequest(notice, fuse.OpenWriteOnly|fuse.OpenCreate), &fuse.CreateResponse{})
	if !isErrno(err, syscall.EEXIST) {
		t.Errorf("Create over notice: expected EEXIST, got %v", err)
	}

	_, _, err = dir.Create(ctx, createRequest("rw", fuse.OpenReadWrite|fuse.OpenCreate), &fuse.CreateResponse{})
	if !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Create O_RDWR: expected ENOTSUP, got %v", err)
	}

	_, handle := createUpload(t, dir, "seq")
	err = handle.Write(ctx, &fuse.WriteRequest{Offset: 42, Data: []byte("x")}, &fuse.WriteResponse{})
	if !isErrno(err, syscall.ESPIPE) {
		t.Errorf("Seek write: expected ESPIPE, got %v", err)
	}

	err = handle.Read(ctx, &fuse.ReadRequest{Size: 10}, &fuse.ReadResponse{})
	if !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Read of upload: expected ENOTSUP, got %v", err)
	}

	if _, err := dir.Mkdir(ctx, &fuse.MkdirRequest{Name: "sub"}); !isErrno(err, syscall.EACCES) {
		t.Errorf("Mkdir: expected EACCES, got %v", err)
	}
	if err := dir.Remove(ctx, &fuse.RemoveRequest{Name: notice}); !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Remove: expected ENOTSUP, got %v", err)
	}
	if err := dir.Rename(ctx, &fuse.RenameRequest{OldName: "seq", NewName: "other"}, dir); !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Rename: expected ENOTSUP, got %v", err)
	}
	if _, err := dir.Link(ctx, &fuse.LinkRequest{NewName: "l"}, dir); !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Link: expected ENOTSUP, got %v", err)
	}
	if _, err := dir.Symlink(ctx, &fuse.SymlinkRequest{NewName: "s", Target: "t"}); !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Symlink: expected ENOTSUP, got %v", err)
	}
	if _, err := dir.Mknod(ctx, &fuse.MknodRequest{Name: "n", Mode: os.ModeNamedPipe}); !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Mknod: expected ENOTSUP, got %v", err)
	}

	client.FailNext(s3client.OpBegin, errors.New("denied"), errors.New("denied"))
	_, _, err = dir.Create(ctx, createRequest("denied", fuse.OpenWriteOnly|fuse.OpenCreate), &fuse.CreateResponse{})
	if !isErrno(err, syscall.EIO) {
		t.Errorf("Remote failure: expected EIO, got %v", err)
	}
}

func TestSetattrRejectsOtherSizes(t *testing.T) {
	_, dir, _ := setupTestFuseFS(t)
	ctx := context.Background()

	node, handle := createUpload(t, dir, "sized")
	if err := handle.Write(ctx, &fuse.WriteRequest{Data: []byte("abc")}, &fuse.WriteResponse{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	err := node.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 1}, &fuse.SetattrResponse{})
	if !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Expected ENOTSUP, got %v", err)
	}

	// Mode changes are accepted and ignored.
	err = node.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrMode, Mode: 0o600}, &fuse.SetattrResponse{})
	if err != nil {
		t.Errorf("Mode change failed: %v", err)
	}
}

func TestStaticFileOpenAndRead(t *testing.T) {
	_, dir, _ := setupTestFuseFS(t)
	ctx := context.Background()
	notice := DefaultStaticEntries()[1]

	node, err := dir.Lookup(ctx, &fuse.LookupRequest{Name: notice.Name}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	file := node.(*StaticFile)

	_, err = file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly}, &fuse.OpenResponse{})
	if !isErrno(err, syscall.EEXIST) {
		t.Errorf("Write open of notice: expected EEXIST, got %v", err)
	}

	h, err := file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	if err != nil {
		t.Fatalf("Read open failed: %v", err)
	}
	reader := h.(fs.HandleReader)
	resp := &fuse.ReadResponse{}
	if err := reader.Read(ctx, &fuse.ReadRequest{Offset: 0, Size: 4096}, resp); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(resp.Data) != string(notice.Content) {
		t.Error("Expected the notice content")
	}

	var a fuse.Attr
	if err := file.Attr(ctx, &a); err != nil {
		t.Fatalf("Attr failed: %v", err)
	}
	if a.Inode != notice.Inode || a.Size != uint64(len(notice.Content)) || a.Mode != 0o444 {
		t.Errorf("Unexpected notice attributes %+v", a)
	}
}

func TestReopenStaleUploadNode(t *testing.T) {
	_, dir, client := setupTestFuseFS(t)
	ctx := context.Background()

	node, handle := createUpload(t, dir, "again")

	_, err := node.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly}, &fuse.OpenResponse{})
	if !isErrno(err, syscall.EEXIST) {
		t.Errorf("Open of a busy upload: expected EEXIST, got %v", err)
	}
	_, err = node.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	if !isErrno(err, syscall.ENOTSUP) {
		t.Errorf("Read open of an upload: expected ENOTSUP, got %v", err)
	}

	if err := handle.Release(ctx, &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	h, err := node.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly}, &fuse.OpenResponse{})
	if err != nil {
		t.Fatalf("Open of a stale node failed: %v", err)
	}
	second := h.(*UploadHandle)
	if err := second.Write(ctx, &fuse.WriteRequest{Data: []byte("v2")}, &fuse.WriteResponse{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := second.Release(ctx, &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if n := len(client.CallsFor(s3client.OpComplete, "again")); n != 2 {
		t.Errorf("Expected two completed uploads, got %d", n)
	}
	obj, _ := client.Object("again")
	if string(obj.Data) != "v2" {
		t.Errorf("Expected second upload content, got %q", obj.Data)
	}
}

func TestAttrDoesNotWaitForReopen(t *testing.T) {
	_, dir, client := setupTestFuseFS(t)
	ctx := context.Background()

	node, handle := createUpload(t, dir, "slow")
	if err := handle.Release(ctx, &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Stat the node while the reopen is starting its remote upload.
	answered := false
	client.OnCall(func(op string) {
		if op != s3client.OpBegin {
			return
		}
		done := make(chan struct{})
		go func() {
			node.Attr(ctx, &fuse.Attr{})
			close(done)
		}()
		select {
		case <-done:
			answered = true
		case <-time.After(time.Second):
		}
	})

	h, err := node.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly}, &fuse.OpenResponse{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !answered {
		t.Error("Attr blocked while the upload was being started")
	}
	if err := h.(*UploadHandle).Release(ctx, &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestDestroyAbortsOpenUploads(t *testing.T) {
	ffs, dir, client := setupTestFuseFS(t)
	ctx := context.Background()

	_, handle := createUpload(t, dir, "cut")
	if err := handle.Write(ctx, &fuse.WriteRequest{Data: []byte("part")}, &fuse.WriteResponse{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ffs.Destroy()

	if len(client.CallsFor(s3client.OpAbort, "cut")) != 1 {
		t.Error("Expected open upload to be aborted on destroy")
	}
	if client.PendingUploads() != 0 {
		t.Errorf("Expected no pending uploads, got %d", client.PendingUploads())
	}
}

func TestStatfsResponse(t *testing.T) {
	ffs, _, _ := setupTestFuseFS(t)
	resp := &fuse.StatfsResponse{}
	if err := ffs.Statfs(context.Background(), &fuse.StatfsRequest{}, resp); err != nil {
		t.Fatalf("Statfs failed: %v", err)
	}
	if resp.Bsize != 4096 || resp.Frsize != 4096 || resp.Bavail == 0 {
		t.Errorf("Unexpected statfs %+v", resp)
	}
}

func TestMountOptions(t *testing.T) {
	opts := MountOptions{FSName: "bucket", Subtype: "s3wofs", AllowOther: true, DefaultPermissions: true}
	if got := len(opts.mountOptions()); got != 4 {
		t.Errorf("Expected 4 mount options, got %d", got)
	}

	err := Mount(context.Background(), "/nonexistent/mountpoint", nil, MountOptions{})
	if err == nil {
		t.Error("Expected mount on a missing directory to fail")
	}
}
