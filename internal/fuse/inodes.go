package fuse

import (
	"sync"

	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
)

// HandleID identifies a registered upload. It packs the slot index and the
// slot generation, so a handle kept after its upload was deregistered never
// resolves to a later upload that reuses the slot.
type HandleID uint64

func makeHandle(index, gen uint32) HandleID {
	return HandleID(uint64(index+1)<<32 | uint64(gen))
}

func (h HandleID) split() (index, gen uint32, ok bool) {
	hi := uint64(h) >> 32
	if hi == 0 {
		return 0, 0, false
	}
	return uint32(hi - 1), uint32(h), true
}

// InodeKind tells what a name resolves to.
type InodeKind int

const (
	KindAbsent InodeKind = iota
	KindStatic
	KindUpload
)

func (k InodeKind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindUpload:
		return "upload"
	default:
		return "absent"
	}
}

// Owner is the uid and gid an upload is reported with.
type Owner struct {
	Uid uint32
	Gid uint32
}

// UploadEntry is an upload registered in the table.
type UploadEntry struct {
	Handle  HandleID
	Inode   uint64
	Name    string
	Session *upload.Session
	Owner   Owner
}

// VirtualInode is the result of resolving a name: a static entry, an open
// upload or nothing.
type VirtualInode struct {
	Kind   InodeKind
	Static StaticEntry
	Upload UploadEntry
}

type slot struct {
	gen   uint32
	live  bool
	entry UploadEntry
}

// InodeTable maps names to static entries and open uploads, and handles to
// uploads. Uploads are resolvable the moment they are registered but are
// never listed.
type InodeTable struct {
	static *StaticNamespace

	mu        sync.RWMutex
	slots     []slot
	free      []uint32
	byName    map[string]uint32
	nextInode uint64
}

// NewInodeTable creates a table over the given static namespace.
func NewInodeTable(static *StaticNamespace) *InodeTable {
	return &InodeTable{
		static:    static,
		byName:    make(map[string]uint32),
		nextInode: firstUploadInode,
	}
}

// Resolve looks name up. Static entries win over uploads, which cannot be
// registered under a static name anyway.
func (t *InodeTable) Resolve(name string) VirtualInode {
	if e, ok := t.static.Lookup(name); ok {
		return VirtualInode{Kind: KindStatic, Static: e}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.byName[name]; ok {
		return VirtualInode{Kind: KindUpload, Upload: t.slots[i].entry}
	}
	return VirtualInode{Kind: KindAbsent}
}

// RegisterSession makes s resolvable under name. It fails with
// ErrNameConflict when name is static or already has an open upload.
func (t *InodeTable) RegisterSession(name string, s *upload.Session, owner Owner) (UploadEntry, error) {
	if _, ok := t.static.Lookup(name); ok {
		return UploadEntry{}, ErrNameConflict
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byName[name]; ok {
		return UploadEntry{}, ErrNameConflict
	}

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}

	sl := &t.slots[index]
	sl.live = true
	sl.entry = UploadEntry{
		Handle:  makeHandle(index, sl.gen),
		Inode:   t.nextInode,
		Name:    name,
		Session: s,
		Owner:   owner,
	}
	t.nextInode++
	t.byName[name] = index
	return sl.entry, nil
}

// Upload returns the live upload behind h.
func (t *InodeTable) Upload(h HandleID) (UploadEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sl := t.lookup(h)
	if sl == nil {
		return UploadEntry{}, false
	}
	return sl.entry, true
}

// DeregisterSession removes the upload behind h. It reports false if h was
// already deregistered.
func (t *InodeTable) DeregisterSession(h HandleID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sl := t.lookup(h)
	if sl == nil {
		return false
	}
	index, _, _ := h.split()
	if t.byName[sl.entry.Name] == index {
		delete(t.byName, sl.entry.Name)
	}
	sl.live = false
	sl.entry = UploadEntry{}
	sl.gen++
	t.free = append(t.free, index)
	return true
}

// ListVisible returns what a directory listing shows: the static entries,
// always in the same order, and never an upload.
func (t *InodeTable) ListVisible() []StaticEntry {
	return t.static.Entries()
}

// OpenUploads returns the number of registered uploads.
func (t *InodeTable) OpenUploads() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}

// lookup returns the live slot for h. Caller holds t.mu.
func (t *InodeTable) lookup(h HandleID) *slot {
	index, gen, ok := h.split()
	if !ok || int(index) >= len(t.slots) {
		return nil
	}
	sl := &t.slots[index]
	if !sl.live || sl.gen != gen {
		return nil
	}
	return sl
}
