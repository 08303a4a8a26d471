package fuse

import (
	_ "embed"
	"fmt"
	"os"
	"time"
)

const (
	// RootInode is the inode of the mount root, the only directory.
	RootInode uint64 = 1

	// Inodes below firstUploadInode are reserved for the root and static entries.
	firstUploadInode uint64 = 10

	// Static entries and the root are cached by the kernel, uploads are not.
	staticValid = 60 * time.Second
	uploadValid = 0
)

var (
	//go:embed resources/help_en.txt
	helpEN []byte

	//go:embed resources/help_de.txt
	helpDE []byte
)

// StaticEntry is a fixed, read-only notice file that is always listed.
type StaticEntry struct {
	Name    string
	Inode   uint64
	Content []byte
	Mode    os.FileMode
	Mtime   time.Time
}

// Size returns the content length.
func (e StaticEntry) Size() int64 {
	return int64(len(e.Content))
}

// Attr returns the fixed attributes of the entry. Static entries are owned by root.
func (e StaticEntry) Attr() Attr {
	return Attr{
		Inode: e.Inode,
		Mode:  e.Mode,
		Size:  e.Size(),
		Mtime: e.Mtime,
		Valid: staticValid,
	}
}

// Read returns up to size bytes starting at offset.
func (e StaticEntry) Read(offset int64, size int) []byte {
	if offset < 0 || offset >= e.Size() {
		return nil
	}
	end := offset + int64(size)
	if end > e.Size() {
		end = e.Size()
	}
	return e.Content[offset:end]
}

// DefaultStaticEntries returns the English and German notices.
func DefaultStaticEntries() []StaticEntry {
	return []StaticEntry{
		{
			Name:    "_Uploaded files will not be visible.txt",
			Inode:   2,
			Content: helpEN,
			Mode:    0o444,
			Mtime:   time.Unix(0, 0),
		},
		{
			Name:    "_Hochgeladene Dateien werden nicht sichtbar sein.txt",
			Inode:   3,
			Content: helpDE,
			Mode:    0o444,
			Mtime:   time.Unix(0, 0),
		},
	}
}

// StaticNamespace holds the static entries in listing order.
type StaticNamespace struct {
	entries []StaticEntry
	byName  map[string]int
}

// NewStaticNamespace validates entries and indexes them by name. Names must be
// unique, non-empty and free of '/', inodes must sit between the root inode
// and the first upload inode.
func NewStaticNamespace(entries []StaticEntry) (*StaticNamespace, error) {
	ns := &StaticNamespace{
		entries: make([]StaticEntry, len(entries)),
		byName:  make(map[string]int, len(entries)),
	}
	inodes := make(map[uint64]bool, len(entries))
	for i, e := range entries {
		if err := validName(e.Name); err != nil {
			return nil, fmt.Errorf("invalid static entry %q: %w", e.Name, err)
		}
		if _, dup := ns.byName[e.Name]; dup {
			return nil, fmt.Errorf("duplicate static entry %q", e.Name)
		}
		if e.Inode <= RootInode || e.Inode >= firstUploadInode || inodes[e.Inode] {
			return nil, fmt.Errorf("static entry %q has invalid inode %d", e.Name, e.Inode)
		}
		inodes[e.Inode] = true
		ns.entries[i] = e
		ns.byName[e.Name] = i
	}
	return ns, nil
}

// Lookup returns the entry called name.
func (n *StaticNamespace) Lookup(name string) (StaticEntry, bool) {
	i, ok := n.byName[name]
	if !ok {
		return StaticEntry{}, false
	}
	return n.entries[i], true
}

// Entries returns every entry in listing order.
func (n *StaticNamespace) Entries() []StaticEntry {
	out := make([]StaticEntry, len(n.entries))
	copy(out, n.entries)
	return out
}
