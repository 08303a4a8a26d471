package fuse

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/s3fs-fuse/s3wofs-go/internal/upload"
)

func newTestTable(t *testing.T) *InodeTable {
	t.Helper()
	static, err := NewStaticNamespace(DefaultStaticEntries())
	if err != nil {
		t.Fatalf("NewStaticNamespace failed: %v", err)
	}
	return NewInodeTable(static)
}

func newTestSession(key string) *upload.Session {
	return upload.NewManager(upload.Config{}, nil, nil, nil).NewSession(key)
}

func TestHandleRoundTrip(t *testing.T) {
	for _, tt := range []struct{ index, gen uint32 }{{0, 0}, {1, 7}, {1<<32 - 2, 1<<32 - 1}} {
		index, gen, ok := makeHandle(tt.index, tt.gen).split()
		if !ok || index != tt.index || gen != tt.gen {
			t.Errorf("split(makeHandle(%d, %d)) = %d, %d, %v", tt.index, tt.gen, index, gen, ok)
		}
	}
	if _, _, ok := HandleID(0).split(); ok {
		t.Error("Zero handle must not split")
	}
}

func TestResolve(t *testing.T) {
	table := newTestTable(t)

	for _, e := range DefaultStaticEntries() {
		vi := table.Resolve(e.Name)
		if vi.Kind != KindStatic || vi.Static.Inode != e.Inode {
			t.Errorf("Resolve(%q) = %v, expected static inode %d", e.Name, vi.Kind, e.Inode)
		}
	}

	if vi := table.Resolve("nothing"); vi.Kind != KindAbsent {
		t.Errorf("Expected absent, got %v", vi.Kind)
	}

	s := newTestSession("file")
	entry, err := table.RegisterSession("file", s, testOwner)
	if err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}
	vi := table.Resolve("file")
	if vi.Kind != KindUpload || vi.Upload.Session != s || vi.Upload.Handle != entry.Handle {
		t.Errorf("Expected registered upload, got %+v", vi)
	}
}

func TestRegisterConflicts(t *testing.T) {
	table := newTestTable(t)

	static := DefaultStaticEntries()[1].Name
	if _, err := table.RegisterSession(static, newTestSession(static), testOwner); !errors.Is(err, ErrNameConflict) {
		t.Errorf("Expected ErrNameConflict for static name, got %v", err)
	}

	if _, err := table.RegisterSession("a", newTestSession("a"), testOwner); err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}
	if _, err := table.RegisterSession("a", newTestSession("a"), testOwner); !errors.Is(err, ErrNameConflict) {
		t.Errorf("Expected ErrNameConflict for open name, got %v", err)
	}
	if table.OpenUploads() != 1 {
		t.Errorf("Expected 1 open upload, got %d", table.OpenUploads())
	}
}

func TestDeregisterBumpsGeneration(t *testing.T) {
	table := newTestTable(t)

	first, _ := table.RegisterSession("a", newTestSession("a"), testOwner)
	if !table.DeregisterSession(first.Handle) {
		t.Fatal("DeregisterSession reported false")
	}
	if table.DeregisterSession(first.Handle) {
		t.Error("Second deregister must report false")
	}

	second, _ := table.RegisterSession("b", newTestSession("b"), testOwner)
	i1, g1, _ := first.Handle.split()
	i2, g2, _ := second.Handle.split()
	if i1 != i2 {
		t.Fatalf("Expected slot %d to be reused, got %d", i1, i2)
	}
	if g1 == g2 {
		t.Error("Reused slot must carry a new generation")
	}
	if second.Inode == first.Inode {
		t.Error("Inodes must not be reused")
	}

	if _, ok := table.Upload(first.Handle); ok {
		t.Error("Stale handle resolved to the new upload")
	}
	if entry, ok := table.Upload(second.Handle); !ok || entry.Name != "b" {
		t.Errorf("Expected upload b, got %+v", entry)
	}
	if vi := table.Resolve("a"); vi.Kind != KindAbsent {
		t.Errorf("Deregistered name still resolves: %v", vi.Kind)
	}
}

func TestUploadInodesStartAfterReserved(t *testing.T) {
	table := newTestTable(t)
	entry, _ := table.RegisterSession("a", newTestSession("a"), testOwner)
	if entry.Inode != firstUploadInode {
		t.Errorf("Expected first upload inode %d, got %d", firstUploadInode, entry.Inode)
	}
}

func TestListVisibleIgnoresUploads(t *testing.T) {
	table := newTestTable(t)
	want := table.ListVisible()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("f%d", i)
		if _, err := table.RegisterSession(name, newTestSession(name), testOwner); err != nil {
			t.Fatal(err)
		}
	}

	got := table.ListVisible()
	if len(got) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(got))
	}
	for i := range got {
		if got[i].Name != want[i].Name {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i].Name, got[i].Name)
		}
	}
}

func TestConcurrentRegisterSameName(t *testing.T) {
	table := newTestTable(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := table.RegisterSession("race", newTestSession("race"), testOwner); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("Expected exactly one registration to win, got %d", won)
	}
}

func TestConcurrentRegisterDeregister(t *testing.T) {
	table := newTestTable(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				name := fmt.Sprintf("w%d-%d", i, j)
				entry, err := table.RegisterSession(name, newTestSession(name), testOwner)
				if err != nil {
					t.Error(err)
					return
				}
				if vi := table.Resolve(name); vi.Kind != KindUpload {
					t.Errorf("Registered %s does not resolve", name)
				}
				if !table.DeregisterSession(entry.Handle) {
					t.Errorf("Deregister of %s failed", name)
				}
			}
		}(i)
	}
	wg.Wait()

	if table.OpenUploads() != 0 {
		t.Errorf("Expected empty table, got %d", table.OpenUploads())
	}
}
