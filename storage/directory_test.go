package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirectoryCreateAndSetHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory")
	d, err := CreateDirectory(path, 8)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Head(3) != NoPage {
		t.Errorf("expected a fresh bucket to be NoPage, got %d", d.Head(3))
	}
	if err := d.SetHead(3, 77); err != nil {
		t.Fatalf("set head: %v", err)
	}
	if d.Head(3) != 77 {
		t.Errorf("expected bucket 3 head 77, got %d", d.Head(3))
	}
}

func TestDirectoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory")
	d, err := CreateDirectory(path, 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.SetHeads(map[uint32]uint64{0: 10, 2: 20}); err != nil {
		t.Fatalf("set heads: %v", err)
	}

	reopened, err := OpenDirectory(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Head(0) != 10 || reopened.Head(2) != 20 {
		t.Errorf("unexpected heads after reopen: %d, %d", reopened.Head(0), reopened.Head(2))
	}
	if reopened.Head(1) != NoPage {
		t.Errorf("expected untouched bucket to stay NoPage, got %d", reopened.Head(1))
	}
}

func TestDirectoryRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory")
	if _, err := CreateDirectory(path, 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := OpenDirectory(path); err == nil {
		t.Fatal("expected an error opening a corrupted directory")
	}
}
