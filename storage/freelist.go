package storage

import (
	"encoding/binary"
	"fmt"
	"os"
)

// FreeList is the append-only log of freed page ids: "P1FREE01" magic,
// version u32=1, count u32, reserved u64, followed by the u64 page ids.
// The header's count field is written as zero and never updated; the
// count is always derived from the file length as (file_len-header)/8 on
// each access, and Count truncates a torn trailing append.
type FreeList struct {
	f *os.File
}

const freeListMagic = "P1FREE01"
const freeListVersion uint32 = 1
const freeListHeaderSize = 8 + 4 + 4 + 8 // magic + version + count + reserved
const freeListEntrySize = 8

// OpenFreeList opens (creating if absent) the free-list file at path.
func OpenFreeList(path string) (*FreeList, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: opening free list: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: stat free list: %w", err)
	}
	if info.Size() == 0 {
		header := make([]byte, freeListHeaderSize)
		copy(header[0:8], freeListMagic)
		binary.LittleEndian.PutUint32(header[8:12], freeListVersion)
		if _, err := f.WriteAt(header, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: initializing free list: %w", err)
		}
	} else {
		header := make([]byte, freeListHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: reading free list header: %w", err)
		}
		if string(header[0:8]) != freeListMagic {
			f.Close()
			return nil, fmt.Errorf("storage: bad free list magic: %w", ErrInvalidFormat)
		}
		if binary.LittleEndian.Uint32(header[8:12]) != freeListVersion {
			f.Close()
			return nil, fmt.Errorf("storage: unsupported free list version: %w", ErrInvalidFormat)
		}
	}
	return &FreeList{f: f}, nil
}

// Count returns the authoritative number of entries: (file size - header
// size) / 8, tolerating a short trailing write left by a crash mid-append
// by truncating it off.
func (fl *FreeList) Count() (int, error) {
	info, err := fl.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("storage: stat free list: %w", err)
	}
	body := info.Size() - freeListHeaderSize
	if body < 0 {
		body = 0
	}
	n := body / freeListEntrySize
	tornBytes := body % freeListEntrySize
	if tornBytes != 0 {
		if err := fl.f.Truncate(freeListHeaderSize + n*freeListEntrySize); err != nil {
			return 0, fmt.Errorf("storage: truncating torn free list tail: %w", err)
		}
	}
	return int(n), nil
}

// Push appends pageID to the free list.
func (fl *FreeList) Push(pageID uint64) error {
	n, err := fl.Count()
	if err != nil {
		return err
	}
	buf := make([]byte, freeListEntrySize)
	binary.LittleEndian.PutUint64(buf, pageID)
	off := int64(freeListHeaderSize) + int64(n)*freeListEntrySize
	if _, err := fl.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("storage: appending to free list: %w", err)
	}
	return nil
}

// Pop removes and returns the most recently freed page id, LIFO. ok is
// false if the list is empty.
func (fl *FreeList) Pop() (pageID uint64, ok bool, err error) {
	n, err := fl.Count()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	off := int64(freeListHeaderSize) + int64(n-1)*freeListEntrySize
	buf := make([]byte, freeListEntrySize)
	if _, err := fl.f.ReadAt(buf, off); err != nil {
		return 0, false, fmt.Errorf("storage: reading free list tail: %w", err)
	}
	if err := fl.f.Truncate(off); err != nil {
		return 0, false, fmt.Errorf("storage: popping free list: %w", err)
	}
	return binary.LittleEndian.Uint64(buf), true, nil
}

// Entries returns every page id currently on the free list without
// removing them, oldest-pushed first; used by the orphan overflow sweep to
// avoid re-freeing a page that's already there.
func (fl *FreeList) Entries() ([]uint64, error) {
	n, err := fl.Count()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	buf := make([]byte, n*freeListEntrySize)
	if n > 0 {
		if _, err := fl.f.ReadAt(buf, freeListHeaderSize); err != nil {
			return nil, fmt.Errorf("storage: reading free list entries: %w", err)
		}
	}
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(buf[i*freeListEntrySize:])
	}
	return out, nil
}

// Sync fsyncs the free-list file.
func (fl *FreeList) Sync() error {
	if err := fl.f.Sync(); err != nil {
		return fmt.Errorf("storage: fsyncing free list: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (fl *FreeList) Close() error {
	if err := fl.f.Close(); err != nil {
		return fmt.Errorf("storage: closing free list: %w", err)
	}
	return nil
}
