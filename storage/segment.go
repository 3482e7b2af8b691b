package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// pagesPerSegment bounds each segment file's page count; segments are
// preallocated in this size so a single append doesn't repeatedly grow a
// huge file one page at a time.
const pagesPerSegment = 4096

// segmentOpener opens (or creates) the StorageFile backing one segment
// index. OpenSegmentStore uses a real os.File; OpenMemSegmentStore swaps in
// an in-memory one for tests that want a SegmentStore without a
// filesystem.
type segmentOpener func(index uint64, create bool) (StorageFile, error)

// SegmentStore owns the on-disk page data files: pages are split across
// fixed-size segment files named data.0000000000, data.0000000001, ... so
// no single file grows unbounded and truncation after a crash only ever
// affects the tail segment.
type SegmentStore struct {
	dir      string
	pageSize uint32
	opener   segmentOpener
	files    map[uint64]StorageFile // segment index -> open file
}

func segmentPath(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("data.%010d", index))
}

// OpenSegmentStore opens (creating dir if absent) the segment store for a
// database with the given page size, backed by real segment files on disk.
func OpenSegmentStore(dir string, pageSize uint32) (*SegmentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating segment directory: %w", err)
	}
	opener := func(index uint64, create bool) (StorageFile, error) {
		flags := os.O_RDWR
		if create {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(segmentPath(dir, index), flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: opening segment %d: %w", index, err)
		}
		return f, nil
	}
	return newSegmentStore(dir, pageSize, opener), nil
}

// OpenMemSegmentStore returns a SegmentStore whose segments are in-memory
// MemFiles rather than real files; used by tests exercising the pager
// without touching a filesystem.
func OpenMemSegmentStore(pageSize uint32) *SegmentStore {
	mem := make(map[uint64]*MemFile)
	opener := func(index uint64, create bool) (StorageFile, error) {
		f, ok := mem[index]
		if !ok {
			if !create {
				return nil, fmt.Errorf("storage: segment %d does not exist", index)
			}
			f = NewMemFile()
			mem[index] = f
		}
		return f, nil
	}
	return newSegmentStore("", pageSize, opener)
}

func newSegmentStore(dir string, pageSize uint32, opener segmentOpener) *SegmentStore {
	return &SegmentStore{dir: dir, pageSize: pageSize, opener: opener, files: make(map[uint64]StorageFile)}
}

func (s *SegmentStore) locate(pageID uint64) (segIndex uint64, offset int64) {
	segIndex = pageID / pagesPerSegment
	offsetInSeg := pageID % pagesPerSegment
	return segIndex, int64(offsetInSeg) * int64(s.pageSize)
}

func (s *SegmentStore) fileFor(segIndex uint64, create bool) (StorageFile, error) {
	if f, ok := s.files[segIndex]; ok {
		return f, nil
	}
	f, err := s.opener(segIndex, create)
	if err != nil {
		return nil, err
	}
	if create {
		want := pagesPerSegment * int64(s.pageSize)
		if info, statErr := f.Stat(); statErr == nil && info.Size() < want {
			if truncErr := f.Truncate(want); truncErr != nil {
				f.Close()
				return nil, fmt.Errorf("storage: preallocating segment %d: %w", segIndex, truncErr)
			}
		}
	}
	s.files[segIndex] = f
	return f, nil
}

// ReadPage reads the page_size-byte slot for pageID into buf.
func (s *SegmentStore) ReadPage(pageID uint64, buf []byte) error {
	segIndex, offset := s.locate(pageID)
	f, err := s.fileFor(segIndex, false)
	if err != nil {
		return err
	}
	if _, err := f.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("storage: reading page %d: %w", pageID, err)
	}
	return nil
}

// WritePage writes buf into pageID's slot. It does not fsync; callers
// coordinate durability at the WAL/commit layer.
func (s *SegmentStore) WritePage(pageID uint64, buf []byte) error {
	segIndex, offset := s.locate(pageID)
	f, err := s.fileFor(segIndex, true)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("storage: writing page %d: %w", pageID, err)
	}
	return nil
}

// Sync fsyncs every open segment file.
func (s *SegmentStore) Sync() error {
	for idx, f := range s.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("storage: fsyncing segment %d: %w", idx, err)
		}
	}
	return nil
}

// Close closes every open segment file.
func (s *SegmentStore) Close() error {
	var firstErr error
	for idx, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: closing segment %d: %w", idx, err)
		}
		delete(s.files, idx)
	}
	return firstErr
}
