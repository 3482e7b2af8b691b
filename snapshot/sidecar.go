package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// freezeFrameHeaderSize is [page_id u64][page_lsn u64][page_len u32][crc u32].
const freezeFrameHeaderSize = 8 + 8 + 4 + 4

// indexEntrySize is [page_id u64][offset u64][page_lsn u64].
const indexEntrySize = 8 + 8 + 8

// hashEntrySize is [page_id u64][hash 32 bytes].
const hashEntrySize = 8 + 32

// Sidecar holds one snapshot's per-snapshot files: an append-only log of
// frozen page images (freeze.bin), an append-only page_id->offset index
// (index.bin, last write wins), and, when dedup is enabled, a page_id->
// content-hash index (hashindex) pointing into the shared SnapStore.
type Sidecar struct {
	dir       string
	freeze    *os.File
	index     *os.File
	hashindex *os.File
}

// OpenSidecar creates (if absent) and opens the three sidecar files under
// dir.
func OpenSidecar(dir string) (*Sidecar, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: creating sidecar dir: %w", err)
	}
	open := func(name string) (*os.File, error) {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("snapshot: opening %s: %w", name, err)
		}
		return f, nil
	}
	freeze, err := open("freeze.bin")
	if err != nil {
		return nil, err
	}
	index, err := open("index.bin")
	if err != nil {
		freeze.Close()
		return nil, err
	}
	hashindex, err := open("hashindex")
	if err != nil {
		freeze.Close()
		index.Close()
		return nil, err
	}
	return &Sidecar{dir: dir, freeze: freeze, index: index, hashindex: hashindex}, nil
}

// AppendFreeze appends a freeze frame for pageID at pageLSN with the given
// page payload, then records its offset in index.bin.
func (s *Sidecar) AppendFreeze(pageID, pageLSN uint64, payload []byte) error {
	info, err := s.freeze.Stat()
	if err != nil {
		return fmt.Errorf("snapshot: stat freeze log: %w", err)
	}
	offset := info.Size()

	frame := make([]byte, freezeFrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(frame[0:8], pageID)
	binary.LittleEndian.PutUint64(frame[8:16], pageLSN)
	binary.LittleEndian.PutUint32(frame[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[20:24], crc32.Checksum(payload, crc32cTable))
	copy(frame[freezeFrameHeaderSize:], payload)

	if _, err := s.freeze.WriteAt(frame, offset); err != nil {
		return fmt.Errorf("snapshot: appending freeze frame: %w", err)
	}

	entry := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint64(entry[0:8], pageID)
	binary.LittleEndian.PutUint64(entry[8:16], uint64(offset))
	binary.LittleEndian.PutUint64(entry[16:24], pageLSN)
	idxInfo, err := s.index.Stat()
	if err != nil {
		return fmt.Errorf("snapshot: stat index: %w", err)
	}
	if _, err := s.index.WriteAt(entry, idxInfo.Size()); err != nil {
		return fmt.Errorf("snapshot: appending index entry: %w", err)
	}
	return nil
}

// AppendHash records pageID's content hash in the dedup hashindex.
func (s *Sidecar) AppendHash(pageID uint64, hash [32]byte) error {
	entry := make([]byte, hashEntrySize)
	binary.LittleEndian.PutUint64(entry[0:8], pageID)
	copy(entry[8:], hash[:])
	info, err := s.hashindex.Stat()
	if err != nil {
		return fmt.Errorf("snapshot: stat hashindex: %w", err)
	}
	if _, err := s.hashindex.WriteAt(entry, info.Size()); err != nil {
		return fmt.Errorf("snapshot: appending hashindex entry: %w", err)
	}
	return nil
}

// Lookup returns the most recent freeze frame offset and page_lsn recorded
// for pageID in index.bin (last-writer-wins).
func (s *Sidecar) Lookup(pageID uint64) (offset int64, pageLSN uint64, ok bool, err error) {
	info, err := s.index.Stat()
	if err != nil {
		return 0, 0, false, fmt.Errorf("snapshot: stat index: %w", err)
	}
	buf := make([]byte, info.Size())
	if _, err := s.index.ReadAt(buf, 0); err != nil && info.Size() > 0 {
		return 0, 0, false, fmt.Errorf("snapshot: reading index: %w", err)
	}
	for off := len(buf) - indexEntrySize; off >= 0; off -= indexEntrySize {
		entry := buf[off : off+indexEntrySize]
		if binary.LittleEndian.Uint64(entry[0:8]) == pageID {
			return int64(binary.LittleEndian.Uint64(entry[8:16])), binary.LittleEndian.Uint64(entry[16:24]), true, nil
		}
	}
	return 0, 0, false, nil
}

// LookupHash returns the most recent content hash recorded for pageID in
// the hashindex (last-writer-wins).
func (s *Sidecar) LookupHash(pageID uint64) (hash [32]byte, ok bool, err error) {
	info, err := s.hashindex.Stat()
	if err != nil {
		return hash, false, fmt.Errorf("snapshot: stat hashindex: %w", err)
	}
	buf := make([]byte, info.Size())
	if _, err := s.hashindex.ReadAt(buf, 0); err != nil && info.Size() > 0 {
		return hash, false, fmt.Errorf("snapshot: reading hashindex: %w", err)
	}
	for off := len(buf) - hashEntrySize; off >= 0; off -= hashEntrySize {
		entry := buf[off : off+hashEntrySize]
		if binary.LittleEndian.Uint64(entry[0:8]) == pageID {
			copy(hash[:], entry[8:])
			return hash, true, nil
		}
	}
	return hash, false, nil
}

// ReadFrame reads and verifies the freeze frame at offset.
func (s *Sidecar) ReadFrame(offset int64, pageSize uint32) (payload []byte, err error) {
	header := make([]byte, freezeFrameHeaderSize)
	if _, err := s.freeze.ReadAt(header, offset); err != nil {
		return nil, fmt.Errorf("snapshot: reading freeze frame header: %w", err)
	}
	pageLen := binary.LittleEndian.Uint32(header[16:20])
	storedCRC := binary.LittleEndian.Uint32(header[20:24])
	payload = make([]byte, pageLen)
	if _, err := s.freeze.ReadAt(payload, offset+freezeFrameHeaderSize); err != nil {
		return nil, fmt.Errorf("snapshot: reading freeze frame payload: %w", err)
	}
	if crc32.Checksum(payload, crc32cTable) != storedCRC {
		return nil, fmt.Errorf("snapshot: freeze frame at offset %d fails checksum", offset)
	}
	return payload, nil
}

// HashEntry is one decoded hashindex record.
type HashEntry struct {
	PageID uint64
	Hash   [32]byte
}

// HashEntries returns every entry recorded in the dedup hashindex, in
// append order (including superseded ones; callers that want last-writer-
// wins per page should use LookupHash instead).
func (s *Sidecar) HashEntries() ([]HashEntry, error) {
	info, err := s.hashindex.Stat()
	if err != nil {
		return nil, fmt.Errorf("snapshot: stat hashindex: %w", err)
	}
	buf := make([]byte, info.Size())
	if info.Size() > 0 {
		if _, err := s.hashindex.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("snapshot: reading hashindex: %w", err)
		}
	}
	out := make([]HashEntry, 0, len(buf)/hashEntrySize)
	for off := 0; off+hashEntrySize <= len(buf); off += hashEntrySize {
		entry := buf[off : off+hashEntrySize]
		var e HashEntry
		e.PageID = binary.LittleEndian.Uint64(entry[0:8])
		copy(e.Hash[:], entry[8:])
		out = append(out, e)
	}
	return out, nil
}

// Close closes the sidecar's files.
func (s *Sidecar) Close() error {
	var firstErr error
	for _, f := range []*os.File{s.freeze, s.index, s.hashindex} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
