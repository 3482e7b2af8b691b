package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

// objectMeta is one SnapStore entry's bookkeeping: where its payload lives
// in store.bin and how many manifests still reference it.
type objectMeta struct {
	Offset   int64 `json:"offset"`
	Length   int64 `json:"length"`
	RefCount int   `json:"ref_count"`
}

// SnapStore is the content-addressed, refcounted object store backing
// dedup mode: identical page bytes across snapshots are stored once
// (spec.md §4.5).
type SnapStore struct {
	mu        sync.Mutex
	dir       string
	storePath string
	indexPath string
	store     *os.File
	index     map[string]*objectMeta
}

// OpenSnapStore opens (or creates) the SnapStore rooted at dir.
func OpenSnapStore(dir string) (*SnapStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: creating snapstore dir: %w", err)
	}
	storePath := filepath.Join(dir, "store.bin")
	indexPath := filepath.Join(dir, "index.bin")

	store, err := os.OpenFile(storePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening store.bin: %w", err)
	}

	index := make(map[string]*objectMeta)
	if buf, err := os.ReadFile(indexPath); err == nil && len(buf) > 0 {
		if err := json.Unmarshal(buf, &index); err != nil {
			store.Close()
			return nil, fmt.Errorf("snapshot: decoding snapstore index: %w", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		store.Close()
		return nil, fmt.Errorf("snapshot: reading snapstore index: %w", err)
	}

	return &SnapStore{dir: dir, storePath: storePath, indexPath: indexPath, store: store, index: index}, nil
}

func hashHex(h [32]byte) string { return hex.EncodeToString(h[:]) }

// Put stores data (if not already present) and returns its content hash
// with its refcount incremented.
func (s *SnapStore) Put(data []byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := sha256.Sum256(data)
	key := hashHex(h)
	if meta, ok := s.index[key]; ok {
		meta.RefCount++
		return h, s.persistIndexLocked()
	}

	info, err := s.store.Stat()
	if err != nil {
		return h, fmt.Errorf("snapshot: stat store.bin: %w", err)
	}
	offset := info.Size()
	record := make([]byte, 32+4+len(data))
	copy(record[:32], h[:])
	binary.LittleEndian.PutUint32(record[32:36], uint32(len(data)))
	copy(record[36:], data)
	if _, err := s.store.WriteAt(record, offset); err != nil {
		return h, fmt.Errorf("snapshot: appending object: %w", err)
	}

	s.index[key] = &objectMeta{Offset: offset, Length: int64(len(data)), RefCount: 1}
	return h, s.persistIndexLocked()
}

// AddRef increments hash's refcount, for multi-snapshot sharing of an
// already-stored object.
func (s *SnapStore) AddRef(h [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[hashHex(h)]
	if !ok {
		return fmt.Errorf("snapshot: add_ref on unknown object: %w", ErrSnapshotMissing)
	}
	meta.RefCount++
	return s.persistIndexLocked()
}

// DecRef decrements hash's refcount and drops it from the index once it
// reaches zero; the bytes in store.bin become reclaimable dead space until
// the next Compact.
func (s *SnapStore) DecRef(h [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hashHex(h)
	meta, ok := s.index[key]
	if !ok {
		return nil
	}
	meta.RefCount--
	if meta.RefCount <= 0 {
		delete(s.index, key)
	}
	return s.persistIndexLocked()
}

// Get returns the stored payload for hash.
func (s *SnapStore) Get(h [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[hashHex(h)]
	if !ok {
		return nil, fmt.Errorf("snapshot: object not found: %w", ErrSnapshotMissing)
	}
	buf := make([]byte, meta.Length)
	if _, err := s.store.ReadAt(buf, meta.Offset+36); err != nil {
		return nil, fmt.Errorf("snapshot: reading object: %w", err)
	}
	return buf, nil
}

// Compact rewrites store.bin to contain only the payloads still
// referenced by the index, reclaiming space freed by DecRef.
func (s *SnapStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out bytes.Buffer
	newIndex := make(map[string]*objectMeta, len(s.index))
	for key, meta := range s.index {
		buf := make([]byte, meta.Length)
		if _, err := s.store.ReadAt(buf, meta.Offset+36); err != nil {
			return fmt.Errorf("snapshot: reading object during compact: %w", err)
		}
		newOffset := int64(out.Len())
		var hashBytes [32]byte
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("snapshot: decoding object key: %w", err)
		}
		copy(hashBytes[:], decoded)
		record := make([]byte, 32+4+len(buf))
		copy(record[:32], hashBytes[:])
		binary.LittleEndian.PutUint32(record[32:36], uint32(len(buf)))
		copy(record[36:], buf)
		out.Write(record)
		newIndex[key] = &objectMeta{Offset: newOffset, Length: meta.Length, RefCount: meta.RefCount}
	}

	if err := atomic.WriteFile(s.storePath, bytes.NewReader(out.Bytes())); err != nil {
		return fmt.Errorf("snapshot: replacing store.bin: %w", err)
	}
	s.store.Close()
	store, err := os.OpenFile(s.storePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: reopening store.bin: %w", err)
	}
	s.store = store
	s.index = newIndex
	return s.persistIndexLocked()
}

func (s *SnapStore) persistIndexLocked() error {
	buf, err := json.Marshal(s.index)
	if err != nil {
		return fmt.Errorf("snapshot: encoding snapstore index: %w", err)
	}
	if err := atomic.WriteFile(s.indexPath, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("snapshot: writing snapstore index: %w", err)
	}
	return nil
}

// Close closes the underlying store file.
func (s *SnapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Close()
}
