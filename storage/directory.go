package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Directory is the fixed-size bucket-head array: "P2DIR02\0" magic, version
// u32=2, buckets u32, crc32c u32, then buckets u64 head page ids (NoPage
// for an empty bucket). See spec.md §3.
type Directory struct {
	path    string
	Buckets uint32
	heads   []uint64
}

const directoryMagic = "P2DIR02\x00"
const directoryVersion uint32 = 2
const directoryHeaderSize = 8 + 4 + 4 + 4 // magic + version + buckets + crc32c

func directoryFileSize(buckets uint32) int64 {
	return int64(directoryHeaderSize) + int64(buckets)*8
}

// CreateDirectory initializes a fresh directory file with every bucket
// pointing at NoPage.
func CreateDirectory(path string, buckets uint32) (*Directory, error) {
	d := &Directory{path: path, Buckets: buckets, heads: make([]uint64, buckets)}
	for i := range d.heads {
		d.heads[i] = NoPage
	}
	if err := d.save(); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenDirectory loads and validates an existing directory file.
func OpenDirectory(path string) (*Directory, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: reading directory: %w", err)
	}
	if len(buf) < directoryHeaderSize {
		return nil, fmt.Errorf("storage: directory file too small: %w", ErrInvalidFormat)
	}
	if string(buf[0:8]) != directoryMagic {
		return nil, fmt.Errorf("storage: bad directory magic: %w", ErrInvalidFormat)
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	if version != directoryVersion {
		return nil, fmt.Errorf("storage: unsupported directory version %d: %w", version, ErrInvalidFormat)
	}
	buckets := binary.LittleEndian.Uint32(buf[12:16])
	storedCRC := binary.LittleEndian.Uint32(buf[16:20])
	if int64(len(buf)) != directoryFileSize(buckets) {
		return nil, fmt.Errorf("storage: directory file size mismatch for %d buckets: %w", buckets, ErrInvalidFormat)
	}
	body := buf[directoryHeaderSize:]
	if crc32cOf(body) != storedCRC {
		return nil, fmt.Errorf("storage: directory checksum mismatch: %w", ErrChecksumMismatch)
	}
	heads := make([]uint64, buckets)
	for i := range heads {
		heads[i] = binary.LittleEndian.Uint64(body[i*8 : i*8+8])
	}
	return &Directory{path: path, Buckets: buckets, heads: heads}, nil
}

// Path returns the directory file's path on disk.
func (d *Directory) Path() string { return d.path }

// Head returns the head page id of bucket b, or NoPage if empty.
func (d *Directory) Head(b uint32) uint64 {
	return d.heads[b]
}

// Heads returns a copy of every bucket's head page id, indexed by bucket.
func (d *Directory) Heads() []uint64 {
	out := make([]uint64, len(d.heads))
	copy(out, d.heads)
	return out
}

// SetHead sets bucket b's head page id and persists the directory file
// atomically (temp file + rename), so a crash mid-update never leaves a
// torn directory behind.
func (d *Directory) SetHead(b uint32, pageID uint64) error {
	d.heads[b] = pageID
	return d.save()
}

// EncodeHeads serializes an arbitrary heads array in the same on-disk
// format as the live directory file, letting a caller (e.g. a snapshot
// backup) persist a frozen heads snapshot without touching the pager's own
// directory file.
func EncodeHeads(buckets uint32, heads []uint64) []byte {
	d := &Directory{Buckets: buckets, heads: heads}
	return d.encode()
}

// SetHeads applies a batch of bucket head updates (as written by a
// HEADS_UPDATE WAL record) and persists once.
func (d *Directory) SetHeads(updates map[uint32]uint64) error {
	for b, pid := range updates {
		d.heads[b] = pid
	}
	return d.save()
}

func (d *Directory) encode() []byte {
	buf := make([]byte, directoryFileSize(d.Buckets))
	copy(buf[0:8], directoryMagic)
	binary.LittleEndian.PutUint32(buf[8:12], directoryVersion)
	binary.LittleEndian.PutUint32(buf[12:16], d.Buckets)
	body := buf[directoryHeaderSize:]
	for i, h := range d.heads {
		binary.LittleEndian.PutUint64(body[i*8:i*8+8], h)
	}
	binary.LittleEndian.PutUint32(buf[16:20], crc32cOf(body))
	return buf
}

func (d *Directory) save() error {
	buf := d.encode()
	if err := atomic.WriteFile(d.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("storage: writing directory: %w", err)
	}
	return nil
}
