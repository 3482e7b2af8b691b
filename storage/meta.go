package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Meta is the singleton database meta file: "P2DBMETA" magic, version u32,
// page_size u32, flags u32, next_page_id u64, hash_kind u32, last_lsn u64,
// clean_shutdown u8, codec_default u16, checksum_kind u8. See spec.md §3/§6.
type Meta struct {
	PageSize      uint32
	Flags         uint32
	NextPageID    uint64
	HashKind      uint32
	LastLSN       uint64
	CleanShutdown bool
	CodecDefault  CodecKind
	ChecksumKind  ChecksumKind
}

const metaMagic = "P2DBMETA"
const metaVersion uint32 = 4

const (
	metaMagicLen      = 8
	metaVersionOff    = metaMagicLen
	metaPageSizeOff   = metaVersionOff + 4
	metaFlagsOff      = metaPageSizeOff + 4
	metaNextPageOff   = metaFlagsOff + 4
	metaHashKindOff   = metaNextPageOff + 8
	metaLastLSNOff    = metaHashKindOff + 4
	metaCleanOff      = metaLastLSNOff + 8
	metaCodecOff      = metaCleanOff + 1
	metaChecksumOff   = metaCodecOff + 2
	metaFileSize      = metaChecksumOff + 1
)

// HashKindXXHash64 is the only supported meta.hash_kind value.
const HashKindXXHash64 uint32 = 1

func encodeMeta(m *Meta) []byte {
	buf := make([]byte, metaFileSize)
	copy(buf[0:metaMagicLen], metaMagic)
	binary.LittleEndian.PutUint32(buf[metaVersionOff:], metaVersion)
	binary.LittleEndian.PutUint32(buf[metaPageSizeOff:], m.PageSize)
	binary.LittleEndian.PutUint32(buf[metaFlagsOff:], m.Flags)
	binary.LittleEndian.PutUint64(buf[metaNextPageOff:], m.NextPageID)
	binary.LittleEndian.PutUint32(buf[metaHashKindOff:], m.HashKind)
	binary.LittleEndian.PutUint64(buf[metaLastLSNOff:], m.LastLSN)
	if m.CleanShutdown {
		buf[metaCleanOff] = 1
	}
	binary.LittleEndian.PutUint16(buf[metaCodecOff:], uint16(m.CodecDefault))
	buf[metaChecksumOff] = byte(m.ChecksumKind)
	return buf
}

func decodeMeta(buf []byte) (*Meta, error) {
	if len(buf) != metaFileSize {
		return nil, fmt.Errorf("storage: meta file size %d, want %d: %w", len(buf), metaFileSize, ErrInvalidFormat)
	}
	if string(buf[0:metaMagicLen]) != metaMagic {
		return nil, fmt.Errorf("storage: bad meta magic: %w", ErrInvalidFormat)
	}
	version := binary.LittleEndian.Uint32(buf[metaVersionOff:])
	if version != metaVersion {
		return nil, fmt.Errorf("storage: unsupported meta version %d: %w", version, ErrInvalidFormat)
	}
	m := &Meta{
		PageSize:      binary.LittleEndian.Uint32(buf[metaPageSizeOff:]),
		Flags:         binary.LittleEndian.Uint32(buf[metaFlagsOff:]),
		NextPageID:    binary.LittleEndian.Uint64(buf[metaNextPageOff:]),
		HashKind:      binary.LittleEndian.Uint32(buf[metaHashKindOff:]),
		LastLSN:       binary.LittleEndian.Uint64(buf[metaLastLSNOff:]),
		CleanShutdown: buf[metaCleanOff] != 0,
		CodecDefault:  CodecKind(binary.LittleEndian.Uint16(buf[metaCodecOff:])),
		ChecksumKind:  ChecksumKind(buf[metaChecksumOff]),
	}
	if m.PageSize < MinPageSize || m.PageSize > MaxPageSize {
		return nil, fmt.Errorf("storage: meta page_size %d out of range: %w", m.PageSize, ErrInvalidFormat)
	}
	return m, nil
}

// LoadMeta reads and validates the meta file at path.
func LoadMeta(path string) (*Meta, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: reading meta file: %w", err)
	}
	return decodeMeta(buf)
}

// SaveMeta atomically writes m to path via a temp-file-then-rename, so a
// crash never leaves a half-written meta file behind.
func SaveMeta(path string, m *Meta) error {
	buf := encodeMeta(m)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: creating meta directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("storage: writing meta file: %w", err)
	}
	return nil
}
