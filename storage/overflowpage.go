package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// OVERFLOW page header (after the common header): chunk_len u32, reserved
// u32, next_page_id u64, page_lsn u64, codec_id u16. See spec.md §3/§6.
const (
	ofChunkLenOff  = CommonHeaderSize
	ofReservedOff  = ofChunkLenOff + 4
	ofNextPageOff  = ofReservedOff + 4
	ofPageLSNOff   = ofNextPageOff + 8
	ofCodecIDOff   = ofPageLSNOff + 8
	ofHeaderEnd    = ofCodecIDOff + 2 // 42
)

// CodecKind selects per-chunk compression for overflow pages.
type CodecKind uint16

const (
	CodecNone CodecKind = 0
	CodecZstd CodecKind = 1
)

// NewOverflowPage allocates a fresh overflow chain link with no payload.
func NewOverflowPage(pageSize uint32, pageID uint64) *Page {
	p := NewPage(pageSize, PageTypeOverflow, pageID)
	binary.LittleEndian.PutUint64(p.Data[ofNextPageOff:], NoPage)
	return p
}

// DecodeOverflowPage validates the common header of an on-disk overflow
// page buffer.
func DecodeOverflowPage(data []byte, pageSize uint32) (*Page, error) {
	if err := validateCommonHeader(data, PageTypeOverflow); err != nil {
		return nil, err
	}
	return &Page{Data: data, PageSize: pageSize}, nil
}

func (p *Page) ChunkLen() uint32  { return binary.LittleEndian.Uint32(p.Data[ofChunkLenOff:]) }
func (p *Page) CodecID() CodecKind {
	return CodecKind(binary.LittleEndian.Uint16(p.Data[ofCodecIDOff:]))
}

func (p *Page) setChunkLen(v uint32) { binary.LittleEndian.PutUint32(p.Data[ofChunkLenOff:], v) }
func (p *Page) setCodecID(v CodecKind) {
	binary.LittleEndian.PutUint16(p.Data[ofCodecIDOff:], uint16(v))
}

// overflowCapacity returns the number of raw chunk bytes an overflow page
// can hold.
func overflowCapacity(pageSize uint32) int {
	return int(pageSize) - ofHeaderEnd - TrailerSize
}

// WriteChunk stores chunk (already codec-encoded, if any) into the page's
// payload area. It is an error for chunk to exceed overflowCapacity.
func (p *Page) WriteChunk(chunk []byte, codec CodecKind) error {
	cap := overflowCapacity(p.PageSize)
	if len(chunk) > cap {
		return fmt.Errorf("storage: overflow chunk %d bytes exceeds page capacity %d: %w", len(chunk), cap, ErrInvalidFormat)
	}
	copy(p.Data[ofHeaderEnd:], chunk)
	p.setChunkLen(uint32(len(chunk)))
	p.setCodecID(codec)
	return nil
}

// ReadChunk returns the raw (still codec-encoded) chunk bytes stored in the
// page.
func (p *Page) ReadChunk() []byte {
	n := p.ChunkLen()
	return p.Data[ofHeaderEnd : uint32(ofHeaderEnd)+n]
}

var zstdEncoderOnce *zstd.Encoder
var zstdDecoderOnce *zstd.Decoder

func zstdEncoder() (*zstd.Encoder, error) {
	if zstdEncoderOnce != nil {
		return zstdEncoderOnce, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd encoder: %w", err)
	}
	zstdEncoderOnce = enc
	return enc, nil
}

func zstdDecoder() (*zstd.Decoder, error) {
	if zstdDecoderOnce != nil {
		return zstdDecoderOnce, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd decoder: %w", err)
	}
	zstdDecoderOnce = dec
	return dec, nil
}

// EncodeChunk compresses raw with codec (CodecNone is a pass-through).
func EncodeChunk(raw []byte, codec CodecKind) ([]byte, error) {
	switch codec {
	case CodecNone:
		return raw, nil
	case CodecZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("storage: unknown overflow codec %d: %w", codec, ErrInvalidFormat)
	}
}

// DecodeChunk decompresses chunk per codec.
func DecodeChunk(chunk []byte, codec CodecKind) ([]byte, error) {
	switch codec {
	case CodecNone:
		return chunk, nil
	case CodecZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(chunk, nil)
		if err != nil {
			return nil, fmt.Errorf("storage: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("storage: unknown overflow codec %d: %w", codec, ErrInvalidFormat)
	}
}

// SplitChunks partitions raw bytes (the value's full, uncompressed content)
// into page-sized, already-codec-encoded chunks ready for WriteChunk, one
// per overflow page in chain order. It never splits a compressed stream
// across pages — each chunk is compressed independently so a chain link is
// self-contained and decodable on its own.
func SplitChunks(raw []byte, pageSize uint32, codec CodecKind) ([][]byte, error) {
	cap := overflowCapacity(pageSize)
	if codec == CodecNone {
		var chunks [][]byte
		for len(raw) > 0 {
			n := len(raw)
			if n > cap {
				n = cap
			}
			chunks = append(chunks, raw[:n])
			raw = raw[n:]
		}
		if len(chunks) == 0 {
			chunks = [][]byte{{}}
		}
		return chunks, nil
	}

	// With compression, the uncompressed:compressed ratio isn't known in
	// advance, so chunk conservatively on raw input size and shrink the
	// window whenever a chunk's compressed form overflows page capacity.
	var chunks [][]byte
	window := cap
	for len(raw) > 0 {
		n := len(raw)
		if n > window {
			n = window
		}
		encoded, err := EncodeChunk(raw[:n], codec)
		if err != nil {
			return nil, err
		}
		for len(encoded) > cap && n > 1 {
			n /= 2
			window = n
			encoded, err = EncodeChunk(raw[:n], codec)
			if err != nil {
				return nil, err
			}
		}
		chunks = append(chunks, encoded)
		raw = raw[n:]
	}
	if len(chunks) == 0 {
		empty, err := EncodeChunk(nil, codec)
		if err != nil {
			return nil, err
		}
		chunks = [][]byte{empty}
	}
	return chunks, nil
}
