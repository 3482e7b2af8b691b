package storage

import (
	"encoding/binary"
	"fmt"
)

// MinPageSize and MaxPageSize bound meta.page_size (spec.md §3): a power of
// two in [4 KiB, 1 MiB].
const (
	MinPageSize = 4 * 1024
	MaxPageSize = 1024 * 1024
)

// CommonHeaderSize is the size of the header shared by every page type.
const CommonHeaderSize = 16

var pageMagic = [4]byte{'P', '2', 'P', 'G'}

const pageVersion = 3

// PageType identifies the type of a page's body.
type PageType uint16

const (
	PageTypeKV       PageType = 2
	PageTypeOverflow PageType = 3
)

// NoPage is the sentinel page id meaning "no page" (end of chain, empty
// bucket head).
const NoPage uint64 = ^uint64(0)

// Page is a single page_size-byte buffer together with the page size it was
// allocated for. It is the unit of I/O exchanged with the Pager.
type Page struct {
	Data     []byte
	PageSize uint32
}

// NewPage allocates a zeroed page with its common header stamped.
func NewPage(pageSize uint32, ptype PageType, pageID uint64) *Page {
	p := &Page{Data: make([]byte, pageSize), PageSize: pageSize}
	copy(p.Data[0:4], pageMagic[:])
	binary.LittleEndian.PutUint16(p.Data[4:6], pageVersion)
	binary.LittleEndian.PutUint16(p.Data[6:8], uint16(ptype))
	binary.LittleEndian.PutUint64(p.Data[8:16], pageID)
	return p
}

// Type returns the page's type.
func (p *Page) Type() PageType {
	return PageType(binary.LittleEndian.Uint16(p.Data[6:8]))
}

// PageID returns the page's id, as stamped in its common header.
func (p *Page) PageID() uint64 {
	return binary.LittleEndian.Uint64(p.Data[8:16])
}

// NextPageID returns the chain link to the next page, dispatching on page
// type since KV and OVERFLOW headers place it at different offsets.
func (p *Page) NextPageID() uint64 {
	switch p.Type() {
	case PageTypeOverflow:
		return binary.LittleEndian.Uint64(p.Data[ofNextPageOff:])
	default:
		return binary.LittleEndian.Uint64(p.Data[kvNextPageOff:])
	}
}

// SetNextPageID sets the chain link to the next page.
func (p *Page) SetNextPageID(v uint64) {
	switch p.Type() {
	case PageTypeOverflow:
		binary.LittleEndian.PutUint64(p.Data[ofNextPageOff:], v)
	default:
		binary.LittleEndian.PutUint64(p.Data[kvNextPageOff:], v)
	}
}

// PageLSN returns the WAL LSN at which this page image was produced,
// dispatching on page type since KV and OVERFLOW headers place it at
// different offsets.
func (p *Page) PageLSN() uint64 {
	switch p.Type() {
	case PageTypeOverflow:
		return binary.LittleEndian.Uint64(p.Data[ofPageLSNOff:])
	default:
		return binary.LittleEndian.Uint64(p.Data[kvPageLSNOff:])
	}
}

// SetPageLSN stamps the page's header with the WAL LSN at which it was
// produced.
func (p *Page) SetPageLSN(v uint64) {
	switch p.Type() {
	case PageTypeOverflow:
		binary.LittleEndian.PutUint64(p.Data[ofPageLSNOff:], v)
	default:
		binary.LittleEndian.PutUint64(p.Data[kvPageLSNOff:], v)
	}
}

// Trailer returns the raw 16-byte trailer region at the tail of the page.
func (p *Page) Trailer() []byte {
	return p.Data[len(p.Data)-TrailerSize:]
}

// Body returns the page bytes excluding the trailer.
func (p *Page) Body() []byte {
	return p.Data[:len(p.Data)-TrailerSize]
}

// validateCommonHeader checks the magic, version, and declared type against
// an expected value; used by both the KV and OVERFLOW decoders.
func validateCommonHeader(data []byte, want PageType) error {
	if len(data) < CommonHeaderSize+TrailerSize {
		return fmt.Errorf("storage: page too small (%d bytes): %w", len(data), ErrInvalidFormat)
	}
	if data[0] != pageMagic[0] || data[1] != pageMagic[1] || data[2] != pageMagic[2] || data[3] != pageMagic[3] {
		return fmt.Errorf("storage: bad page magic: %w", ErrInvalidFormat)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != pageVersion {
		return fmt.Errorf("storage: unsupported page version %d: %w", version, ErrInvalidFormat)
	}
	gotType := PageType(binary.LittleEndian.Uint16(data[6:8]))
	if gotType != want {
		return fmt.Errorf("storage: expected page type %d, got %d: %w", want, gotType, ErrInvalidFormat)
	}
	return nil
}
