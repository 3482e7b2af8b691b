package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// KV page header (after the common header): data_start u32, table_slots
// u32, used_slots u32, flags u32, next_page_id u64, page_lsn u64, codec_id
// u16 (reserved). See spec.md §6.
const (
	kvDataStartOff  = CommonHeaderSize
	kvTableSlotsOff = kvDataStartOff + 4
	kvUsedSlotsOff  = kvTableSlotsOff + 4
	kvFlagsOff      = kvUsedSlotsOff + 4
	kvNextPageOff   = kvFlagsOff + 4
	kvPageLSNOff    = kvNextPageOff + 8
	kvCodecIDOff    = kvPageLSNOff + 8
	kvHeaderEnd     = kvCodecIDOff + 2 // 50
)

// slotEntrySize is the width of one Robin-Hood slot table entry: {offset
// u32, fingerprint u8, probe_distance u8}.
const slotEntrySize = 6

// emptySlotOffset marks an unoccupied slot.
const emptySlotOffset = ^uint32(0)

// recordHeaderSize is the width of a KV record's fixed header: [klen
// u16][vlen u32][expires_at_sec u32][vflags u8].
const recordHeaderSize = 2 + 4 + 4 + 1

const tombstoneFlag = 0x01

// overflowPlaceholderTag marks a value as a TLV pointer into an overflow
// chain rather than inline bytes.
const overflowPlaceholderTag = 0x01
const overflowPlaceholderLen = 16 // total_len u64 + head_pid u64
const overflowPlaceholderSize = 1 + 1 + overflowPlaceholderLen

// slotTableSlots picks a Robin-Hood table capacity proportional to page
// size: one slot per 32 bytes of page, and never fewer than 8.
func slotTableSlots(pageSize uint32) uint32 {
	n := pageSize / 32
	if n < 8 {
		n = 8
	}
	return n
}

func slotTableOffset(pageSize, tableSlots uint32) uint32 {
	return pageSize - TrailerSize - tableSlots*slotEntrySize
}

// NewKVPage allocates a fresh, empty KV page.
func NewKVPage(pageSize uint32, pageID uint64) *Page {
	p := NewPage(pageSize, PageTypeKV, pageID)
	tableSlots := slotTableSlots(pageSize)
	binary.LittleEndian.PutUint32(p.Data[kvDataStartOff:], kvHeaderEnd)
	binary.LittleEndian.PutUint32(p.Data[kvTableSlotsOff:], tableSlots)
	binary.LittleEndian.PutUint32(p.Data[kvUsedSlotsOff:], 0)
	binary.LittleEndian.PutUint64(p.Data[kvNextPageOff:], NoPage)
	binary.LittleEndian.PutUint64(p.Data[kvPageLSNOff:], 0)
	off := slotTableOffset(pageSize, tableSlots)
	for i := uint32(0); i < tableSlots; i++ {
		binary.LittleEndian.PutUint32(p.Data[off+i*slotEntrySize:], emptySlotOffset)
	}
	return p
}

// DecodeKVPage validates the common+KV header of an on-disk page buffer.
func DecodeKVPage(data []byte, pageSize uint32) (*Page, error) {
	if err := validateCommonHeader(data, PageTypeKV); err != nil {
		return nil, err
	}
	return &Page{Data: data, PageSize: pageSize}, nil
}

func (p *Page) DataStart() uint32  { return binary.LittleEndian.Uint32(p.Data[kvDataStartOff:]) }
func (p *Page) TableSlots() uint32 { return binary.LittleEndian.Uint32(p.Data[kvTableSlotsOff:]) }
func (p *Page) UsedSlots() uint32  { return binary.LittleEndian.Uint32(p.Data[kvUsedSlotsOff:]) }

func (p *Page) SetDataStart(v uint32) { binary.LittleEndian.PutUint32(p.Data[kvDataStartOff:], v) }
func (p *Page) setUsedSlots(v uint32) { binary.LittleEndian.PutUint32(p.Data[kvUsedSlotsOff:], v) }

func (p *Page) slotTableOff() uint32 {
	return slotTableOffset(p.PageSize, p.TableSlots())
}

type kvSlot struct {
	offset        uint32
	fingerprint   byte
	probeDistance byte
}

func (p *Page) getSlot(idx uint32) kvSlot {
	off := p.slotTableOff() + idx*slotEntrySize
	return kvSlot{
		offset:        binary.LittleEndian.Uint32(p.Data[off:]),
		fingerprint:   p.Data[off+4],
		probeDistance: p.Data[off+5],
	}
}

func (p *Page) setSlot(idx uint32, s kvSlot) {
	off := p.slotTableOff() + idx*slotEntrySize
	binary.LittleEndian.PutUint32(p.Data[off:], s.offset)
	p.Data[off+4] = s.fingerprint
	p.Data[off+5] = s.probeDistance
}

// KeyHash computes the bucket/fingerprint hash for key: xxhash64, seed 0
// (meta.hash_kind == 1, spec.md §6).
func KeyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Fingerprint derives the 8-bit Robin-Hood fingerprint from a key's hash
// deterministically (top byte), per spec.md §9's Open Question.
func Fingerprint(hash uint64) byte {
	return byte(hash >> 56)
}

func homeSlot(hash uint64, tableSlots uint32) uint32 {
	return uint32(hash % uint64(tableSlots))
}

// KVRecord is a decoded KV record.
type KVRecord struct {
	Key       []byte
	Value     []byte // inline value bytes, or nil if Overflow != nil
	ExpiresAt uint32
	Tombstone bool
	Overflow  *OverflowPlaceholder
}

// OverflowPlaceholder is the TLV value placeholder referring to an overflow
// chain (spec.md §3/§6).
type OverflowPlaceholder struct {
	TotalLen  uint64
	HeadPageID uint64
}

func encodeOverflowPlaceholder(o *OverflowPlaceholder) []byte {
	buf := make([]byte, overflowPlaceholderSize)
	buf[0] = overflowPlaceholderTag
	buf[1] = overflowPlaceholderLen
	binary.LittleEndian.PutUint64(buf[2:10], o.TotalLen)
	binary.LittleEndian.PutUint64(buf[10:18], o.HeadPageID)
	return buf
}

func decodeOverflowPlaceholder(b []byte) (*OverflowPlaceholder, error) {
	if len(b) < overflowPlaceholderSize || b[0] != overflowPlaceholderTag {
		return nil, fmt.Errorf("storage: malformed overflow placeholder: %w", ErrInvalidFormat)
	}
	return &OverflowPlaceholder{
		TotalLen:   binary.LittleEndian.Uint64(b[2:10]),
		HeadPageID: binary.LittleEndian.Uint64(b[10:18]),
	}, nil
}

// encodedRecordSize returns the on-disk size of rec's record encoding.
func encodedRecordSize(rec *KVRecord) int {
	valLen := len(rec.Value)
	if rec.Overflow != nil {
		valLen = overflowPlaceholderSize
	}
	return recordHeaderSize + len(rec.Key) + valLen
}

func encodeRecord(buf []byte, rec *KVRecord) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(rec.Key)))
	var valueBytes []byte
	if rec.Overflow != nil {
		valueBytes = encodeOverflowPlaceholder(rec.Overflow)
	} else {
		valueBytes = rec.Value
	}
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(valueBytes)))
	binary.LittleEndian.PutUint32(buf[6:10], rec.ExpiresAt)
	flags := byte(0)
	if rec.Tombstone {
		flags |= tombstoneFlag
	}
	buf[10] = flags
	off := recordHeaderSize
	copy(buf[off:], rec.Key)
	off += len(rec.Key)
	copy(buf[off:], valueBytes)
}

// decodeRecordAt decodes the record starting at byte offset off in the
// page, returning the record and its total encoded length.
func decodeRecordAt(data []byte, off uint32) (*KVRecord, uint32, error) {
	if int(off)+recordHeaderSize > len(data) {
		return nil, 0, fmt.Errorf("storage: record header out of bounds: %w", ErrInvalidFormat)
	}
	klen := binary.LittleEndian.Uint16(data[off : off+2])
	vlen := binary.LittleEndian.Uint32(data[off+2 : off+6])
	expires := binary.LittleEndian.Uint32(data[off+6 : off+10])
	flags := data[off+10]

	keyStart := off + recordHeaderSize
	valStart := keyStart + uint32(klen)
	valEnd := valStart + vlen
	if int(valEnd) > len(data) {
		return nil, 0, fmt.Errorf("storage: record body out of bounds: %w", ErrInvalidFormat)
	}

	rec := &KVRecord{
		Key:       append([]byte(nil), data[keyStart:valStart]...),
		ExpiresAt: expires,
		Tombstone: flags&tombstoneFlag != 0,
	}
	valueBytes := data[valStart:valEnd]
	if vlen == overflowPlaceholderSize && len(valueBytes) > 0 && valueBytes[0] == overflowPlaceholderTag {
		ov, err := decodeOverflowPlaceholder(valueBytes)
		if err != nil {
			return nil, 0, err
		}
		rec.Overflow = ov
	} else {
		rec.Value = append([]byte(nil), valueBytes...)
	}
	return rec, valEnd - off, nil
}

// FreeSpace returns the bytes still available for new records before the
// data area would run into the slot table.
func (p *Page) FreeSpace() int {
	return int(p.slotTableOff()) - int(p.DataStart())
}

// InsertRecord appends rec to the page's record area and inserts it into
// the Robin-Hood slot table. Returns false if the page lacks room (data
// area exhausted, or the slot table has reached table_slots capacity) —
// the caller must allocate a new chain link (spec.md §8's boundary case).
func (p *Page) InsertRecord(rec *KVRecord) bool {
	if p.UsedSlots() >= p.TableSlots() {
		return false
	}
	size := encodedRecordSize(rec)
	dataStart := p.DataStart()
	if int(dataStart)+size > int(p.slotTableOff()) {
		return false
	}

	buf := p.Data[dataStart : int(dataStart)+size]
	encodeRecord(buf, rec)

	hash := KeyHash(rec.Key)
	home := homeSlot(hash, p.TableSlots())
	p.insertAt(home, kvSlot{offset: dataStart, fingerprint: Fingerprint(hash)})

	p.SetDataStart(dataStart + uint32(size))
	p.setUsedSlots(p.UsedSlots() + 1)
	return true
}

// insertAt performs a Robin-Hood probe starting at home: an entry with a
// smaller probe distance than an incoming one is evicted in its favor and
// must itself be re-inserted further along the probe sequence.
func (p *Page) insertAt(home uint32, entry kvSlot) {
	tableSlots := p.TableSlots()
	idx := home
	dist := byte(0)
	for {
		cur := p.getSlot(idx)
		if cur.offset == emptySlotOffset {
			entry.probeDistance = dist
			p.setSlot(idx, entry)
			return
		}
		if cur.probeDistance < dist {
			entry.probeDistance = dist
			p.setSlot(idx, entry)
			entry = cur
			dist = cur.probeDistance
		}
		idx = (idx + 1) % tableSlots
		dist++
	}
}

// FindRecord looks up key in the page's slot table and decodes its record
// if present. ok is false if no slot holds this key.
func (p *Page) FindRecord(key []byte) (rec *KVRecord, ok bool, err error) {
	hash := KeyHash(key)
	tableSlots := p.TableSlots()
	home := homeSlot(hash, tableSlots)
	fp := Fingerprint(hash)

	idx := home
	dist := byte(0)
	for dist <= byte(tableSlots) {
		slot := p.getSlot(idx)
		if slot.offset == emptySlotOffset {
			return nil, false, nil
		}
		if slot.probeDistance < dist {
			// Robin-Hood invariant: if we've probed further than this
			// slot's own displacement, the key cannot be present.
			return nil, false, nil
		}
		if slot.fingerprint == fp {
			candidate, _, derr := decodeRecordAt(p.Data, slot.offset)
			if derr != nil {
				return nil, false, derr
			}
			if string(candidate.Key) == string(key) {
				return candidate, true, nil
			}
		}
		idx = (idx + 1) % tableSlots
		dist++
	}
	return nil, false, nil
}

// Records decodes every live slot in the page, in slot-array order.
func (p *Page) Records() ([]*KVRecord, error) {
	tableSlots := p.TableSlots()
	out := make([]*KVRecord, 0, p.UsedSlots())
	for i := uint32(0); i < tableSlots; i++ {
		slot := p.getSlot(i)
		if slot.offset == emptySlotOffset {
			continue
		}
		rec, _, err := decodeRecordAt(p.Data, slot.offset)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Put inserts or overwrites rec's key in this page. If the key already has
// a live slot in this page, the slot is repointed at the new record bytes
// appended to the data area (the old bytes become dead space reclaimed by
// compaction), so a page never holds two live slots for one key.
// Returns false if the page has no room and a new record had to be
// attempted.
func (p *Page) Put(rec *KVRecord) bool {
	hash := KeyHash(rec.Key)
	tableSlots := p.TableSlots()
	home := homeSlot(hash, tableSlots)
	fp := Fingerprint(hash)

	idx := home
	dist := byte(0)
	for dist <= byte(tableSlots) {
		slot := p.getSlot(idx)
		if slot.offset == emptySlotOffset {
			break
		}
		if slot.fingerprint == fp {
			existing, _, err := decodeRecordAt(p.Data, slot.offset)
			if err == nil && string(existing.Key) == string(rec.Key) {
				size := encodedRecordSize(rec)
				dataStart := p.DataStart()
				if int(dataStart)+size > int(p.slotTableOff()) {
					return false
				}
				buf := p.Data[dataStart : int(dataStart)+size]
				encodeRecord(buf, rec)
				slot.offset = dataStart
				p.setSlot(idx, slot)
				p.SetDataStart(dataStart + uint32(size))
				return true
			}
		}
		idx = (idx + 1) % tableSlots
		dist++
	}

	if p.UsedSlots() >= tableSlots {
		return false
	}
	size := encodedRecordSize(rec)
	dataStart := p.DataStart()
	if int(dataStart)+size > int(p.slotTableOff()) {
		return false
	}
	buf := p.Data[dataStart : int(dataStart)+size]
	encodeRecord(buf, rec)
	p.insertAt(home, kvSlot{offset: dataStart, fingerprint: fp})
	p.SetDataStart(dataStart + uint32(size))
	p.setUsedSlots(p.UsedSlots() + 1)
	return true
}
