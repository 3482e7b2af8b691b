package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// WALRecordType identifies the kind of entry recorded in the write-ahead
// log. Types are stable on the wire: the same encoding is replayed on
// crash recovery and streamed to CDC consumers (spec.md §4/§5).
type WALRecordType byte

const (
	WALBegin       WALRecordType = 1
	WALPageImage   WALRecordType = 2
	WALDelta       WALRecordType = 3 // reserved; never produced, skipped on decode
	WALCommit      WALRecordType = 4
	WALTruncate    WALRecordType = 5
	WALHeadsUpdate WALRecordType = 6
)

// walHeaderSize is the size of the WAL file's global header: magic ("P2WAL001")
// followed by 8 reserved bytes.
const walHeaderSize = 16

var walMagic = [8]byte{'P', '2', 'W', 'A', 'L', '0', '0', '1'}

// walRecordHeaderSize is the fixed 28-byte record header: type u8, flags
// u8, reserved u16, lsn u64, page_id u64, len u32, crc32c u32. The CRC
// covers the header (with the crc field itself zeroed) plus the variable
// payload that follows it.
const walRecordHeaderSize = 1 + 1 + 2 + 8 + 8 + 4 + 4

const (
	walTypeOff   = 0
	walFlagsOff  = 1
	walLSNOff    = 4
	walPageIDOff = 12
	walLenOff    = 20
	walCRCOff    = 24
)

// WALRecord is a single decoded WAL entry.
type WALRecord struct {
	Type    WALRecordType
	Flags   byte
	LSN     uint64
	PageID  uint64 // meaningful for PAGE_IMAGE; NoPage otherwise
	Payload []byte
}

func encodeWALRecord(rec *WALRecord) []byte {
	buf := make([]byte, walRecordHeaderSize+len(rec.Payload))
	buf[walTypeOff] = byte(rec.Type)
	buf[walFlagsOff] = rec.Flags
	binary.LittleEndian.PutUint64(buf[walLSNOff:], rec.LSN)
	binary.LittleEndian.PutUint64(buf[walPageIDOff:], rec.PageID)
	binary.LittleEndian.PutUint32(buf[walLenOff:], uint32(len(rec.Payload)))
	copy(buf[walRecordHeaderSize:], rec.Payload)
	crc := crc32cOf(buf)
	binary.LittleEndian.PutUint32(buf[walCRCOff:], crc)
	return buf
}

// DecodeWALRecords scans data for as many complete, CRC-valid records as it
// holds, stopping silently (not as an error) at a short/partial trailing
// record — the same tolerant-tail behavior recovery and CDC session replay
// both rely on. consumed is the byte offset of the first unconsumed byte,
// so a streaming caller knows how much to keep buffered.
func DecodeWALRecords(data []byte) (records []WALRecord, consumed int, err error) {
	offset := 0
	for {
		if offset+walRecordHeaderSize > len(data) {
			break
		}
		header := data[offset : offset+walRecordHeaderSize]
		payloadLen := int(binary.LittleEndian.Uint32(header[walLenOff:]))
		total := walRecordHeaderSize + payloadLen
		if offset+total > len(data) {
			break
		}

		rec := data[offset : offset+total]
		storedCRC := binary.LittleEndian.Uint32(rec[walCRCOff : walCRCOff+4])
		checkBuf := make([]byte, total)
		copy(checkBuf, rec)
		binary.LittleEndian.PutUint32(checkBuf[walCRCOff:], 0)
		if crc32cOf(checkBuf) != storedCRC {
			return records, offset, fmt.Errorf("storage: wal record at offset %d: %w", offset, ErrCorruptWAL)
		}

		records = append(records, WALRecord{
			Type:    WALRecordType(rec[walTypeOff]),
			Flags:   rec[walFlagsOff],
			LSN:     binary.LittleEndian.Uint64(rec[walLSNOff : walLSNOff+8]),
			PageID:  binary.LittleEndian.Uint64(rec[walPageIDOff : walPageIDOff+8]),
			Payload: append([]byte(nil), rec[walRecordHeaderSize:total]...),
		})
		offset += total
	}
	return records, offset, nil
}

// EncodeHeadsUpdate packs a bucket->head-page-id map into a HEADS_UPDATE
// payload: repeated [bucket u32][head_pid u64].
func EncodeHeadsUpdate(updates map[uint32]uint64) []byte {
	buf := make([]byte, 0, len(updates)*12)
	for b, pid := range updates {
		entry := make([]byte, 12)
		binary.LittleEndian.PutUint32(entry[0:4], b)
		binary.LittleEndian.PutUint64(entry[4:12], pid)
		buf = append(buf, entry...)
	}
	return buf
}

// DecodeHeadsUpdate unpacks a HEADS_UPDATE payload.
func DecodeHeadsUpdate(payload []byte) (map[uint32]uint64, error) {
	if len(payload)%12 != 0 {
		return nil, fmt.Errorf("storage: malformed heads_update payload: %w", ErrInvalidFormat)
	}
	out := make(map[uint32]uint64, len(payload)/12)
	for i := 0; i < len(payload); i += 12 {
		b := binary.LittleEndian.Uint32(payload[i : i+4])
		pid := binary.LittleEndian.Uint64(payload[i+4 : i+12])
		out[b] = pid
	}
	return out, nil
}

// Transaction is a decoded, committed group of WAL records: one BEGIN,
// zero or more PAGE_IMAGE/HEADS_UPDATE records, and a terminating COMMIT.
type Transaction struct {
	CommitLSN    uint64
	PageImages   map[uint64][]byte
	HeadsUpdates map[uint32]uint64
}

// GroupTransactions folds a flat record stream into committed transactions,
// discarding any trailing group that never reached COMMIT (an in-flight
// write interrupted by a crash). Unknown record types (e.g. a future
// PAGE_DELTA) are skipped rather than rejected, so older readers tolerate
// newer writers' additions.
func GroupTransactions(records []WALRecord) ([]*Transaction, error) {
	var out []*Transaction
	var cur *Transaction
	for _, r := range records {
		switch r.Type {
		case WALBegin:
			cur = &Transaction{PageImages: make(map[uint64][]byte), HeadsUpdates: make(map[uint32]uint64)}
		case WALPageImage:
			if cur == nil {
				continue
			}
			cur.PageImages[r.PageID] = r.Payload
		case WALHeadsUpdate:
			if cur == nil {
				continue
			}
			updates, err := DecodeHeadsUpdate(r.Payload)
			if err != nil {
				return nil, err
			}
			for b, pid := range updates {
				cur.HeadsUpdates[b] = pid
			}
		case WALCommit:
			if cur != nil {
				cur.CommitLSN = r.LSN
				out = append(out, cur)
				cur = nil
			}
		case WALTruncate:
			out = nil
			cur = nil
		default:
			// Forward-compatible: unknown type, skip.
		}
	}
	return out, nil
}

// WAL is the append-only, per-database write-ahead log file.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	nextLSN uint64
}

// OpenWAL opens or creates the WAL file at path (the pager keeps it at
// <dir>/wal).
func OpenWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: opening wal: %w", err)
	}
	w := &WAL{file: file, path: path, nextLSN: 1}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("storage: stat wal: %w", err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return w, nil
	}
	if err := w.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[0:8], walMagic[:])
	if _, err := w.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("storage: writing wal header: %w", err)
	}
	return nil
}

func (w *WAL) readHeader() error {
	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("storage: reading wal header: %w", err)
	}
	if string(hdr[0:8]) != string(walMagic[:]) {
		return fmt.Errorf("storage: bad wal magic: %w", ErrCorruptWAL)
	}
	return nil
}

// NextLSN reserves and returns n consecutive LSNs, returning the first.
func (w *WAL) NextLSN(n uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	first := w.nextLSN
	w.nextLSN += n
	return first
}

// AppendBatch writes a sequence of records (typically BEGIN, PAGE_IMAGE...,
// HEADS_UPDATE..., COMMIT) as a single contiguous append. It does not
// fsync; the caller follows it with Sync, which the pager routes through
// the concurrency package's coalescer so concurrent batches share one
// fsync.
func (w *WAL) AppendBatch(records []WALRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("storage: seeking wal: %w", err)
	}
	for _, rec := range records {
		if _, err := w.file.Write(encodeWALRecord(&rec)); err != nil {
			return fmt.Errorf("storage: appending wal record: %w", err)
		}
	}
	return nil
}

// Sync fsyncs the WAL file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("storage: fsyncing wal: %w", err)
	}
	return nil
}

// ReadAll loads every valid record currently in the file, tolerating (and
// silently dropping) a torn trailing record left by a crash mid-append.
func (w *WAL) ReadAll() ([]WALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("storage: reading wal: %w", err)
	}
	if len(data) < walHeaderSize {
		return nil, fmt.Errorf("storage: wal shorter than header: %w", ErrInvalidFormat)
	}
	records, _, err := DecodeWALRecords(data[walHeaderSize:])
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.LSN >= w.nextLSN {
			w.nextLSN = r.LSN + 1
		}
	}
	return records, nil
}

// Truncate resets the WAL to just its header, discarding all records. Used
// after a checkpoint has made every prior record's effects durable in the
// base files.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(walHeaderSize); err != nil {
		return fmt.Errorf("storage: truncating wal: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("storage: seeking wal after truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("storage: fsyncing wal after truncate: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("storage: closing wal: %w", err)
	}
	return nil
}
