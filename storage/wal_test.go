package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal")
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("opening wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWALAppendAndReadAll(t *testing.T) {
	w := newTestWAL(t)

	lsn := w.NextLSN(3)
	records := []WALRecord{
		{Type: WALBegin, LSN: lsn, PageID: NoPage},
		{Type: WALPageImage, LSN: lsn + 1, PageID: 7, Payload: []byte("hello page")},
		{Type: WALCommit, LSN: lsn + 2, PageID: NoPage},
	}
	if err := w.AppendBatch(records); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := w.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[1].Type != WALPageImage || string(got[1].Payload) != "hello page" {
		t.Errorf("unexpected page image record: %+v", got[1])
	}
}

func TestWALToleratesTornTail(t *testing.T) {
	w := newTestWAL(t)

	lsn := w.NextLSN(1)
	if err := w.AppendBatch([]WALRecord{{Type: WALCommit, LSN: lsn, PageID: NoPage}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Simulate a crash mid-append: truncate off the tail few bytes of the
	// last record.
	info, err := os.Stat(w.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(w.path, info.Size()-2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	records, err := w.ReadAll()
	if err != nil {
		t.Fatalf("read all should tolerate a torn tail, got error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected the torn record to be dropped, got %d records", len(records))
	}
}

func TestWALTruncate(t *testing.T) {
	w := newTestWAL(t)

	lsn := w.NextLSN(1)
	if err := w.AppendBatch([]WALRecord{{Type: WALCommit, LSN: lsn, PageID: NoPage}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	records, err := w.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty wal after truncate, got %d records", len(records))
	}
}

func TestGroupTransactionsDropsUncommitted(t *testing.T) {
	records := []WALRecord{
		{Type: WALBegin, LSN: 1, PageID: NoPage},
		{Type: WALPageImage, LSN: 2, PageID: 5, Payload: []byte("a")},
		{Type: WALCommit, LSN: 2, PageID: NoPage},
		{Type: WALBegin, LSN: 3, PageID: NoPage},
		{Type: WALPageImage, LSN: 4, PageID: 9, Payload: []byte("b")}, // no following commit
	}

	txns, err := GroupTransactions(records)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 committed transaction, got %d", len(txns))
	}
	if string(txns[0].PageImages[5]) != "a" {
		t.Errorf("unexpected page image for page 5: %q", txns[0].PageImages[5])
	}
}

func TestGroupTransactionsHeadsUpdate(t *testing.T) {
	payload := EncodeHeadsUpdate(map[uint32]uint64{2: 100, 5: 200})
	records := []WALRecord{
		{Type: WALBegin, LSN: 1, PageID: NoPage},
		{Type: WALHeadsUpdate, LSN: 1, PageID: NoPage, Payload: payload},
		{Type: WALCommit, LSN: 1, PageID: NoPage},
	}

	txns, err := GroupTransactions(records)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	if txns[0].HeadsUpdates[2] != 100 || txns[0].HeadsUpdates[5] != 200 {
		t.Errorf("unexpected heads updates: %+v", txns[0].HeadsUpdates)
	}
}

func TestDecodeWALRecordsRejectsCorruption(t *testing.T) {
	rec := encodeWALRecord(&WALRecord{Type: WALCommit, LSN: 1, PageID: NoPage})
	rec[0] ^= 0xFF // corrupt the type byte without fixing the crc

	_, _, err := DecodeWALRecords(rec)
	if err == nil {
		t.Fatal("expected a crc mismatch error")
	}
}
