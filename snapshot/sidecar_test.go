package snapshot

import (
	"bytes"
	"testing"
)

func openTestSidecar(t *testing.T) *Sidecar {
	t.Helper()
	s, err := OpenSidecar(t.TempDir())
	if err != nil {
		t.Fatalf("open sidecar: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSidecarAppendFreezeAndLookup(t *testing.T) {
	s := openTestSidecar(t)
	payload := []byte("frozen page bytes")

	if err := s.AppendFreeze(7, 100, payload); err != nil {
		t.Fatalf("append freeze: %v", err)
	}

	offset, lsn, ok, err := s.Lookup(7)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected lookup hit")
	}
	if lsn != 100 {
		t.Fatalf("expected page_lsn 100, got %d", lsn)
	}

	got, err := s.ReadFrame(offset, uint32(len(payload)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestSidecarLookupIsLastWriterWins(t *testing.T) {
	s := openTestSidecar(t)

	if err := s.AppendFreeze(1, 10, []byte("first")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.AppendFreeze(1, 20, []byte("second")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	offset, lsn, ok, err := s.Lookup(1)
	if err != nil || !ok {
		t.Fatalf("lookup: %v %v", ok, err)
	}
	if lsn != 20 {
		t.Fatalf("expected last writer's lsn 20, got %d", lsn)
	}
	got, err := s.ReadFrame(offset, 6)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("expected \"second\", got %q", got)
	}
}

func TestSidecarLookupMissReturnsNotOK(t *testing.T) {
	s := openTestSidecar(t)
	_, _, ok, err := s.Lookup(999)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected no entry for unknown page id")
	}
}

func TestSidecarHashIndexRoundTrip(t *testing.T) {
	s := openTestSidecar(t)
	var hash [32]byte
	copy(hash[:], []byte("0123456789abcdef0123456789abcdef"))

	if err := s.AppendHash(42, hash); err != nil {
		t.Fatalf("append hash: %v", err)
	}

	got, ok, err := s.LookupHash(42)
	if err != nil || !ok {
		t.Fatalf("lookup hash: %v %v", ok, err)
	}
	if got != hash {
		t.Fatalf("expected %x, got %x", hash, got)
	}

	entries, err := s.HashEntries()
	if err != nil {
		t.Fatalf("hash entries: %v", err)
	}
	if len(entries) != 1 || entries[0].PageID != 42 {
		t.Fatalf("unexpected hash entries: %+v", entries)
	}
}

func TestSidecarReadFrameDetectsCorruption(t *testing.T) {
	s := openTestSidecar(t)
	if err := s.AppendFreeze(3, 1, []byte("intact")); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Corrupt the payload in place.
	if _, err := s.freeze.WriteAt([]byte("X"), freezeFrameHeaderSize); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	offset, _, ok, err := s.Lookup(3)
	if err != nil || !ok {
		t.Fatalf("lookup: %v %v", ok, err)
	}
	if _, err := s.ReadFrame(offset, 6); err == nil {
		t.Fatalf("expected checksum failure on corrupted frame")
	}
}
