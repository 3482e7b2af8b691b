package kv

import (
	"testing"

	"github.com/quiverdb/quiverdb/storage"
)

func newTestPager(t *testing.T) *storage.Pager {
	t.Helper()
	opts := storage.DefaultPagerOptions()
	opts.PageSize = storage.MinPageSize
	opts.Buckets = 4
	pager, err := storage.Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { pager.Close() })
	return pager
}

func TestAllocateAndReadOverflowChain(t *testing.T) {
	pager := newTestPager(t)
	value := make([]byte, 20_000)
	for i := range value {
		value[i] = byte(i % 251)
	}

	pages, placeholder, err := allocateOverflowChain(pager, value, storage.CodecZstd)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(pages) < 2 {
		t.Fatalf("expected a multi-page chain for a 20000-byte value, got %d pages", len(pages))
	}
	if _, err := pager.CommitBatch(pages, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := readOverflowChain(pager, placeholder.HeadPageID, placeholder.TotalLen)
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	if len(got) != len(value) {
		t.Fatalf("expected %d bytes, got %d", len(value), len(got))
	}
	for i := range value {
		if got[i] != value[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestFreeOverflowChainInvokesHookAndFrees(t *testing.T) {
	pager := newTestPager(t)
	value := make([]byte, 9000)
	pages, placeholder, err := allocateOverflowChain(pager, value, storage.CodecNone)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := pager.CommitBatch(pages, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var frozen []uint64
	hook := func(pageID uint64, data []byte) error {
		frozen = append(frozen, pageID)
		return nil
	}
	if err := freeOverflowChain(pager, placeholder.HeadPageID, hook); err != nil {
		t.Fatalf("free: %v", err)
	}
	if len(frozen) != len(pages) {
		t.Fatalf("expected hook called for all %d pages, got %d", len(pages), len(frozen))
	}

	entries, err := pager.FreeListEntries()
	if err != nil {
		t.Fatalf("free list entries: %v", err)
	}
	if len(entries) != len(pages) {
		t.Fatalf("expected %d freed pages on the free list, got %d", len(pages), len(entries))
	}
}
