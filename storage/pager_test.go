package storage

import (
	"testing"
)

func testOptions() PagerOptions {
	opts := DefaultPagerOptions()
	opts.PageSize = MinPageSize
	opts.Buckets = 16
	return opts
}

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	p, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPagerAllocateAndReadWrite(t *testing.T) {
	p := openTestPager(t)

	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	page := NewKVPage(p.PageSize(), id)
	rec := &KVRecord{Key: []byte("k"), Value: []byte("v")}
	if !page.Put(rec) {
		t.Fatal("expected record to fit")
	}

	lsn, err := p.CommitBatch([]*Page{page}, map[uint32]uint64{0: id})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if lsn == 0 {
		t.Error("expected a nonzero commit lsn")
	}

	readBack, err := p.ReadPage(id, PageTypeKV)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	got, ok, err := readBack.FindRecord([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("expected to find record, ok=%v err=%v", ok, err)
	}
	if string(got.Value) != "v" {
		t.Errorf("expected value %q, got %q", "v", got.Value)
	}

	if p.BucketHead(0) != id {
		t.Errorf("expected bucket 0 head %d, got %d", id, p.BucketHead(0))
	}
}

func TestPagerReadBeyondAllocationReturnsEmptyPage(t *testing.T) {
	p := openTestPager(t)

	page, err := p.ReadPage(999, PageTypeKV)
	if err != nil {
		t.Fatalf("read beyond allocation: %v", err)
	}
	if page.UsedSlots() != 0 {
		t.Errorf("expected a fresh empty page, got %d used slots", page.UsedSlots())
	}
}

func TestPagerReadBeyondAllocationStrict(t *testing.T) {
	opts := testOptions()
	opts.ReadBeyondAllocStrict = true
	p, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if _, err := p.ReadPage(999, PageTypeKV); err == nil {
		t.Fatal("expected ErrOutOfAllocation")
	}
}

func TestPagerReadOnlyRejectsCommit(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p.Close()

	ro, err := OpenReadOnly(dir, testOptions())
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	page := NewKVPage(ro.PageSize(), 0)
	if _, err := ro.CommitBatch([]*Page{page}, nil); err == nil {
		t.Fatal("expected ErrReadOnly")
	}
}

func TestPagerOnCommitHook(t *testing.T) {
	p := openTestPager(t)

	var seen []CommitInfo
	p.OnCommit(func(info CommitInfo) { seen = append(seen, info) })

	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page := NewKVPage(p.PageSize(), id)
	if _, err := p.CommitBatch([]*Page{page}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 commit notification, got %d", len(seen))
	}
	if len(seen[0].PageIDs) != 1 || seen[0].PageIDs[0] != id {
		t.Errorf("unexpected page ids in commit info: %+v", seen[0].PageIDs)
	}
}

func TestPagerRecoversFromUncleanShutdown(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	p, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page := NewKVPage(p.PageSize(), id)
	rec := &KVRecord{Key: []byte("k"), Value: []byte("v")}
	page.Put(rec)
	if _, err := p.CommitBatch([]*Page{page}, map[uint32]uint64{3: id}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Simulate a crash: mark the meta file as unclean without truncating
	// the WAL, then reopen.
	p.meta.CleanShutdown = false
	if err := SaveMeta(p.metaPath, p.meta); err != nil {
		t.Fatalf("save meta: %v", err)
	}
	p.lock.unlock()

	recovered, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen after unclean shutdown: %v", err)
	}
	defer recovered.Close()

	got, err := recovered.ReadPage(id, PageTypeKV)
	if err != nil {
		t.Fatalf("read page after recovery: %v", err)
	}
	rec2, ok, err := got.FindRecord([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("expected record to survive recovery, ok=%v err=%v", ok, err)
	}
	if string(rec2.Value) != "v" {
		t.Errorf("expected value %q, got %q", "v", rec2.Value)
	}
	if recovered.BucketHead(3) != id {
		t.Errorf("expected bucket 3 head %d after recovery, got %d", id, recovered.BucketHead(3))
	}
}
