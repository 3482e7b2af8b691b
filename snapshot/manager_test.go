package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/quiverdb/quiverdb/kv"
	"github.com/quiverdb/quiverdb/storage"
)

func newTestEngine(t *testing.T) (*storage.Pager, *kv.Engine, *Manager) {
	t.Helper()
	dir := t.TempDir()
	opts := storage.DefaultPagerOptions()
	opts.PageSize = storage.MinPageSize
	opts.Buckets = 8
	pager, err := storage.Open(dir, opts)
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { pager.Close() })

	mgr := NewManager(pager, filepath.Join(dir, "snapshots"))
	kvOpts := kv.DefaultOptions()
	kvOpts.OverflowThresholdBytes = 256
	kvOpts.Freeze = mgr.FreezeHook()
	engine := kv.NewEngine(pager, kvOpts)
	return pager, engine, mgr
}

func TestSnapshotActiveReflectsOpenSnapshots(t *testing.T) {
	_, _, mgr := newTestEngine(t)
	if mgr.Active() {
		t.Fatalf("expected no active snapshots initially")
	}
	snap, err := mgr.Begin(false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !mgr.Active() {
		t.Fatalf("expected active snapshot after begin")
	}
	if err := mgr.End(snap.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if mgr.Active() {
		t.Fatalf("expected no active snapshots after end")
	}
}

func TestSnapshotEndUnknownIDFails(t *testing.T) {
	_, _, mgr := newTestEngine(t)
	if err := mgr.End("nonexistent"); err == nil {
		t.Fatalf("expected error ending unknown snapshot")
	}
}

// TestSnapshotReadAsOfSurvivesPageReuse drives the full freeze-on-free path:
// a page that held a snapshot's version of a key gets freed by compaction,
// frozen into the sidecar, then reused and overwritten by a later write.
// The snapshot must keep seeing its original version, not the new tenant
// of that page id.
func TestSnapshotReadAsOfSurvivesPageReuse(t *testing.T) {
	pager, engine, mgr := newTestEngine(t)
	bucket := kv.Bucket([]byte("k"), pager.Buckets())

	if err := engine.Put([]byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	headA := pager.BucketHead(bucket)

	snap, err := mgr.Begin(false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := engine.Put([]byte("k"), []byte("v2"), 0); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := engine.CompactChain(bucket); err != nil {
		t.Fatalf("compact: %v", err)
	}

	// Force the freed page id back into circulation, overwriting it with
	// unrelated content.
	if err := engine.Put([]byte("z"), []byte("v3"), 0); err != nil {
		t.Fatalf("put z: %v", err)
	}
	reusedHead := pager.BucketHead(kv.Bucket([]byte("z"), pager.Buckets()))
	if reusedHead != headA {
		t.Skipf("free list did not hand back page %d as expected (got %d); reuse ordering changed", headA, reusedHead)
	}

	raw, err := mgr.ReadAsOf(snap.ID, headA)
	if err != nil {
		t.Fatalf("read as of: %v", err)
	}
	page, err := storage.DecodeKVPage(raw, pager.PageSize())
	if err != nil {
		t.Fatalf("decode frozen page: %v", err)
	}
	rec, ok, err := page.FindRecord([]byte("k"))
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	if !ok {
		t.Fatalf("expected frozen page to still hold key \"k\"")
	}
	if string(rec.Value) != "v1" {
		t.Fatalf("expected frozen value v1, got %q", rec.Value)
	}

	if err := mgr.End(snap.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestSnapshotDedupSharesObjectsAcrossEnds(t *testing.T) {
	_, engine, mgr := newTestEngine(t)

	if err := engine.Put([]byte("a"), []byte("value-a"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	snap, err := mgr.Begin(true)
	if err != nil {
		t.Fatalf("begin dedup: %v", err)
	}
	if !snap.Dedup {
		t.Fatalf("expected dedup snapshot")
	}

	if err := engine.Put([]byte("a"), []byte("value-a-v2"), 0); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := engine.CompactChain(kv.Bucket([]byte("a"), 8)); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if err := mgr.End(snap.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
}
