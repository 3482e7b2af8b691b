package kv

import (
	"fmt"
	"testing"
	"time"

	"github.com/quiverdb/quiverdb/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := storage.DefaultPagerOptions()
	opts.PageSize = storage.MinPageSize
	opts.Buckets = 16
	pager, err := storage.Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { pager.Close() })

	eopts := DefaultOptions()
	eopts.OverflowThresholdBytes = 256
	return NewEngine(pager, eopts)
}

func TestEnginePutGetRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Put([]byte("alpha"), []byte("one"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := e.Get([]byte("alpha"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(val) != "one" {
		t.Errorf("expected %q, got %q", "one", val)
	}
}

func TestEngineGetMissing(t *testing.T) {
	e := newTestEngine(t)
	_, ok, err := e.Get([]byte("nope"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected a miss for an absent key")
	}
}

func TestEngineOverwriteTailWins(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Put([]byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if err := e.Put([]byte("k"), []byte("v2"), 0); err != nil {
		t.Fatalf("put 2: %v", err)
	}
	val, ok, err := e.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(val) != "v2" {
		t.Errorf("expected newest write %q, got %q", "v2", val)
	}
}

func TestEngineDeleteThenGetMisses(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected a miss after delete")
	}
}

func TestEngineDeleteThenPutResurrects(t *testing.T) {
	e := newTestEngine(t)
	e.Put([]byte("k"), []byte("v1"), 0)
	e.Delete([]byte("k"))
	if err := e.Put([]byte("k"), []byte("v2"), 0); err != nil {
		t.Fatalf("put after delete: %v", err)
	}
	val, ok, err := e.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(val) != "v2" {
		t.Errorf("expected %q, got %q", "v2", val)
	}
}

func TestEngineExpiredKeyMisses(t *testing.T) {
	e := newTestEngine(t)
	past := uint32(time.Now().Add(-time.Hour).Unix())
	if err := e.Put([]byte("k"), []byte("v"), past); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, ok, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected expired key to miss")
	}
}

func TestEngineOverflowValueRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	big := make([]byte, 10_000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := e.Put([]byte("big"), big, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := e.Get([]byte("big"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(val) != len(big) {
		t.Fatalf("expected %d bytes, got %d", len(big), len(val))
	}
	for i := range big {
		if val[i] != big[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestEngineScanYieldsLiveKeysOnly(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 20; i++ {
		e.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte("v"), 0)
	}
	e.Delete([]byte("key-05"))

	seen := make(map[string]bool)
	err := e.Scan(ScanOptions{}, func(ent Entry) error {
		seen[string(ent.Key)] = true
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 19 {
		t.Fatalf("expected 19 live keys, got %d", len(seen))
	}
	if seen["key-05"] {
		t.Error("expected deleted key to be excluded from scan")
	}
}

func TestEngineScanPrefixFilter(t *testing.T) {
	e := newTestEngine(t)
	e.Put([]byte("user:1"), []byte("a"), 0)
	e.Put([]byte("user:2"), []byte("b"), 0)
	e.Put([]byte("order:1"), []byte("c"), 0)

	var got []string
	err := e.Scan(ScanOptions{Prefix: []byte("user:")}, func(ent Entry) error {
		got = append(got, string(ent.Key))
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matching keys, got %d: %v", len(got), got)
	}
}
