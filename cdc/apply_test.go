package cdc

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/quiverdb/quiverdb/kv"
	"github.com/quiverdb/quiverdb/storage"
)

var testCRCTable = crc32.MakeTable(crc32.Castagnoli)

const testRecordHeaderSize = 1 + 1 + 2 + 8 + 8 + 4 + 4

func encodeTestRecord(typ storage.WALRecordType, lsn, pageID uint64, payload []byte) []byte {
	buf := make([]byte, testRecordHeaderSize+len(payload))
	buf[0] = byte(typ)
	binary.LittleEndian.PutUint64(buf[4:12], lsn)
	binary.LittleEndian.PutUint64(buf[12:20], pageID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[testRecordHeaderSize:], payload)
	binary.LittleEndian.PutUint32(buf[24:28], crc32.Checksum(buf, testCRCTable))
	return buf
}

func testGlobalHeader() []byte {
	h := make([]byte, globalHeaderSize)
	copy(h[:8], globalMagic[:])
	return h
}

func newApplyTestPager(t *testing.T) *storage.Pager {
	t.Helper()
	opts := storage.DefaultPagerOptions()
	opts.PageSize = storage.MinPageSize
	opts.Buckets = 8
	p, err := storage.Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// producedStream writes one key through a real pager/engine so the
// PAGE_IMAGE payload is a genuinely valid, trailer-sealed page, then wraps
// it in a hand-built CDC byte stream mirroring exactly what a writer's WAL
// would contain for that commit.
func producedStream(t *testing.T) (stream []byte, bucket uint32, pageID uint64, lsn uint64, pageData []byte) {
	t.Helper()
	source := newApplyTestPager(t)
	engine := kv.NewEngine(source, kv.DefaultOptions())
	if err := engine.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	bucket = kv.Bucket([]byte("k"), source.Buckets())
	pageID = source.BucketHead(bucket)
	lsn = source.LastLSN()
	page, err := source.ReadPageAny(pageID)
	if err != nil {
		t.Fatalf("read produced page: %v", err)
	}
	pageData = append([]byte(nil), page.Data...)

	var buf bytes.Buffer
	buf.Write(testGlobalHeader())
	buf.Write(encodeTestRecord(storage.WALBegin, lsn-1, storage.NoPage, nil))
	buf.Write(encodeTestRecord(storage.WALPageImage, lsn, pageID, pageData))
	buf.Write(encodeTestRecord(storage.WALHeadsUpdate, lsn, storage.NoPage, storage.EncodeHeadsUpdate(map[uint32]uint64{bucket: pageID})))
	buf.Write(encodeTestRecord(storage.WALCommit, lsn, storage.NoPage, nil))
	return buf.Bytes(), bucket, pageID, lsn, pageData
}

func TestApplyAppliesFreshPageAndHeads(t *testing.T) {
	stream, bucket, pageID, lsn, pageData := producedStream(t)
	target := newApplyTestPager(t)

	consumed, applied, err := Apply(target, stream)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if consumed != len(stream) {
		t.Fatalf("expected full stream consumed, got %d/%d", consumed, len(stream))
	}
	if applied != 2 {
		t.Fatalf("expected 2 applied records (page image + heads update), got %d", applied)
	}
	if got := target.BucketHead(bucket); got != pageID {
		t.Fatalf("expected bucket head %d, got %d", pageID, got)
	}
	if target.LastLSN() != lsn {
		t.Fatalf("expected last_lsn %d, got %d", lsn, target.LastLSN())
	}
	got, err := target.ReadPageAny(pageID)
	if err != nil {
		t.Fatalf("read applied page: %v", err)
	}
	if !bytes.Equal(got.Data, pageData) {
		t.Fatalf("applied page bytes do not match source")
	}
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	stream, _, _, _, _ := producedStream(t)
	target := newApplyTestPager(t)

	if _, _, err := Apply(target, stream); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, applied, err := Apply(target, stream)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected idempotent replay to apply nothing, got %d", applied)
	}
}

func TestApplyIgnoresUnknownRecordType(t *testing.T) {
	target := newApplyTestPager(t)
	var buf bytes.Buffer
	buf.Write(testGlobalHeader())
	buf.Write(encodeTestRecord(storage.WALRecordType(99), 1, storage.NoPage, []byte("mystery")))

	_, applied, err := Apply(target, buf.Bytes())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected unknown record type to apply nothing, got %d", applied)
	}
}

func TestApplyHandlesTruncatedTrailingRecord(t *testing.T) {
	stream, _, _, _, _ := producedStream(t)
	target := newApplyTestPager(t)

	// Cut the stream off mid-way through the last record.
	truncated := stream[:len(stream)-3]
	consumed, _, err := Apply(target, truncated)
	if err != nil {
		t.Fatalf("apply truncated: %v", err)
	}
	if consumed >= len(truncated) {
		t.Fatalf("expected the partial trailing record to be left unconsumed")
	}
}
