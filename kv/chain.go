package kv

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiverdb/storage"
)

// Options configures an Engine beyond what storage.Pager already owns.
type Options struct {
	// OverflowThresholdBytes is the inline/overflow cutoff for value bytes
	// (spec.md §4.3's ovf_threshold_bytes).
	OverflowThresholdBytes int
	// Codec selects the overflow chunk compression codec.
	Codec storage.CodecKind
	// Freeze, when set, is consulted before any overflow or chain page is
	// returned to the free-list, letting a snapshot manager preserve it.
	Freeze FreezeHook
}

// DefaultOptions returns the engine defaults named in spec.md §6.
func DefaultOptions() Options {
	return Options{
		OverflowThresholdBytes: storage.MinPageSize / 4, // a quarter of the default page size
		Codec:                  storage.CodecZstd,
	}
}

// Engine is the bucket-chained KV engine sitting directly on a
// storage.Pager: put/get/del/scan plus chain compaction.
type Engine struct {
	pager *storage.Pager
	opts  Options
}

// NewEngine wraps pager with the bucket-chain KV semantics.
func NewEngine(pager *storage.Pager, opts Options) *Engine {
	return &Engine{pager: pager, opts: opts}
}

func (e *Engine) buckets() uint32 { return e.pager.Buckets() }

// Put inserts or overwrites key with value, expiring at expiresAt (a Unix
// second timestamp; 0 means immortal). Oversized values spill to an
// overflow chain (spec.md §4.3).
func (e *Engine) Put(key, value []byte, expiresAt uint32) error {
	bucket := Bucket(key, e.buckets())
	oldHead := e.pager.BucketHead(bucket)

	rec := &storage.KVRecord{Key: key, ExpiresAt: expiresAt}
	pages := make([]*storage.Page, 0, 2)

	if e.opts.OverflowThresholdBytes > 0 && len(value) > e.opts.OverflowThresholdBytes {
		ovfPages, placeholder, err := allocateOverflowChain(e.pager, value, e.opts.Codec)
		if err != nil {
			return err
		}
		pages = append(pages, ovfPages...)
		rec.Overflow = placeholder
	} else {
		rec.Value = value
	}

	headID, err := e.pager.AllocatePage()
	if err != nil {
		return fmt.Errorf("kv: allocating head page: %w", err)
	}
	head := storage.NewKVPage(e.pager.PageSize(), headID)
	head.SetNextPageID(oldHead)
	if !head.Put(rec) {
		return fmt.Errorf("kv: record for key %q does not fit in an empty page: %w", key, storage.ErrInvalidFormat)
	}
	pages = append(pages, head)

	_, err = e.pager.CommitBatch(pages, map[uint32]uint64{bucket: headID})
	if err != nil {
		return fmt.Errorf("kv: committing put: %w", err)
	}
	return nil
}

// Get returns key's current value. ok is false if the key is absent,
// tombstoned, or TTL-expired.
func (e *Engine) Get(key []byte) (value []byte, ok bool, err error) {
	rec, found, err := e.findAuthoritative(key)
	if err != nil || !found {
		return nil, false, err
	}
	if rec.Tombstone {
		return nil, false, nil
	}
	if expired(rec, time.Now()) {
		return nil, false, nil
	}
	val, err := resolveValue(e.pager, rec)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Delete writes a tombstone record for key. If key's current authoritative
// record owns an overflow chain, that chain is freed (after freezing any
// page a live snapshot still needs) once the tombstone commit succeeds.
func (e *Engine) Delete(key []byte) error {
	existing, found, err := e.findAuthoritative(key)
	if err != nil {
		return err
	}

	bucket := Bucket(key, e.buckets())
	oldHead := e.pager.BucketHead(bucket)

	headID, err := e.pager.AllocatePage()
	if err != nil {
		return fmt.Errorf("kv: allocating tombstone page: %w", err)
	}
	head := storage.NewKVPage(e.pager.PageSize(), headID)
	head.SetNextPageID(oldHead)
	if !head.Put(&storage.KVRecord{Key: key, Tombstone: true}) {
		return fmt.Errorf("kv: tombstone for key %q does not fit in an empty page: %w", key, storage.ErrInvalidFormat)
	}

	if _, err := e.pager.CommitBatch([]*storage.Page{head}, map[uint32]uint64{bucket: headID}); err != nil {
		return fmt.Errorf("kv: committing delete: %w", err)
	}

	if found && existing.Overflow != nil && !existing.Tombstone {
		if err := freeOverflowChain(e.pager, existing.Overflow.HeadPageID, e.opts.Freeze); err != nil {
			return fmt.Errorf("kv: freeing overflow chain for deleted key %q: %w", key, err)
		}
	}
	return nil
}

// findAuthoritative traverses key's bucket chain head-to-tail and returns
// the first matching record, tombstone or not, expired or not: the newest
// write for this key, full stop. A miss anywhere past the first match is
// irrelevant — the newest record (structurally the one closest to the
// chain head, since put always prepends) is always authoritative.
func (e *Engine) findAuthoritative(key []byte) (*storage.KVRecord, bool, error) {
	bucket := Bucket(key, e.buckets())
	pid := e.pager.BucketHead(bucket)
	for pid != storage.NoPage {
		page, err := e.pager.ReadPage(pid, storage.PageTypeKV)
		if err != nil {
			return nil, false, fmt.Errorf("kv: reading chain page %d: %w", pid, err)
		}
		rec, ok, err := page.FindRecord(key)
		if err != nil {
			return nil, false, fmt.Errorf("kv: decoding record on page %d: %w", pid, err)
		}
		if ok {
			return rec, true, nil
		}
		pid = page.NextPageID()
	}
	return nil, false, nil
}

func expired(rec *storage.KVRecord, now time.Time) bool {
	return rec.ExpiresAt != 0 && uint32(now.Unix()) >= rec.ExpiresAt
}

// Entry is one key/value pair surfaced by Scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// ScanOptions configures Scan. Prefix, when non-empty, restricts results to
// keys with that byte prefix.
type ScanOptions struct {
	Prefix                 []byte
	TolerateChecksumErrors bool
}

// Scan walks every bucket chain head-to-tail and yields the tail-wins value
// for each live (non-tombstoned, non-expired) key via fn. Scan stops and
// returns fn's error if fn returns one.
func (e *Engine) Scan(opts ScanOptions, fn func(Entry) error) error {
	now := time.Now()
	buckets := e.buckets()
	for b := uint32(0); b < buckets; b++ {
		seen := make(map[string]bool)
		pid := e.pager.BucketHead(b)
		for pid != storage.NoPage {
			page, err := e.pager.ReadPage(pid, storage.PageTypeKV)
			if err != nil {
				if opts.TolerateChecksumErrors {
					break
				}
				return fmt.Errorf("kv: reading chain page %d: %w", pid, err)
			}
			records, err := page.Records()
			if err != nil {
				if opts.TolerateChecksumErrors {
					break
				}
				return fmt.Errorf("kv: decoding page %d: %w", pid, err)
			}
			for _, rec := range records {
				if seen[string(rec.Key)] {
					continue
				}
				seen[string(rec.Key)] = true
				if rec.Tombstone || expired(rec, now) {
					continue
				}
				if len(opts.Prefix) > 0 && !hasPrefix(rec.Key, opts.Prefix) {
					continue
				}
				val, err := resolveValue(e.pager, rec)
				if err != nil {
					return err
				}
				if err := fn(Entry{Key: rec.Key, Value: val}); err != nil {
					return err
				}
			}
			pid = page.NextPageID()
		}
	}
	return nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
