package kv

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiverdb/storage"
)

// defaultOverflowSafetyCeiling bounds a single overflow chain traversal
// during the orphan sweep, so a corrupted cyclic chain can't hang it.
const defaultOverflowSafetyCeiling = 1 << 20

// CompactChain rewrites bucket's chain: a single head-to-tail,
// newest-to-oldest scan drops shadowed, tombstoned, and TTL-expired
// records, repacking everything still live into a shorter chain of fresh
// pages (spec.md §4.4). Overflow placeholders are carried over unchanged;
// overflow bytes are never rewritten here. The old chain's KV pages are
// freed (after freezing, if a live snapshot needs them) once the new head
// is committed.
func (e *Engine) CompactChain(bucket uint32) error {
	oldHead := e.pager.BucketHead(bucket)
	if oldHead == storage.NoPage {
		return nil
	}

	var oldPages []uint64
	seen := make(map[string]bool)
	var live []*storage.KVRecord
	now := time.Now()

	pid := oldHead
	for pid != storage.NoPage {
		oldPages = append(oldPages, pid)
		page, err := e.pager.ReadPage(pid, storage.PageTypeKV)
		if err != nil {
			return fmt.Errorf("kv: reading chain page %d during compaction: %w", pid, err)
		}
		records, err := page.Records()
		if err != nil {
			return fmt.Errorf("kv: decoding page %d during compaction: %w", pid, err)
		}
		for _, rec := range records {
			if seen[string(rec.Key)] {
				continue
			}
			seen[string(rec.Key)] = true
			if rec.Tombstone || expired(rec, now) {
				continue
			}
			live = append(live, rec)
		}
		pid = page.NextPageID()
	}

	newPages, err := e.packRecords(live)
	if err != nil {
		return err
	}

	var newHead uint64 = storage.NoPage
	if len(newPages) > 0 {
		newHead = newPages[0].PageID()
	}

	if _, err := e.pager.CommitBatch(newPages, map[uint32]uint64{bucket: newHead}); err != nil {
		return fmt.Errorf("kv: committing compacted chain: %w", err)
	}

	for _, id := range oldPages {
		page, err := e.pager.ReadPage(id, storage.PageTypeKV)
		if err != nil {
			return fmt.Errorf("kv: reading old page %d to free: %w", id, err)
		}
		if e.opts.Freeze != nil {
			if err := e.opts.Freeze(id, page.Data); err != nil {
				return fmt.Errorf("kv: freezing old page %d: %w", id, err)
			}
		}
		if err := e.pager.FreePage(id); err != nil {
			return fmt.Errorf("kv: freeing old page %d: %w", id, err)
		}
	}
	return nil
}

// packRecords allocates fresh KV pages and greedily packs live records into
// them, linking each page to the next in allocation order.
func (e *Engine) packRecords(live []*storage.KVRecord) ([]*storage.Page, error) {
	var pages []*storage.Page
	var current *storage.Page

	seal := func() {
		if current == nil {
			return
		}
		if len(pages) > 0 {
			pages[len(pages)-1].SetNextPageID(current.PageID())
		}
		pages = append(pages, current)
	}

	for _, rec := range live {
		if current == nil {
			id, err := e.pager.AllocatePage()
			if err != nil {
				return nil, fmt.Errorf("kv: allocating packer page: %w", err)
			}
			current = storage.NewKVPage(e.pager.PageSize(), id)
			current.SetNextPageID(storage.NoPage)
		}
		if !current.Put(rec) {
			seal()
			id, err := e.pager.AllocatePage()
			if err != nil {
				return nil, fmt.Errorf("kv: allocating packer page: %w", err)
			}
			current = storage.NewKVPage(e.pager.PageSize(), id)
			current.SetNextPageID(storage.NoPage)
			if !current.Put(rec) {
				return nil, fmt.Errorf("kv: record for key %q does not fit in an empty page: %w", rec.Key, storage.ErrInvalidFormat)
			}
		}
	}
	seal()
	return pages, nil
}

// OrphanOverflowSweep walks every reachable overflow chain from the
// directory's current bucket heads, then adds any allocated OVERFLOW page
// that is neither reachable nor already on the free list to the free list.
// Each reachability walk is capped at safetyCeiling hops to tolerate a
// corrupted cyclic chain without hanging.
func (e *Engine) OrphanOverflowSweep(safetyCeiling int) (freed int, err error) {
	if safetyCeiling <= 0 {
		safetyCeiling = defaultOverflowSafetyCeiling
	}

	reachable := make(map[uint64]bool)
	buckets := e.buckets()
	for b := uint32(0); b < buckets; b++ {
		pid := e.pager.BucketHead(b)
		for pid != storage.NoPage {
			page, err := e.pager.ReadPage(pid, storage.PageTypeKV)
			if err != nil {
				return freed, fmt.Errorf("kv: reading chain page %d during sweep: %w", pid, err)
			}
			records, err := page.Records()
			if err != nil {
				return freed, fmt.Errorf("kv: decoding page %d during sweep: %w", pid, err)
			}
			for _, rec := range records {
				if rec.Overflow == nil {
					continue
				}
				ovPid := rec.Overflow.HeadPageID
				hops := 0
				for ovPid != storage.NoPage && hops < safetyCeiling {
					if reachable[ovPid] {
						break
					}
					reachable[ovPid] = true
					ovPage, err := e.pager.ReadPage(ovPid, storage.PageTypeOverflow)
					if err != nil {
						return freed, fmt.Errorf("kv: reading overflow page %d during sweep: %w", ovPid, err)
					}
					ovPid = ovPage.NextPageID()
					hops++
				}
			}
			pid = page.NextPageID()
		}
	}

	onFreeList, err := e.pager.FreeListEntries()
	if err != nil {
		return freed, fmt.Errorf("kv: reading free list during sweep: %w", err)
	}
	free := make(map[uint64]bool, len(onFreeList))
	for _, id := range onFreeList {
		free[id] = true
	}

	for pid := uint64(0); pid < e.pager.NextPageID(); pid++ {
		if reachable[pid] || free[pid] {
			continue
		}
		page, err := e.pager.ReadPage(pid, storage.PageTypeOverflow)
		if err != nil {
			continue // not a valid overflow page (a live KV page, most likely)
		}
		_ = page
		if err := e.pager.FreePage(pid); err != nil {
			return freed, fmt.Errorf("kv: freeing orphan overflow page %d: %w", pid, err)
		}
		freed++
	}
	return freed, nil
}
