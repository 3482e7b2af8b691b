package kv

import (
	"fmt"

	"github.com/quiverdb/quiverdb/storage"
)

// FreezeHook is invoked with a page's current bytes immediately before the
// engine would otherwise free it, giving a snapshot manager the chance to
// preserve the image for a live as-of-LSN reader (spec.md §4.5's
// write-path COW). A nil hook means no live snapshot needs the page.
type FreezeHook func(pageID uint64, data []byte) error

// allocateOverflowChain splits value into page-sized chunks (compressing
// each independently per codec) and writes them as a linked list of fresh
// OVERFLOW pages. It returns the pages to include in the caller's commit
// batch and the placeholder pointing at the chain head.
func allocateOverflowChain(pager *storage.Pager, value []byte, codec storage.CodecKind) ([]*storage.Page, *storage.OverflowPlaceholder, error) {
	chunks, err := storage.SplitChunks(value, pager.PageSize(), codec)
	if err != nil {
		return nil, nil, fmt.Errorf("kv: splitting overflow value: %w", err)
	}

	pages := make([]*storage.Page, 0, len(chunks))
	ids := make([]uint64, 0, len(chunks))
	for range chunks {
		id, err := pager.AllocatePage()
		if err != nil {
			return nil, nil, fmt.Errorf("kv: allocating overflow page: %w", err)
		}
		ids = append(ids, id)
	}

	for i, chunk := range chunks {
		page := storage.NewOverflowPage(pager.PageSize(), ids[i])
		if err := page.WriteChunk(chunk, codec); err != nil {
			return nil, nil, fmt.Errorf("kv: writing overflow chunk: %w", err)
		}
		if i+1 < len(ids) {
			page.SetNextPageID(ids[i+1])
		} else {
			page.SetNextPageID(storage.NoPage)
		}
		pages = append(pages, page)
	}

	return pages, &storage.OverflowPlaceholder{TotalLen: uint64(len(value)), HeadPageID: ids[0]}, nil
}

// readOverflowChain walks an overflow chain from head, decompressing and
// concatenating each chunk, and returns exactly totalLen bytes.
func readOverflowChain(pager *storage.Pager, head uint64, totalLen uint64) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	pid := head
	for pid != storage.NoPage {
		page, err := pager.ReadPage(pid, storage.PageTypeOverflow)
		if err != nil {
			return nil, fmt.Errorf("kv: reading overflow page %d: %w", pid, err)
		}
		chunk, err := storage.DecodeChunk(page.ReadChunk(), page.CodecID())
		if err != nil {
			return nil, fmt.Errorf("kv: decoding overflow chunk on page %d: %w", pid, err)
		}
		out = append(out, chunk...)
		pid = page.NextPageID()
	}
	if uint64(len(out)) != totalLen {
		return nil, fmt.Errorf("kv: overflow chain length mismatch: want %d, got %d: %w", totalLen, len(out), storage.ErrInvalidFormat)
	}
	return out, nil
}

// freeOverflowChain walks an overflow chain from head and returns every
// page to the pager's free-list, freezing each page first via hook if
// non-nil.
func freeOverflowChain(pager *storage.Pager, head uint64, hook FreezeHook) error {
	pid := head
	for pid != storage.NoPage {
		page, err := pager.ReadPage(pid, storage.PageTypeOverflow)
		if err != nil {
			return fmt.Errorf("kv: reading overflow page %d to free: %w", pid, err)
		}
		if hook != nil {
			if err := hook(pid, page.Data); err != nil {
				return fmt.Errorf("kv: freezing overflow page %d: %w", pid, err)
			}
		}
		next := page.NextPageID()
		if err := pager.FreePage(pid); err != nil {
			return fmt.Errorf("kv: freeing overflow page %d: %w", pid, err)
		}
		pid = next
	}
	return nil
}

// resolveValue returns rec's logical value bytes, following an overflow
// placeholder if present.
func resolveValue(pager *storage.Pager, rec *storage.KVRecord) ([]byte, error) {
	if rec.Overflow == nil {
		return rec.Value, nil
	}
	return readOverflowChain(pager, rec.Overflow.HeadPageID, rec.Overflow.TotalLen)
}
