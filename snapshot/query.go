package snapshot

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiverdb/kv"
	"github.com/quiverdb/quiverdb/storage"
)

// GetAsOf resolves key's value as it stood when snapshot id began: the same
// head-to-tail, newest-record-wins bucket chain walk kv.Engine.Get performs,
// but sourcing every page (chain pages and any overflow chain they point
// at) through ReadAsOf instead of the pager's live state, so an overwrite
// or chain compaction after Begin never changes the answer.
func (m *Manager) GetAsOf(id string, key []byte) (value []byte, ok bool, err error) {
	m.mu.Lock()
	state, exists := m.active[id]
	m.mu.Unlock()
	if !exists {
		return nil, false, fmt.Errorf("snapshot: reading as of %q: %w", id, ErrSnapshotMissing)
	}

	bucket := kv.Bucket(key, uint32(len(state.heads)))
	pid := state.heads[bucket]
	for pid != storage.NoPage {
		data, err := m.ReadAsOf(id, pid)
		if err != nil {
			return nil, false, err
		}
		page, err := storage.DecodeKVPage(data, m.pager.PageSize())
		if err != nil {
			return nil, false, fmt.Errorf("snapshot: decoding chain page %d as of %q: %w", pid, id, err)
		}
		rec, found, err := page.FindRecord(key)
		if err != nil {
			return nil, false, fmt.Errorf("snapshot: decoding record on page %d as of %q: %w", pid, id, err)
		}
		if found {
			if rec.Tombstone || (rec.ExpiresAt != 0 && uint32(time.Now().Unix()) >= rec.ExpiresAt) {
				return nil, false, nil
			}
			val, err := m.resolveValueAsOf(id, rec)
			if err != nil {
				return nil, false, err
			}
			return val, true, nil
		}
		pid = page.NextPageID()
	}
	return nil, false, nil
}

func (m *Manager) resolveValueAsOf(id string, rec *storage.KVRecord) ([]byte, error) {
	if rec.Overflow == nil {
		return rec.Value, nil
	}

	out := make([]byte, 0, rec.Overflow.TotalLen)
	pid := rec.Overflow.HeadPageID
	for pid != storage.NoPage {
		data, err := m.ReadAsOf(id, pid)
		if err != nil {
			return nil, err
		}
		page, err := storage.DecodeOverflowPage(data, m.pager.PageSize())
		if err != nil {
			return nil, fmt.Errorf("snapshot: decoding overflow page %d as of %q: %w", pid, id, err)
		}
		chunk, err := storage.DecodeChunk(page.ReadChunk(), page.CodecID())
		if err != nil {
			return nil, fmt.Errorf("snapshot: decoding overflow chunk on page %d as of %q: %w", pid, id, err)
		}
		out = append(out, chunk...)
		pid = page.NextPageID()
	}
	if uint64(len(out)) != rec.Overflow.TotalLen {
		return nil, fmt.Errorf("snapshot: overflow chain length mismatch as of %q: want %d, got %d: %w", id, rec.Overflow.TotalLen, len(out), storage.ErrInvalidFormat)
	}
	return out, nil
}
