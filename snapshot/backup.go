package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quiverdb/quiverdb/storage"
)

// Manifest describes one backup: enough to validate and restore it without
// re-deriving anything from the live database.
type Manifest struct {
	LastLSN     uint64 `json:"last_lsn"`
	SinceLSN    uint64 `json:"since_lsn,omitempty"`
	Incremental bool   `json:"incremental"`
	PageSize    uint32 `json:"page_size"`
	Buckets     uint32 `json:"buckets"`
	PageCount   int    `json:"page_count"`
}

const backupPageRecordHeaderSize = 8 + 4 // page_id u64 + len u32

// Backup writes a full, as-of-snapshot backup of the database to dir:
// pages.bin (every live page as of the snapshot), dir.bin (the bucket
// directory) and manifest.json.
func Backup(dir string, pager *storage.Pager, mgr *Manager, snap *Snapshot) error {
	return writeBackup(dir, pager, mgr, snap, 0)
}

// IncrementalBackup writes only the pages whose page_lsn falls in
// (sinceLSN, snap.LSN], alongside the same dir.bin/manifest.json as a full
// backup.
func IncrementalBackup(dir string, pager *storage.Pager, mgr *Manager, snap *Snapshot, sinceLSN uint64) error {
	return writeBackup(dir, pager, mgr, snap, sinceLSN)
}

func writeBackup(dir string, pager *storage.Pager, mgr *Manager, snap *Snapshot, sinceLSN uint64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: creating backup dir: %w", err)
	}

	pagesFile, err := os.Create(filepath.Join(dir, "pages.bin"))
	if err != nil {
		return fmt.Errorf("snapshot: creating pages.bin: %w", err)
	}
	defer pagesFile.Close()

	var offset int64
	count := 0
	next := pager.NextPageID()
	for pid := uint64(0); pid < next; pid++ {
		data, err := mgr.ReadAsOf(snap.ID, pid)
		if err != nil {
			continue // page id never allocated, or not reconstructible: skip
		}
		pageLSN := (&storage.Page{Data: data, PageSize: pager.PageSize()}).PageLSN()
		if sinceLSN > 0 && (pageLSN <= sinceLSN || pageLSN > snap.LSN) {
			continue
		}

		record := make([]byte, backupPageRecordHeaderSize+len(data))
		binary.LittleEndian.PutUint64(record[0:8], pid)
		binary.LittleEndian.PutUint32(record[8:12], uint32(len(data)))
		copy(record[backupPageRecordHeaderSize:], data)
		if _, err := pagesFile.WriteAt(record, offset); err != nil {
			return fmt.Errorf("snapshot: writing page %d to backup: %w", pid, err)
		}
		offset += int64(len(record))
		count++
	}
	if err := pagesFile.Sync(); err != nil {
		return fmt.Errorf("snapshot: syncing pages.bin: %w", err)
	}

	heads, err := mgr.HeadsAsOf(snap.ID)
	if err != nil {
		return fmt.Errorf("snapshot: reading snapshot heads: %w", err)
	}
	dirBuf := storage.EncodeHeads(pager.Buckets(), heads)
	if err := os.WriteFile(filepath.Join(dir, "dir.bin"), dirBuf, 0o644); err != nil {
		return fmt.Errorf("snapshot: writing directory: %w", err)
	}

	manifest := Manifest{
		LastLSN:     snap.LSN,
		SinceLSN:    sinceLSN,
		Incremental: sinceLSN > 0,
		PageSize:    pager.PageSize(),
		Buckets:     pager.Buckets(),
		PageCount:   count,
	}
	buf, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), buf, 0o644); err != nil {
		return fmt.Errorf("snapshot: writing manifest: %w", err)
	}
	return nil
}

// Restore replays a backup produced by Backup/IncrementalBackup into an
// already-open pager: every recorded page is written raw, the directory is
// installed wholesale, and the pager's last_lsn is advanced to the
// manifest's last_lsn.
func Restore(dir string, pager *storage.Pager) error {
	manifestBuf, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("snapshot: reading manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBuf, &manifest); err != nil {
		return fmt.Errorf("snapshot: decoding manifest: %w", err)
	}

	pagesBuf, err := os.ReadFile(filepath.Join(dir, "pages.bin"))
	if err != nil {
		return fmt.Errorf("snapshot: reading pages.bin: %w", err)
	}
	for off := 0; off < len(pagesBuf); {
		if off+backupPageRecordHeaderSize > len(pagesBuf) {
			return fmt.Errorf("snapshot: truncated page record in backup: %w", storage.ErrInvalidFormat)
		}
		pid := binary.LittleEndian.Uint64(pagesBuf[off : off+8])
		length := int(binary.LittleEndian.Uint32(pagesBuf[off+8 : off+12]))
		start := off + backupPageRecordHeaderSize
		if start+length > len(pagesBuf) {
			return fmt.Errorf("snapshot: truncated page payload in backup: %w", storage.ErrInvalidFormat)
		}
		if err := pager.WritePageRaw(pid, pagesBuf[start:start+length]); err != nil {
			return fmt.Errorf("snapshot: restoring page %d: %w", pid, err)
		}
		off = start + length
	}

	if err := copyFile(filepath.Join(dir, "dir.bin"), pager.Directory().Path()); err != nil {
		return fmt.Errorf("snapshot: installing directory: %w", err)
	}
	if err := pager.ReloadDirectory(); err != nil {
		return fmt.Errorf("snapshot: reloading directory after restore: %w", err)
	}

	return pager.SetRecoveredLSN(manifest.LastLSN)
}

func copyFile(src, dst string) error {
	buf, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, buf, 0o644)
}
