// Package quiverdb is the public facade over the bucket-chained,
// Robin-Hood-indexed KV storage engine: page format and checksum
// discipline, the write-ahead log, batch commit, snapshot isolation, and
// CDC apply live in their own packages (storage, kv, snapshot, cdc);
// quiverdb wires them together behind a single Open/Put/Get/Delete/Scan
// surface, in the same spirit as the teacher's api.Open boundary.
package quiverdb

import (
	"fmt"
	"path/filepath"

	"github.com/quiverdb/quiverdb/cdc"
	"github.com/quiverdb/quiverdb/kv"
	"github.com/quiverdb/quiverdb/snapshot"
	"github.com/quiverdb/quiverdb/storage"
)

// DB is one open database directory.
type DB struct {
	dir     string
	cfg     Config
	pager   *storage.Pager
	engine  *kv.Engine
	snapMgr *snapshot.Manager
}

// Open opens (creating it first if absent) the database directory dir for
// read-write access, recovering from an unclean shutdown if needed.
func Open(dir string, cfg Config) (*DB, error) {
	pager, err := storage.Open(dir, cfg.pagerOptions())
	if err != nil {
		return nil, fmt.Errorf("quiverdb: opening %s: %w", dir, err)
	}
	return newDB(dir, cfg, pager), nil
}

// OpenReadOnly opens dir for read-only access: Put/Delete/CompactChain all
// fail with ErrReadOnly, matching the single-writer/multi-reader model.
func OpenReadOnly(dir string, cfg Config) (*DB, error) {
	pager, err := storage.OpenReadOnly(dir, cfg.pagerOptions())
	if err != nil {
		return nil, fmt.Errorf("quiverdb: opening %s read-only: %w", dir, err)
	}
	return newDB(dir, cfg, pager), nil
}

func newDB(dir string, cfg Config, pager *storage.Pager) *DB {
	snapMgr := snapshot.NewManager(pager, filepath.Join(dir, cfg.SnapStoreDir))
	engine := kv.NewEngine(pager, kv.Options{
		OverflowThresholdBytes: cfg.OverflowThresholdBytes,
		Codec:                  cfg.Codec,
		Freeze:                 snapMgr.FreezeHook(),
	})
	return &DB{dir: dir, cfg: cfg, pager: pager, engine: engine, snapMgr: snapMgr}
}

// Put inserts or overwrites key. expiresAt is a Unix second timestamp, or
// 0 for no expiry.
func (db *DB) Put(key, value []byte, expiresAt uint32) error {
	return db.engine.Put(key, value, expiresAt)
}

// Get returns key's value; ok is false if the key is absent, deleted, or
// expired.
func (db *DB) Get(key []byte) (value []byte, ok bool, err error) {
	return db.engine.Get(key)
}

// Delete removes key, freeing its overflow chain (if any) immediately.
func (db *DB) Delete(key []byte) error {
	return db.engine.Delete(key)
}

// ScanOptions and Entry re-export the kv package's scan types so a caller
// of Scan needs to import only quiverdb.
type (
	ScanOptions = kv.ScanOptions
	Entry       = kv.Entry
)

// Scan visits every live, non-expired entry, optionally filtered by
// opts.Prefix.
func (db *DB) Scan(opts kv.ScanOptions, fn func(kv.Entry) error) error {
	return db.engine.Scan(opts, fn)
}

// CompactChain rewrites bucket's chain into the minimal set of pages
// holding only its live records, reclaiming shadowed and tombstoned ones.
func (db *DB) CompactChain(bucket uint32) error {
	return db.engine.CompactChain(bucket)
}

// OrphanOverflowSweep frees overflow pages unreachable from any bucket
// chain (left behind when CompactChain drops a shadowed or expired record
// that pointed at an overflow chain). safetyCeiling
// caps per-chain hop count against corrupted cycles; 0 uses the default.
func (db *DB) OrphanOverflowSweep(safetyCeiling int) (freed int, err error) {
	return db.engine.OrphanOverflowSweep(safetyCeiling)
}

// Bucket returns key's directory bucket under this database's bucket
// count, for callers of CompactChain/OrphanOverflowSweep.
func (db *DB) Bucket(key []byte) uint32 {
	return kv.Bucket(key, db.pager.Buckets())
}

// BeginSnapshot starts an as-of-current-LSN snapshot; dedup mode shares
// frozen page bytes across snapshots via the content-addressed SnapStore.
func (db *DB) BeginSnapshot() (*snapshot.Snapshot, error) {
	return db.snapMgr.Begin(db.cfg.SnapDedup)
}

// EndSnapshot releases a snapshot and its sidecar/SnapStore references.
func (db *DB) EndSnapshot(id string) error {
	return db.snapMgr.End(id)
}

// ReadPageAsOf returns pageID's content as it stood when snapshot id
// began.
func (db *DB) ReadPageAsOf(snapshotID string, pageID uint64) ([]byte, error) {
	return db.snapMgr.ReadAsOf(snapshotID, pageID)
}

// GetAsOf resolves key's value as it stood when snapshot snapshotID began,
// unaffected by any write committed after BeginSnapshot returned it.
func (db *DB) GetAsOf(snapshotID string, key []byte) (value []byte, ok bool, err error) {
	return db.snapMgr.GetAsOf(snapshotID, key)
}

// Backup writes a full, as-of-snapshot backup of the database to dir.
func (db *DB) Backup(dir string, snap *snapshot.Snapshot) error {
	return snapshot.Backup(dir, db.pager, db.snapMgr, snap)
}

// IncrementalBackup writes only the pages newer than sinceLSN and at or
// before snap's LSN.
func (db *DB) IncrementalBackup(dir string, snap *snapshot.Snapshot, sinceLSN uint64) error {
	return snapshot.IncrementalBackup(dir, db.pager, db.snapMgr, snap, sinceLSN)
}

// Restore replays a backup produced by Backup/IncrementalBackup into this
// already-open database.
func (db *DB) Restore(dir string) error {
	return snapshot.Restore(dir, db.pager)
}

// ApplyCDC decodes and idempotently applies a chunk of WAL-wire-format
// bytes from a remote writer's log. See cdc.Apply for the consumed/applied
// semantics.
func (db *DB) ApplyCDC(data []byte) (consumed int, applied int, err error) {
	return cdc.Apply(db.pager, data)
}

// OnCommit registers a hook invoked synchronously after every batch
// commits, the seam a CDC streamer or metrics exporter hangs off of.
func (db *DB) OnCommit(fn func(storage.CommitInfo)) {
	db.pager.OnCommit(fn)
}

// CacheStats reports the shared page cache's hit/miss counters and current
// occupancy.
func (db *DB) CacheStats() (hits, misses uint64, size, capacity int) {
	return db.pager.CacheStats()
}

// CacheHitRate is CacheStats expressed as a single ratio in [0,1].
func (db *DB) CacheHitRate() float64 {
	return db.pager.CacheHitRate()
}

// LastLSN returns the most recently committed log sequence number.
func (db *DB) LastLSN() uint64 {
	return db.pager.LastLSN()
}

// Close releases the database's file locks and flushes its WAL.
func (db *DB) Close() error {
	return db.pager.Close()
}
