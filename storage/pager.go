package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quiverdb/quiverdb/concurrency"
)

// PagerOptions configures an open database. Every field corresponds
// directly to one of spec.md §6's environment/configuration options.
type PagerOptions struct {
	PageSize     uint32
	Buckets      uint32
	HashKind     uint32
	ChecksumKind ChecksumKind
	CodecDefault CodecKind

	WALCoalesceWindow     time.Duration
	DataFsyncOnCommit     bool
	PageCacheEntries      int
	CacheOverflowPages    bool
	ReadBeyondAllocStrict bool
	ZeroChecksumStrict    bool
	AEADStrict            bool

	// AEADKey, when non-nil, switches the trailer discipline to AEAD
	// regardless of ChecksumKind; it must be 32 bytes (AES-256-GCM).
	AEADKey []byte
}

// DefaultPagerOptions returns the option set new databases are created
// with unless the caller overrides a field.
func DefaultPagerOptions() PagerOptions {
	return PagerOptions{
		PageSize:              MinPageSize,
		Buckets:               1024,
		HashKind:              HashKindXXHash64,
		ChecksumKind:          ChecksumCRC32C,
		CodecDefault:          CodecZstd,
		WALCoalesceWindow:     2 * time.Millisecond,
		DataFsyncOnCommit:     true,
		PageCacheEntries:      1024,
		CacheOverflowPages:    false,
		ReadBeyondAllocStrict: false,
		ZeroChecksumStrict:    false,
		AEADStrict:            false,
	}
}

// CommitInfo describes one completed batch, passed to OnCommit hooks.
type CommitInfo struct {
	CommitLSN  uint64
	PageIDs    []uint64
	HeadsDirty map[uint32]uint64
}

// Pager owns every on-disk file of one database directory: meta, segment
// files, free-list, directory, WAL, and the shared page cache. It is the
// sole writer of segment bytes and directory/meta state (spec.md §3's
// ownership rules).
type Pager struct {
	mu sync.Mutex

	dir      string
	opts     PagerOptions
	readOnly bool

	meta      *Meta
	metaPath  string
	segments  *SegmentStore
	freelist  *FreeList
	directory *Directory
	wal       *WAL
	cache     *pageCache
	lock      *fileLock
	coalescer *concurrency.Coalescer

	aead aeadState

	onCommit []func(CommitInfo)
}

type aeadState struct {
	enabled bool
	key     []byte
}

func metaFilePath(dir string) string      { return filepath.Join(dir, "meta") }
func freeListFilePath(dir string) string  { return filepath.Join(dir, "freelist") }
func directoryFilePath(dir string) string { return filepath.Join(dir, "directory") }
func walFilePath(dir string) string       { return filepath.Join(dir, "wal") }
func segmentsDirPath(dir string) string   { return filepath.Join(dir, "segments") }

// Open opens (or initializes, if dir is empty/absent) a database directory
// for read-write access, recovering from an unclean shutdown if needed.
func Open(dir string, opts PagerOptions) (*Pager, error) {
	return open(dir, opts, false)
}

// OpenReadOnly opens an existing database directory for read-only access;
// all writes fail with ErrReadOnly.
func OpenReadOnly(dir string, opts PagerOptions) (*Pager, error) {
	return open(dir, opts, true)
}

func open(dir string, opts PagerOptions, readOnly bool) (*Pager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating database directory: %w", err)
	}

	lock, err := lockFile(filepath.Join(dir, "LOCK"), readOnly)
	if err != nil {
		return nil, err
	}

	p := &Pager{
		dir:       dir,
		opts:      opts,
		readOnly:  readOnly,
		metaPath:  metaFilePath(dir),
		lock:      lock,
		cache:     newPageCache(opts.PageCacheEntries),
		coalescer: concurrency.NewCoalescer(opts.WALCoalesceWindow),
	}
	if opts.AEADKey != nil {
		p.aead = aeadState{enabled: true, key: opts.AEADKey}
	}

	if _, statErr := os.Stat(p.metaPath); os.IsNotExist(statErr) {
		if readOnly {
			lock.unlock()
			return nil, fmt.Errorf("storage: cannot create database in read-only mode: %w", ErrReadOnly)
		}
		if err := p.initFresh(); err != nil {
			lock.unlock()
			return nil, err
		}
	} else {
		if err := p.openExisting(); err != nil {
			lock.unlock()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pager) initFresh() error {
	pageSize := p.opts.PageSize
	if pageSize == 0 {
		pageSize = MinPageSize
	}
	buckets := p.opts.Buckets
	if buckets == 0 {
		buckets = 1024
	}

	p.meta = &Meta{
		PageSize:      pageSize,
		NextPageID:    0,
		HashKind:      HashKindXXHash64,
		LastLSN:       0,
		CleanShutdown: true,
		CodecDefault:  p.opts.CodecDefault,
		ChecksumKind:  p.opts.ChecksumKind,
	}
	if err := SaveMeta(p.metaPath, p.meta); err != nil {
		return err
	}

	segments, err := OpenSegmentStore(segmentsDirPath(p.dir), pageSize)
	if err != nil {
		return err
	}
	p.segments = segments

	fl, err := OpenFreeList(freeListFilePath(p.dir))
	if err != nil {
		return err
	}
	p.freelist = fl

	d, err := CreateDirectory(directoryFilePath(p.dir), buckets)
	if err != nil {
		return err
	}
	p.directory = d

	w, err := OpenWAL(walFilePath(p.dir))
	if err != nil {
		return err
	}
	p.wal = w
	return nil
}

func (p *Pager) openExisting() error {
	meta, err := LoadMeta(p.metaPath)
	if err != nil {
		return err
	}
	p.meta = meta

	segments, err := OpenSegmentStore(segmentsDirPath(p.dir), meta.PageSize)
	if err != nil {
		return err
	}
	p.segments = segments

	fl, err := OpenFreeList(freeListFilePath(p.dir))
	if err != nil {
		return err
	}
	p.freelist = fl

	d, err := OpenDirectory(directoryFilePath(p.dir))
	if err != nil {
		return err
	}
	p.directory = d

	w, err := OpenWAL(walFilePath(p.dir))
	if err != nil {
		return err
	}
	p.wal = w
	// Continue numbering after the last committed LSN; a truncated WAL
	// holds no records to resume from.
	w.nextLSN = meta.LastLSN + 1

	if !meta.CleanShutdown && !p.readOnly {
		if err := p.replay(); err != nil {
			return err
		}
	}
	return nil
}

// OnCommit registers a hook invoked synchronously after each successful
// batch commit, in registration order.
func (p *Pager) OnCommit(fn func(CommitInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCommit = append(p.onCommit, fn)
}

// PageSize returns the database's fixed page size.
func (p *Pager) PageSize() uint32 { return p.meta.PageSize }

// Buckets returns the directory's fixed bucket count.
func (p *Pager) Buckets() uint32 { return p.directory.Buckets }

// NextPageID returns one past the highest page id ever allocated; every
// page id below it has backing bytes on disk (spec.md §3).
func (p *Pager) NextPageID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.NextPageID
}

// FreeListEntries returns every page id currently on the free list,
// without removing them.
func (p *Pager) FreeListEntries() ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelist.Entries()
}

// LastLSN returns the most recently committed LSN (meta.last_lsn).
func (p *Pager) LastLSN() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.LastLSN
}

// Directory returns the underlying bucket directory, for callers (backup,
// restore) that need to copy or rebuild it directly.
func (p *Pager) Directory() *Directory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.directory
}

// ReloadDirectory re-reads the directory file from disk; used by restore,
// which overwrites the directory file out from under an open pager.
func (p *Pager) ReloadDirectory() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dir, err := OpenDirectory(p.directory.Path())
	if err != nil {
		return err
	}
	p.directory = dir
	return nil
}

// SetRecoveredLSN installs lsn as meta.last_lsn and marks the database
// cleanly shut down. Used by restore once every page and the directory
// are in place on disk.
func (p *Pager) SetRecoveredLSN(lsn uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.LastLSN = lsn
	p.meta.CleanShutdown = true
	return SaveMeta(p.metaPath, p.meta)
}

// BucketHead returns the head page id of bucket b.
func (p *Pager) BucketHead(b uint32) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.directory.Head(b)
}

// AllocatePage reserves a fresh page id: freelist.pop() first, otherwise
// next_page_id is incremented.
func (p *Pager) AllocatePage() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocatePageLocked()
}

func (p *Pager) allocatePageLocked() (uint64, error) {
	if id, ok, err := p.freelist.Pop(); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	id := p.meta.NextPageID
	p.meta.NextPageID++
	return id, nil
}

// FreePage appends pageID to the free-list for future reuse.
func (p *Pager) FreePage(pageID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelist.Push(pageID)
}

// ReadPage reads and decodes the page at pageID, verifying its trailer.
// In strict mode (ReadBeyondAllocStrict), a page id at or beyond
// next_page_id fails with ErrOutOfAllocation; otherwise it returns a
// freshly zeroed page of the requested type.
func (p *Pager) ReadPage(pageID uint64, want PageType) (*Page, error) {
	if cached, ok := p.cache.get(pageID); ok {
		return p.decodePage(cached, want)
	}

	p.mu.Lock()
	beyond := pageID >= p.meta.NextPageID
	pageSize := p.meta.PageSize
	p.mu.Unlock()

	if beyond {
		if p.opts.ReadBeyondAllocStrict {
			return nil, fmt.Errorf("storage: page %d: %w", pageID, ErrOutOfAllocation)
		}
		empty := NewPage(pageSize, want, pageID)
		p.sealTrailer(empty)
		return empty, nil
	}

	buf := make([]byte, pageSize)
	if err := p.segments.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	page, err := p.decodePage(buf, want)
	if err != nil {
		return nil, err
	}
	if want == PageTypeOverflow && !p.opts.CacheOverflowPages {
		return page, nil
	}
	p.cache.put(pageID, buf)
	return page, nil
}

// ReadPageAny reads and decodes pageID without a caller-known expected
// type, dispatching on the page's own common-header type byte instead.
// Used by backup and other whole-database walks that don't know ahead of
// time what each page id holds.
func (p *Pager) ReadPageAny(pageID uint64) (*Page, error) {
	p.mu.Lock()
	beyond := pageID >= p.meta.NextPageID
	pageSize := p.meta.PageSize
	p.mu.Unlock()
	if beyond {
		return nil, fmt.Errorf("storage: page %d: %w", pageID, ErrOutOfAllocation)
	}
	buf := make([]byte, pageSize)
	if err := p.segments.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	want := (&Page{Data: buf}).Type()
	return p.decodePage(buf, want)
}

func (p *Pager) decodePage(buf []byte, want PageType) (*Page, error) {
	if err := p.verifyTrailer(buf); err != nil {
		return nil, err
	}
	switch want {
	case PageTypeKV:
		return DecodeKVPage(buf, p.meta.PageSize)
	case PageTypeOverflow:
		return DecodeOverflowPage(buf, p.meta.PageSize)
	default:
		return nil, fmt.Errorf("storage: unknown page type %d: %w", want, ErrInvalidFormat)
	}
}

func (p *Pager) sealTrailer(page *Page) {
	if p.aead.enabled {
		aead, err := aeadCipher(p.aead.key)
		if err == nil {
			nonce := nonceForPage(page.PageID(), page.PageLSN())
			sealAEAD(aead, page.Data, nonce)
			return
		}
	}
	sealCRC32C(page.Data)
}

func (p *Pager) verifyTrailer(buf []byte) error {
	if p.aead.enabled {
		aead, err := aeadCipher(p.aead.key)
		if err != nil {
			return err
		}
		pid := pageIDOf(buf)
		lsn := pageLSNOf(buf)
		nonce := nonceForPage(pid, lsn)
		if err := verifyAEAD(aead, buf, nonce); err != nil {
			if p.opts.AEADStrict {
				return err
			}
			return verifyCRC32C(buf, p.opts.ZeroChecksumStrict)
		}
		return nil
	}
	return verifyCRC32C(buf, p.opts.ZeroChecksumStrict)
}

// nonceForPage derives a 12-byte AEAD nonce deterministically from
// (page_id, page_lsn): both change on every rewrite of a page, which is the
// uniqueness the AEAD mode's key-management discipline requires of callers.
func nonceForPage(pageID, lsn uint64) []byte {
	nonce := make([]byte, 12)
	for i := 0; i < 8; i++ {
		nonce[i] = byte(pageID >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		nonce[8+i] = byte(lsn >> (8 * i))
	}
	return nonce
}

func pageIDOf(buf []byte) uint64 { return (&Page{Data: buf}).PageID() }

// pageLSNOf reads page_lsn straight off raw bytes, dispatching on the
// common header's type field at the same offset PageLSN() does for a
// decoded Page.
func pageLSNOf(buf []byte) uint64 {
	if len(buf) < CommonHeaderSize {
		return 0
	}
	return (&Page{Data: buf}).PageLSN()
}

// WritePageRaw writes buf directly to pageID's segment slot, bypassing the
// WAL. Used by replay, CDC apply, and restore.
func (p *Pager) WritePageRaw(pageID uint64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.segments.WritePage(pageID, buf); err != nil {
		return err
	}
	if pageID >= p.meta.NextPageID {
		p.meta.NextPageID = pageID + 1
	}
	p.cache.put(pageID, buf)
	return nil
}

// CommitBatch performs the central write operation (spec.md §4.1): it
// stamps LSNs and trailers on every page, appends BEGIN/PAGE_IMAGE.../
// HEADS_UPDATE/COMMIT to the WAL with one coalesced fsync, writes pages to
// their segments, publishes the new directory heads, and advances
// meta.last_lsn.
func (p *Pager) CommitBatch(pages []*Page, headsUpdate map[uint32]uint64) (uint64, error) {
	if p.readOnly {
		return 0, ErrReadOnly
	}
	if len(pages) == 0 && len(headsUpdate) == 0 {
		return p.meta.LastLSN, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A batch of N pages uses LSNs start..start+N-1, one per page; the
	// HEADS_UPDATE and COMMIT records carry the last of them. A heads-only
	// batch still reserves one LSN of its own.
	n := uint64(len(pages))
	if n == 0 {
		n = 1
	}
	startLSN := p.wal.NextLSN(n)
	commitLSN := startLSN + n - 1

	records := make([]WALRecord, 0, len(pages)+3)
	records = append(records, WALRecord{Type: WALBegin, LSN: startLSN, PageID: NoPage})

	for i, page := range pages {
		lsn := startLSN + uint64(i)
		page.SetPageLSN(lsn)
		p.sealTrailer(page)
		records = append(records, WALRecord{
			Type:    WALPageImage,
			LSN:     lsn,
			PageID:  page.PageID(),
			Payload: page.Data,
		})
	}

	if len(headsUpdate) > 0 {
		records = append(records, WALRecord{
			Type:    WALHeadsUpdate,
			LSN:     commitLSN,
			PageID:  NoPage,
			Payload: EncodeHeadsUpdate(headsUpdate),
		})
	}
	records = append(records, WALRecord{Type: WALCommit, LSN: commitLSN, PageID: NoPage})

	if err := p.wal.AppendBatch(records); err != nil {
		return 0, fmt.Errorf("storage: wal append: %w", err)
	}
	if err := p.coalescer.Fsync(p.wal.Sync); err != nil {
		return 0, fmt.Errorf("storage: wal fsync: %w", err)
	}

	pageIDs := make([]uint64, 0, len(pages))
	for _, page := range pages {
		if err := p.segments.WritePage(page.PageID(), page.Data); err != nil {
			return 0, err
		}
		pageIDs = append(pageIDs, page.PageID())
	}
	if p.opts.DataFsyncOnCommit {
		if err := p.segments.Sync(); err != nil {
			return 0, err
		}
	}
	for _, page := range pages {
		if page.Type() == PageTypeOverflow && !p.opts.CacheOverflowPages {
			continue
		}
		p.cache.put(page.PageID(), page.Data)
	}

	if len(headsUpdate) > 0 {
		if err := p.directory.SetHeads(headsUpdate); err != nil {
			return 0, err
		}
	}

	p.meta.LastLSN = commitLSN
	if err := SaveMeta(p.metaPath, p.meta); err != nil {
		return 0, err
	}

	info := CommitInfo{CommitLSN: commitLSN, PageIDs: pageIDs, HeadsDirty: headsUpdate}
	for _, hook := range p.onCommit {
		hook(info)
	}
	return commitLSN, nil
}

// replay recovers an unclean shutdown: it groups the WAL into committed
// transactions and applies each page image whose LSN is strictly newer
// than the page's on-disk page_lsn, exactly the rule CDC apply uses.
func (p *Pager) replay() error {
	records, err := p.wal.ReadAll()
	if err != nil {
		return err
	}
	txns, err := GroupTransactions(records)
	if err != nil {
		return err
	}

	var maxLSN uint64
	lastHeadsLSN := uint64(0)
	for _, txn := range txns {
		for pageID, image := range txn.PageImages {
			currentLSN := uint64(0)
			buf := make([]byte, p.meta.PageSize)
			if pageID < p.meta.NextPageID {
				if err := p.segments.ReadPage(pageID, buf); err == nil {
					currentLSN = pageLSNOf(buf)
				}
			}
			if pageLSNOf(image) > currentLSN {
				if err := p.segments.WritePage(pageID, image); err != nil {
					return err
				}
				if pageID >= p.meta.NextPageID {
					p.meta.NextPageID = pageID + 1
				}
				p.cache.invalidate(pageID)
			}
		}
		if len(txn.HeadsUpdates) > 0 && txn.CommitLSN > lastHeadsLSN {
			if err := p.directory.SetHeads(txn.HeadsUpdates); err != nil {
				return err
			}
			lastHeadsLSN = txn.CommitLSN
		}
		if txn.CommitLSN > maxLSN {
			maxLSN = txn.CommitLSN
		}
	}

	if err := p.segments.Sync(); err != nil {
		return err
	}
	if err := p.wal.Truncate(); err != nil {
		return err
	}
	if maxLSN > p.meta.LastLSN {
		p.meta.LastLSN = maxLSN
	}
	p.meta.CleanShutdown = true
	return SaveMeta(p.metaPath, p.meta)
}

// CacheStats reports the page cache's cumulative hit/miss counters.
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.cache.stats()
}

// CacheHitRate returns the page cache's cumulative hit ratio.
func (p *Pager) CacheHitRate() float64 {
	return p.cache.hitRate()
}

// Close marks a clean shutdown, flushes the WAL to its header, and
// releases all file handles and the advisory lock.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.readOnly {
		if err := p.wal.Truncate(); err != nil {
			return err
		}
		p.meta.CleanShutdown = true
		if err := SaveMeta(p.metaPath, p.meta); err != nil {
			return err
		}
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(p.wal.Close())
	record(p.segments.Close())
	record(p.freelist.Close())
	record(p.lock.unlock())
	return firstErr
}
