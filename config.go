package quiverdb

import (
	"os"
	"strconv"
	"time"

	"github.com/quiverdb/quiverdb/storage"
)

// Config covers every option named in spec.md §6. DefaultConfig supplies
// the defaults named there; ConfigFromEnv overlays QUIVERDB_* environment
// variables on top of DefaultConfig, mirroring the teacher's
// boundary-constructs-then-injects Open style.
type Config struct {
	PageSize     uint32
	Buckets      uint32
	HashKind     uint32
	ChecksumKind storage.ChecksumKind

	WALCoalesceWindow      time.Duration
	DataFsyncOnCommit      bool
	PageCacheEntries       int
	CacheOverflowPages     bool
	OverflowThresholdBytes int
	Codec                  storage.CodecKind

	ReadBeyondAllocStrict bool
	ZeroChecksumStrict    bool
	AEADStrict            bool
	AEADKey               []byte

	CDCSeqStrict    bool
	CDCHeadsStrict  bool
	CDCRequireHello bool

	SnapPersist  bool
	SnapDedup    bool
	SnapStoreDir string
}

// DefaultConfig returns the option set a fresh QuiverDB database is
// created with unless the caller overrides a field.
func DefaultConfig() Config {
	return Config{
		PageSize:     storage.MinPageSize,
		Buckets:      1024,
		HashKind:     storage.HashKindXXHash64,
		ChecksumKind: storage.ChecksumCRC32C,

		WALCoalesceWindow:      2 * time.Millisecond,
		DataFsyncOnCommit:      true,
		PageCacheEntries:       1024,
		CacheOverflowPages:     false,
		OverflowThresholdBytes: storage.MinPageSize / 4,
		Codec:                  storage.CodecZstd,

		ReadBeyondAllocStrict: false,
		ZeroChecksumStrict:    false,
		AEADStrict:            false,

		CDCSeqStrict:    false,
		CDCHeadsStrict:  true,
		CDCRequireHello: false,

		SnapPersist:  false,
		SnapDedup:    false,
		SnapStoreDir: "snapshots",
	}
}

// ConfigFromEnv starts from DefaultConfig and overlays any recognized
// QUIVERDB_* environment variable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v, ok := envUint32("QUIVERDB_PAGE_SIZE"); ok {
		cfg.PageSize = v
	}
	if v, ok := envUint32("QUIVERDB_BUCKETS"); ok {
		cfg.Buckets = v
	}
	if v, ok := envDuration("QUIVERDB_WAL_COALESCE_WINDOW"); ok {
		cfg.WALCoalesceWindow = v
	}
	if v, ok := envBool("QUIVERDB_DATA_FSYNC_ON_COMMIT"); ok {
		cfg.DataFsyncOnCommit = v
	}
	if v, ok := envInt("QUIVERDB_PAGE_CACHE_ENTRIES"); ok {
		cfg.PageCacheEntries = v
	}
	if v, ok := envBool("QUIVERDB_CACHE_OVERFLOW_PAGES"); ok {
		cfg.CacheOverflowPages = v
	}
	if v, ok := envInt("QUIVERDB_OVERFLOW_THRESHOLD_BYTES"); ok {
		cfg.OverflowThresholdBytes = v
	}
	if v, ok := envBool("QUIVERDB_READ_BEYOND_ALLOC_STRICT"); ok {
		cfg.ReadBeyondAllocStrict = v
	}
	if v, ok := envBool("QUIVERDB_ZERO_CHECKSUM_STRICT"); ok {
		cfg.ZeroChecksumStrict = v
	}
	if v, ok := envBool("QUIVERDB_AEAD_STRICT"); ok {
		cfg.AEADStrict = v
	}
	if v, ok := envBool("QUIVERDB_CDC_SEQ_STRICT"); ok {
		cfg.CDCSeqStrict = v
	}
	if v, ok := envBool("QUIVERDB_CDC_HEADS_STRICT"); ok {
		cfg.CDCHeadsStrict = v
	}
	if v, ok := envBool("QUIVERDB_CDC_REQUIRE_HELLO"); ok {
		cfg.CDCRequireHello = v
	}
	if v, ok := envBool("QUIVERDB_SNAP_PERSIST"); ok {
		cfg.SnapPersist = v
	}
	if v, ok := envBool("QUIVERDB_SNAP_DEDUP"); ok {
		cfg.SnapDedup = v
	}
	if v := os.Getenv("QUIVERDB_SNAP_STORE_DIR"); v != "" {
		cfg.SnapStoreDir = v
	}

	return cfg
}

func envUint32(name string) (uint32, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (c Config) pagerOptions() storage.PagerOptions {
	return storage.PagerOptions{
		PageSize:              c.PageSize,
		Buckets:               c.Buckets,
		HashKind:              c.HashKind,
		ChecksumKind:          c.ChecksumKind,
		CodecDefault:          c.Codec,
		WALCoalesceWindow:     c.WALCoalesceWindow,
		DataFsyncOnCommit:     c.DataFsyncOnCommit,
		PageCacheEntries:      c.PageCacheEntries,
		CacheOverflowPages:    c.CacheOverflowPages,
		ReadBeyondAllocStrict: c.ReadBeyondAllocStrict,
		ZeroChecksumStrict:    c.ZeroChecksumStrict,
		AEADStrict:            c.AEADStrict,
		AEADKey:               c.AEADKey,
	}
}
