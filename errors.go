package quiverdb

import (
	"errors"

	"github.com/quiverdb/quiverdb/cdc"
	"github.com/quiverdb/quiverdb/snapshot"
	"github.com/quiverdb/quiverdb/storage"
)

// The public error taxonomy (spec.md §7). Each is an alias of the sentinel
// the owning package actually returns, so callers only need to import
// quiverdb to use errors.Is against any of them, regardless of which
// internal package produced the failure.
var (
	ErrChecksumMismatch = storage.ErrChecksumMismatch
	ErrIntegrityFailure = storage.ErrIntegrityFailure
	ErrCorruptWAL       = storage.ErrCorruptWAL
	ErrPartialTail      = storage.ErrPartialTail
	ErrInvalidFormat    = storage.ErrInvalidFormat
	ErrOutOfAllocation  = storage.ErrOutOfAllocation
	ErrLockContention   = storage.ErrLockContention
	ErrReadOnly         = storage.ErrReadOnly

	ErrSnapshotMissing = snapshot.ErrSnapshotMissing

	ErrProtocolViolation = cdc.ErrProtocolViolation

	// ErrIO wraps unexpected underlying I/O failures (a Read/Write/Sync
	// syscall error not otherwise classified above) that the storage
	// layer could not recover from.
	ErrIO = errors.New("quiverdb: i/o error")
)
