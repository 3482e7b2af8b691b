package storage

import "errors"

// Error taxonomy for the storage engine. Each is distinguishable to callers
// via errors.Is; most are wrapped with additional context via fmt.Errorf
// ("%w") before being returned, matching the teacher's propagation style.
var (
	// ErrChecksumMismatch is returned when a page's CRC32C trailer does not
	// match the page bytes.
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")

	// ErrIntegrityFailure is returned when a page's AEAD tag fails to verify.
	ErrIntegrityFailure = errors.New("storage: integrity failure")

	// ErrCorruptWAL is returned for a CRC mismatch mid-stream, an invalid
	// record length, or a bad global magic in the WAL or a CDC byte stream.
	ErrCorruptWAL = errors.New("storage: corrupt wal")

	// ErrPartialTail signals a short read at the end of a WAL/CDC stream.
	// It is never surfaced as an error from replay or apply; callers that
	// read records directly must check for it explicitly.
	ErrPartialTail = errors.New("storage: partial tail record")

	// ErrInvalidFormat signals an unknown page/meta/directory version or a
	// violated structural invariant.
	ErrInvalidFormat = errors.New("storage: invalid format")

	// ErrOutOfAllocation is returned by ReadPage in strict mode for a page
	// id at or beyond next_page_id.
	ErrOutOfAllocation = errors.New("storage: page id beyond allocation")

	// ErrLockContention is returned when the DB advisory lock (exclusive or
	// shared) cannot be acquired.
	ErrLockContention = errors.New("storage: lock contention")

	// ErrReadOnly is returned when a write is attempted on a read-only pager.
	ErrReadOnly = errors.New("storage: database is read-only")
)
