package snapshot

import "errors"

// ErrSnapshotMissing is returned when a snapshot id is not currently
// active (ended, or never begun).
var ErrSnapshotMissing = errors.New("snapshot: unknown or ended snapshot")
