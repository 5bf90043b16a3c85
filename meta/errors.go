package meta

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalStateTransition rejects a replica lifecycle edge not in
	// the allowed set. Fatal to the calling operation, not the process.
	ErrIllegalStateTransition = errors.New("illegal replica state transition")

	// ErrReplicaTombstoned rejects any operation targeting a purged
	// replica. Callers must not retry; the id pair is poisoned.
	ErrReplicaTombstoned = errors.New("replica is tombstoned")

	// ErrInvalidOrdering signals a truncation boundary regression:
	// corrupted metadata or a bug, never retried.
	ErrInvalidOrdering = errors.New("log truncation boundary would regress")

	// ErrConcurrentSnapshot means another snapshot for the same group is
	// in flight; the caller waits and retries.
	ErrConcurrentSnapshot = errors.New("snapshot already in progress")

	// ErrShardDescMismatch means an AddShard replay carried a conflicting
	// descriptor for an existing shard id. Requires operator intervention.
	ErrShardDescMismatch = errors.New("conflicting descriptor for existing shard")

	// ErrClusterMismatch means the on-disk NodeIdent belongs to a
	// different cluster than the one this process was started for.
	ErrClusterMismatch = errors.New("node ident belongs to a different cluster")
)

// CorruptError reports a snapshot file whose content failed its crc32
// check. The snapshot is discarded and re-fetched from its source; prior
// replica state is left untouched.
type CorruptError struct {
	File string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("snapshot file corrupt: %s", e.File)
}

// IsCorrupt reports whether err is (or wraps) a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
