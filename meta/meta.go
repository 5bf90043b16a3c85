package meta

//
// Persistent record types for the control plane: log positions, node and
// replica identity, snapshot manifests, and migration bookkeeping. These
// are plain values; all durability goes through the metastore and all
// mutation happens under the owning component's serialization.
//

// EntryID is a position in a group's replicated log. Within one log,
// ordering is by Index alone; Term disambiguates leadership epochs.
type EntryID struct {
	Index uint64
	Term  uint64
}

func (e EntryID) Less(other EntryID) bool {
	return e.Index < other.Index
}

// RaftLocalState tracks the truncation boundary of one replica's log:
// entries at or below LastTruncated.Index have been discarded and are
// recoverable only through a snapshot with matching or later coverage.
type RaftLocalState struct {
	ReplicaID     uint64
	LastTruncated EntryID
}

// AdvanceTruncation moves the boundary forward. The boundary never
// regresses; a lower index indicates corrupted metadata or a caller bug.
func (s *RaftLocalState) AdvanceTruncation(boundary EntryID) error {
	if boundary.Index < s.LastTruncated.Index {
		return ErrInvalidOrdering
	}
	s.LastTruncated = boundary
	return nil
}

// IsCovered reports whether the entry's effects are captured by the
// truncation boundary (and therefore by some snapshot).
func (s *RaftLocalState) IsCovered(e EntryID) bool {
	return e.Index <= s.LastTruncated.Index
}

// NodeIdent identifies a storage node. Written once at bootstrap,
// immutable afterward; a mismatch on load means the disk was reused by a
// different cluster.
type NodeIdent struct {
	ClusterID string
	NodeID    uint64
}

// ReplicaLocalState is the lifecycle state of one replica.
type ReplicaLocalState uint8

const (
	ReplicaInitial ReplicaLocalState = iota
	ReplicaPending
	ReplicaNormal
	ReplicaTerminated
	ReplicaTombstone
)

func (s ReplicaLocalState) String() string {
	switch s {
	case ReplicaInitial:
		return "Initial"
	case ReplicaPending:
		return "Pending"
	case ReplicaNormal:
		return "Normal"
	case ReplicaTerminated:
		return "Terminated"
	case ReplicaTombstone:
		return "Tombstone"
	}
	return "Unknown"
}

// ReplicaMeta is the durable descriptor of one replica. One instance per
// (GroupID, ReplicaID); persisted before any state-dependent action.
type ReplicaMeta struct {
	GroupID   uint64
	ReplicaID uint64
	State     ReplicaLocalState
}

// SnapshotFile is one physical file of a snapshot. CRC32 is verified on
// every read during restore or transfer.
type SnapshotFile struct {
	Name  string
	CRC32 uint32
	Size  int64
}

// SnapshotMeta describes one completed snapshot: the log position it
// reflects and the files comprising it. A snapshot is garbage once a newer
// one (higher ApplyState.Index) is durable and nothing references it.
type SnapshotMeta struct {
	GroupID    uint64
	ApplyState EntryID
	Files      []SnapshotFile
}

// ShardDesc names a contiguous key range [Start, End) owned by exactly one
// group at a time. An empty End means the range is unbounded above.
type ShardDesc struct {
	ShardID uint64
	Start   string
	End     string
}

// Contains reports whether key falls inside the shard's range.
func (d ShardDesc) Contains(key string) bool {
	if key < d.Start {
		return false
	}
	return d.End == "" || key < d.End
}

// Equal is descriptor identity, used to tell a replayed AddShard from a
// conflicting one.
func (d ShardDesc) Equal(other ShardDesc) bool {
	return d == other
}

// Overlaps reports whether two shard ranges intersect. A group's shards
// must stay disjoint so key routing has a single answer.
func (d ShardDesc) Overlaps(other ShardDesc) bool {
	if d.End != "" && d.End <= other.Start {
		return false
	}
	if other.End != "" && other.End <= d.Start {
		return false
	}
	return true
}

// MigrationDesc identifies one shard migration between two groups.
type MigrationDesc struct {
	Shard     ShardDesc
	SrcGroup  uint64
	DestGroup uint64
}

// MigrationStep is the per-side progress of a migration.
type MigrationStep uint8

const (
	StepPrepare MigrationStep = iota + 1
	StepMigrating
	StepMigrated
	StepFinished
	StepAborted
)

func (s MigrationStep) String() string {
	switch s {
	case StepPrepare:
		return "Prepare"
	case StepMigrating:
		return "Migrating"
	case StepMigrated:
		return "Migrated"
	case StepFinished:
		return "Finished"
	case StepAborted:
		return "Aborted"
	}
	return "Unknown"
}

// MigrationState is the mutable bookkeeping for one in-flight migration on
// one side. LastMigratedKey is the resumability cursor: the highest key the
// destination has durably ingested; empty means no data copied yet. At most
// one active MigrationState per (group, shard).
type MigrationState struct {
	Desc            MigrationDesc
	LastMigratedKey string
	Step            MigrationStep
}
