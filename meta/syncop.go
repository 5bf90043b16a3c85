package meta

// SyncOp is a structured command replicated through a group's log and
// applied identically, in log order, on every replica. Exactly one variant
// pointer is set, selected by Kind; dispatch sites switch exhaustively.
type SyncOp struct {
	Kind SyncOpKind

	AddShard     *AddShard
	PurgeReplica *PurgeOrphanReplica
	Migration    *Migration
	EvalResult   *EvalResult
}

type SyncOpKind uint8

const (
	OpAddShard SyncOpKind = iota + 1
	OpPurgeOrphanReplica
	OpMigration
	OpEvalResult
)

// AddShard registers a shard descriptor on the applying group.
type AddShard struct {
	Desc ShardDesc
}

// PurgeOrphanReplica records that the named replica is safe to
// self-terminate once this entry is applied. The applier only records the
// decision; shutdown is a separate locally-triggered action.
type PurgeOrphanReplica struct {
	GroupID   uint64
	ReplicaID uint64
}

// MigrationEvent is one step of the cross-group migration protocol.
type MigrationEvent uint8

const (
	EventSetup MigrationEvent = iota + 1
	EventIngest
	EventCommit
	EventApply
	EventAbort
)

func (e MigrationEvent) String() string {
	switch e {
	case EventSetup:
		return "Setup"
	case EventIngest:
		return "Ingest"
	case EventCommit:
		return "Commit"
	case EventApply:
		return "Apply"
	case EventAbort:
		return "Abort"
	}
	return "Unknown"
}

// Migration carries one protocol event through a group's log so every
// replica of that group applies it at the same position relative to all
// other writes. Batch, Seq, and LastIngestedKey are set only for
// EventIngest; Seq carries the client dedup entries covering the batch so
// duplicate detection survives the ownership transfer.
type Migration struct {
	Event           MigrationEvent
	Desc            MigrationDesc
	LastIngestedKey string
	Batch           WriteBatch
	Seq             map[int64]int64
}

// EvalResult pairs a write batch with an optional follow-up op. The batch
// is applied first, then the nested op, within the same apply step.
type EvalResult struct {
	Batch WriteBatch
	Op    *SyncOp
}

// KV is one put in a write batch.
type KV struct {
	Key   string
	Value string
}

// WriteBatch is the raw unit handed to the storage engine: puts then
// deletes, applied atomically.
type WriteBatch struct {
	Puts    []KV
	Deletes []string
}

func (b WriteBatch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0
}
