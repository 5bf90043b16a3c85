package group

import (
	"sort"

	"github.com/ZhongliGao/engula/meta"
)

// groupState is the replicated state machine of one group. It is mutated
// only from the apply path, one committed entry at a time, so the same
// entry sequence yields identical state on every replica. All fields are
// exported for labgob snapshot encoding.
type groupState struct {
	GroupID uint64

	// Shards maps shard id to its descriptor and data.
	Shards map[uint64]*shardState

	// Migrations maps shard id to this side's in-flight bookkeeping.
	// At most one active migration per shard.
	Migrations map[uint64]*meta.MigrationState

	// Purged records replica ids of this group that are safe to
	// self-terminate. Recording is replicated; the shutdown itself is a
	// local action.
	Purged map[uint64]bool
}

type shardState struct {
	Desc meta.ShardDesc

	// Importing marks a destination-side shard still being pulled; it
	// does not serve reads or writes until the migration commits.
	Importing bool

	// Moved marks a source-side shard fenced by a migration commit;
	// writes are rejected with a moved indication, reads stay available
	// to the destination's final re-check pulls until Apply.
	Moved bool

	Data         map[string]string
	LastApplySeq map[int64]int64
}

func newGroupState(gid uint64) *groupState {
	return &groupState{
		GroupID:    gid,
		Shards:     make(map[uint64]*shardState),
		Migrations: make(map[uint64]*meta.MigrationState),
		Purged:     make(map[uint64]bool),
	}
}

func newShardState(desc meta.ShardDesc, importing bool) *shardState {
	return &shardState{
		Desc:         desc,
		Importing:    importing,
		Data:         make(map[string]string),
		LastApplySeq: make(map[int64]int64),
	}
}

func (s *groupState) shardForKey(key string) (*shardState, bool) {
	for _, shard := range s.Shards {
		if shard.Desc.Contains(key) {
			return shard, true
		}
	}
	return nil, false
}

// applySyncOp dispatches one structured command. The switch is exhaustive
// over SyncOpKind; an unknown kind is a decode-level fault.
func (s *groupState) applySyncOp(op *meta.SyncOp) error {
	switch op.Kind {
	case meta.OpAddShard:
		return s.applyAddShard(op.AddShard)
	case meta.OpPurgeOrphanReplica:
		s.applyPurgeReplica(op.PurgeReplica)
		return nil
	case meta.OpMigration:
		s.applyMigration(op.Migration)
		return nil
	case meta.OpEvalResult:
		return s.applyEvalResult(op.EvalResult)
	default:
		return meta.ErrShardDescMismatch
	}
}

// applyAddShard registers a shard descriptor. Log replay can redeliver the
// same op, so an identical duplicate is a no-op success; a conflicting
// descriptor for an existing id is fatal.
func (s *groupState) applyAddShard(add *meta.AddShard) error {
	if err := s.checkAddShard(add); err != nil {
		return err
	}
	if _, ok := s.Shards[add.Desc.ShardID]; ok {
		return nil
	}
	s.Shards[add.Desc.ShardID] = newShardState(add.Desc, false)
	return nil
}

func (s *groupState) checkAddShard(add *meta.AddShard) error {
	if existing, ok := s.Shards[add.Desc.ShardID]; ok {
		if existing.Desc.Equal(add.Desc) {
			return nil
		}
		return meta.ErrShardDescMismatch
	}
	for _, shard := range s.Shards {
		if shard.Desc.Overlaps(add.Desc) {
			return meta.ErrShardDescMismatch
		}
	}
	return nil
}

func (s *groupState) applyPurgeReplica(purge *meta.PurgeOrphanReplica) {
	if purge.GroupID != s.GroupID {
		return
	}
	s.Purged[purge.ReplicaID] = true
}

// applyEvalResult applies the nested write batch, then the nested op, in
// that order. The nested op is validated first so a conflicting AddShard
// can't leave the batch half-committed.
func (s *groupState) applyEvalResult(ev *meta.EvalResult) error {
	if ev.Op != nil {
		if err := s.checkSyncOp(ev.Op); err != nil {
			return err
		}
	}
	s.applyBatch(ev.Batch)
	if ev.Op != nil {
		return s.applySyncOp(ev.Op)
	}
	return nil
}

// checkSyncOp reports whether applying op would fail, without mutating.
func (s *groupState) checkSyncOp(op *meta.SyncOp) error {
	switch op.Kind {
	case meta.OpAddShard:
		return s.checkAddShard(op.AddShard)
	case meta.OpEvalResult:
		if op.EvalResult.Op != nil {
			return s.checkSyncOp(op.EvalResult.Op)
		}
		return nil
	case meta.OpPurgeOrphanReplica, meta.OpMigration:
		return nil
	default:
		return meta.ErrShardDescMismatch
	}
}

// applyBatch applies a raw write batch: puts then deletes, each routed by
// key to the shard serving it. Keys this group can't serve are dropped and
// reported in the outcome so the proposer never acknowledges them; the
// client retries against the owning group.
func (s *groupState) applyBatch(b meta.WriteBatch) Err {
	var moved, unowned bool
	route := func(key string) *shardState {
		shard, ok := s.shardForKey(key)
		if !ok || shard.Importing {
			unowned = true
			return nil
		}
		if shard.Moved {
			moved = true
			return nil
		}
		return shard
	}

	for _, kv := range b.Puts {
		if shard := route(kv.Key); shard != nil {
			shard.Data[kv.Key] = kv.Value
		}
	}
	for _, key := range b.Deletes {
		if shard := route(key); shard != nil {
			delete(shard.Data, key)
		}
	}

	if moved {
		return ErrShardMoved
	}
	if unowned {
		return ErrWrongGroup
	}
	return OK
}

// applyMigration advances this side's migration step machine. Every event
// tolerates redelivery, and after Commit only Apply has any effect.
func (s *groupState) applyMigration(mig *meta.Migration) {
	shardID := mig.Desc.Shard.ShardID
	ms := s.Migrations[shardID]

	switch mig.Event {
	case meta.EventSetup:
		if ms != nil {
			// Redelivered setup for the active migration is a no-op; a
			// different descriptor cannot start while one is active.
			return
		}
		if s.GroupID == mig.Desc.DestGroup {
			s.Migrations[shardID] = &meta.MigrationState{
				Desc: mig.Desc,
				Step: meta.StepPrepare,
			}
			if _, ok := s.Shards[shardID]; !ok {
				s.Shards[shardID] = newShardState(mig.Desc.Shard, true)
			}
		} else if s.GroupID == mig.Desc.SrcGroup {
			if _, ok := s.Shards[shardID]; !ok {
				// Unknown shard: the prepare handler refuses before
				// proposing, so this only guards replayed garbage.
				return
			}
			s.Migrations[shardID] = &meta.MigrationState{
				Desc: mig.Desc,
				Step: meta.StepMigrating,
			}
		}

	case meta.EventIngest:
		if ms == nil || s.GroupID != ms.Desc.DestGroup {
			return
		}
		if ms.Step != meta.StepPrepare && ms.Step != meta.StepMigrating {
			// Commit is final on this side; late ingests are dropped.
			return
		}
		shard, ok := s.Shards[shardID]
		if !ok {
			return
		}
		// Puts are absolute, so re-applying a batch behind the cursor
		// (duplicate delivery or a re-check repair) converges without
		// double-applying; the cursor itself only moves forward.
		for _, kv := range mig.Batch.Puts {
			shard.Data[kv.Key] = kv.Value
		}
		for clientId, seq := range migSeq(mig) {
			if seq > shard.LastApplySeq[clientId] {
				shard.LastApplySeq[clientId] = seq
			}
		}
		if mig.LastIngestedKey > ms.LastMigratedKey {
			ms.LastMigratedKey = mig.LastIngestedKey
		}
		ms.Step = meta.StepMigrating

	case meta.EventCommit:
		if ms == nil || ms.Step == meta.StepMigrated || ms.Step == meta.StepFinished {
			return
		}
		ms.Step = meta.StepMigrated
		shard, ok := s.Shards[shardID]
		if !ok {
			return
		}
		if s.GroupID == ms.Desc.SrcGroup {
			shard.Moved = true
		} else {
			shard.Importing = false
		}

	case meta.EventApply:
		if ms == nil {
			return
		}
		if ms.Step != meta.StepMigrated {
			return
		}
		if s.GroupID == ms.Desc.SrcGroup {
			delete(s.Shards, shardID)
		}
		delete(s.Migrations, shardID)

	case meta.EventAbort:
		// Destination only; valid before this side's commit.
		if ms == nil || s.GroupID != ms.Desc.DestGroup {
			return
		}
		if ms.Step != meta.StepPrepare && ms.Step != meta.StepMigrating {
			return
		}
		if shard, ok := s.Shards[shardID]; ok && shard.Importing {
			delete(s.Shards, shardID)
		}
		delete(s.Migrations, shardID)
	}
}

// migSeq returns the dedup-table fragment carried by an ingest batch.
func migSeq(mig *meta.Migration) map[int64]int64 {
	if mig.Seq == nil {
		return map[int64]int64{}
	}
	return mig.Seq
}

// pullBatch reads up to limit committed keys strictly above fromKey in the
// shard's range, in key order.
func (s *groupState) pullBatch(shardID uint64, fromKey string, limit int) (batch meta.WriteBatch, seq map[int64]int64, nextKey string, done bool, ok bool) {
	shard, exists := s.Shards[shardID]
	if !exists {
		return meta.WriteBatch{}, nil, "", false, false
	}

	keys := make([]string, 0, len(shard.Data))
	for key := range shard.Data {
		if key > fromKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	done = len(keys) <= limit
	if len(keys) > limit {
		keys = keys[:limit]
	}

	for _, key := range keys {
		batch.Puts = append(batch.Puts, meta.KV{Key: key, Value: shard.Data[key]})
	}
	if len(keys) > 0 {
		nextKey = keys[len(keys)-1]
	} else {
		nextKey = fromKey
	}

	seq = make(map[int64]int64, len(shard.LastApplySeq))
	for clientId, n := range shard.LastApplySeq {
		seq[clientId] = n
	}
	return batch, seq, nextKey, done, true
}
