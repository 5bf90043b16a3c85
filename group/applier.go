package group

import (
	"errors"
	"log"

	"github.com/cyanial/raft"

	"github.com/ZhongliGao/engula/meta"
)

// ProcessCommand is the single deterministic apply path: invoked once per
// committed entry, in log order. Applying the same entry sequence on any
// two replicas of the group yields identical state.
func (g *Group) ProcessCommand(applyMsg raft.ApplyMsg) {

	if applyMsg.CommandIndex <= g.snapshotIndex {
		return
	}

	op := applyMsg.Command.(Op)
	res := opResult{op: op, err: OK}

	g.mu.Lock()
	switch op.Method {

	case "Sync":
		if op.Sync == nil {
			res.err = ErrRefused
			break
		}
		if err := g.state.applySyncOp(op.Sync); err != nil {
			res.err = ErrRefused
			if errors.Is(err, meta.ErrShardDescMismatch) {
				// Ordering/identity invariant violated; surface to the
				// operator instead of papering over it.
				log.Printf("[Group %d-%d] FATAL sync op at index %d: %v",
					g.gid, g.me, applyMsg.CommandIndex, err)
			} else {
				DPrintf("[Group %d-%d] sync op rejected: %v", g.gid, g.me, err)
			}
		}
		g.mirrorMigrationsLocked(op.Sync)

	case "Batch":
		res.err = g.state.applyBatch(op.Batch)

	case "Get":
		// Reads take effect at the handler once commit is observed.

	case "Put", "Append":
		res.err = g.applyClientWriteLocked(op)
	}
	g.mu.Unlock()

	g.activateReplica()
	g.maybeSnapshot(applyMsg.CommandIndex)

	// reply
	g.mu.Lock()
	indexCh, exist := g.waitApplyCh[applyMsg.CommandIndex]
	if exist {
		select {
		case indexCh <- res:
		default:
		}
	}
	g.mu.Unlock()
}

// applyClientWriteLocked applies one client write and reports the outcome
// the proposer must relay: a write whose shard was fenced or lost between
// propose and apply is dropped and must not be acknowledged.
func (g *Group) applyClientWriteLocked(op Op) Err {
	shard, ok := g.state.shardForKey(op.Key)
	if !ok || shard.Importing {
		return ErrWrongGroup
	}
	if shard.Moved {
		return ErrShardMoved
	}

	if lastSeq, has := shard.LastApplySeq[op.ClientId]; has && op.SequenceNum <= lastSeq {
		return OK
	}

	switch op.Method {
	case "Put":
		DPrintf("[Group %d-%d] Apply Put, k=%s, v=%s", g.gid, g.me, op.Key, op.Value)
		shard.Data[op.Key] = op.Value
	case "Append":
		DPrintf("[Group %d-%d] Apply Append, k=%s, v=%s", g.gid, g.me, op.Key, op.Value)
		shard.Data[op.Key] += op.Value
	}
	shard.LastApplySeq[op.ClientId] = op.SequenceNum
	return OK
}

// mirrorMigrationsLocked mirrors the bookkeeping of every migration the
// sync op touched, including ones nested inside an EvalResult.
func (g *Group) mirrorMigrationsLocked(sop *meta.SyncOp) {
	for sop != nil {
		switch sop.Kind {
		case meta.OpMigration:
			g.mirrorMigrationLocked(sop.Migration.Desc.Shard.ShardID)
			return
		case meta.OpEvalResult:
			sop = sop.EvalResult.Op
		default:
			return
		}
	}
}

// mirrorMigrationLocked copies the post-apply migration bookkeeping into
// the node-local metadata store so a restarting node resumes the pull
// loop from the durable cursor without replaying the whole log.
func (g *Group) mirrorMigrationLocked(shardID uint64) {
	ms, exists := g.state.Migrations[shardID]
	var err error
	if exists {
		err = g.store.SaveMigrationState(g.gid, *ms)
	} else {
		err = g.store.DeleteMigrationState(g.gid, shardID)
	}
	if err != nil {
		DPrintf("[Group %d-%d] migration mirror: %v", g.gid, g.me, err)
	}
}
