package group

import (
	"time"

	"github.com/ZhongliGao/engula/meta"
)

//
// Cross-group shard migration. Source and destination run independent
// sequential state machines linked only by explicit RPCs; every protocol
// step is proposed on the acting side's own log, so each side resumes
// from durable state after a crash and every message tolerates
// redelivery.
//

// AcquireShard starts migrating a shard into this group. Must be called
// on the destination leader; the migration then runs in the background
// until Finished or Abort.
func (g *Group) AcquireShard(desc meta.MigrationDesc) Err {
	if desc.DestGroup != g.gid {
		return ErrRefused
	}

	g.mu.Lock()
	if shard, ok := g.state.Shards[desc.Shard.ShardID]; ok && !shard.Importing {
		g.mu.Unlock()
		return OK
	}
	if ms, ok := g.state.Migrations[desc.Shard.ShardID]; ok {
		g.mu.Unlock()
		if ms.Desc == desc {
			return OK
		}
		return ErrRefused
	}
	g.mu.Unlock()

	return g.ProposeSyncOp(&meta.SyncOp{
		Kind:      meta.OpMigration,
		Migration: &meta.Migration{Event: meta.EventSetup, Desc: desc},
	})
}

// migrationLoop drives this group's destination-side migrations. It runs
// only on the leader and never blocks the apply loop; progress is
// recorded exclusively through proposed Ingest/Commit/Apply entries.
func (g *Group) migrationLoop() {
	for !g.killed() {
		_, isLeader := g.rf.GetState()
		if !isLeader {
			time.Sleep(Migrate_Timeout)
			continue
		}

		g.mu.Lock()
		pending := make([]meta.MigrationState, 0, len(g.state.Migrations))
		for _, ms := range g.state.Migrations {
			if ms.Desc.DestGroup == g.gid {
				pending = append(pending, *ms)
			}
		}
		g.mu.Unlock()

		for _, ms := range pending {
			g.driveMigration(ms)
		}

		time.Sleep(Migrate_Timeout)
	}
}

func (g *Group) driveMigration(ms meta.MigrationState) {
	switch ms.Step {
	case meta.StepPrepare, meta.StepMigrating:
		g.driveMigrating(ms)
	case meta.StepMigrated:
		g.driveFinish(ms)
	}
}

func (g *Group) driveMigrating(ms meta.MigrationState) {
	desc := ms.Desc

	// Make the migration durable on the source before copying anything.
	switch g.callGroup(desc.SrcGroup, "Group.PrepareMigration",
		&PrepareMigrationArgs{Desc: desc}, &PrepareMigrationReply{}) {
	case OK:
	case ErrRefused:
		// The source never agreed to start; discard our bookkeeping.
		DPrintf("[Group %d-%d] migration of shard %d refused by source",
			g.gid, g.me, desc.Shard.ShardID)
		g.ProposeSyncOp(&meta.SyncOp{
			Kind:      meta.OpMigration,
			Migration: &meta.Migration{Event: meta.EventAbort, Desc: desc},
		})
		return
	default:
		return
	}

	// Pull in key order from the durable cursor, exclusive. Each batch
	// becomes an Ingest entry on our own log before the cursor advances.
	if !g.pullRange(desc, ms.LastMigratedKey) {
		return
	}

	// Whole range pulled once: ask the source to commit. Applying the
	// commit fences the shard on the source, so no write can race the
	// re-check below.
	if g.callGroup(desc.SrcGroup, "Group.MigratedNotice",
		&MigratedNoticeArgs{Desc: desc}, &MigratedNoticeReply{}) != OK {
		return
	}

	// Re-check the exact range already migrated against the now-fenced
	// source, catching writes that landed behind the cursor.
	if !g.pullRange(desc, "") {
		return
	}

	g.ProposeSyncOp(&meta.SyncOp{
		Kind:      meta.OpMigration,
		Migration: &meta.Migration{Event: meta.EventCommit, Desc: desc},
	})
}

// pullRange copies the shard's committed source data above fromKey into
// Ingest entries, batch by batch. Returns false if the pass must be
// retried later (lost leadership, RPC failure, failed proposal).
func (g *Group) pullRange(desc meta.MigrationDesc, fromKey string) bool {
	for !g.killed() {
		if _, isLeader := g.rf.GetState(); !isLeader {
			return false
		}

		args := &PullShardArgs{
			ShardID: desc.Shard.ShardID,
			FromKey: fromKey,
			Limit:   PullBatchLimit,
		}
		reply := &PullShardReply{}
		if g.callGroup(desc.SrcGroup, "Group.PullShard", args, reply) != OK {
			return false
		}

		if len(reply.Batch.Puts) > 0 {
			err := g.ProposeSyncOp(&meta.SyncOp{
				Kind: meta.OpMigration,
				Migration: &meta.Migration{
					Event:           meta.EventIngest,
					Desc:            desc,
					LastIngestedKey: reply.NextKey,
					Batch:           reply.Batch,
					Seq:             reply.Seq,
				},
			})
			if err != OK {
				return false
			}
		}

		if reply.Done {
			return true
		}
		fromKey = reply.NextKey
	}
	return false
}

func (g *Group) driveFinish(ms meta.MigrationState) {
	desc := ms.Desc

	// The source drops its bookkeeping and the fenced data first; only
	// then do we remove our own, so a crash in between just resends the
	// (idempotent) finish notice.
	if g.callGroup(desc.SrcGroup, "Group.FinishMigration",
		&FinishMigrationArgs{Desc: desc}, &FinishMigrationReply{}) != OK {
		return
	}

	g.ProposeSyncOp(&meta.SyncOp{
		Kind:      meta.OpMigration,
		Migration: &meta.Migration{Event: meta.EventApply, Desc: desc},
	})
}

// callGroup tries each server of the target group in turn until one
// answers with a definitive reply.
func (g *Group) callGroup(gid uint64, method string, args interface{}, reply interface{}) Err {
	for _, server := range g.groups[gid] {
		srv := g.makeEnd(server)
		if !srv.Call(method, args, reply) {
			continue
		}
		switch e := replyErr(reply); e {
		case ErrWrongLeader:
			continue
		default:
			return e
		}
	}
	return ErrWrongLeader
}

func replyErr(reply interface{}) Err {
	switch r := reply.(type) {
	case *PrepareMigrationReply:
		return r.Err
	case *PullShardReply:
		return r.Err
	case *MigratedNoticeReply:
		return r.Err
	case *FinishMigrationReply:
		return r.Err
	}
	return ErrWrongLeader
}

// RPC handler. The source durably begins the migration by proposing a
// Setup event into its own log; from then on it must reach Finished.
func (g *Group) PrepareMigration(args *PrepareMigrationArgs, reply *PrepareMigrationReply) {
	if _, isLeader := g.rf.GetState(); !isLeader {
		reply.Err = ErrWrongLeader
		return
	}

	desc := args.Desc
	if desc.SrcGroup != g.gid {
		reply.Err = ErrRefused
		return
	}

	g.mu.Lock()
	shard, owned := g.state.Shards[desc.Shard.ShardID]
	if !owned || !shard.Desc.Equal(desc.Shard) {
		g.mu.Unlock()
		reply.Err = ErrRefused
		return
	}
	if ms, ok := g.state.Migrations[desc.Shard.ShardID]; ok {
		g.mu.Unlock()
		if ms.Desc == desc {
			reply.Err = OK
		} else {
			reply.Err = ErrRefused
		}
		return
	}
	g.mu.Unlock()

	reply.Err = g.ProposeSyncOp(&meta.SyncOp{
		Kind:      meta.OpMigration,
		Migration: &meta.Migration{Event: meta.EventSetup, Desc: desc},
	})
}

// RPC handler. Serves one key-ordered batch of committed shard data.
// Remains available on a fenced shard so the destination's final re-check
// can still read it.
func (g *Group) PullShard(args *PullShardArgs, reply *PullShardReply) {
	if _, isLeader := g.rf.GetState(); !isLeader {
		reply.Err = ErrWrongLeader
		return
	}

	g.mu.Lock()
	batch, seq, nextKey, done, ok := g.state.pullBatch(args.ShardID, args.FromKey, args.Limit)
	g.mu.Unlock()

	if !ok {
		reply.Err = ErrRefused
		return
	}
	reply.Err = OK
	reply.Batch = batch
	reply.Seq = seq
	reply.NextKey = nextKey
	reply.Done = done
}

// RPC handler. The destination has pulled the whole range; commit on our
// log and stop serving the shard.
func (g *Group) MigratedNotice(args *MigratedNoticeArgs, reply *MigratedNoticeReply) {
	if _, isLeader := g.rf.GetState(); !isLeader {
		reply.Err = ErrWrongLeader
		return
	}

	g.mu.Lock()
	ms, ok := g.state.Migrations[args.Desc.Shard.ShardID]
	if !ok {
		// Already finished and cleaned up; redelivered notice.
		g.mu.Unlock()
		reply.Err = OK
		return
	}
	if ms.Desc != args.Desc {
		g.mu.Unlock()
		reply.Err = ErrRefused
		return
	}
	if ms.Step == meta.StepMigrated {
		g.mu.Unlock()
		reply.Err = OK
		return
	}
	g.mu.Unlock()

	reply.Err = g.ProposeSyncOp(&meta.SyncOp{
		Kind:      meta.OpMigration,
		Migration: &meta.Migration{Event: meta.EventCommit, Desc: args.Desc},
	})
}

// RPC handler. Both sides have committed; drop bookkeeping and the fenced
// shard's data.
func (g *Group) FinishMigration(args *FinishMigrationArgs, reply *FinishMigrationReply) {
	if _, isLeader := g.rf.GetState(); !isLeader {
		reply.Err = ErrWrongLeader
		return
	}

	g.mu.Lock()
	ms, ok := g.state.Migrations[args.Desc.Shard.ShardID]
	if !ok {
		g.mu.Unlock()
		reply.Err = OK
		return
	}
	if ms.Desc != args.Desc {
		g.mu.Unlock()
		reply.Err = ErrRefused
		return
	}
	if ms.Step != meta.StepMigrated {
		// Our commit hasn't applied yet; the destination retries.
		g.mu.Unlock()
		reply.Err = ErrWrongLeader
		return
	}
	g.mu.Unlock()

	reply.Err = g.ProposeSyncOp(&meta.SyncOp{
		Kind:      meta.OpMigration,
		Migration: &meta.Migration{Event: meta.EventApply, Desc: args.Desc},
	})
}

// seedMigrationsFromStore merges the mirrored migration bookkeeping into
// the state machine at startup, so a replica recovering without a
// consensus snapshot resumes the pull loop from the durable cursor
// instead of from scratch. Steps and cursors only move forward, and every
// replayed migration event is idempotent, so log replay over the seeded
// state converges.
func (g *Group) seedMigrationsFromStore() error {
	mss, err := g.store.ListMigrationStates(g.gid)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ms := range mss {
		shardID := ms.Desc.Shard.ShardID
		if cur, ok := g.state.Migrations[shardID]; ok {
			if cur.Desc != ms.Desc {
				continue
			}
			if ms.LastMigratedKey > cur.LastMigratedKey {
				cur.LastMigratedKey = ms.LastMigratedKey
			}
			if ms.Step > cur.Step {
				cur.Step = ms.Step
			}
			ms = *cur
		} else {
			cp := ms
			g.state.Migrations[shardID] = &cp
		}

		// Re-establish the shard flags the mirrored step implies.
		if g.gid == ms.Desc.DestGroup {
			if shard, ok := g.state.Shards[shardID]; !ok {
				g.state.Shards[shardID] = newShardState(ms.Desc.Shard, ms.Step < meta.StepMigrated)
			} else if ms.Step >= meta.StepMigrated {
				shard.Importing = false
			}
		} else if shard, ok := g.state.Shards[shardID]; ok && ms.Step >= meta.StepMigrated {
			shard.Moved = true
		}
	}
	return nil
}

// MigrationProgress returns this side's bookkeeping for a shard, or nil
// once the migration is finished.
func (g *Group) MigrationProgress(shardID uint64) *meta.MigrationState {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms, ok := g.state.Migrations[shardID]
	if !ok {
		return nil
	}
	cp := *ms
	return &cp
}
