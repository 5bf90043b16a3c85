package group

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/ZhongliGao/engula/meta"
)

func addShardOp(desc meta.ShardDesc) *meta.SyncOp {
	return &meta.SyncOp{Kind: meta.OpAddShard, AddShard: &meta.AddShard{Desc: desc}}
}

func migrationOp(mig meta.Migration) *meta.SyncOp {
	return &meta.SyncOp{Kind: meta.OpMigration, Migration: &mig}
}

func testDesc() meta.MigrationDesc {
	return meta.MigrationDesc{
		Shard:     meta.ShardDesc{ShardID: 1, Start: "a", End: "z"},
		SrcGroup:  1,
		DestGroup: 2,
	}
}

// Applying the same ordered entry sequence to two independently
// initialized state machines of the same group must yield identical
// state. This is the property everything else rests on.
func TestApplyDeterminism(t *testing.T) {
	ops := []*meta.SyncOp{
		addShardOp(meta.ShardDesc{ShardID: 1, Start: "a", End: "m"}),
		addShardOp(meta.ShardDesc{ShardID: 2, Start: "m", End: "z"}),
		{Kind: meta.OpEvalResult, EvalResult: &meta.EvalResult{
			Batch: meta.WriteBatch{Puts: []meta.KV{{Key: "apple", Value: "1"}, {Key: "mango", Value: "2"}}},
			Op: &meta.SyncOp{Kind: meta.OpPurgeOrphanReplica,
				PurgeReplica: &meta.PurgeOrphanReplica{GroupID: 1, ReplicaID: 300}},
		}},
		migrationOp(meta.Migration{Event: meta.EventSetup, Desc: meta.MigrationDesc{
			Shard: meta.ShardDesc{ShardID: 2, Start: "m", End: "z"}, SrcGroup: 1, DestGroup: 9,
		}}),
	}
	batches := []meta.WriteBatch{
		{Puts: []meta.KV{{Key: "banana", Value: "3"}}},
		{Deletes: []string{"apple"}},
	}

	a := newGroupState(1)
	b := newGroupState(1)
	for _, s := range []*groupState{a, b} {
		for _, op := range ops {
			s.applySyncOp(op)
		}
		for _, batch := range batches {
			s.applyBatch(batch)
		}
	}

	if !reflect.DeepEqual(a, b) {
		t.Errorf("replicas diverged:\n%+v\n%+v", a, b)
	}
	if a.Shards[1].Data["banana"] != "3" {
		t.Error("banana missing")
	}
	if _, has := a.Shards[1].Data["apple"]; has {
		t.Error("apple should be deleted")
	}
	if !a.Purged[300] {
		t.Error("purge decision not recorded")
	}
}

func TestAddShardReplayAndConflict(t *testing.T) {
	s := newGroupState(1)
	desc := meta.ShardDesc{ShardID: 1, Start: "a", End: "m"}

	if err := s.applySyncOp(addShardOp(desc)); err != nil {
		t.Fatalf("add shard failed: %v", err)
	}
	// Replay with identical descriptor is a silent success.
	if err := s.applySyncOp(addShardOp(desc)); err != nil {
		t.Errorf("identical replay should succeed, got %v", err)
	}
	// Same id, different range: fatal.
	err := s.applySyncOp(addShardOp(meta.ShardDesc{ShardID: 1, Start: "a", End: "q"}))
	if !errors.Is(err, meta.ErrShardDescMismatch) {
		t.Errorf("expected ErrShardDescMismatch, got %v", err)
	}
	// Different id, overlapping range: also fatal.
	err = s.applySyncOp(addShardOp(meta.ShardDesc{ShardID: 2, Start: "k", End: "p"}))
	if !errors.Is(err, meta.ErrShardDescMismatch) {
		t.Errorf("expected ErrShardDescMismatch for overlap, got %v", err)
	}
}

func TestEvalResultAtomicity(t *testing.T) {
	s := newGroupState(1)
	if err := s.applySyncOp(addShardOp(meta.ShardDesc{ShardID: 1, Start: "a", End: "z"})); err != nil {
		t.Fatal(err)
	}

	// Nested op conflicts, so the batch must not apply either.
	err := s.applySyncOp(&meta.SyncOp{Kind: meta.OpEvalResult, EvalResult: &meta.EvalResult{
		Batch: meta.WriteBatch{Puts: []meta.KV{{Key: "k", Value: "v"}}},
		Op:    addShardOp(meta.ShardDesc{ShardID: 1, Start: "a", End: "q"}),
	}})
	if !errors.Is(err, meta.ErrShardDescMismatch) {
		t.Fatalf("expected ErrShardDescMismatch, got %v", err)
	}
	if _, has := s.Shards[1].Data["k"]; has {
		t.Error("batch applied despite nested op failure")
	}

	// Clean nested op: both take effect.
	if err := s.applySyncOp(&meta.SyncOp{Kind: meta.OpEvalResult, EvalResult: &meta.EvalResult{
		Batch: meta.WriteBatch{Puts: []meta.KV{{Key: "k", Value: "v"}}},
		Op: &meta.SyncOp{Kind: meta.OpPurgeOrphanReplica,
			PurgeReplica: &meta.PurgeOrphanReplica{GroupID: 1, ReplicaID: 5}},
	}}); err != nil {
		t.Fatal(err)
	}
	if s.Shards[1].Data["k"] != "v" {
		t.Error("batch not applied")
	}
	if !s.Purged[5] {
		t.Error("nested op not applied")
	}
}

func TestMigrationSetupBothSides(t *testing.T) {
	desc := testDesc()

	src := newGroupState(1)
	if err := src.applySyncOp(addShardOp(desc.Shard)); err != nil {
		t.Fatal(err)
	}
	src.Shards[1].Data["apple"] = "1"

	src.applyMigration(&meta.Migration{Event: meta.EventSetup, Desc: desc})
	if ms := src.Migrations[1]; ms == nil || ms.Step != meta.StepMigrating {
		t.Fatalf("source should start at Migrating, got %+v", ms)
	}

	dest := newGroupState(2)
	dest.applyMigration(&meta.Migration{Event: meta.EventSetup, Desc: desc})
	if ms := dest.Migrations[1]; ms == nil || ms.Step != meta.StepPrepare {
		t.Fatalf("destination should start at Prepare, got %+v", ms)
	}
	if shard := dest.Shards[1]; shard == nil || !shard.Importing {
		t.Fatal("destination should hold an importing shard stub")
	}

	// Redelivered setup changes nothing.
	before := fmt.Sprintf("%+v", dest.Migrations[1])
	dest.applyMigration(&meta.Migration{Event: meta.EventSetup, Desc: desc})
	if after := fmt.Sprintf("%+v", dest.Migrations[1]); after != before {
		t.Errorf("setup redelivery changed state: %s -> %s", before, after)
	}
}

func TestIngestIdempotence(t *testing.T) {
	desc := testDesc()
	dest := newGroupState(2)
	dest.applyMigration(&meta.Migration{Event: meta.EventSetup, Desc: desc})

	ingest := &meta.Migration{
		Event:           meta.EventIngest,
		Desc:            desc,
		LastIngestedKey: "g",
		Batch:           meta.WriteBatch{Puts: []meta.KV{{Key: "apple", Value: "1"}, {Key: "grape", Value: "2"}}},
		Seq:             map[int64]int64{42: 7},
	}
	dest.applyMigration(ingest)

	ms := dest.Migrations[1]
	if ms.LastMigratedKey != "g" || ms.Step != meta.StepMigrating {
		t.Fatalf("after ingest: %+v", ms)
	}
	if dest.Shards[1].Data["apple"] != "1" || dest.Shards[1].Data["grape"] != "2" {
		t.Fatal("batch not ingested")
	}
	if dest.Shards[1].LastApplySeq[42] != 7 {
		t.Fatal("dedup table not carried over")
	}

	// Same ingest again: cursor stays at g, state unchanged.
	snapshot := fmt.Sprintf("%+v%+v", dest.Shards[1], ms)
	dest.applyMigration(ingest)
	if got := fmt.Sprintf("%+v%+v", dest.Shards[1], dest.Migrations[1]); got != snapshot {
		t.Errorf("duplicate ingest changed state:\n%s\n%s", snapshot, got)
	}

	// A re-check repair behind the cursor updates data but not the cursor.
	dest.applyMigration(&meta.Migration{
		Event:           meta.EventIngest,
		Desc:            desc,
		LastIngestedKey: "b",
		Batch:           meta.WriteBatch{Puts: []meta.KV{{Key: "apple", Value: "9"}}},
	})
	if dest.Shards[1].Data["apple"] != "9" {
		t.Error("re-check repair not applied")
	}
	if dest.Migrations[1].LastMigratedKey != "g" {
		t.Errorf("cursor regressed to %q", dest.Migrations[1].LastMigratedKey)
	}
}

func TestCommitFinality(t *testing.T) {
	desc := testDesc()
	dest := newGroupState(2)
	dest.applyMigration(&meta.Migration{Event: meta.EventSetup, Desc: desc})
	dest.applyMigration(&meta.Migration{
		Event: meta.EventIngest, Desc: desc, LastIngestedKey: "g",
		Batch: meta.WriteBatch{Puts: []meta.KV{{Key: "apple", Value: "1"}}},
	})

	dest.applyMigration(&meta.Migration{Event: meta.EventCommit, Desc: desc})
	if dest.Migrations[1].Step != meta.StepMigrated {
		t.Fatalf("expected Migrated, got %v", dest.Migrations[1].Step)
	}
	if dest.Shards[1].Importing {
		t.Fatal("destination shard should serve after commit")
	}

	// After commit, ingest and abort are dead; only apply is accepted.
	dest.applyMigration(&meta.Migration{
		Event: meta.EventIngest, Desc: desc, LastIngestedKey: "x",
		Batch: meta.WriteBatch{Puts: []meta.KV{{Key: "late", Value: "no"}}},
	})
	if _, has := dest.Shards[1].Data["late"]; has {
		t.Error("ingest accepted after commit")
	}
	dest.applyMigration(&meta.Migration{Event: meta.EventAbort, Desc: desc})
	if dest.Migrations[1] == nil || dest.Migrations[1].Step != meta.StepMigrated {
		t.Error("abort accepted after commit")
	}

	dest.applyMigration(&meta.Migration{Event: meta.EventApply, Desc: desc})
	if _, has := dest.Migrations[1]; has {
		t.Error("apply should remove bookkeeping")
	}
	if dest.Shards[1].Data["apple"] != "1" {
		t.Error("apply must not touch shard data on the destination")
	}
}

func TestSourceCommitFencesAndApplyDrops(t *testing.T) {
	desc := testDesc()
	src := newGroupState(1)
	if err := src.applySyncOp(addShardOp(desc.Shard)); err != nil {
		t.Fatal(err)
	}
	src.Shards[1].Data["apple"] = "1"
	src.applyMigration(&meta.Migration{Event: meta.EventSetup, Desc: desc})

	src.applyMigration(&meta.Migration{Event: meta.EventCommit, Desc: desc})
	if !src.Shards[1].Moved {
		t.Fatal("source shard should be fenced after commit")
	}

	// Fenced shard drops writes, reports the drop to the proposer, and
	// still serves pulls for the re-check.
	if e := src.applyBatch(meta.WriteBatch{Puts: []meta.KV{{Key: "banana", Value: "2"}}}); e != ErrShardMoved {
		t.Errorf("batch on fenced shard: %v, want ErrShardMoved", e)
	}
	if _, has := src.Shards[1].Data["banana"]; has {
		t.Error("write accepted on fenced shard")
	}
	if e := src.applyBatch(meta.WriteBatch{Deletes: []string{"zz-unowned"}}); e != ErrWrongGroup {
		t.Errorf("batch on unowned range: %v, want ErrWrongGroup", e)
	}
	if _, _, _, _, ok := src.pullBatch(1, "", 10); !ok {
		t.Error("pull should stay available on fenced shard")
	}

	src.applyMigration(&meta.Migration{Event: meta.EventApply, Desc: desc})
	if _, has := src.Shards[1]; has {
		t.Error("apply should drop the fenced shard on the source")
	}
	if _, has := src.Migrations[1]; has {
		t.Error("apply should drop the bookkeeping")
	}
}

func TestAbortBeforeIngest(t *testing.T) {
	desc := testDesc()
	dest := newGroupState(2)
	dest.applyMigration(&meta.Migration{Event: meta.EventSetup, Desc: desc})

	dest.applyMigration(&meta.Migration{Event: meta.EventAbort, Desc: desc})
	if _, has := dest.Migrations[1]; has {
		t.Error("abort should remove destination bookkeeping")
	}
	if _, has := dest.Shards[1]; has {
		t.Error("abort should remove the importing shard stub")
	}

	// Source never entered the protocol; its state is untouched by a
	// destination-side abort.
	src := newGroupState(1)
	if err := src.applySyncOp(addShardOp(desc.Shard)); err != nil {
		t.Fatal(err)
	}
	src.Shards[1].Data["apple"] = "1"
	src.applyMigration(&meta.Migration{Event: meta.EventAbort, Desc: desc})
	if src.Shards[1].Data["apple"] != "1" || src.Shards[1].Moved {
		t.Error("source state disturbed by abort it never participated in")
	}
}

func TestPullBatchOrderAndPaging(t *testing.T) {
	s := newGroupState(1)
	if err := s.applySyncOp(addShardOp(meta.ShardDesc{ShardID: 1, Start: "a", End: "z"})); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"d", "b", "c", "a", "e"} {
		s.Shards[1].Data[k] = "v-" + k
	}

	batch, _, next, done, ok := s.pullBatch(1, "", 2)
	if !ok || done {
		t.Fatalf("first page: ok=%v done=%v", ok, done)
	}
	if len(batch.Puts) != 2 || batch.Puts[0].Key != "a" || batch.Puts[1].Key != "b" {
		t.Fatalf("first page out of order: %+v", batch.Puts)
	}
	if next != "b" {
		t.Fatalf("next = %q, want b", next)
	}

	batch, _, next, done, _ = s.pullBatch(1, next, 10)
	if !done || len(batch.Puts) != 3 || batch.Puts[0].Key != "c" || next != "e" {
		t.Fatalf("second page: done=%v batch=%+v next=%q", done, batch.Puts, next)
	}

	// Pulling an unknown shard is refused.
	if _, _, _, _, ok := s.pullBatch(99, "", 10); ok {
		t.Error("pull of unknown shard should fail")
	}
}
