package group

//
// Replica group server: one Raft-replicated state machine serving a set
// of shards, plus the cross-group RPCs that move a shard from a source
// group to a destination group while both keep serving.
//

import "github.com/ZhongliGao/engula/meta"

const (
	OK             = "OK"
	ErrNoKey       = "ErrNoKey"
	ErrWrongGroup  = "ErrWrongGroup"
	ErrWrongLeader = "ErrWrongLeader"
	ErrShardMoved  = "ErrShardMoved"
	ErrRefused     = "ErrRefused"
)

type Err string

// Put or Append
type PutAppendArgs struct {
	Key         string
	Value       string
	Op          string // "Put" or "Append"
	ClientId    int64
	SequenceNum int64
}

type PutAppendReply struct {
	Err Err
}

type GetArgs struct {
	Key         string
	ClientId    int64
	SequenceNum int64
}

type GetReply struct {
	Err   Err
	Value string
}

// PrepareMigration asks the source group to durably begin a migration by
// proposing a Setup event into its own log.
type PrepareMigrationArgs struct {
	Desc meta.MigrationDesc
}

type PrepareMigrationReply struct {
	Err Err
}

// PullShard reads one key-ordered batch of committed shard data strictly
// above FromKey. Done reports that no keys remain past the batch.
type PullShardArgs struct {
	ShardID uint64
	FromKey string
	Limit   int
}

type PullShardReply struct {
	Err     Err
	Batch   meta.WriteBatch
	Seq     map[int64]int64 // client dedup table fragment for the batch
	NextKey string
	Done    bool
}

// MigratedNotice tells the source the destination has pulled the whole
// range; the source commits and stops serving the shard.
type MigratedNoticeArgs struct {
	Desc meta.MigrationDesc
}

type MigratedNoticeReply struct {
	Err Err
}

// FinishMigration tells the source both sides have committed; the source
// drops its migration bookkeeping and the fenced shard's data.
type FinishMigrationArgs struct {
	Desc meta.MigrationDesc
}

type FinishMigrationReply struct {
	Err Err
}
