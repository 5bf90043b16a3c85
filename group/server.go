package group

import (
	"fmt"
	"log"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyanial/raft"
	"github.com/cyanial/raft/labgob"
	"github.com/cyanial/raft/labrpc"

	"github.com/ZhongliGao/engula/meta"
	"github.com/ZhongliGao/engula/metastore"
	"github.com/ZhongliGao/engula/replica"
	"github.com/ZhongliGao/engula/snapshot"
)

// Op is the unit of replication: either a client command, a raw write
// batch, or a structured SyncOp. Every replica decodes and applies it in
// log order.
type Op struct {
	Method string // "Get", "Put", "Append", "Batch", "Sync"

	// K/V service
	Key   string
	Value string

	// Raw write batch
	Batch meta.WriteBatch

	// Structured command
	Sync *meta.SyncOp

	ClientId    int64
	SequenceNum int64
}

// opResult is what the applier reports back to a waiting proposer: the
// committed op at that index and the outcome of applying it. A write the
// applier had to drop (shard fenced or not owned by the time the entry
// applied) is never acknowledged as OK.
type opResult struct {
	op  Op
	err Err
}

// Group is one replica of a consensus group hosting shards.
type Group struct {
	mu        sync.Mutex
	me        int
	gid       uint64
	replicaID uint64
	rf        *raft.Raft
	applyCh   chan raft.ApplyMsg
	makeEnd   func(string) *labrpc.ClientEnd
	groups    map[uint64][]string

	maxraftstate int // snapshot if log grows this big

	state *groupState

	store     *metastore.Store
	lifecycle *replica.Manager
	snaps     *snapshot.Manager
	raftState meta.RaftLocalState

	waitApplyCh map[int]chan opResult

	snapshotIndex int
	dead          int32

	activated bool
}

func (g *Group) Get(args *GetArgs, reply *GetReply) {

	_, isLeader := g.rf.GetState()
	if !isLeader {
		reply.Err = ErrWrongLeader
		return
	}

	serve, moved := g.checkShardState(args.Key)
	if moved {
		reply.Err = ErrShardMoved
		return
	}
	if !serve {
		reply.Err = ErrWrongGroup
		return
	}

	op := Op{
		Method:      "Get",
		Key:         args.Key,
		ClientId:    args.ClientId,
		SequenceNum: args.SequenceNum,
	}

	index, _, _ := g.rf.Start(op)

	indexCh := g.waitChanFor(index)

	select {
	case res := <-indexCh:
		if res.op.ClientId == op.ClientId && res.op.SequenceNum == op.SequenceNum {
			reply.Err, reply.Value = g.readKey(op)
		} else {
			reply.Err = ErrWrongLeader
		}

	case <-time.After(Server_Timeout):
		reply.Err = ErrWrongLeader
	}

	g.removeWaitChan(index)
}

func (g *Group) readKey(op Op) (Err, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	shard, ok := g.state.shardForKey(op.Key)
	if !ok || shard.Importing {
		return ErrWrongGroup, ""
	}
	if shard.Moved {
		return ErrShardMoved, ""
	}
	value, has := shard.Data[op.Key]
	if !has {
		return ErrNoKey, ""
	}
	return OK, value
}

func (g *Group) PutAppend(args *PutAppendArgs, reply *PutAppendReply) {

	_, isLeader := g.rf.GetState()
	if !isLeader {
		DPrintf("[Group %d-%d] %s, Wrong Leader - first", g.gid, g.me, args.Op)
		reply.Err = ErrWrongLeader
		return
	}

	serve, moved := g.checkShardState(args.Key)
	if moved {
		reply.Err = ErrShardMoved
		return
	}
	if !serve {
		DPrintf("[Group %d-%d] %s, Wrong Group", g.gid, g.me, args.Op)
		reply.Err = ErrWrongGroup
		return
	}

	op := Op{
		Method:      args.Op,
		Key:         args.Key,
		Value:       args.Value,
		ClientId:    args.ClientId,
		SequenceNum: args.SequenceNum,
	}

	index, _, _ := g.rf.Start(op)

	indexCh := g.waitChanFor(index)

	select {
	case res := <-indexCh:
		if res.op.ClientId == op.ClientId && res.op.SequenceNum == op.SequenceNum {
			reply.Err = res.err
		} else {
			reply.Err = ErrWrongLeader
		}
	case <-time.After(Server_Timeout):
		if g.isDuplicatedCmd(op.ClientId, op.SequenceNum, op.Key) {
			reply.Err = OK
		} else {
			reply.Err = ErrWrongLeader
		}
	}

	g.removeWaitChan(index)
}

// ProposeSyncOp replicates a structured command through this group's log
// and waits for it to commit. Callers must be talking to the leader.
func (g *Group) ProposeSyncOp(sop *meta.SyncOp) Err {
	return g.proposeOp(Op{Method: "Sync", Sync: sop})
}

// ProposeBatch replicates a raw write batch through this group's log.
func (g *Group) ProposeBatch(batch meta.WriteBatch) Err {
	return g.proposeOp(Op{Method: "Batch", Batch: batch})
}

func (g *Group) proposeOp(op Op) Err {
	index, _, isLeader := g.rf.Start(op)
	if !isLeader {
		return ErrWrongLeader
	}

	indexCh := g.waitChanFor(index)
	defer g.removeWaitChan(index)

	select {
	case res := <-indexCh:
		if res.op.Method == op.Method && reflect.DeepEqual(res.op.Sync, op.Sync) &&
			reflect.DeepEqual(res.op.Batch, op.Batch) {
			return res.err
		}
		return ErrWrongLeader
	case <-time.After(Server_Timeout):
		return ErrWrongLeader
	}
}

func (g *Group) waitChanFor(index int) chan opResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	indexCh, exist := g.waitApplyCh[index]
	if !exist {
		g.waitApplyCh[index] = make(chan opResult, 1)
		indexCh = g.waitApplyCh[index]
	}
	return indexCh
}

func (g *Group) removeWaitChan(index int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waitApplyCh, index)
}

// GID returns the consensus group id this replica belongs to.
func (g *Group) GID() uint64 {
	return g.gid
}

// ReplicaID returns this replica's id within the group.
func (g *Group) ReplicaID() uint64 {
	return g.replicaID
}

// Raft exposes the underlying consensus instance.
func (g *Group) Raft() *raft.Raft {
	return g.rf
}

// OrphanPurged reports whether a replicated purge decision names this
// replica. The decision is recorded by the applier; acting on it is the
// caller's local choice.
func (g *Group) OrphanPurged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Purged[g.replicaID]
}

// Shutdown tears down the replica's service: consensus stops and the
// lifecycle record moves to Terminated. Disk data stays for later purge.
func (g *Group) Shutdown() error {
	g.Kill()
	return g.lifecycle.Terminate(g.gid, g.replicaID)
}

func (g *Group) Kill() {
	atomic.StoreInt32(&g.dead, 1)
	g.rf.Kill()
}

func (g *Group) killed() bool {
	return atomic.LoadInt32(&g.dead) == 1
}

func (g *Group) applier() {
	for applyMsg := range g.applyCh {
		if g.killed() {
			return
		}

		if applyMsg.CommandValid {
			g.ProcessCommand(applyMsg)

		} else if applyMsg.SnapshotValid {
			g.mu.Lock()
			if g.rf.CondInstallSnapshot(applyMsg.SnapshotTerm, applyMsg.SnapshotIndex, applyMsg.Snapshot) {
				g.InstallSnapshot(applyMsg.Snapshot)
				g.snapshotIndex = applyMsg.SnapshotIndex
			}
			g.mu.Unlock()
			g.activateReplica()
		}
	}
}

// activateReplica moves the local lifecycle record from Pending to Normal
// the first time this replica is caught up enough to apply entries.
func (g *Group) activateReplica() {
	g.mu.Lock()
	if g.activated {
		g.mu.Unlock()
		return
	}
	g.activated = true
	g.mu.Unlock()

	if err := g.lifecycle.Activate(g.gid, g.replicaID); err != nil {
		// Already Normal after a restart.
		DPrintf("[Group %d-%d] activate: %v", g.gid, g.me, err)
	}
}

// StartServer starts one replica of a group.
//
// servers[] holds the labrpc ends of this group's members, me is this
// replica's index in servers[]. makeEnd turns a server name from groups[]
// into a ClientEnd for reaching other groups during migration. store,
// lifecycle, and snaps are the node-local metadata store, replica
// lifecycle manager, and snapshot manager.
func StartServer(servers []*labrpc.ClientEnd, me int, persister *raft.Persister, maxraftstate int,
	gid, replicaID uint64, store *metastore.Store, lifecycle *replica.Manager,
	snaps *snapshot.Manager, makeEnd func(string) *labrpc.ClientEnd,
	groups map[uint64][]string) (*Group, error) {

	labgob.Register(Op{})

	g := &Group{
		me:            me,
		gid:           gid,
		replicaID:     replicaID,
		applyCh:       make(chan raft.ApplyMsg),
		makeEnd:       makeEnd,
		groups:        groups,
		maxraftstate:  maxraftstate,
		state:         newGroupState(gid),
		store:         store,
		lifecycle:     lifecycle,
		snaps:         snaps,
		waitApplyCh:   make(map[int]chan opResult),
		snapshotIndex: 0,
	}

	if err := lifecycle.Create(gid, replicaID); err != nil {
		return nil, fmt.Errorf("start group %d replica %d: %w", gid, replicaID, err)
	}

	raftState, err := store.LoadRaftLocalState(gid, replicaID)
	if err != nil {
		return nil, fmt.Errorf("start group %d replica %d: %w", gid, replicaID, err)
	}
	g.raftState = raftState

	g.rf = raft.Make(servers, me, persister, g.applyCh)

	if persister.SnapshotSize() > 0 {
		g.InstallSnapshot(persister.ReadSnapshot())
	} else {
		// No consensus snapshot; seed from the durable file image so a
		// replica whose raft state was lost still recovers its data.
		switch err := g.RestoreFromImage(); {
		case err == nil:
			g.snapshotIndex = int(g.raftState.LastTruncated.Index)
		case meta.IsCorrupt(err):
			// Damaged image: discard it and rebuild from the log.
			log.Printf("[Group %d-%d] discarding snapshot image: %v", gid, me, err)
		default:
			return nil, fmt.Errorf("start group %d replica %d: %w", gid, replicaID, err)
		}
		if err := g.seedMigrationsFromStore(); err != nil {
			return nil, fmt.Errorf("start group %d replica %d: %w", gid, replicaID, err)
		}
	}

	go g.applier()
	go g.migrationLoop()

	return g, nil
}
