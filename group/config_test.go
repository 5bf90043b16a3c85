package group_test

//
// In-process two-group harness: real Raft instances per group wired over
// a labrpc network, one node-local metadata store per server.
//

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyanial/raft"
	"github.com/cyanial/raft/labrpc"

	"github.com/ZhongliGao/engula/group"
	"github.com/ZhongliGao/engula/node"
)

const groupSize = 3

type testGroup struct {
	gid     uint64
	servers []*group.Group
	saved   []*raft.Persister
	nodes   []*node.Node
	alive   []bool
}

type cluster struct {
	t   *testing.T
	net *labrpc.Network
	dir string

	mu       sync.Mutex
	endCount int

	groups map[uint64]*testGroup
	names  map[uint64][]string

	nextClient int64
	nextSeq    int64
}

func serverName(gid uint64, i int) string {
	return fmt.Sprintf("server-%d-%d", gid, i)
}

func replicaID(gid uint64, i int) uint64 {
	return gid*100 + uint64(i)
}

func makeCluster(t *testing.T, gids []uint64, maxraftstate int) *cluster {
	t.Helper()

	c := &cluster{
		t:          t,
		net:        labrpc.MakeNetwork(),
		dir:        t.TempDir(),
		groups:     make(map[uint64]*testGroup),
		names:      make(map[uint64][]string),
		nextClient: 1,
	}
	t.Cleanup(c.net.Cleanup)

	for _, gid := range gids {
		names := make([]string, groupSize)
		for i := 0; i < groupSize; i++ {
			names[i] = serverName(gid, i)
		}
		c.names[gid] = names
	}

	for _, gid := range gids {
		tg := &testGroup{
			gid:     gid,
			servers: make([]*group.Group, groupSize),
			saved:   make([]*raft.Persister, groupSize),
			nodes:   make([]*node.Node, groupSize),
			alive:   make([]bool, groupSize),
		}
		c.groups[gid] = tg
		for i := 0; i < groupSize; i++ {
			tg.saved[i] = raft.MakePersister()

			n, err := node.Open(
				filepath.Join(c.dir, fmt.Sprintf("node-%d-%d", gid, i)),
				"test-cluster", replicaID(gid, i))
			if err != nil {
				t.Fatalf("failed to open node: %v", err)
			}
			tg.nodes[i] = n
			c.startServer(gid, i, maxraftstate)
		}
	}
	return c
}

func (c *cluster) uniqueEnd(servername string) *labrpc.ClientEnd {
	c.mu.Lock()
	c.endCount++
	name := fmt.Sprintf("end-%d", c.endCount)
	c.mu.Unlock()

	end := c.net.MakeEnd(name)
	c.net.Connect(name, servername)
	c.net.Enable(name, true)
	return end
}

// startServer boots (or reboots) one replica server from its persister
// and node-local stores.
func (c *cluster) startServer(gid uint64, i int, maxraftstate int) {
	tg := c.groups[gid]
	n := tg.nodes[i]

	ends := make([]*labrpc.ClientEnd, groupSize)
	for j := 0; j < groupSize; j++ {
		ends[j] = c.uniqueEnd(serverName(gid, j))
	}

	g, err := group.StartServer(ends, i, tg.saved[i], maxraftstate,
		gid, replicaID(gid, i), n.Store(), n.Lifecycle(), n.Snapshots(),
		c.uniqueEnd, c.names)
	if err != nil {
		c.t.Fatalf("failed to start server %d-%d: %v", gid, i, err)
	}
	tg.servers[i] = g
	tg.alive[i] = true

	srv := labrpc.MakeServer()
	srv.AddService(labrpc.MakeService(g))
	srv.AddService(labrpc.MakeService(g.Raft()))
	c.net.AddServer(serverName(gid, i), srv)
}

// crashGroup kills every server of a group without touching durable
// state, simulating a whole-group power loss.
func (c *cluster) crashGroup(gid uint64) {
	tg := c.groups[gid]
	for i := 0; i < groupSize; i++ {
		if tg.alive[i] {
			tg.servers[i].Kill()
			tg.alive[i] = false
		}
		c.net.DeleteServer(serverName(gid, i))
	}
}

// restartGroup reboots every server of a crashed group from persisted
// state.
func (c *cluster) restartGroup(gid uint64, maxraftstate int) {
	for i := 0; i < groupSize; i++ {
		c.startServer(gid, i, maxraftstate)
	}
}

func (c *cluster) clientID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextClient++
	return c.nextClient
}

func (c *cluster) seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

// put writes through whichever server of the group is leader, retrying
// until the write commits or the deadline passes. Returns the final Err.
func (c *cluster) put(gid uint64, key, value string) group.Err {
	args := &group.PutAppendArgs{
		Key: key, Value: value, Op: "Put",
		ClientId: c.clientID(), SequenceNum: c.seq(),
	}
	return c.clientCall(gid, "Group.PutAppend", args, func() (interface{}, func() group.Err) {
		reply := &group.PutAppendReply{}
		return reply, func() group.Err { return reply.Err }
	})
}

// get reads through the group's leader. Returns the value and final Err.
func (c *cluster) get(gid uint64, key string) (string, group.Err) {
	args := &group.GetArgs{Key: key, ClientId: c.clientID(), SequenceNum: c.seq()}
	var value string
	err := c.clientCall(gid, "Group.Get", args, func() (interface{}, func() group.Err) {
		reply := &group.GetReply{}
		return reply, func() group.Err {
			value = reply.Value
			return reply.Err
		}
	})
	return value, err
}

// clientCall retries an RPC across the group's servers until a reply
// other than ErrWrongLeader arrives or ten seconds pass.
func (c *cluster) clientCall(gid uint64, method string, args interface{},
	mkReply func() (interface{}, func() group.Err)) group.Err {

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, name := range c.names[gid] {
			reply, errOf := mkReply()
			end := c.uniqueEnd(name)
			if !end.Call(method, args, reply) {
				continue
			}
			if e := errOf(); e != group.ErrWrongLeader {
				return e
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return group.ErrWrongLeader
}

// onLeader runs f against each live server of the group until it
// returns something other than ErrWrongLeader.
func (c *cluster) onLeader(gid uint64, f func(*group.Group) group.Err) group.Err {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tg := c.groups[gid]
		for i, g := range tg.servers {
			if !tg.alive[i] {
				continue
			}
			if e := f(g); e != group.ErrWrongLeader {
				return e
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return group.ErrWrongLeader
}

// waitFor polls cond until it holds or the deadline passes.
func (c *cluster) waitFor(cond func() bool, what string) {
	c.t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %s", what)
}
