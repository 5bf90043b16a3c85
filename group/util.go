package group

import (
	"log"
	"time"
)

const Debug = false

const (
	Migrate_Timeout = 150 * time.Millisecond
	Server_Timeout  = 1000 * time.Millisecond

	// PullBatchLimit bounds one PullShard batch so a pull never holds the
	// source's lock for long.
	PullBatchLimit = 64
)

func init() {
	log.SetFlags(log.Ltime)
}

func DPrintf(format string, a ...interface{}) (n int, err error) {
	if Debug {
		log.Printf(format, a...)
	}
	return
}

func (g *Group) checkShardState(key string) (serve bool, moved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	shard, ok := g.state.shardForKey(key)
	if !ok {
		return false, false
	}
	if shard.Moved {
		return false, true
	}
	return !shard.Importing, false
}

func (g *Group) isDuplicatedCmd(clientId, sequenceNum int64, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	shard, ok := g.state.shardForKey(key)
	if !ok {
		return false
	}
	lastApplyNum, hasClient := shard.LastApplySeq[clientId]
	if !hasClient {
		return false
	}
	return sequenceNum <= lastApplyNum
}
