// Package node ties the per-node pieces together: identity bootstrap, the
// metadata store, the replica lifecycle manager, and the snapshot
// manager. A restarting process reconstructs everything here before any
// group serves traffic.
package node

import (
	"fmt"
	"path/filepath"

	"github.com/ZhongliGao/engula/meta"
	"github.com/ZhongliGao/engula/metastore"
	"github.com/ZhongliGao/engula/replica"
	"github.com/ZhongliGao/engula/snapshot"
)

// Node is the per-process owner of node-local state.
type Node struct {
	ident     meta.NodeIdent
	store     *metastore.Store
	lifecycle *replica.Manager
	snaps     *snapshot.Manager
}

// Open bootstraps or recovers a node rooted at dir. The first call writes
// the node identity; every later call verifies it, rejecting a disk that
// was last used by a different cluster.
func Open(dir, clusterID string, nodeID uint64) (*Node, error) {
	store, err := metastore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open node: %w", err)
	}

	ident := meta.NodeIdent{ClusterID: clusterID, NodeID: nodeID}
	if err := store.SaveNodeIdent(ident); err != nil {
		store.Close()
		return nil, fmt.Errorf("open node: %w", err)
	}

	snaps, err := snapshot.NewManager(filepath.Join(dir, "snap"), store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open node: %w", err)
	}

	return &Node{
		ident:     ident,
		store:     store,
		lifecycle: replica.NewManager(store),
		snaps:     snaps,
	}, nil
}

func (n *Node) Ident() meta.NodeIdent {
	return n.ident
}

func (n *Node) Store() *metastore.Store {
	return n.store
}

func (n *Node) Lifecycle() *replica.Manager {
	return n.lifecycle
}

func (n *Node) Snapshots() *snapshot.Manager {
	return n.snaps
}

// Replicas returns the descriptors of every replica hosted here, read
// back at startup to resume lifecycle progress.
func (n *Node) Replicas() ([]meta.ReplicaMeta, error) {
	return n.store.ListReplicas()
}

// PurgeReplica finishes a terminated replica: disk data is considered
// gone and the descriptor becomes a tombstone.
func (n *Node) PurgeReplica(groupID, replicaID uint64) error {
	return n.lifecycle.Destroy(groupID, replicaID)
}

// Close releases the metadata store.
func (n *Node) Close() error {
	return n.store.Close()
}
