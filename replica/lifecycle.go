// Package replica owns the local lifecycle state machine of replicas
// hosted on this node:
//
//	Initial --Create--> Pending --Activate--> Normal
//	Normal --Terminate--> Terminated --Destroy--> Tombstone
//
// Tombstone is terminal: the descriptor is kept as a poison marker so the
// same (group, replica) pair can never be resurrected.
package replica

import (
	"fmt"
	"sync"

	"github.com/ZhongliGao/engula/meta"
	"github.com/ZhongliGao/engula/metastore"
)

// Manager serializes lifecycle transitions per replica and persists every
// descriptor change before it takes effect.
type Manager struct {
	mu    sync.Mutex
	store *metastore.Store

	// locks holds one mutex per (group, replica) so a shutdown and an
	// incoming log application can't interleave a read-modify-write.
	locks map[replicaKey]*sync.Mutex
}

type replicaKey struct {
	groupID   uint64
	replicaID uint64
}

func NewManager(store *metastore.Store) *Manager {
	return &Manager{
		store: store,
		locks: make(map[replicaKey]*sync.Mutex),
	}
}

func (m *Manager) lockFor(groupID, replicaID uint64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := replicaKey{groupID, replicaID}
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Create registers a replica and moves it to Pending. Idempotent: a
// replica already Pending or Normal is a no-op success. A tombstoned pair
// is rejected and never reused.
func (m *Manager) Create(groupID, replicaID uint64) error {
	l := m.lockFor(groupID, replicaID)
	l.Lock()
	defer l.Unlock()

	rm, err := m.store.LoadReplicaMeta(groupID, replicaID)
	if err != nil {
		return fmt.Errorf("create replica %d/%d: %w", groupID, replicaID, err)
	}
	if rm != nil {
		switch rm.State {
		case meta.ReplicaPending, meta.ReplicaNormal:
			return nil
		case meta.ReplicaTombstone:
			return meta.ErrReplicaTombstoned
		default:
			return meta.ErrIllegalStateTransition
		}
	}

	return m.store.SaveReplicaMeta(meta.ReplicaMeta{
		GroupID:   groupID,
		ReplicaID: replicaID,
		State:     meta.ReplicaPending,
	})
}

// Activate moves a caught-up replica from Pending to Normal.
func (m *Manager) Activate(groupID, replicaID uint64) error {
	return m.transition(groupID, replicaID, meta.ReplicaPending, meta.ReplicaNormal)
}

// Terminate tears down a serving replica: Normal to Terminated. On-disk
// data may still exist for later cleanup.
func (m *Manager) Terminate(groupID, replicaID uint64) error {
	return m.transition(groupID, replicaID, meta.ReplicaNormal, meta.ReplicaTerminated)
}

// Destroy marks the replica's disk data purged: Terminated to Tombstone.
// Idempotent on an already-tombstoned replica.
func (m *Manager) Destroy(groupID, replicaID uint64) error {
	l := m.lockFor(groupID, replicaID)
	l.Lock()
	defer l.Unlock()

	rm, err := m.store.LoadReplicaMeta(groupID, replicaID)
	if err != nil {
		return fmt.Errorf("destroy replica %d/%d: %w", groupID, replicaID, err)
	}
	if rm == nil {
		return meta.ErrIllegalStateTransition
	}
	switch rm.State {
	case meta.ReplicaTombstone:
		return nil
	case meta.ReplicaTerminated:
		rm.State = meta.ReplicaTombstone
		return m.store.SaveReplicaMeta(*rm)
	default:
		return meta.ErrIllegalStateTransition
	}
}

// State returns the current lifecycle state. A replica with no descriptor
// is Initial.
func (m *Manager) State(groupID, replicaID uint64) (meta.ReplicaLocalState, error) {
	l := m.lockFor(groupID, replicaID)
	l.Lock()
	defer l.Unlock()

	rm, err := m.store.LoadReplicaMeta(groupID, replicaID)
	if err != nil {
		return meta.ReplicaInitial, err
	}
	if rm == nil {
		return meta.ReplicaInitial, nil
	}
	return rm.State, nil
}

// Serving reports whether the replica may vote and serve reads. Operations
// against a tombstoned replica fail ErrReplicaTombstoned.
func (m *Manager) Serving(groupID, replicaID uint64) (bool, error) {
	st, err := m.State(groupID, replicaID)
	if err != nil {
		return false, err
	}
	if st == meta.ReplicaTombstone {
		return false, meta.ErrReplicaTombstoned
	}
	return st == meta.ReplicaNormal, nil
}

func (m *Manager) transition(groupID, replicaID uint64, from, to meta.ReplicaLocalState) error {
	l := m.lockFor(groupID, replicaID)
	l.Lock()
	defer l.Unlock()

	rm, err := m.store.LoadReplicaMeta(groupID, replicaID)
	if err != nil {
		return fmt.Errorf("transition replica %d/%d: %w", groupID, replicaID, err)
	}
	if rm == nil {
		return meta.ErrIllegalStateTransition
	}
	if rm.State == meta.ReplicaTombstone {
		return meta.ErrReplicaTombstoned
	}
	if rm.State != from {
		return meta.ErrIllegalStateTransition
	}
	rm.State = to
	return m.store.SaveReplicaMeta(*rm)
}
