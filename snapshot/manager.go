// Package snapshot builds and restores point-in-time images of a group's
// state. An image is a directory of content files plus a manifest naming
// the log position it reflects; files carry crc32 checksums verified on
// every read.
package snapshot

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ZhongliGao/engula/meta"
	"github.com/ZhongliGao/engula/metastore"
)

// Manager owns the snapshot directory of one node. At most one snapshot
// create per group runs at a time; completed snapshots are reference
// counted while transfers read them so GC never deletes a file mid-send.
type Manager struct {
	mu       sync.Mutex
	dir      string
	store    *metastore.Store
	creating map[uint64]bool
	refs     map[snapKey]int
}

type snapKey struct {
	groupID    uint64
	applyIndex uint64
}

func NewManager(dir string, store *metastore.Store) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Manager{
		dir:      dir,
		store:    store,
		creating: make(map[uint64]bool),
		refs:     make(map[snapKey]int),
	}, nil
}

func (m *Manager) snapDir(groupID uint64, at meta.EntryID) string {
	return filepath.Join(m.dir, fmt.Sprintf("snap_%d_%d", groupID, at.Index))
}

// Create writes a snapshot reflecting exactly the effects of entries up to
// at.Index. Each file is written to a temp name with its crc32 computed
// while writing, then renamed into place; the manifest is recorded only
// after every file is durable.
func (m *Manager) Create(groupID uint64, at meta.EntryID, payload map[string][]byte) (meta.SnapshotMeta, error) {
	m.mu.Lock()
	if m.creating[groupID] {
		m.mu.Unlock()
		return meta.SnapshotMeta{}, meta.ErrConcurrentSnapshot
	}
	m.creating[groupID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.creating, groupID)
		m.mu.Unlock()
	}()

	dir := m.snapDir(groupID, at)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return meta.SnapshotMeta{}, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	sm := meta.SnapshotMeta{GroupID: groupID, ApplyState: at}
	for name, data := range payload {
		file, err := writeSnapshotFile(dir, name, data)
		if err != nil {
			os.RemoveAll(dir)
			return meta.SnapshotMeta{}, err
		}
		sm.Files = append(sm.Files, file)
	}

	if err := m.store.SaveSnapshotMeta(sm); err != nil {
		os.RemoveAll(dir)
		return meta.SnapshotMeta{}, err
	}
	return sm, nil
}

func writeSnapshotFile(dir, name string, data []byte) (meta.SnapshotFile, error) {
	tmp := filepath.Join(dir, name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return meta.SnapshotFile{}, fmt.Errorf("failed to create %s: %w", name, err)
	}

	h := crc32.NewIEEE()
	w := io.MultiWriter(f, h)
	if _, err := w.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return meta.SnapshotFile{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return meta.SnapshotFile{}, fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return meta.SnapshotFile{}, fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return meta.SnapshotFile{}, fmt.Errorf("failed to rename %s: %w", name, err)
	}

	return meta.SnapshotFile{
		Name:  name,
		CRC32: h.Sum32(),
		Size:  int64(len(data)),
	}, nil
}

// Open reads a snapshot's content, verifying every file's crc32 before
// returning anything. A mismatch fails with CorruptError and nothing is
// handed to the caller, so a partial or damaged image can never be
// applied.
func (m *Manager) Open(sm meta.SnapshotMeta) (map[string][]byte, error) {
	dir := m.snapDir(sm.GroupID, sm.ApplyState)
	payload := make(map[string][]byte, len(sm.Files))
	for _, file := range sm.Files {
		data, err := os.ReadFile(filepath.Join(dir, file.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot file %s: %w", file.Name, err)
		}
		if crc32.ChecksumIEEE(data) != file.CRC32 || int64(len(data)) != file.Size {
			return nil, &meta.CorruptError{File: file.Name}
		}
		payload[file.Name] = data
	}
	return payload, nil
}

// Latest returns the newest durable snapshot for a group, or nil.
func (m *Manager) Latest(groupID uint64) (*meta.SnapshotMeta, error) {
	metas, err := m.store.ListSnapshotMetas(groupID)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, nil
	}
	sm := metas[len(metas)-1]
	return &sm, nil
}

// Acquire pins a snapshot for the duration of a transfer.
func (m *Manager) Acquire(sm meta.SnapshotMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[snapKey{sm.GroupID, sm.ApplyState.Index}]++
}

// Release drops a transfer's pin.
func (m *Manager) Release(sm meta.SnapshotMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := snapKey{sm.GroupID, sm.ApplyState.Index}
	if m.refs[key] > 0 {
		m.refs[key]--
	}
	if m.refs[key] == 0 {
		delete(m.refs, key)
	}
}

// GC deletes snapshots superseded by a strictly newer durable one, unless
// an in-flight transfer still references them.
func (m *Manager) GC(groupID uint64) error {
	metas, err := m.store.ListSnapshotMetas(groupID)
	if err != nil {
		return err
	}
	if len(metas) < 2 {
		return nil
	}

	newest := metas[len(metas)-1].ApplyState
	for _, sm := range metas[:len(metas)-1] {
		if !sm.ApplyState.Less(newest) {
			continue
		}
		m.mu.Lock()
		pinned := m.refs[snapKey{groupID, sm.ApplyState.Index}] > 0
		m.mu.Unlock()
		if pinned {
			continue
		}
		if err := os.RemoveAll(m.snapDir(groupID, sm.ApplyState)); err != nil {
			return fmt.Errorf("failed to remove snapshot dir: %w", err)
		}
		if err := m.store.DeleteSnapshotMeta(groupID, sm.ApplyState.Index); err != nil {
			return err
		}
	}
	return nil
}
