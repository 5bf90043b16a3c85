package group

import (
	"bytes"

	"github.com/cyanial/raft/labgob"

	"github.com/ZhongliGao/engula/meta"
)

// stateImageName is the single content file of a group snapshot image.
const stateImageName = "STATE"

// CreateSnapshot encodes the whole replicated state for log compaction.
func (g *Group) CreateSnapshot() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.encodeStateLocked()
}

func (g *Group) encodeStateLocked() []byte {
	w := new(bytes.Buffer)
	e := labgob.NewEncoder(w)
	if err := e.Encode(*g.state); err != nil {
		return nil
	}
	return w.Bytes()
}

// InstallSnapshot replaces local state wholesale with a decoded image.
// Caller holds g.mu or is still single-threaded during startup.
func (g *Group) InstallSnapshot(snapshot []byte) {
	if len(snapshot) == 0 {
		return
	}

	r := bytes.NewBuffer(snapshot)
	d := labgob.NewDecoder(r)

	state := newGroupState(g.gid)
	if err := d.Decode(state); err != nil {
		return
	}
	g.state = state
}

// maybeSnapshot compacts the log once the raft state outgrows the budget:
// the consensus layer gets the encoded image immediately, while the file
// image and truncation-boundary bookkeeping run off the apply loop.
func (g *Group) maybeSnapshot(index int) {
	if g.maxraftstate == -1 {
		return
	}
	if g.rf.RaftStateSize() <= g.maxraftstate {
		return
	}

	blob := g.CreateSnapshot()
	if blob == nil {
		return
	}
	g.rf.Snapshot(index, blob)

	term, _ := g.rf.GetState()
	at := meta.EntryID{Index: uint64(index), Term: uint64(term)}
	go g.persistSnapshotImage(at, blob)
}

// persistSnapshotImage writes the durable file image reflecting entries
// up to at.Index, then advances the truncation boundary and collects
// superseded snapshots.
func (g *Group) persistSnapshotImage(at meta.EntryID, blob []byte) {
	_, err := g.snaps.Create(g.gid, at, map[string][]byte{stateImageName: blob})
	if err != nil {
		// Another image for this group is mid-write or the disk failed;
		// the next compaction retries.
		DPrintf("[Group %d-%d] snapshot image: %v", g.gid, g.me, err)
		return
	}

	g.mu.Lock()
	if err := g.raftState.AdvanceTruncation(at); err != nil {
		g.mu.Unlock()
		DPrintf("[Group %d-%d] truncation: %v", g.gid, g.me, err)
		return
	}
	raftState := g.raftState
	g.mu.Unlock()

	if err := g.store.SaveRaftLocalState(g.gid, raftState); err != nil {
		DPrintf("[Group %d-%d] save raft local state: %v", g.gid, g.me, err)
	}
	if err := g.snaps.GC(g.gid); err != nil {
		DPrintf("[Group %d-%d] snapshot gc: %v", g.gid, g.me, err)
	}
}

// RestoreFromImage loads the newest durable file image, verifying file
// checksums, and replaces local state with it. Used to seed a recovering
// replica before log replay.
func (g *Group) RestoreFromImage() error {
	latest, err := g.snaps.Latest(g.gid)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}

	payload, err := g.snaps.Open(*latest)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.InstallSnapshot(payload[stateImageName])
	return g.raftState.AdvanceTruncation(latest.ApplyState)
}
