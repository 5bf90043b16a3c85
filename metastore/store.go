// Package metastore is the node-local persistent metadata store. Every
// record the control plane must survive a restart with lives here, keyed
// by composite identifiers, and is read back at process startup to resume
// lifecycle and migration progress exactly where it left off.
package metastore

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyanial/raft/labgob"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ZhongliGao/engula/meta"
)

// Store is a SQLite-backed metadata store for one node.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the metadata database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	dbPath := filepath.Join(dir, "meta.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping metadata database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS node_ident (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cluster_id TEXT NOT NULL,
		node_id INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS replica_meta (
		group_id INTEGER NOT NULL,
		replica_id INTEGER NOT NULL,
		state INTEGER NOT NULL,
		PRIMARY KEY (group_id, replica_id)
	);

	CREATE TABLE IF NOT EXISTS raft_local_state (
		group_id INTEGER NOT NULL,
		replica_id INTEGER NOT NULL,
		truncated_index INTEGER NOT NULL DEFAULT 0,
		truncated_term INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (group_id, replica_id)
	);

	CREATE TABLE IF NOT EXISTS migration_state (
		group_id INTEGER NOT NULL,
		shard_id INTEGER NOT NULL,
		desc BLOB NOT NULL,
		last_migrated_key TEXT NOT NULL DEFAULT '',
		step INTEGER NOT NULL,
		PRIMARY KEY (group_id, shard_id)
	);

	CREATE TABLE IF NOT EXISTS snapshot_meta (
		group_id INTEGER NOT NULL,
		apply_index INTEGER NOT NULL,
		apply_term INTEGER NOT NULL,
		files BLOB NOT NULL,
		PRIMARY KEY (group_id, apply_index)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveNodeIdent writes the node identity. The identity is written once at
// bootstrap; writing a different identity later fails ErrClusterMismatch.
func (s *Store) SaveNodeIdent(ident meta.NodeIdent) error {
	existing, err := s.LoadNodeIdent()
	if err != nil {
		return err
	}
	if existing != nil {
		if *existing != ident {
			return meta.ErrClusterMismatch
		}
		return nil
	}
	_, err = s.db.Exec(
		"INSERT INTO node_ident (id, cluster_id, node_id) VALUES (1, ?, ?)",
		ident.ClusterID, ident.NodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to save node ident: %w", err)
	}
	return nil
}

// LoadNodeIdent returns the stored identity, or nil if the node was never
// bootstrapped.
func (s *Store) LoadNodeIdent() (*meta.NodeIdent, error) {
	var ident meta.NodeIdent
	err := s.db.QueryRow("SELECT cluster_id, node_id FROM node_ident WHERE id = 1").
		Scan(&ident.ClusterID, &ident.NodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query node ident: %w", err)
	}
	return &ident, nil
}

// SaveReplicaMeta upserts one replica descriptor.
func (s *Store) SaveReplicaMeta(rm meta.ReplicaMeta) error {
	_, err := s.db.Exec(
		`INSERT INTO replica_meta (group_id, replica_id, state) VALUES (?, ?, ?)
		 ON CONFLICT (group_id, replica_id) DO UPDATE SET state = excluded.state`,
		rm.GroupID, rm.ReplicaID, rm.State,
	)
	if err != nil {
		return fmt.Errorf("failed to save replica meta: %w", err)
	}
	return nil
}

// LoadReplicaMeta returns the descriptor for (groupID, replicaID), or nil
// if none exists.
func (s *Store) LoadReplicaMeta(groupID, replicaID uint64) (*meta.ReplicaMeta, error) {
	rm := meta.ReplicaMeta{GroupID: groupID, ReplicaID: replicaID}
	err := s.db.QueryRow(
		"SELECT state FROM replica_meta WHERE group_id = ? AND replica_id = ?",
		groupID, replicaID,
	).Scan(&rm.State)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query replica meta: %w", err)
	}
	return &rm, nil
}

// ListReplicas returns every replica descriptor on this node.
func (s *Store) ListReplicas() ([]meta.ReplicaMeta, error) {
	rows, err := s.db.Query("SELECT group_id, replica_id, state FROM replica_meta")
	if err != nil {
		return nil, fmt.Errorf("failed to query replica metas: %w", err)
	}
	defer rows.Close()

	var metas []meta.ReplicaMeta
	for rows.Next() {
		var rm meta.ReplicaMeta
		if err := rows.Scan(&rm.GroupID, &rm.ReplicaID, &rm.State); err != nil {
			return nil, fmt.Errorf("failed to scan replica meta: %w", err)
		}
		metas = append(metas, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return metas, nil
}

// SaveRaftLocalState upserts one replica's truncation boundary.
func (s *Store) SaveRaftLocalState(groupID uint64, st meta.RaftLocalState) error {
	_, err := s.db.Exec(
		`INSERT INTO raft_local_state (group_id, replica_id, truncated_index, truncated_term)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (group_id, replica_id) DO UPDATE SET
		   truncated_index = excluded.truncated_index,
		   truncated_term = excluded.truncated_term`,
		groupID, st.ReplicaID, st.LastTruncated.Index, st.LastTruncated.Term,
	)
	if err != nil {
		return fmt.Errorf("failed to save raft local state: %w", err)
	}
	return nil
}

// LoadRaftLocalState returns the stored boundary for (groupID, replicaID);
// a zero-valued state if none was ever saved.
func (s *Store) LoadRaftLocalState(groupID, replicaID uint64) (meta.RaftLocalState, error) {
	st := meta.RaftLocalState{ReplicaID: replicaID}
	err := s.db.QueryRow(
		"SELECT truncated_index, truncated_term FROM raft_local_state WHERE group_id = ? AND replica_id = ?",
		groupID, replicaID,
	).Scan(&st.LastTruncated.Index, &st.LastTruncated.Term)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to query raft local state: %w", err)
	}
	return st, nil
}

// SaveMigrationState upserts the migration bookkeeping for one shard on
// one group.
func (s *Store) SaveMigrationState(groupID uint64, ms meta.MigrationState) error {
	w := new(bytes.Buffer)
	if err := labgob.NewEncoder(w).Encode(ms.Desc); err != nil {
		return fmt.Errorf("failed to encode migration desc: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT INTO migration_state (group_id, shard_id, desc, last_migrated_key, step)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (group_id, shard_id) DO UPDATE SET
		   desc = excluded.desc,
		   last_migrated_key = excluded.last_migrated_key,
		   step = excluded.step`,
		groupID, ms.Desc.Shard.ShardID, w.Bytes(), ms.LastMigratedKey, ms.Step,
	)
	if err != nil {
		return fmt.Errorf("failed to save migration state: %w", err)
	}
	return nil
}

// LoadMigrationState returns the bookkeeping for (groupID, shardID), or
// nil if no migration is recorded.
func (s *Store) LoadMigrationState(groupID, shardID uint64) (*meta.MigrationState, error) {
	var descBlob []byte
	var ms meta.MigrationState
	err := s.db.QueryRow(
		"SELECT desc, last_migrated_key, step FROM migration_state WHERE group_id = ? AND shard_id = ?",
		groupID, shardID,
	).Scan(&descBlob, &ms.LastMigratedKey, &ms.Step)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query migration state: %w", err)
	}
	if err := labgob.NewDecoder(bytes.NewBuffer(descBlob)).Decode(&ms.Desc); err != nil {
		return nil, fmt.Errorf("failed to decode migration desc: %w", err)
	}
	return &ms, nil
}

// ListMigrationStates returns every in-flight migration recorded for a
// group, read at startup to resume pull progress.
func (s *Store) ListMigrationStates(groupID uint64) ([]meta.MigrationState, error) {
	rows, err := s.db.Query(
		"SELECT desc, last_migrated_key, step FROM migration_state WHERE group_id = ? ORDER BY shard_id",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration states: %w", err)
	}
	defer rows.Close()

	var states []meta.MigrationState
	for rows.Next() {
		var descBlob []byte
		var ms meta.MigrationState
		if err := rows.Scan(&descBlob, &ms.LastMigratedKey, &ms.Step); err != nil {
			return nil, fmt.Errorf("failed to scan migration state: %w", err)
		}
		if err := labgob.NewDecoder(bytes.NewBuffer(descBlob)).Decode(&ms.Desc); err != nil {
			return nil, fmt.Errorf("failed to decode migration desc: %w", err)
		}
		states = append(states, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return states, nil
}

// DeleteMigrationState removes the bookkeeping once a migration reaches
// its terminal cleanup.
func (s *Store) DeleteMigrationState(groupID, shardID uint64) error {
	_, err := s.db.Exec(
		"DELETE FROM migration_state WHERE group_id = ? AND shard_id = ?",
		groupID, shardID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete migration state: %w", err)
	}
	return nil
}

// SaveSnapshotMeta records one completed snapshot's manifest.
func (s *Store) SaveSnapshotMeta(sm meta.SnapshotMeta) error {
	w := new(bytes.Buffer)
	if err := labgob.NewEncoder(w).Encode(sm.Files); err != nil {
		return fmt.Errorf("failed to encode snapshot files: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT INTO snapshot_meta (group_id, apply_index, apply_term, files)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (group_id, apply_index) DO UPDATE SET
		   apply_term = excluded.apply_term,
		   files = excluded.files`,
		sm.GroupID, sm.ApplyState.Index, sm.ApplyState.Term, w.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot meta: %w", err)
	}
	return nil
}

// ListSnapshotMetas returns every recorded snapshot for a group, ordered
// by apply index ascending.
func (s *Store) ListSnapshotMetas(groupID uint64) ([]meta.SnapshotMeta, error) {
	rows, err := s.db.Query(
		"SELECT apply_index, apply_term, files FROM snapshot_meta WHERE group_id = ? ORDER BY apply_index ASC",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot metas: %w", err)
	}
	defer rows.Close()

	var metas []meta.SnapshotMeta
	for rows.Next() {
		sm := meta.SnapshotMeta{GroupID: groupID}
		var filesBlob []byte
		if err := rows.Scan(&sm.ApplyState.Index, &sm.ApplyState.Term, &filesBlob); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot meta: %w", err)
		}
		if err := labgob.NewDecoder(bytes.NewBuffer(filesBlob)).Decode(&sm.Files); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot files: %w", err)
		}
		metas = append(metas, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return metas, nil
}

// DeleteSnapshotMeta removes one snapshot manifest after GC.
func (s *Store) DeleteSnapshotMeta(groupID uint64, applyIndex uint64) error {
	_, err := s.db.Exec(
		"DELETE FROM snapshot_meta WHERE group_id = ? AND apply_index = ?",
		groupID, applyIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot meta: %w", err)
	}
	return nil
}
