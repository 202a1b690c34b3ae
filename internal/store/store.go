// Package store is the BoltDB-backed persistence layer for the
// aggregator.
//
// Schema (BoltDB bucket layout):
//
//	/peer_history
//	    key:   peer_id
//	    value: JSON-encoded []model.HistoryEntry
//
//	/anomaly
//	    key:   "snapshot"  (single key)
//	    value: JSON-encoded anomaly engine snapshot
//
//	/remediation
//	    key:   "snapshot"  (single key)
//	    value: JSON-encoded remediation engine snapshot
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model mirrors a single-writer embedded store: every write
// goes through an ACID bbolt transaction, reads use read-only
// transactions, and bbolt's own CRC check surfaces corruption on Open.
//
// Failure modes: a corrupt file fails Open with an error (caller treats
// this as fatal at boot); a write failure after Open (disk full) is
// logged by the caller and swallowed — the in-memory state is still
// authoritative until the next successful write.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current on-disk schema version.
	SchemaVersion = "1"

	bucketPeerHistory = "peer_history"
	bucketAnomaly      = "anomaly"
	bucketRemediation  = "remediation"
	bucketMeta         = "meta"

	snapshotKey = "snapshot"
)

// DB wraps a BoltDB instance with the three keyspaces named in §6.3, plus
// an append-only write-ahead log of ingested batches.
type DB struct {
	db *bolt.DB

	walMu   sync.Mutex
	walFile *os.File
}

// Open opens (or creates) the BoltDB database at path and, if walPath is
// non-empty, the write-ahead log file in append mode.
func Open(path, walPath string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPeerHistory, bucketAnomaly, bucketRemediation, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: initialise: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	if walPath != "" {
		f, err := os.OpenFile(walPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_ = bdb.Close()
			return nil, fmt.Errorf("store: open wal %q: %w", walPath, err)
		}
		d.walFile = f
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("store: schema version mismatch: database has %q, aggregator requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the database and WAL file.
func (d *DB) Close() error {
	var err error
	if d.walFile != nil {
		err = d.walFile.Close()
	}
	if cerr := d.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// PutPeerHistory persists a peer's full history deque.
func (d *DB) PutPeerHistory(peerID string, entries any) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("PutPeerHistory marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeerHistory)).Put([]byte(peerID), data)
	})
}

// DeletePeerHistory removes a peer's row entirely (called when its deque
// prunes to empty).
func (d *DB) DeletePeerHistory(peerID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeerHistory)).Delete([]byte(peerID))
	})
}

// GetPeerHistory loads a peer's persisted history into dst (a pointer),
// returning (false, nil) if no row exists.
func (d *DB) GetPeerHistory(peerID string, dst any) (bool, error) {
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketPeerHistory)).Get([]byte(peerID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, dst)
	})
	return found, err
}

// ForEachPeerHistory calls fn for every (peerID, raw JSON) row, in
// bucket iteration order. Used to reconstruct in-memory state on boot.
func (d *DB) ForEachPeerHistory(fn func(peerID string, raw []byte) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeerHistory)).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// PutAnomalySnapshot persists the anomaly detector's serialized snapshot.
func (d *DB) PutAnomalySnapshot(data []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAnomaly)).Put([]byte(snapshotKey), data)
	})
}

// GetAnomalySnapshot loads the anomaly detector's serialized snapshot, or
// (nil, nil) if absent.
func (d *DB) GetAnomalySnapshot() ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketAnomaly)).Get([]byte(snapshotKey))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// PutRemediationSnapshot persists the remediation engine's serialized
// snapshot.
func (d *DB) PutRemediationSnapshot(data []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRemediation)).Put([]byte(snapshotKey), data)
	})
}

// GetRemediationSnapshot loads the remediation engine's serialized
// snapshot, or (nil, nil) if absent.
func (d *DB) GetRemediationSnapshot() ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketRemediation)).Get([]byte(snapshotKey))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// AppendWAL appends a single JSON-encodable batch to the write-ahead log
// as one newline-delimited JSON record. A no-op if no WAL file was
// configured.
func (d *DB) AppendWAL(batch any) error {
	if d.walFile == nil {
		return nil
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("AppendWAL marshal: %w", err)
	}
	d.walMu.Lock()
	defer d.walMu.Unlock()
	data = append(data, '\n')
	_, err = d.walFile.Write(data)
	return err
}
