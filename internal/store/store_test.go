package store

import (
	"os"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesBucketsAndSchemaVersion(t *testing.T) {
	db := openTestDB(t)
	if err := db.checkSchemaVersion(); err != nil {
		t.Fatalf("expected schema version to validate, got %v", err)
	}
}

func TestPeerHistoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	type entry struct {
		TS int64 `json:"ts"`
	}
	entries := []entry{{TS: 1}, {TS: 2}}

	if err := db.PutPeerHistory("peer1", entries); err != nil {
		t.Fatalf("PutPeerHistory failed: %v", err)
	}

	var out []entry
	found, err := db.GetPeerHistory("peer1", &out)
	if err != nil {
		t.Fatalf("GetPeerHistory failed: %v", err)
	}
	if !found || len(out) != 2 {
		t.Fatalf("expected 2 entries restored, got found=%v out=%v", found, out)
	}
}

func TestGetPeerHistoryMissingReturnsFalse(t *testing.T) {
	db := openTestDB(t)
	var out []int
	found, err := db.GetPeerHistory("ghost", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected found=false for missing peer")
	}
}

func TestDeletePeerHistoryRemovesRow(t *testing.T) {
	db := openTestDB(t)
	_ = db.PutPeerHistory("peer1", []int{1})
	if err := db.DeletePeerHistory("peer1"); err != nil {
		t.Fatalf("DeletePeerHistory failed: %v", err)
	}
	var out []int
	found, _ := db.GetPeerHistory("peer1", &out)
	if found {
		t.Error("expected peer row to be gone after delete")
	}
}

func TestForEachPeerHistoryIteratesAllRows(t *testing.T) {
	db := openTestDB(t)
	_ = db.PutPeerHistory("peer1", []int{1})
	_ = db.PutPeerHistory("peer2", []int{2})

	seen := map[string]bool{}
	err := db.ForEachPeerHistory(func(peerID string, raw []byte) error {
		seen[peerID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachPeerHistory failed: %v", err)
	}
	if !seen["peer1"] || !seen["peer2"] {
		t.Errorf("expected both peers visited, got %v", seen)
	}
}

func TestAnomalyAndRemediationSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutAnomalySnapshot([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("PutAnomalySnapshot failed: %v", err)
	}
	got, err := db.GetAnomalySnapshot()
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("expected anomaly snapshot round-trip, got %q err=%v", got, err)
	}

	if err := db.PutRemediationSnapshot([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("PutRemediationSnapshot failed: %v", err)
	}
	got, err = db.GetRemediationSnapshot()
	if err != nil || string(got) != `{"b":2}` {
		t.Fatalf("expected remediation snapshot round-trip, got %q err=%v", got, err)
	}
}

func TestGetSnapshotsReturnNilWhenAbsent(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetAnomalySnapshot()
	if err != nil || got != nil {
		t.Fatalf("expected nil snapshot when absent, got %v err=%v", got, err)
	}
}

func TestAppendWALWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.ndjson")
	db, err := Open(filepath.Join(dir, "test.db"), walPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.AppendWAL(map[string]int{"a": 1}); err != nil {
		t.Fatalf("AppendWAL failed: %v", err)
	}
	if err := db.AppendWAL(map[string]int{"a": 2}); err != nil {
		t.Fatalf("AppendWAL failed: %v", err)
	}

	data, err := os.ReadFile(walPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 newline-delimited records, got %d", lines)
	}
}

func TestAppendWALNoopWithoutPath(t *testing.T) {
	db := openTestDB(t)
	if err := db.AppendWAL(map[string]int{"a": 1}); err != nil {
		t.Fatalf("expected no-op when no WAL path configured, got %v", err)
	}
}

func TestOpenRejectsSchemaVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("99"))
	}); err != nil {
		t.Fatalf("failed to corrupt schema version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := Open(path, ""); err == nil {
		t.Fatal("expected Open to reject a mismatched schema_version")
	}
}
