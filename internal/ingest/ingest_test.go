package ingest

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/octoreflex/aggregator/internal/model"
	"github.com/octoreflex/aggregator/internal/store"
)

func rawMetrics(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return data
}

func TestIngestBatchMergesIntoHistory(t *testing.T) {
	p := New(3600, nil, nil, nil, nil, nil, nil, nil)

	batch := []model.PeerStat{
		{PeerID: "peer1", Metrics: rawMetrics(t, map[string]any{"requests_total": 10})},
	}
	if err := p.IngestBatch(batch, 100); err != nil {
		t.Fatalf("IngestBatch failed: %v", err)
	}

	hist, ok := p.PeerHistory("peer1")
	if !ok || len(hist) != 1 {
		t.Fatalf("expected 1 history entry, got ok=%v hist=%+v", ok, hist)
	}
}

func TestIngestBatchMergesWithinSameSecond(t *testing.T) {
	p := New(3600, nil, nil, nil, nil, nil, nil, nil)

	_ = p.IngestBatch([]model.PeerStat{
		{PeerID: "peer1", Metrics: rawMetrics(t, map[string]any{"a": 1})},
	}, 100)
	_ = p.IngestBatch([]model.PeerStat{
		{PeerID: "peer1", Metrics: rawMetrics(t, map[string]any{"b": 2})},
	}, 100)

	hist, _ := p.PeerHistory("peer1")
	if len(hist) != 1 {
		t.Fatalf("expected batches in the same second to merge into 1 entry, got %d", len(hist))
	}
}

func TestIngestBatchMalformedMetricsReturnsError(t *testing.T) {
	p := New(3600, nil, nil, nil, nil, nil, nil, nil)
	batch := []model.PeerStat{
		{PeerID: "peer1", Metrics: json.RawMessage(`{not valid json`)},
	}
	if err := p.IngestBatch(batch, 100); err == nil {
		t.Fatal("expected a decode error for malformed metrics")
	}
}

func TestPruneRemovesExpiredEntriesAndDeletesEmptyPeer(t *testing.T) {
	p := New(10, nil, nil, nil, nil, nil, nil, nil)
	_ = p.IngestBatch([]model.PeerStat{
		{PeerID: "peer1", Metrics: rawMetrics(t, map[string]any{"a": 1})},
	}, 0)

	removed := p.Prune(1000)
	if removed != 1 {
		t.Errorf("expected 1 entry pruned, got %d", removed)
	}
	if _, ok := p.PeerHistory("peer1"); ok {
		t.Error("expected peer1 to be fully removed after pruning to empty")
	}
}

func TestAllPeersAndPeerCount(t *testing.T) {
	p := New(3600, nil, nil, nil, nil, nil, nil, nil)
	_ = p.IngestBatch([]model.PeerStat{
		{PeerID: "peer1", Metrics: rawMetrics(t, map[string]any{"a": 1})},
		{PeerID: "peer2", Metrics: rawMetrics(t, map[string]any{"a": 1})},
	}, 100)

	if p.PeerCount() != 2 {
		t.Errorf("expected PeerCount=2, got %d", p.PeerCount())
	}
	peers := p.AllPeers()
	if len(peers) != 2 {
		t.Errorf("expected 2 peers listed, got %v", peers)
	}
}

func TestIngestBatchPersistsToStoreAndLoadFromStoreRestores(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), "")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	defer db.Close()

	p := New(3600, db, nil, nil, nil, nil, nil, nil)
	_ = p.IngestBatch([]model.PeerStat{
		{PeerID: "peer1", Metrics: rawMetrics(t, map[string]any{"a": 1})},
	}, 100)

	p2 := New(3600, db, nil, nil, nil, nil, nil, nil)
	if err := p2.LoadFromStore(); err != nil {
		t.Fatalf("LoadFromStore failed: %v", err)
	}
	hist, ok := p2.PeerHistory("peer1")
	if !ok || len(hist) != 1 {
		t.Fatalf("expected restored history, got ok=%v hist=%+v", ok, hist)
	}
}

func TestLoadFromStoreNilDBIsNoop(t *testing.T) {
	p := New(3600, nil, nil, nil, nil, nil, nil, nil)
	if err := p.LoadFromStore(); err != nil {
		t.Fatalf("expected nil-db LoadFromStore to be a no-op, got %v", err)
	}
}

