package aggregator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/octoreflex/aggregator/internal/config"
	"github.com/octoreflex/aggregator/internal/model"
	"github.com/octoreflex/aggregator/internal/store"
	"go.uber.org/zap"
)

func newTestState(t *testing.T, withDB bool) (*State, *store.DB) {
	t.Helper()
	cfg := config.Defaults()

	var db *store.DB
	if withDB {
		var err error
		db, err = store.Open(filepath.Join(t.TempDir(), "test.db"), "")
		if err != nil {
			t.Fatalf("store.Open failed: %v", err)
		}
	}

	s, err := New(context.Background(), cfg, db, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, db
}

func TestNewWiresEverySubsystem(t *testing.T) {
	s, _ := newTestState(t, false)
	defer s.Close()

	if s.Ingest == nil || s.TLS == nil || s.Anomaly == nil || s.Remediation == nil ||
		s.Dispatch == nil || s.Correlation == nil ||
		s.Treasury == nil || s.Exporter == nil || s.Auth == nil {
		t.Fatal("expected New to fully wire every subsystem")
	}
}

func TestIngestBatchFlowsThroughProcessor(t *testing.T) {
	s, _ := newTestState(t, false)
	defer s.Close()

	metrics, _ := json.Marshal(map[string]any{"requests_total": 1.0})
	batch := []model.PeerStat{{PeerID: "peer1", Metrics: metrics}}

	if err := s.IngestBatch(batch, 100); err != nil {
		t.Fatalf("IngestBatch failed: %v", err)
	}
	if s.Ingest.PeerCount() != 1 {
		t.Errorf("expected 1 peer tracked after ingest, got %d", s.Ingest.PeerCount())
	}
}

func TestTickPrunesAndPersistsSnapshots(t *testing.T) {
	s, db := newTestState(t, true)
	defer s.Close()

	metrics, _ := json.Marshal(map[string]any{"requests_total": 1.0})
	_ = s.IngestBatch([]model.PeerStat{{PeerID: "peer1", Metrics: metrics}}, 0)

	s.Tick(1_000_000) // far beyond retention, should prune peer1's only entry

	if s.Ingest.PeerCount() != 0 {
		t.Errorf("expected peer1 pruned after Tick, got %d peers", s.Ingest.PeerCount())
	}

	anomalySnap, err := db.GetAnomalySnapshot()
	if err != nil {
		t.Fatalf("GetAnomalySnapshot failed: %v", err)
	}
	if anomalySnap == nil {
		t.Error("expected Tick to persist an anomaly snapshot")
	}
}

func TestReloadAppliesRemediationAndDispatchConfig(t *testing.T) {
	s, _ := newTestState(t, false)
	defer s.Close()

	cfg := s.Config
	cfg.Dispatch.LogCapacity = 7
	if err := s.Reload(cfg); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if s.Config.Dispatch.LogCapacity != 7 {
		t.Errorf("expected reloaded config to take effect, got %d", s.Config.Dispatch.LogCapacity)
	}
}

func TestCloseIsIdempotentSafeWithoutDB(t *testing.T) {
	s, _ := newTestState(t, false)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
