package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/octoreflex/aggregator/internal/config"
	"github.com/octoreflex/aggregator/internal/remediation"
	"go.uber.org/zap"
)

func testAction() remediation.Action {
	return remediation.Action{
		Peer: "peer1", Metric: "m", Action: remediation.Page,
		Playbook: remediation.PlaybookNone, Timestamp: 1,
	}
}

func TestDispatchHTTPTargetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	}))
	defer srv.Close()

	cfg := config.DispatchConfig{
		PageURLs:                []string{srv.URL},
		LogCapacity:             10,
		CircuitBreakerThreshold: 5,
	}
	d := New(cfg, nil, zap.NewNop())
	results := d.Dispatch(context.Background(), testAction(), 100)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	body, ok := results[srv.URL]
	if !ok {
		t.Fatal("expected a result keyed by target URL")
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	log := d.Log()
	if len(log) != 1 || log[0].Status != StatusSuccess {
		t.Fatalf("expected 1 successful log entry, got %+v", log)
	}
}

func TestDispatchHTTPTargetFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.DispatchConfig{
		PageURLs:                []string{srv.URL},
		LogCapacity:             10,
		CircuitBreakerThreshold: 5,
	}
	d := New(cfg, nil, zap.NewNop())
	results := d.Dispatch(context.Background(), testAction(), 100)
	if len(results) != 0 {
		t.Fatalf("expected 0 successful results, got %d", len(results))
	}
	log := d.Log()
	if len(log) != 1 || log[0].Status == StatusSuccess {
		t.Fatalf("expected a failed log entry, got %+v", log)
	}
}

func TestDispatchSpoolTargetWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DispatchConfig{
		PageDirs:                []string{dir},
		LogCapacity:             10,
		CircuitBreakerThreshold: 5,
	}
	d := New(cfg, nil, zap.NewNop())
	d.Dispatch(context.Background(), testAction(), 100)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 spooled file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".json" {
		t.Errorf("expected a .json spool file, got %s", entries[0].Name())
	}
}

func TestDispatchSkippedWhenNoTargetsConfigured(t *testing.T) {
	cfg := config.DispatchConfig{LogCapacity: 10}
	d := New(cfg, nil, zap.NewNop())
	results := d.Dispatch(context.Background(), testAction(), 100)
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	log := d.Log()
	if len(log) != 1 || log[0].Status != StatusSkipped {
		t.Fatalf("expected a skipped log entry, got %+v", log)
	}
}

func TestLogIsBoundedByCapacity(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DispatchConfig{PageDirs: []string{dir}, LogCapacity: 2}
	d := New(cfg, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), testAction(), int64(100+i))
	}
	if len(d.Log()) != 2 {
		t.Fatalf("expected log capped at 2, got %d", len(d.Log()))
	}
}

func TestReconfigureReplacesTargets(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	d := New(config.DispatchConfig{PageDirs: []string{dir1}, LogCapacity: 10}, nil, zap.NewNop())
	d.Dispatch(context.Background(), testAction(), 1)

	entries1, _ := os.ReadDir(dir1)
	if len(entries1) != 1 {
		t.Fatalf("expected a spool file in dir1 before reconfigure, got %d", len(entries1))
	}

	d.Reconfigure(config.DispatchConfig{PageDirs: []string{dir2}, LogCapacity: 10})
	d.Dispatch(context.Background(), testAction(), 2)

	entries2, _ := os.ReadDir(dir2)
	if len(entries2) != 1 {
		t.Fatalf("expected a spool file in dir2 after reconfigure, got %d", len(entries2))
	}
	// dir1 should not have gained a second file.
	entries1After, _ := os.ReadDir(dir1)
	if len(entries1After) != 1 {
		t.Fatalf("expected dir1 untouched after reconfigure, got %d entries", len(entries1After))
	}
}
