package treasury

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileSourceRefreshEmptyPathIsNoop(t *testing.T) {
	fs := NewFileSource("", nil)
	if err := fs.Refresh(); err != nil {
		t.Fatalf("expected no-op refresh, got %v", err)
	}
	if got := fs.Last(); got.UpdatedAt != 0 || got.Values != nil {
		t.Errorf("expected zero-value snapshot, got %+v", got)
	}
}

func TestFileSourceRefreshMissingFileIsNoop(t *testing.T) {
	fs := NewFileSource(filepath.Join(t.TempDir(), "missing.json"), nil)
	if err := fs.Refresh(); err != nil {
		t.Fatalf("expected missing file to be a no-op, got %v", err)
	}
}

func TestFileSourceRefreshLoadsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treasury.json")
	body := `{"updated_at": 100, "values": {"reserve": 42}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fs := NewFileSource(path, nil)
	if err := fs.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	snap := fs.Last()
	if snap.UpdatedAt != 100 {
		t.Errorf("expected updated_at=100, got %d", snap.UpdatedAt)
	}
	if snap.Values["reserve"] != float64(42) {
		t.Errorf("expected reserve=42, got %v", snap.Values["reserve"])
	}
}

func TestFileSourceRefreshMalformedJSONReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treasury.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fs := NewFileSource(path, nil)
	if err := fs.Refresh(); err == nil {
		t.Fatal("expected malformed JSON to return an error")
	}
}

func TestFileSourceRefreshOverwritesLastSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treasury.json")

	_ = os.WriteFile(path, []byte(`{"updated_at": 1, "values": {"a": 1}}`), 0o644)
	fs := NewFileSource(path, nil)
	if err := fs.Refresh(); err != nil {
		t.Fatalf("first Refresh failed: %v", err)
	}

	_ = os.WriteFile(path, []byte(`{"updated_at": 2, "values": {"a": 2}}`), 0o644)
	if err := fs.Refresh(); err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}

	if got := fs.Last().UpdatedAt; got != 2 {
		t.Errorf("expected latest snapshot to win, got updated_at=%d", got)
	}
}

func TestNoopSourceNeverFails(t *testing.T) {
	var s Source = NoopSource{}
	if err := s.Refresh(); err != nil {
		t.Fatalf("expected NoopSource.Refresh to never fail, got %v", err)
	}
}
