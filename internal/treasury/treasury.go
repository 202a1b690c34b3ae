// Package treasury defines the boundary between the aggregator and the
// external treasury/governance data source (out of scope; only the
// refresh hook is specified). Production deployments wire in whatever
// collaborator owns that system; this package ships a file-backed
// default that satisfies the same interface for standalone operation.
package treasury

import (
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Source is the refresh_treasury_metrics() collaborator interface. A
// real deployment implements this against its own treasury/governance
// system; the periodic tick calls Refresh once per interval.
type Source interface {
	Refresh() error
}

// Snapshot is the shape the file-backed source expects its DB file to
// hold. Fields are opaque to the aggregator; no metric in this system is
// defined over treasury content.
type Snapshot struct {
	UpdatedAt int64          `json:"updated_at"`
	Values    map[string]any `json:"values"`
}

// FileSource reads a JSON snapshot from a configured path on every
// Refresh call. An empty path makes Refresh a no-op, matching the
// "missing configuration" skip idiom used by the correlation dump
// side channel.
type FileSource struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger

	last Snapshot
}

// NewFileSource builds a FileSource bound to path (may be empty).
func NewFileSource(path string, log *zap.Logger) *FileSource {
	return &FileSource{path: path, log: log}
}

// Refresh reloads the snapshot from disk. A missing file or empty path
// is logged at debug level and treated as a no-op, not an error.
func (f *FileSource) Refresh() error {
	if f.path == "" {
		if f.log != nil {
			f.log.Debug("treasury: refresh skipped, no db configured")
		}
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			if f.log != nil {
				f.log.Debug("treasury: db file not present yet", zap.String("path", f.path))
			}
			return nil
		}
		return err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	f.mu.Lock()
	f.last = snap
	f.mu.Unlock()
	return nil
}

// Last returns the most recently loaded snapshot.
func (f *FileSource) Last() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// NoopSource satisfies Source without touching any external system.
// The aggregator itself always wires a FileSource, whose Refresh is
// already a no-op when AGGREGATOR_TREASURY_DB is unset.
type NoopSource struct{}

// Refresh does nothing and never fails.
func (NoopSource) Refresh() error { return nil }
