// Package ingest implements the /ingest contract: batch
// merge-within-second accumulation into per-peer history, retention
// pruning, KV persistence, and the fan-out into the TLS, bridge-anomaly
// and correlation side channels.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/octoreflex/aggregator/internal/bridgeanomaly"
	"github.com/octoreflex/aggregator/internal/correlation"
	"github.com/octoreflex/aggregator/internal/metrics"
	"github.com/octoreflex/aggregator/internal/model"
	"github.com/octoreflex/aggregator/internal/store"
	"github.com/octoreflex/aggregator/internal/tlswarning"
	"go.uber.org/zap"
)

// AnomalyHandler is invoked synchronously for every fired bridge anomaly
// event, letting the caller (internal/aggregator) cascade into the
// remediation engine and dispatch fan-out without ingest depending on
// either.
type AnomalyHandler func(bridgeanomaly.Event)

// Processor owns the per-peer history table and wires ingested batches
// into the TLS, bridge-anomaly and correlation subsystems.
type Processor struct {
	mu      sync.Mutex
	history map[string][]model.HistoryEntry

	retentionSecs int64

	db       *store.DB
	tls      *tlswarning.Table
	anomaly  *bridgeanomaly.Detector
	corr     *correlation.Table
	onEvent  AnomalyHandler
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds a Processor. db may be nil (persistence disabled, e.g. in
// tests); onEvent may be nil to disable anomaly cascading.
func New(retentionSecs int64, db *store.DB, tls *tlswarning.Table, anomaly *bridgeanomaly.Detector, corr *correlation.Table, onEvent AnomalyHandler, m *metrics.Metrics, log *zap.Logger) *Processor {
	return &Processor{
		history:       make(map[string][]model.HistoryEntry),
		retentionSecs: retentionSecs,
		db:            db,
		tls:           tls,
		anomaly:       anomaly,
		corr:          corr,
		onEvent:       onEvent,
		metrics:       m,
		log:           log,
	}
}

// LoadFromStore reconstructs the in-memory history map from the KV
// store on boot. A decode failure for a single peer row resets that
// peer's history rather than refusing to boot.
func (p *Processor) LoadFromStore() error {
	if p.db == nil {
		return nil
	}
	return p.db.ForEachPeerHistory(func(peerID string, raw []byte) error {
		var entries []model.HistoryEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			if p.log != nil {
				p.log.Warn("ingest: peer history decode failed, resetting", zap.String("peer", peerID), zap.Error(err))
			}
			return nil
		}
		p.mu.Lock()
		p.history[peerID] = entries
		p.mu.Unlock()
		return nil
	})
}

// IngestBatch folds every stat in batch into its peer's history deque,
// persists the mutated rows, appends the batch to the WAL, and fans out
// side effects. Returns the first hard decode error encountered, if any
// (the caller maps this to a 400); soft failures (persistence, WAL,
// dispatch cascade) are logged and swallowed.
func (p *Processor) IngestBatch(batch []model.PeerStat, now int64) error {
	for _, stat := range batch {
		tree, err := model.ParseTree(stat.Metrics)
		if err != nil {
			if p.metrics != nil {
				p.metrics.TelemetrySchemaErrorTotal.Inc()
			}
			return fmt.Errorf("ingest: peer %s: malformed metrics payload: %w", stat.PeerID, err)
		}

		p.mergeAndPersist(stat.PeerID, tree, now)

		if p.tls != nil {
			p.tls.IngestPeerSamples(stat.PeerID, tree, now)
		}
		if p.anomaly != nil {
			for _, sample := range bridgeanomaly.ExtractSamples(tree) {
				if ev := p.anomaly.Observe(stat.PeerID, sample, now); ev != nil {
					if p.onEvent != nil {
						p.onEvent(*ev)
					}
				}
			}
		}
		if p.corr != nil {
			p.corr.WalkTree(context.Background(), stat.PeerID, tree, now)
		}

		if p.metrics != nil {
			p.metrics.TelemetryIngestTotal.Inc()
		}
	}

	if p.db != nil {
		if err := p.db.AppendWAL(batch); err != nil && p.log != nil {
			p.log.Warn("ingest: wal append failed", zap.Error(err))
		}
	}

	p.Prune(now)

	if p.metrics != nil {
		p.metrics.IngestTotal.Inc()
		p.metrics.ClusterPeerActiveTotal.Set(float64(p.PeerCount()))
	}
	return nil
}

func (p *Processor) mergeAndPersist(peerID string, tree *model.Tree, now int64) {
	p.mu.Lock()
	deque := p.history[peerID]
	deque = model.AppendOrMerge(deque, now, tree)
	p.history[peerID] = deque
	snapshot := append([]model.HistoryEntry(nil), deque...)
	p.mu.Unlock()

	if p.db != nil {
		if err := p.db.PutPeerHistory(peerID, snapshot); err != nil && p.log != nil {
			p.log.Warn("ingest: persist peer history failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// Prune drops history entries older than the configured retention
//, deleting any peer row that prunes to empty, and
// returns the total entry count removed.
func (p *Processor) Prune(now int64) int {
	removed := 0
	toDelete := make([]string, 0)

	p.mu.Lock()
	for peerID, deque := range p.history {
		pruned, n := model.Prune(deque, now, p.retentionSecs)
		removed += n
		if len(pruned) == 0 {
			delete(p.history, peerID)
			toDelete = append(toDelete, peerID)
		} else {
			p.history[peerID] = pruned
		}
	}
	p.mu.Unlock()

	if p.db != nil {
		for _, peerID := range toDelete {
			if err := p.db.DeletePeerHistory(peerID); err != nil && p.log != nil {
				p.log.Warn("ingest: delete pruned peer row failed", zap.String("peer", peerID), zap.Error(err))
			}
		}
	}
	if removed > 0 && p.metrics != nil {
		p.metrics.RetentionPrunedTotal.Add(float64(removed))
	}
	return removed
}

// PeerCount returns the number of peers with retained history.
func (p *Processor) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

// PeerHistory returns a snapshot copy of one peer's history deque.
func (p *Processor) PeerHistory(peerID string) ([]model.HistoryEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	deque, ok := p.history[peerID]
	if !ok {
		return nil, false
	}
	return append([]model.HistoryEntry(nil), deque...), true
}

// AllPeers returns every peer id with retained history, in no
// particular order.
func (p *Processor) AllPeers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.history))
	for id := range p.history {
		out = append(out, id)
	}
	return out
}
