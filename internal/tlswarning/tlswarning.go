// Package tlswarning implements TLS-configuration warning accounting
//: counter-delta derivation from peer-ingested samples and
// local diagnostics events, a retention-swept snapshot table keyed by
// (prefix, code), and fingerprint bucket bookkeeping.
package tlswarning

import (
	"encoding/json"
	"math"
	"sort"
	"sync"

	"github.com/octoreflex/aggregator/internal/metrics"
	"github.com/octoreflex/aggregator/internal/model"
	"go.uber.org/zap"
)

// epsilon is the tolerance applied when deciding whether a new monotonic
// counter value represents a genuine delta versus a restart/regression.
const epsilon = 1e-6

// Origin records which input path most recently (or ever) touched a
// snapshot. Diagnostics sticks once observed.
type Origin string

const (
	OriginDiagnostics Origin = "diagnostics"
	OriginPeerIngest  Origin = "peer_ingest"
)

// Key identifies a TLS warning snapshot.
type Key struct {
	Prefix string `json:"prefix"`
	Code   string `json:"code"`
}

// Snapshot is the persisted/exposed form of one (prefix, code) warning
// accumulator.
type Snapshot struct {
	Key Key `json:"key"`

	Total        uint64 `json:"total"`
	LastDelta    uint64 `json:"last_delta"`
	LastSeenSecs int64  `json:"last_seen_secs"`
	Origin       Origin `json:"origin"`
	PeerID       string `json:"peer_id,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Variables    []string `json:"variables,omitempty"`

	DetailFingerprint      *int64 `json:"detail_fingerprint,omitempty"`
	VariablesFingerprint   *int64 `json:"variables_fingerprint,omitempty"`
	DetailFingerprintCounts    map[string]uint64 `json:"detail_fingerprint_counts"`
	VariablesFingerprintCounts map[string]uint64 `json:"variables_fingerprint_counts"`
}

// Status is the published aggregate view.
type Status struct {
	RetentionSeconds    int64 `json:"retention_seconds"`
	ActiveSnapshots     int   `json:"active_snapshots"`
	StaleSnapshots      int   `json:"stale_snapshots"`
	MostRecentLastSeen  int64 `json:"most_recent_last_seen"`
	LeastRecentLastSeen int64 `json:"least_recent_last_seen"`
}

// DiagnosticsEvent is delivered directly by a subscriber registered with
// this subsystem.
type DiagnosticsEvent struct {
	Prefix    string
	Code      string
	Detail    string
	Variables []string
}

type lastValueKey struct {
	peer, prefix, code string
}

// Table is the mutex-guarded TLS warning snapshot table. It owns the
// (peer, prefix, code) -> last_value cache used for delta derivation.
type Table struct {
	mu            sync.Mutex
	snapshots     map[Key]*Snapshot
	lastValues    map[lastValueKey]float64
	retentionSecs int64

	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates an empty Table.
func New(retentionSecs int64, m *metrics.Metrics, log *zap.Logger) *Table {
	return &Table{
		snapshots:     make(map[Key]*Snapshot),
		lastValues:    make(map[lastValueKey]float64),
		retentionSecs: retentionSecs,
		metrics:       m,
		log:           log,
	}
}

// IngestPeerSamples walks a peer's ingested metric tree for the four
// recognized warning fields and folds every discovered (prefix, code,
// value) leaf into the snapshot table.
func (t *Table) IngestPeerSamples(peerID string, metricsTree *model.Tree, now int64) {
	for _, field := range []string{
		"tls_env_warning_total",
		"tls_env_warning_last_seen_seconds",
		"tls_env_warning_detail_fingerprint",
		"tls_env_warning_variables_fingerprint",
	} {
		node := metricsTree.Field(field)
		if node == nil {
			continue
		}
		seen := make(map[Key]bool)
		walkWarningTree(node, nil, func(k Key, value float64, detail string, vars []string, rawFP any, fpField string) {
			if seen[k] {
				return
			}
			seen[k] = true
			t.observePeer(peerID, k, field, value, detail, vars, rawFP, fpField, now)
		})
	}
}

// walkWarningTree recurses through a warning sub-tree collecting
// (labels, value) leaves: nodes may carry a sibling `labels:{prefix,code}`
// object and a numeric `value`/`counter` field, or recurse further via
// arrays, `samples`, or nested objects.
func walkWarningTree(node *model.Tree, inherited *Key, visit func(Key, float64, string, []string, any, string)) {
	if node == nil {
		return
	}
	if node.IsArray() {
		for _, e := range node.Elements() {
			walkWarningTree(e, inherited, visit)
		}
		return
	}
	if !node.IsObject() {
		return
	}

	key := inherited
	if labels := node.Field("labels"); labels.IsObject() {
		prefix, _ := labels.Field("prefix").String()
		code, _ := labels.Field("code").String()
		if prefix != "" || code != "" {
			key = &Key{Prefix: prefix, Code: code}
		}
	}

	value, hasValue := node.Field("value").Number()
	if !hasValue {
		value, hasValue = node.Field("counter").Number()
	}

	if hasValue && key != nil {
		detail, _ := node.Field("detail").String()
		var vars []string
		if v := node.Field("variables"); v.IsArray() {
			for _, e := range v.Elements() {
				if s, ok := e.String(); ok {
					vars = append(vars, s)
				}
			}
		}
		var rawFP any
		fpField := ""
		if fp := node.Field("detail_fingerprint"); fp != nil {
			rawFP, fpField = fingerprintRaw(fp), "detail"
		} else if fp := node.Field("variables_fingerprint"); fp != nil {
			rawFP, fpField = fingerprintRaw(fp), "variables"
		}
		visit(*key, value, detail, vars, rawFP, fpField)
	}

	for _, childKey := range node.Fields() {
		if childKey == "labels" || childKey == "value" || childKey == "counter" ||
			childKey == "detail" || childKey == "variables" ||
			childKey == "detail_fingerprint" || childKey == "variables_fingerprint" {
			continue
		}
		walkWarningTree(node.Field(childKey), key, visit)
	}
	if samples := node.Field("samples"); samples != nil {
		walkWarningTree(samples, key, visit)
	}
}

func fingerprintRaw(n *model.Tree) any {
	if v, ok := n.Number(); ok {
		return v
	}
	if s, ok := n.String(); ok {
		return s
	}
	return nil
}

// IngestDiagnostics handles a local diagnostics subscriber event.
func (t *Table) IngestDiagnostics(ev DiagnosticsEvent, now int64) {
	k := Key{Prefix: ev.Prefix, Code: ev.Code}
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.getOrCreate(k)
	snap.Origin = OriginDiagnostics
	if ev.Detail != "" {
		snap.Detail = ev.Detail
	}
	if len(ev.Variables) > 0 {
		snap.Variables = ev.Variables
	}
	t.advanceLastSeen(snap, now)
	t.recordEventMetric(k, OriginDiagnostics)
	t.sweep(now)
	t.publishStatus(now)
}

// observePeer derives a delta for one peer-ingested sample and, if one
// fires, folds it into the snapshot.
func (t *Table) observePeer(peerID string, k Key, field string, value float64, detail string, vars []string, rawFP any, fpField string, now int64) {
	if !math.IsFinite(value) || value < 0 {
		if t.log != nil {
			t.log.Warn("tlswarning: dropping non-finite or negative sample", zap.String("field", field))
		}
		return
	}

	lvk := lastValueKey{peer: peerID, prefix: k.Prefix, code: k.Code}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.lastValues[lvk]
	t.lastValues[lvk] = value
	if !seen {
		// First observation establishes the baseline; no event.
		return
	}
	if value <= prev+epsilon {
		// Counter regressed or held — treated as a restart.
		return
	}
	delta := value - prev
	rounded := math.Round(delta)
	if math.Abs(rounded-delta) > epsilon || rounded < 0 {
		if t.log != nil {
			t.log.Warn("tlswarning: dropping non-integral delta", zap.Float64("delta", delta))
		}
		return
	}

	snap := t.getOrCreate(k)
	if snap.Origin != OriginDiagnostics {
		snap.Origin = OriginPeerIngest
	}
	snap.Total += uint64(rounded)
	snap.LastDelta = uint64(rounded)
	if t.metrics != nil {
		t.metrics.TLSWarningTotal.WithLabelValues(k.Prefix, k.Code).Add(rounded)
	}
	if peerID != "" {
		snap.PeerID = peerID
	}
	if detail != "" {
		snap.Detail = detail
	}
	if len(vars) > 0 {
		snap.Variables = vars
	}
	if rawFP != nil {
		if fp, ok := ParseFingerprint(rawFP); ok {
			t.applyFingerprint(snap, fpField, fp, true)
		} else if s, ok := rawFP.(string); ok {
			// Invalid encoding: recorded only if no parsed value exists
			// yet for the same field in this snapshot.
			t.recordInvalidFingerprint(snap, fpField, s)
		}
	}
	t.advanceLastSeen(snap, now)
	t.recordEventMetric(k, OriginPeerIngest)
	t.sweep(now)
	t.publishStatus(now)
}

func (t *Table) applyFingerprint(snap *Snapshot, field string, fp int64, parsed bool) {
	label := FingerprintLabel(fp, parsed)
	switch field {
	case "detail":
		snap.DetailFingerprint = &fp
		snap.DetailFingerprintCounts[label]++
		if t.metrics != nil {
			t.metrics.TLSWarningDetailFPTotal.WithLabelValues(snap.Key.Prefix, snap.Key.Code, label).Inc()
			t.metrics.TLSWarningDetailFP.WithLabelValues(snap.Key.Prefix, snap.Key.Code).Set(float64(fp))
			t.metrics.TLSWarningDetailUniqueFP.WithLabelValues(snap.Key.Prefix, snap.Key.Code).Set(float64(len(snap.DetailFingerprintCounts)))
		}
	case "variables":
		snap.VariablesFingerprint = &fp
		snap.VariablesFingerprintCounts[label]++
		if t.metrics != nil {
			t.metrics.TLSWarningVariablesFPTotal.WithLabelValues(snap.Key.Prefix, snap.Key.Code, label).Inc()
			t.metrics.TLSWarningVariablesFP.WithLabelValues(snap.Key.Prefix, snap.Key.Code).Set(float64(fp))
			t.metrics.TLSWarningVariablesUniqueFP.WithLabelValues(snap.Key.Prefix, snap.Key.Code).Set(float64(len(snap.VariablesFingerprintCounts)))
		}
	}
}

func (t *Table) recordInvalidFingerprint(snap *Snapshot, field, raw string) {
	label := "invalid:" + raw
	switch field {
	case "detail":
		if snap.DetailFingerprint == nil {
			snap.DetailFingerprintCounts[label]++
		}
	case "variables":
		if snap.VariablesFingerprint == nil {
			snap.VariablesFingerprintCounts[label]++
		}
	}
}

func (t *Table) getOrCreate(k Key) *Snapshot {
	snap, ok := t.snapshots[k]
	if !ok {
		snap = &Snapshot{
			Key:                        k,
			DetailFingerprintCounts:    make(map[string]uint64),
			VariablesFingerprintCounts: make(map[string]uint64),
		}
		t.snapshots[k] = snap
	}
	return snap
}

func (t *Table) advanceLastSeen(snap *Snapshot, now int64) {
	if now > snap.LastSeenSecs {
		snap.LastSeenSecs = now
	}
	if t.metrics != nil {
		t.metrics.TLSWarningLastSeenSeconds.WithLabelValues(snap.Key.Prefix, snap.Key.Code).Set(float64(snap.LastSeenSecs))
		t.metrics.TLSWarningTotal.WithLabelValues(snap.Key.Prefix, snap.Key.Code).Add(0)
	}
}

func (t *Table) recordEventMetric(k Key, origin Origin) {
	if t.metrics != nil {
		t.metrics.TLSWarningEventsTotal.WithLabelValues(k.Prefix, k.Code, string(origin)).Inc()
	}
}

// sweep removes snapshots whose last_seen_secs has fallen outside
// retention. Must be called with mu held.
func (t *Table) sweep(now int64) {
	cutoff := now - t.retentionSecs
	for k, snap := range t.snapshots {
		if snap.LastSeenSecs < cutoff {
			delete(t.snapshots, k)
		}
	}
}

// publishStatus recomputes and publishes the status gauges. Must be
// called with mu held.
func (t *Table) publishStatus(now int64) {
	st := t.statusLocked(now)
	if t.metrics == nil {
		return
	}
	t.metrics.TLSWarningRetentionSeconds.Set(float64(t.retentionSecs))
	t.metrics.TLSWarningActiveSnapshots.Set(float64(st.ActiveSnapshots))
	t.metrics.TLSWarningStaleSnapshots.Set(float64(st.StaleSnapshots))
	t.metrics.TLSWarningMostRecentLastSeen.Set(float64(st.MostRecentLastSeen))
	t.metrics.TLSWarningLeastRecentLastSeen.Set(float64(st.LeastRecentLastSeen))
}

func (t *Table) statusLocked(now int64) Status {
	st := Status{RetentionSeconds: t.retentionSecs}
	first := true
	for _, snap := range t.snapshots {
		st.ActiveSnapshots++
		if now-snap.LastSeenSecs > t.retentionSecs {
			st.StaleSnapshots++
		}
		if first {
			st.MostRecentLastSeen = snap.LastSeenSecs
			st.LeastRecentLastSeen = snap.LastSeenSecs
			first = false
			continue
		}
		if snap.LastSeenSecs > st.MostRecentLastSeen {
			st.MostRecentLastSeen = snap.LastSeenSecs
		}
		if snap.LastSeenSecs < st.LeastRecentLastSeen {
			st.LeastRecentLastSeen = snap.LastSeenSecs
		}
	}
	return st
}

// Status returns the current published status view.
func (t *Table) Status(now int64) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(now)
}

// Latest returns every snapshot sorted by last_seen descending.
func (t *Table) Latest() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.snapshots))
	for _, snap := range t.snapshots {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenSecs > out[j].LastSeenSecs })
	return out
}

// TLS snapshots have no dedicated keyspace of their own (only
// peer_history, anomaly, and remediation do) and are not rebuilt on
// boot: the table starts empty after a restart. MarshalJSON is provided
// only for the /tls/warnings/latest HTTP response shape.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(alias(s))
}
