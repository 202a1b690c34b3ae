// Package bridgeanomaly implements the bridge counter anomaly detector
//: per-(peer, metric, labels) rolling-window z-score
// detection over a closed set of monitored monotonic bridge counters.
package bridgeanomaly

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/octoreflex/aggregator/internal/metrics"
	"github.com/octoreflex/aggregator/internal/model"
	"go.uber.org/zap"
)

// MonitoredMetrics is the closed, case-sensitive set of counters this
// detector observes.
var MonitoredMetrics = map[string]bool{
	"bridge_reward_claims_total":               true,
	"bridge_reward_approvals_consumed_total":   true,
	"bridge_settlement_results_total":          true,
	"bridge_dispute_outcomes_total":             true,
	"bridge_liquidity_locked_total":            true,
	"bridge_liquidity_unlocked_total":          true,
	"bridge_liquidity_minted_total":            true,
	"bridge_liquidity_burned_total":            true,
}

// labelWhitelist are the sibling string fields folded into a sample's
// label set alongside any `labels` object.
var labelWhitelist = []string{"asset", "result", "reason", "kind", "outcome"}

const epsilon = 1e-9

// Config holds the detector's tunables.
type Config struct {
	WindowSize    int
	BaselineMin   int
	MinStddev     float64
	StdMultiplier float64
	MinDelta      float64
	CooldownSecs  int64
	MaxEvents     int
}

// Key identifies a monitored (peer, metric, labels) series.
type Key struct {
	Peer   string
	Metric string
	Labels string // canonical "k=v,k2=v2" sorted form
}

// Sample is one extracted observation from an ingested metric tree.
type Sample struct {
	Metric string
	Labels map[string]string
	Value  float64
}

// State is the rolling state for one monitored series.
type State struct {
	LastValue  *float64  `json:"last_value,omitempty"`
	LastTS     *int64    `json:"last_ts,omitempty"`
	Deltas     []float64 `json:"deltas"`
	LastAlertTS *int64   `json:"last_alert_ts,omitempty"`
}

// Event is a fired anomaly.
type Event struct {
	Metric    string            `json:"metric"`
	Peer      string            `json:"peer"`
	Labels    map[string]string `json:"labels"`
	Delta     float64           `json:"delta"`
	Mean      float64           `json:"mean"`
	Stddev    float64           `json:"stddev"`
	Threshold float64           `json:"threshold"`
	WindowLen int               `json:"window_len"`
	TS        int64             `json:"ts"`
}

// Detector is the mutex-guarded engine holding every monitored series'
// state and the bounded anomaly event ring.
type Detector struct {
	mu     sync.Mutex
	states map[Key]*State
	events []Event

	cfg     Config
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates an empty Detector.
func New(cfg Config, m *metrics.Metrics, log *zap.Logger) *Detector {
	return &Detector{
		states:  make(map[Key]*State),
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

// ExtractSamples walks a peer's ingested metric tree collecting samples
// for every monitored counter. Duplicate
// (metric, labels) pairs within the tree collapse to one sample, last
// wins.
func ExtractSamples(tree *model.Tree) []Sample {
	var out []Sample
	seen := map[string]int{}
	for metric := range MonitoredMetrics {
		node := tree.Field(metric)
		if node == nil {
			continue
		}
		walkCounterTree(metric, node, nil, func(s Sample) {
			key := canonicalLabelKey(s.Metric, s.Labels)
			if idx, ok := seen[key]; ok {
				out[idx] = s
				return
			}
			seen[key] = len(out)
			out = append(out, s)
		})
	}
	return out
}

func walkCounterTree(metric string, node *model.Tree, inherited map[string]string, visit func(Sample)) {
	if node == nil {
		return
	}
	if node.IsArray() {
		for _, e := range node.Elements() {
			walkCounterTree(metric, e, inherited, visit)
		}
		return
	}
	if !node.IsObject() {
		return
	}

	labels := inherited
	if lbls := node.Field("labels"); lbls.IsObject() {
		merged := make(map[string]string, len(inherited))
		for k, v := range inherited {
			merged[k] = v
		}
		for _, k := range lbls.Fields() {
			if s, ok := lbls.Field(k).String(); ok {
				merged[k] = s
			}
		}
		labels = merged
	}
	for _, k := range labelWhitelist {
		if s, ok := node.Field(k).String(); ok {
			if labels == nil {
				labels = map[string]string{}
			} else if _, exists := labels[k]; !exists {
				cp := make(map[string]string, len(labels)+1)
				for lk, lv := range labels {
					cp[lk] = lv
				}
				labels = cp
			}
			labels[k] = s
		}
	}

	value, hasValue := node.Field("value").Number()
	if !hasValue {
		value, hasValue = node.Field("counter").Number()
	}
	if hasValue {
		visit(Sample{Metric: metric, Labels: labels, Value: value})
	}

	for _, childKey := range node.Fields() {
		if childKey == "labels" || childKey == "value" || childKey == "counter" {
			continue
		}
		isWhitelisted := false
		for _, wk := range labelWhitelist {
			if childKey == wk {
				isWhitelisted = true
				break
			}
		}
		if isWhitelisted {
			continue
		}
		walkCounterTree(metric, node.Field(childKey), labels, visit)
	}
	if samples := node.Field("samples"); samples != nil {
		walkCounterTree(metric, samples, labels, visit)
	}
}

func canonicalLabelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func canonicalLabelKey(metric string, labels map[string]string) string {
	return metric + "|" + canonicalLabelString(labels)
}

// Observe folds one sample into its series state, publishing delta/rate
// gauges and returning a fired Event, if any.
func (d *Detector) Observe(peer string, s Sample, now int64) *Event {
	key := Key{Peer: peer, Metric: s.Metric, Labels: canonicalLabelString(s.Labels)}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[key]
	if !ok {
		st = &State{}
		d.states[key] = st
	}

	if st.LastValue == nil {
		v := s.Value
		st.LastValue = &v
		ts := now
		st.LastTS = &ts
		st.Deltas = nil
		return nil
	}

	delta := s.Value - *st.LastValue
	if delta < -epsilon {
		// Counter reset.
		v := s.Value
		st.LastValue = &v
		ts := now
		st.LastTS = &ts
		st.Deltas = nil
		return nil
	}
	if delta < 0 {
		delta = 0
	}

	elapsed := int64(1)
	if st.LastTS != nil {
		e := now - *st.LastTS
		if e > 1 {
			elapsed = e
		}
	}
	rate := delta / float64(elapsed)

	if d.metrics != nil {
		labelStr := canonicalLabelString(s.Labels)
		d.metrics.BridgeMetricDelta.WithLabelValues(s.Metric, peer, labelStr).Set(delta)
		d.metrics.BridgeMetricRate.WithLabelValues(s.Metric, peer, labelStr).Set(rate)
	}

	v := s.Value
	st.LastValue = &v
	ts := now
	st.LastTS = &ts

	var fired *Event
	if len(st.Deltas) >= d.cfg.BaselineMin {
		mean, stddev := meanStddev(st.Deltas)
		baselineStd := math.Max(stddev, d.cfg.MinStddev)
		threshold := mean + d.cfg.StdMultiplier*baselineStd
		cooldownOK := st.LastAlertTS == nil || now-*st.LastAlertTS >= d.cfg.CooldownSecs
		if delta >= math.Max(threshold, d.cfg.MinDelta) && cooldownOK {
			ev := Event{
				Metric: s.Metric, Peer: peer, Labels: s.Labels,
				Delta: delta, Mean: mean, Stddev: stddev, Threshold: threshold,
				WindowLen: len(st.Deltas), TS: now,
			}
			st.LastAlertTS = &now
			d.events = append(d.events, ev)
			if len(d.events) > d.cfg.MaxEvents {
				d.events = d.events[len(d.events)-d.cfg.MaxEvents:]
			}
			if d.metrics != nil {
				d.metrics.BridgeAnomalyTotal.Inc()
			}
			fired = &ev
		}
	}

	st.Deltas = append(st.Deltas, delta)
	if len(st.Deltas) > d.cfg.WindowSize {
		st.Deltas = st.Deltas[len(st.Deltas)-d.cfg.WindowSize:]
	}

	return fired
}

func meanStddev(xs []float64) (mean, stddev float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// Events returns a snapshot copy of the fired-event ring.
func (d *Detector) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// snapshot is the persisted form.
type snapshot struct {
	States []stateEntry `json:"metrics"`
	Events []Event      `json:"events"`
}

type stateEntry struct {
	Peer   string `json:"peer"`
	Metric string `json:"metric"`
	Labels string `json:"labels"`
	State  State  `json:"state"`
}

// Marshal serializes the detector's full state for persistence.
func (d *Detector) Marshal() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := snapshot{Events: append([]Event(nil), d.events...)}
	for k, v := range d.states {
		snap.States = append(snap.States, stateEntry{Peer: k.Peer, Metric: k.Metric, Labels: k.Labels, State: *v})
	}
	return json.Marshal(snap)
}

// LoadFrom restores a previously-marshaled snapshot, re-sorting label
// vectors implicitly (the canonical label string is already sorted) and
// trimming any over-long window.
func (d *Detector) LoadFrom(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = make(map[Key]*State, len(snap.States))
	for _, e := range snap.States {
		st := e.State
		if len(st.Deltas) > d.cfg.WindowSize {
			st.Deltas = st.Deltas[len(st.Deltas)-d.cfg.WindowSize:]
		}
		d.states[Key{Peer: e.Peer, Metric: e.Metric, Labels: e.Labels}] = &st
	}
	d.events = append([]Event(nil), snap.Events...)
	if len(d.events) > d.cfg.MaxEvents {
		d.events = d.events[len(d.events)-d.cfg.MaxEvents:]
	}
	return nil
}
