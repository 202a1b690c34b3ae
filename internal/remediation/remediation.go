// Package remediation implements the bridge remediation state machine
//: graded action selection, the ladder-monotonicity dedup
// rule, the acknowledgement lifecycle, follow-up scheduling, and the
// acknowledgement-latency histogram. Dispatch transport itself (HTTP /
// spool fan-out) lives in internal/dispatch; this package only decides
// *what* to dispatch and tracks the resulting conversation.
package remediation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/octoreflex/aggregator/internal/bridgeanomaly"
	"github.com/octoreflex/aggregator/internal/config"
	"github.com/octoreflex/aggregator/internal/metrics"
	"go.uber.org/zap"
)

// ActionType is the graded action tier, ordered Page < Throttle <
// Quarantine < Escalate.
type ActionType int

const (
	Page ActionType = iota
	Throttle
	Quarantine
	Escalate
)

func (a ActionType) String() string {
	switch a {
	case Page:
		return "page"
	case Throttle:
		return "throttle"
	case Quarantine:
		return "quarantine"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Playbook names a remediation response plan.
type Playbook string

const (
	PlaybookNone                 Playbook = "none"
	PlaybookIncentiveThrottle    Playbook = "incentive-throttle"
	PlaybookGovernanceEscalation Playbook = "governance-escalation"
)

func playbookFor(a ActionType) Playbook {
	switch a {
	case Escalate:
		return PlaybookGovernanceEscalation
	case Quarantine, Throttle:
		return PlaybookIncentiveThrottle
	default:
		return PlaybookNone
	}
}

// Key identifies a remediation entry.
type Key struct {
	Peer   string
	Metric string
	Labels string
}

func keyFromEvent(ev bridgeanomaly.Event) Key {
	return Key{Peer: ev.Peer, Metric: ev.Metric, Labels: canonicalLabels(ev.Labels)}
}

func canonicalLabels(labels map[string]string) string {
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

// Action is a single emitted remediation action.
type Action struct {
	Peer   string            `json:"peer"`
	Metric string            `json:"metric"`
	Labels map[string]string `json:"labels"`

	Action   ActionType `json:"action"`
	Playbook Playbook   `json:"playbook"`

	Occurrences int     `json:"occurrences"`
	Delta       float64 `json:"delta"`
	Threshold   float64 `json:"threshold"`
	Ratio       float64 `json:"ratio"`
	Timestamp   int64   `json:"timestamp"`

	AcknowledgedAt       *int64 `json:"acknowledged_at,omitempty"`
	ClosedOutAt          *int64 `json:"closed_out_at,omitempty"`
	AcknowledgementNotes string `json:"acknowledgement_notes,omitempty"`

	FirstDispatchAt  *int64 `json:"first_dispatch_at,omitempty"`
	LastDispatchAt   *int64 `json:"last_dispatch_at,omitempty"`
	DispatchAttempts int    `json:"dispatch_attempts"`

	AutoRetryCount   int    `json:"auto_retry_count"`
	LastAutoRetryAt  *int64 `json:"last_auto_retry_at,omitempty"`

	PendingSince    *int64 `json:"pending_since,omitempty"`
	PendingEscalated bool  `json:"pending_escalated"`

	LastAckState AckState `json:"last_ack_state,omitempty"`
	LastAckNotes string   `json:"last_ack_notes,omitempty"`
	FollowUpNotes string  `json:"follow_up_notes,omitempty"`
}

// entry is per-key bookkeeping.
type entry struct {
	events         []int64
	lastAction     *ActionType
	lastActionTS   *int64
}

// AckLatencyObservation is one observed ack-latency sample, replayed
// into the histogram on restart.
type AckLatencyObservation struct {
	Playbook Playbook `json:"playbook"`
	State    AckState `json:"state"`
	LatencySecs int64 `json:"latency_secs"`
}

// DispatchUpdate is returned by RecordDispatchAttempt describing the
// mutated action and, if an ack closed/acknowledged it, the resulting
// latency sample.
type DispatchUpdate struct {
	Action     Action
	AckSample  *AckLatencyObservation
}

// FollowUp is a periodic-tick derived action: either a
// Retry of an existing action, or a synthesized Escalate.
type FollowUp struct {
	Kind   string // "retry" or "escalate"
	Action Action
}

// Engine is the mutex-guarded remediation state machine.
type Engine struct {
	mu      sync.Mutex
	entries map[Key]*entry
	actions []Action

	ackLatency map[ackLatencyKey][]int64

	cfg     config.RemediationConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

type ackLatencyKey struct {
	playbook Playbook
	state    AckState
}

// New creates an empty Engine.
func New(cfg config.RemediationConfig, m *metrics.Metrics, log *zap.Logger) *Engine {
	e := &Engine{
		entries:    make(map[Key]*entry),
		ackLatency: make(map[ackLatencyKey][]int64),
		cfg:        cfg,
		metrics:    m,
		log:        log,
	}
	e.publishAckTargets()
	return e
}

// SetConfig swaps the engine's tunables in place — thresholds and ack
// policy are safe to change on a hot-reload; callers are responsible
// for not changing MaxActions downward in a way that would surprise an
// in-flight Actions() caller (the ring is simply re-capped on the next
// push).
func (e *Engine) SetConfig(cfg config.RemediationConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.publishAckTargets()
}

func (e *Engine) publishAckTargets() {
	if e.metrics == nil {
		return
	}
	for pb, t := range map[Playbook]config.AckTiming{
		PlaybookNone:                 e.cfg.AckPolicy.None,
		PlaybookIncentiveThrottle:    e.cfg.AckPolicy.IncentiveThrottle,
		PlaybookGovernanceEscalation: e.cfg.AckPolicy.GovernanceEscalation,
	} {
		e.metrics.BridgeRemediationAckTargetSeconds.WithLabelValues(string(pb), "retry").Set(float64(t.RetryAfterSecs))
		e.metrics.BridgeRemediationAckTargetSeconds.WithLabelValues(string(pb), "escalate").Set(float64(t.EscalateAfterSecs))
	}
}

func (e *Engine) timingFor(pb Playbook) config.AckTiming {
	switch pb {
	case PlaybookGovernanceEscalation:
		return e.cfg.AckPolicy.GovernanceEscalation
	case PlaybookIncentiveThrottle:
		return e.cfg.AckPolicy.IncentiveThrottle
	default:
		return e.cfg.AckPolicy.None
	}
}

// Ingest folds a fired anomaly event into the remediation state machine,
// selecting an action tier and applying the ladder-monotonicity dedup
// rule. Returns the emitted action, or nil if none fires
// or the event is suppressed.
//
// Events with empty labels are ignored — no remediation is possible
// without a cohort.
func (e *Engine) Ingest(ev bridgeanomaly.Event) *Action {
	if len(ev.Labels) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := keyFromEvent(ev)
	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{}
		e.entries[key] = ent
	}
	ent.events = append(ent.events, ev.TS)
	cutoff := ev.TS - e.cfg.WindowSecs
	i := 0
	for i < len(ent.events) && ent.events[i] < cutoff {
		i++
	}
	ent.events = ent.events[i:]
	occurrences := len(ent.events)

	ratio := 0.0
	if ev.Threshold > 0 {
		ratio = ev.Delta / ev.Threshold
	}

	actionType, matched := selectTier(e.cfg, occurrences, ev.Delta, ratio)
	if !matched {
		return nil
	}

	emit := true
	if ent.lastAction != nil {
		switch {
		case actionType < *ent.lastAction:
			emit = false
		case actionType == *ent.lastAction:
			lastTS := int64(0)
			if ent.lastActionTS != nil {
				lastTS = *ent.lastActionTS
			}
			emit = ev.TS-lastTS >= e.cfg.PageCooldownSecs
		}
	}
	if !emit {
		return nil
	}

	ent.lastAction = &actionType
	ts := ev.TS
	ent.lastActionTS = &ts

	action := Action{
		Peer: ev.Peer, Metric: ev.Metric, Labels: ev.Labels,
		Action: actionType, Playbook: playbookFor(actionType),
		Occurrences: occurrences, Delta: ev.Delta, Threshold: ev.Threshold, Ratio: ratio,
		Timestamp: ev.TS,
	}
	e.pushAction(action)

	if e.metrics != nil {
		e.metrics.BridgeRemediationActionTotal.WithLabelValues(actionType.String(), string(action.Playbook)).Inc()
	}

	out := action
	return &out
}

// selectTier evaluates the highest tier first; first match wins.
func selectTier(cfg config.RemediationConfig, occurrences int, delta, ratio float64) (ActionType, bool) {
	switch {
	case occurrences >= cfg.EscalateCount || delta >= cfg.EscalateDelta || ratio >= cfg.EscalateRatio:
		return Escalate, true
	case occurrences >= cfg.QuarantineCount || delta >= cfg.QuarantineDelta || ratio >= cfg.QuarantineRatio:
		return Quarantine, true
	case occurrences >= cfg.ThrottleCount || delta >= cfg.ThrottleDelta || ratio >= cfg.ThrottleRatio:
		return Throttle, true
	case delta >= cfg.PageDelta || ratio >= cfg.PageRatio:
		return Page, true
	default:
		return 0, false
	}
}

func (e *Engine) pushAction(a Action) {
	e.actions = append(e.actions, a)
	if len(e.actions) > e.cfg.MaxActions {
		e.actions = e.actions[len(e.actions)-e.cfg.MaxActions:]
	}
}

// Actions returns a snapshot copy of the action ring, most recent last.
func (e *Engine) Actions() []Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Action, len(e.actions))
	copy(out, e.actions)
	return out
}

func sameIdentity(a, b Action) bool {
	return a.Peer == b.Peer && a.Metric == b.Metric && a.Timestamp == b.Timestamp && a.Action == b.Action
}

// RecordDispatchAttempt folds the result of one dispatch attempt (and
// optional acknowledgement) into the matching stored action. Returns nil if no matching action is found.
func (e *Engine) RecordDispatchAttempt(target Action, ack *AckRecord, dispatchedAt int64, status string) *DispatchUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := len(e.actions) - 1; i >= 0; i-- {
		stored := &e.actions[i]
		if !sameIdentity(*stored, target) {
			continue
		}

		stored.DispatchAttempts++
		la := dispatchedAt
		stored.LastDispatchAt = &la
		if stored.FirstDispatchAt == nil {
			fd := dispatchedAt
			stored.FirstDispatchAt = &fd
		}
		if ack != nil || status == "success" {
			if stored.PendingSince == nil {
				ps := dispatchedAt
				stored.PendingSince = &ps
			}
		}

		var sample *AckLatencyObservation
		if ack != nil {
			stored.LastAckState = ack.State
			if ack.HasNotes {
				stored.LastAckNotes = ack.Notes
			}
			if ack.State.IsCompletion() {
				if ack.Closed && stored.ClosedOutAt == nil {
					ca := ack.Timestamp
					stored.ClosedOutAt = &ca
				}
				if ack.Acknowledged && stored.AcknowledgedAt == nil {
					aa := ack.Timestamp
					stored.AcknowledgedAt = &aa
				}
				if ack.HasNotes {
					stored.AcknowledgementNotes = ack.Notes
				}
				stored.PendingSince = nil
				stored.PendingEscalated = false
				stored.LastAckNotes = ack.Notes
				stored.FollowUpNotes = ""
				stored.AutoRetryCount = 0
				stored.LastAutoRetryAt = nil

				if stored.FirstDispatchAt != nil {
					latency := ack.Timestamp - *stored.FirstDispatchAt
					if latency < 0 {
						latency = 0
					}
					e.observeAckLatency(stored.Playbook, ack.State, latency)
					sample = &AckLatencyObservation{Playbook: stored.Playbook, State: ack.State, LatencySecs: latency}
				}
			}
		}

		out := DispatchUpdate{Action: *stored, AckSample: sample}
		return &out
	}
	return nil
}

func (e *Engine) observeAckLatency(pb Playbook, state AckState, latencySecs int64) {
	k := ackLatencyKey{playbook: pb, state: state}
	e.ackLatency[k] = append(e.ackLatency[k], latencySecs)
	if e.metrics != nil {
		e.metrics.BridgeRemediationAckLatency.WithLabelValues(string(pb), string(state)).Observe(float64(latencySecs))
	}
}

// PendingFollowUps runs the periodic-tick retry / auto-escalation scan
// over every action not yet acknowledged or closed.
func (e *Engine) PendingFollowUps(now int64) []FollowUp {
	e.mu.Lock()
	defer e.mu.Unlock()

	var followups []FollowUp
	for i := range e.actions {
		stored := &e.actions[i]
		if stored.AcknowledgedAt != nil || stored.ClosedOutAt != nil {
			continue
		}
		if stored.DispatchAttempts == 0 {
			continue
		}

		timing := e.timingFor(stored.Playbook)
		pendingSince := stored.Timestamp
		if stored.PendingSince != nil {
			pendingSince = *stored.PendingSince
		} else if stored.FirstDispatchAt != nil {
			pendingSince = *stored.FirstDispatchAt
		}
		elapsed := now - pendingSince

		if elapsed >= timing.EscalateAfterSecs && !stored.PendingEscalated && stored.Action != Escalate {
			note := escalationNote(elapsed, stored.DispatchAttempts)
			escalation := Action{
				Peer: stored.Peer, Metric: stored.Metric, Labels: stored.Labels,
				Action: Escalate, Playbook: PlaybookGovernanceEscalation,
				Occurrences: stored.Occurrences, Delta: stored.Delta, Threshold: stored.Threshold, Ratio: stored.Ratio,
				Timestamp: now, FollowUpNotes: note,
			}
			stored.PendingEscalated = true
			if stored.FollowUpNotes == "" {
				stored.FollowUpNotes = note
			} else {
				stored.FollowUpNotes = stored.FollowUpNotes + "; " + note
			}
			e.pushAction(escalation)
			if e.metrics != nil {
				e.metrics.BridgeRemediationActionTotal.WithLabelValues(Escalate.String(), string(PlaybookGovernanceEscalation)).Inc()
			}
			followups = append(followups, FollowUp{Kind: "escalate", Action: escalation})
			continue
		}

		retryDue := stored.LastDispatchAt != nil && now-*stored.LastDispatchAt >= timing.RetryAfterSecs
		retryWindowOK := stored.LastAutoRetryAt == nil || now-*stored.LastAutoRetryAt >= timing.RetryAfterSecs
		if timing.MaxRetries > 0 && elapsed >= timing.RetryAfterSecs && retryDue && retryWindowOK && stored.AutoRetryCount < timing.MaxRetries {
			stored.AutoRetryCount++
			stored.LastAutoRetryAt = &now
			note := retryNote(stored.AutoRetryCount)
			if stored.FollowUpNotes == "" {
				stored.FollowUpNotes = note
			} else {
				stored.FollowUpNotes = stored.FollowUpNotes + "; " + note
			}
			followups = append(followups, FollowUp{Kind: "retry", Action: *stored})
		}
	}
	return followups
}

func escalationNote(elapsedSecs int64, attempts int) string {
	return fmt.Sprintf("Automated escalation after %ds without closure (%d attempts)", elapsedSecs, attempts)
}

func retryNote(attempt int) string {
	return fmt.Sprintf("Automated retry #%d", attempt)
}

// snapshot is the persisted engine state.
type snapshot struct {
	Entries    []entrySnapshot          `json:"entries"`
	Actions    []Action                 `json:"actions"`
	AckLatency []ackLatencySnapshot     `json:"ack_latency"`
}

type entrySnapshot struct {
	Key          Key     `json:"key"`
	Events       []int64 `json:"events"`
	LastAction   *ActionType `json:"last_action,omitempty"`
	LastActionTS *int64  `json:"last_action_ts,omitempty"`
}

type ackLatencySnapshot struct {
	Playbook    Playbook `json:"playbook"`
	State       AckState `json:"state"`
	LatencySecs []int64  `json:"latency_secs"`
}

// Marshal serializes the full engine snapshot.
func (e *Engine) Marshal() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := snapshot{Actions: append([]Action(nil), e.actions...)}
	for k, v := range e.entries {
		snap.Entries = append(snap.Entries, entrySnapshot{
			Key: k, Events: append([]int64(nil), v.events...),
			LastAction: v.lastAction, LastActionTS: v.lastActionTS,
		})
	}
	for k, v := range e.ackLatency {
		snap.AckLatency = append(snap.AckLatency, ackLatencySnapshot{
			Playbook: k.playbook, State: k.state, LatencySecs: append([]int64(nil), v...),
		})
	}
	return json.Marshal(snap)
}

// LoadFrom restores a previously-marshaled snapshot, trimming the action
// ring to MaxActions and replaying every latency observation into the
// histogram to re-establish distribution metrics.
func (e *Engine) LoadFrom(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries = make(map[Key]*entry, len(snap.Entries))
	for _, es := range snap.Entries {
		e.entries[es.Key] = &entry{events: es.Events, lastAction: es.LastAction, lastActionTS: es.LastActionTS}
	}

	e.actions = snap.Actions
	if len(e.actions) > e.cfg.MaxActions {
		e.actions = e.actions[len(e.actions)-e.cfg.MaxActions:]
	}

	e.ackLatency = make(map[ackLatencyKey][]int64, len(snap.AckLatency))
	for _, as := range snap.AckLatency {
		k := ackLatencyKey{playbook: as.Playbook, state: as.State}
		e.ackLatency[k] = as.LatencySecs
		if e.metrics != nil {
			for _, latency := range as.LatencySecs {
				e.metrics.BridgeRemediationAckLatency.WithLabelValues(string(as.Playbook), string(as.State)).Observe(float64(latency))
			}
		}
	}
	return nil
}
