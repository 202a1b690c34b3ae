// Package dispatch implements the remediation action fan-out: HTTP and filesystem spool targets, a bounded dispatch log,
// and a per-target circuit breaker protecting the remediation engine
// from a wedged webhook.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/octoreflex/aggregator/internal/config"
	"github.com/octoreflex/aggregator/internal/metrics"
	"github.com/octoreflex/aggregator/internal/remediation"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Status is the outcome of a single dispatch attempt.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusFailed              Status = "status_failed"
	StatusRequestBuildFailed  Status = "request_build_failed"
	StatusPayloadEncodeFailed Status = "payload_encode_failed"
	StatusRequestFailed       Status = "request_failed"
	StatusPersistFailed       Status = "persist_failed"
	StatusJoinFailed          Status = "join_failed"
	StatusSkipped             Status = "skipped"
)

// Target is one configured delivery destination for an action tier.
type Target struct {
	Kind string // "http" or "spool"
	URL  string
	Dir  string
}

// LogEntry is one bounded dispatch-log record.
type LogEntry struct {
	ID         string    `json:"id"`
	Peer       string    `json:"peer"`
	Metric     string    `json:"metric"`
	Action     string    `json:"action"`
	Playbook   string    `json:"playbook"`
	Target     string    `json:"target"`
	Status     Status    `json:"status"`
	DispatchedAt int64   `json:"dispatched_at"`
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Dispatcher fans remediation actions out to their configured targets.
type Dispatcher struct {
	mu  sync.Mutex
	log []LogEntry
	cap int
	seq uint64

	targets map[remediation.ActionType][]Target
	breakers map[string]*gobreaker.CircuitBreaker

	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New builds a Dispatcher from the configured per-tier target lists.
func New(cfg config.DispatchConfig, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cap:        cfg.LogCapacity,
		targets:    make(map[remediation.ActionType][]Target),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metrics:    m,
		logger:     log,
	}

	add := func(tier remediation.ActionType, urls, dirs []string) {
		for _, u := range urls {
			d.targets[tier] = append(d.targets[tier], Target{Kind: "http", URL: u})
			d.breakerFor(u, cfg.CircuitBreakerThreshold)
		}
		for _, dir := range dirs {
			d.targets[tier] = append(d.targets[tier], Target{Kind: "spool", Dir: dir})
		}
	}
	add(remediation.Page, cfg.PageURLs, cfg.PageDirs)
	add(remediation.Throttle, cfg.ThrottleURLs, cfg.ThrottleDirs)
	add(remediation.Quarantine, cfg.QuarantineURLs, cfg.QuarantineDirs)
	add(remediation.Escalate, cfg.EscalateURLs, cfg.EscalateDirs)

	return d
}

func (d *Dispatcher) breakerFor(url string, threshold uint32) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[url]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: url,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	d.breakers[url] = cb
	return cb
}

// Reconfigure swaps the dispatcher's per-tier target lists and log
// capacity in place. Existing circuit breakers for URLs that
// remain configured keep their trip state; breakers for URLs no longer
// referenced are simply left unused.
func (d *Dispatcher) Reconfigure(cfg config.DispatchConfig) {
	targets := make(map[remediation.ActionType][]Target)
	add := func(tier remediation.ActionType, urls, dirs []string) {
		for _, u := range urls {
			targets[tier] = append(targets[tier], Target{Kind: "http", URL: u})
			d.breakerFor(u, cfg.CircuitBreakerThreshold)
		}
		for _, dir := range dirs {
			targets[tier] = append(targets[tier], Target{Kind: "spool", Dir: dir})
		}
	}
	add(remediation.Page, cfg.PageURLs, cfg.PageDirs)
	add(remediation.Throttle, cfg.ThrottleURLs, cfg.ThrottleDirs)
	add(remediation.Quarantine, cfg.QuarantineURLs, cfg.QuarantineDirs)
	add(remediation.Escalate, cfg.EscalateURLs, cfg.EscalateDirs)

	d.mu.Lock()
	d.targets = targets
	d.cap = cfg.LogCapacity
	d.mu.Unlock()
}

// Dispatch sends action to every target configured for its tier,
// recording each attempt into the bounded dispatch log. Returns the
// bodies of every successful HTTP response (for ack parsing by the
// caller) keyed by target URL, and an empty body for every successful
// spool write keyed by target dir.
func (d *Dispatcher) Dispatch(ctx context.Context, action remediation.Action, dispatchedAt int64) map[string][]byte {
	targets := d.targets[action.Action]
	results := make(map[string][]byte)

	if len(targets) == 0 {
		d.appendLog(LogEntry{
			ID: uuid.NewString(), Peer: action.Peer, Metric: action.Metric,
			Action: action.Action.String(), Playbook: string(action.Playbook),
			Target: "", Status: StatusSkipped, DispatchedAt: dispatchedAt,
		})
		if d.metrics != nil {
			d.metrics.BridgeRemediationDispatchTotal.WithLabelValues(action.Action.String(), string(action.Playbook), "", string(StatusSkipped)).Inc()
		}
		return results
	}

	for _, target := range targets {
		switch target.Kind {
		case "http":
			body, status := d.dispatchHTTP(ctx, target.URL, action, dispatchedAt)
			d.record(action, target.URL, status, dispatchedAt)
			if status == StatusSuccess {
				results[target.URL] = body
			}
		case "spool":
			status := d.dispatchSpool(target.Dir, action, dispatchedAt)
			d.record(action, target.Dir, status, dispatchedAt)
			if status == StatusSuccess {
				results[target.Dir] = nil
			}
		}
	}
	return results
}

func (d *Dispatcher) dispatchHTTP(ctx context.Context, url string, action remediation.Action, dispatchedAt int64) ([]byte, Status) {
	payload := struct {
		remediation.Action
		DispatchedAt int64 `json:"dispatched_at"`
	}{Action: action, DispatchedAt: dispatchedAt}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, StatusPayloadEncodeFailed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, StatusRequestBuildFailed
	}
	req.Header.Set("Content-Type", "application/json")

	cb := d.breakerFor(url, 5)
	result, err := cb.Execute(func() (any, error) {
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return respBody, fmt.Errorf("status %d", resp.StatusCode)
		}
		return respBody, nil
	})
	if err != nil {
		if result != nil {
			return nil, StatusFailed
		}
		return nil, StatusRequestFailed
	}
	respBody, _ := result.([]byte)
	return respBody, StatusSuccess
}

func (d *Dispatcher) dispatchSpool(dir string, action remediation.Action, dispatchedAt int64) Status {
	payload := struct {
		remediation.Action
		DispatchedAt int64 `json:"dispatched_at"`
	}{Action: action, DispatchedAt: dispatchedAt}

	body, err := json.Marshal(payload)
	if err != nil {
		return StatusPayloadEncodeFailed
	}

	seq := atomicSeq(d)
	name := fmt.Sprintf("%d_%d_%s_%s_%s.json", dispatchedAt, seq,
		sanitize(action.Peer), sanitize(action.Metric), sanitize(action.Action.String()))
	path := filepath.Join(dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return StatusPersistFailed
	}
	if err := os.Rename(tmp, path); err != nil {
		return StatusJoinFailed
	}
	return StatusSuccess
}

func sanitize(s string) string {
	return nonAlnum.ReplaceAllString(s, "_")
}

func atomicSeq(d *Dispatcher) uint64 {
	d.mu.Lock()
	d.seq++
	v := d.seq
	d.mu.Unlock()
	return v
}

func (d *Dispatcher) record(action remediation.Action, target string, status Status, dispatchedAt int64) {
	d.appendLog(LogEntry{
		ID: uuid.NewString(), Peer: action.Peer, Metric: action.Metric,
		Action: action.Action.String(), Playbook: string(action.Playbook),
		Target: target, Status: status, DispatchedAt: dispatchedAt,
	})
	if d.metrics != nil {
		d.metrics.BridgeRemediationDispatchTotal.WithLabelValues(action.Action.String(), string(action.Playbook), target, string(status)).Inc()
	}
}

func (d *Dispatcher) appendLog(e LogEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, e)
	if len(d.log) > d.cap {
		d.log = d.log[len(d.log)-d.cap:]
	}
}

// Log returns a snapshot copy of the dispatch log.
func (d *Dispatcher) Log() []LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LogEntry, len(d.log))
	copy(out, d.log)
	return out
}

// RecordAck records a received acknowledgement metric sample against a
// target.
func (d *Dispatcher) RecordAck(action remediation.Action, target string, state remediation.AckState) {
	if d.metrics != nil {
		d.metrics.BridgeRemediationDispatchAckTotal.WithLabelValues(action.Action.String(), string(action.Playbook), target, string(state)).Inc()
	}
}
