package remediation

import (
	"testing"

	"github.com/octoreflex/aggregator/internal/bridgeanomaly"
	"github.com/octoreflex/aggregator/internal/config"
	"go.uber.org/zap"
)

func testCfg() config.RemediationConfig {
	return config.RemediationConfig{
		WindowSecs:       3600,
		MaxActions:       100,
		PageCooldownSecs: 60,
		EscalateCount:    10,
		EscalateDelta:    1000,
		EscalateRatio:    10,
		QuarantineCount:  5,
		QuarantineDelta:  500,
		QuarantineRatio:  5,
		ThrottleCount:    3,
		ThrottleDelta:    100,
		ThrottleRatio:    2,
		PageDelta:        10,
		PageRatio:        1,
		AckPolicy: config.AckPolicyConfig{
			None:                 config.AckTiming{RetryAfterSecs: 60, EscalateAfterSecs: 300, MaxRetries: 3},
			IncentiveThrottle:    config.AckTiming{RetryAfterSecs: 60, EscalateAfterSecs: 300, MaxRetries: 3},
			GovernanceEscalation: config.AckTiming{RetryAfterSecs: 60, EscalateAfterSecs: 300, MaxRetries: 3},
		},
	}
}

func testEvent(delta float64, ts int64) bridgeanomaly.Event {
	return bridgeanomaly.Event{
		Metric: "m", Peer: "peer1", Labels: map[string]string{"asset": "x"},
		Delta: delta, Mean: 1, Stddev: 1, Threshold: 5, TS: ts,
	}
}

func TestIngestIgnoresUnlabeledEvent(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	ev := testEvent(50, 1)
	ev.Labels = nil
	if a := e.Ingest(ev); a != nil {
		t.Fatalf("expected nil action for unlabeled event, got %+v", a)
	}
}

func TestIngestSelectsPageTier(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	ev := testEvent(15, 1)
	ev.Threshold = 20 // ratio 0.75: only the page_delta leg matches
	a := e.Ingest(ev)
	if a == nil {
		t.Fatal("expected an action")
	}
	if a.Action != Page {
		t.Errorf("expected Page tier, got %v", a.Action)
	}
}

func TestIngestSelectsHighestMatchingTier(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	a := e.Ingest(testEvent(2000, 1))
	if a == nil || a.Action != Escalate {
		t.Fatalf("expected Escalate tier, got %+v", a)
	}
}

func TestIngestLadderMonotonicityDedupesLowerTier(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	first := e.Ingest(testEvent(2000, 1)) // Escalate
	if first == nil {
		t.Fatal("expected first action")
	}
	second := e.Ingest(testEvent(15, 2)) // would be Throttle (ratio 3), lower than Escalate
	if second != nil {
		t.Fatalf("expected lower tier to be suppressed, got %+v", second)
	}
}

func TestIngestSameTierCooldown(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	first := e.Ingest(testEvent(15, 1))
	if first == nil {
		t.Fatal("expected first action")
	}
	second := e.Ingest(testEvent(15, 2)) // same tier, within cooldown
	if second != nil {
		t.Fatalf("expected same-tier repeat within cooldown to be suppressed, got %+v", second)
	}
	third := e.Ingest(testEvent(15, 100)) // past cooldown
	if third == nil {
		t.Fatal("expected a repeat action once cooldown elapses")
	}
}

func TestRecordDispatchAttemptTracksPendingAndAck(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	action := e.Ingest(testEvent(15, 1))
	if action == nil {
		t.Fatal("expected action")
	}

	update := e.RecordDispatchAttempt(*action, nil, 10, "success")
	if update == nil {
		t.Fatal("expected dispatch update")
	}
	if update.Action.DispatchAttempts != 1 {
		t.Errorf("expected 1 dispatch attempt, got %d", update.Action.DispatchAttempts)
	}
	if update.Action.PendingSince == nil {
		t.Fatal("expected pending_since to be set")
	}

	ack := &AckRecord{State: AckAcknowledged, Acknowledged: true, Timestamp: 20}
	update2 := e.RecordDispatchAttempt(*action, ack, 20, "success")
	if update2 == nil {
		t.Fatal("expected second dispatch update")
	}
	if update2.Action.AcknowledgedAt == nil {
		t.Error("expected acknowledged_at to be set")
	}
	if update2.Action.PendingSince != nil {
		t.Error("expected pending_since cleared on acknowledgement")
	}
	if update2.AckSample == nil {
		t.Fatal("expected an ack latency sample")
	}
}

func TestRecordDispatchAttemptNoMatchReturnsNil(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	unrelated := Action{Peer: "ghost", Metric: "m", Timestamp: 999}
	if u := e.RecordDispatchAttempt(unrelated, nil, 1, "success"); u != nil {
		t.Fatalf("expected nil for unmatched action, got %+v", u)
	}
}

func TestPendingFollowUpsEscalatesAfterTimeout(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	action := e.Ingest(testEvent(15, 1))
	e.RecordDispatchAttempt(*action, nil, 1, "success")

	followups := e.PendingFollowUps(1 + 300)
	if len(followups) == 0 {
		t.Fatal("expected an escalation follow-up")
	}
	found := false
	for _, f := range followups {
		if f.Kind == "escalate" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an escalate follow-up, got %+v", followups)
	}
}

func TestPendingFollowUpsSkipsAcknowledgedActions(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	action := e.Ingest(testEvent(15, 1))
	e.RecordDispatchAttempt(*action, nil, 1, "success")
	ack := &AckRecord{State: AckAcknowledged, Acknowledged: true, Timestamp: 2}
	e.RecordDispatchAttempt(*action, ack, 2, "success")

	followups := e.PendingFollowUps(1000)
	if len(followups) != 0 {
		t.Errorf("expected no follow-ups for acknowledged action, got %+v", followups)
	}
}

func TestMarshalLoadFromRoundTrip(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	action := e.Ingest(testEvent(15, 1))
	e.RecordDispatchAttempt(*action, nil, 1, "success")

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	restored := New(testCfg(), nil, zap.NewNop())
	if err := restored.LoadFrom(data); err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if len(restored.Actions()) != len(e.Actions()) {
		t.Errorf("expected %d restored actions, got %d", len(e.Actions()), len(restored.Actions()))
	}
}

func TestSetConfigSwapsTunables(t *testing.T) {
	e := New(testCfg(), nil, zap.NewNop())
	cfg2 := testCfg()
	cfg2.PageDelta = 999999
	e.SetConfig(cfg2)

	ev := testEvent(15, 1)
	ev.Threshold = 20 // ratio 0.75: pages under testCfg via page_delta only
	a := e.Ingest(ev)
	if a != nil {
		t.Fatalf("expected no action once page_delta threshold is raised, got %+v", a)
	}
}
