package bridgeanomaly

import (
	"encoding/json"
	"testing"

	"github.com/octoreflex/aggregator/internal/model"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		WindowSize:    10,
		BaselineMin:   3,
		MinStddev:     0.5,
		StdMultiplier: 3,
		MinDelta:      1,
		CooldownSecs:  60,
		MaxEvents:     100,
	}
}

func TestObserveFirstSampleSeedsBaseline(t *testing.T) {
	d := New(testConfig(), nil, zap.NewNop())
	ev := d.Observe("peer1", Sample{Metric: "bridge_reward_claims_total", Value: 10}, 1000)
	if ev != nil {
		t.Fatalf("expected no event on first sample, got %+v", ev)
	}
}

func TestObserveCounterResetClearsWindow(t *testing.T) {
	d := New(testConfig(), nil, zap.NewNop())
	d.Observe("peer1", Sample{Metric: "m", Value: 100}, 1000)
	ev := d.Observe("peer1", Sample{Metric: "m", Value: 5}, 1001)
	if ev != nil {
		t.Fatalf("expected no event on counter reset, got %+v", ev)
	}
}

func TestObserveFiresOnLargeDeviation(t *testing.T) {
	d := New(testConfig(), nil, zap.NewNop())
	value := 0.0
	ts := int64(1000)
	// Seed a stable baseline: deltas of 1 each tick.
	d.Observe("peer1", Sample{Metric: "m", Value: value}, ts)
	for i := 0; i < 5; i++ {
		value += 1
		ts += 1
		if ev := d.Observe("peer1", Sample{Metric: "m", Value: value}, ts); ev != nil {
			t.Fatalf("unexpected event during baseline warm-up: %+v", ev)
		}
	}
	// Now a big jump should fire.
	value += 100
	ts += 1
	ev := d.Observe("peer1", Sample{Metric: "m", Value: value}, ts)
	if ev == nil {
		t.Fatal("expected an anomaly event on large deviation")
	}
	if ev.Delta != 100 {
		t.Errorf("expected delta=100, got %v", ev.Delta)
	}
}

func TestObserveCooldownSuppressesRepeat(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownSecs = 1000
	d := New(cfg, nil, zap.NewNop())
	value := 0.0
	ts := int64(0)
	d.Observe("peer1", Sample{Metric: "m", Value: value}, ts)
	for i := 0; i < 5; i++ {
		value += 1
		ts += 1
		d.Observe("peer1", Sample{Metric: "m", Value: value}, ts)
	}
	value += 100
	ts += 1
	first := d.Observe("peer1", Sample{Metric: "m", Value: value}, ts)
	if first == nil {
		t.Fatal("expected first jump to fire")
	}
	value += 100
	ts += 1
	second := d.Observe("peer1", Sample{Metric: "m", Value: value}, ts)
	if second != nil {
		t.Fatalf("expected cooldown to suppress second event, got %+v", second)
	}
}

func TestExtractSamplesSimpleCounter(t *testing.T) {
	tree, _ := model.ParseTree(json.RawMessage(`{"bridge_reward_claims_total":{"value":42}}`))
	samples := ExtractSamples(tree)
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if samples[0].Value != 42 {
		t.Errorf("expected value 42, got %v", samples[0].Value)
	}
}

func TestExtractSamplesWithLabels(t *testing.T) {
	tree, _ := model.ParseTree(json.RawMessage(`{
		"bridge_settlement_results_total": {
			"samples": [
				{"value": 1, "result": "ok"},
				{"value": 2, "result": "fail"}
			]
		}
	}`))
	samples := ExtractSamples(tree)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
}

func TestExtractSamplesIgnoresUnmonitoredMetric(t *testing.T) {
	tree, _ := model.ParseTree(json.RawMessage(`{"not_a_bridge_metric":{"value":5}}`))
	samples := ExtractSamples(tree)
	if len(samples) != 0 {
		t.Fatalf("expected 0 samples for unmonitored metric, got %d", len(samples))
	}
}

func TestMarshalLoadFromRoundTrip(t *testing.T) {
	d := New(testConfig(), nil, zap.NewNop())
	d.Observe("peer1", Sample{Metric: "m", Value: 10}, 1)
	d.Observe("peer1", Sample{Metric: "m", Value: 20}, 2)

	data, err := d.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	restored := New(testConfig(), nil, zap.NewNop())
	if err := restored.LoadFrom(data); err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if len(restored.states) != len(d.states) {
		t.Errorf("expected %d restored states, got %d", len(d.states), len(restored.states))
	}
}

func TestLoadFromEmptyIsNoop(t *testing.T) {
	d := New(testConfig(), nil, zap.NewNop())
	if err := d.LoadFrom(nil); err != nil {
		t.Fatalf("LoadFrom(nil) should not error, got %v", err)
	}
}
