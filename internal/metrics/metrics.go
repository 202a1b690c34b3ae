// Package metrics defines the Prometheus surface exposed on /metrics.
//
// Endpoint: GET /metrics, served alongside GET /healthz on a dedicated
// bind address.
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// All metrics are registered on a dedicated prometheus.Registry, not the
// default global registry, so a second instrumented library in the same
// process cannot collide with these names.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every metric descriptor registered by the aggregator.
type Metrics struct {
	registry *prometheus.Registry

	IngestTotal               prometheus.Counter
	BulkExportTotal           prometheus.Counter
	RetentionPrunedTotal      prometheus.Counter
	TelemetryIngestTotal      prometheus.Counter
	TelemetrySchemaErrorTotal prometheus.Counter

	TLSWarningTotal                *prometheus.CounterVec
	TLSWarningEventsTotal          *prometheus.CounterVec
	TLSWarningDetailFPTotal        *prometheus.CounterVec
	TLSWarningVariablesFPTotal     *prometheus.CounterVec
	TLSWarningLastSeenSeconds      *prometheus.GaugeVec
	TLSWarningRetentionSeconds     prometheus.Gauge
	TLSWarningActiveSnapshots      prometheus.Gauge
	TLSWarningStaleSnapshots       prometheus.Gauge
	TLSWarningMostRecentLastSeen   prometheus.Gauge
	TLSWarningLeastRecentLastSeen  prometheus.Gauge
	TLSWarningDetailFP             *prometheus.GaugeVec
	TLSWarningVariablesFP          *prometheus.GaugeVec
	TLSWarningDetailUniqueFP       *prometheus.GaugeVec
	TLSWarningVariablesUniqueFP    *prometheus.GaugeVec

	BridgeAnomalyTotal prometheus.Counter

	BridgeRemediationActionTotal      *prometheus.CounterVec
	BridgeRemediationDispatchTotal    *prometheus.CounterVec
	BridgeRemediationDispatchAckTotal *prometheus.CounterVec
	BridgeRemediationAckTargetSeconds *prometheus.GaugeVec
	BridgeRemediationAckLatency       *prometheus.HistogramVec

	ClusterPeerActiveTotal     prometheus.Gauge
	ReplicationLagSeconds      prometheus.Gauge
	RuntimePendingTasks        prometheus.Gauge
	RuntimeSpawnLatencySeconds prometheus.Histogram

	BridgeMetricDelta *prometheus.GaugeVec
	BridgeMetricRate  *prometheus.GaugeVec
}

// AckLatencyBuckets are the histogram buckets for ack latency observations.
var AckLatencyBuckets = []float64{30, 60, 120, 300, 600, 900, 1800, 3600, 7200}

// New creates and registers every metric on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		IngestTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_ingest_total", Help: "Total ingest batches accepted.",
		}),
		BulkExportTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulk_export_total", Help: "Total /export/all requests served.",
		}),
		RetentionPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_retention_pruned_total", Help: "Total history entries pruned by retention sweeps.",
		}),
		TelemetryIngestTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_telemetry_ingest_total", Help: "Total individual peer-stat samples ingested.",
		}),
		TelemetrySchemaErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_telemetry_schema_error_total", Help: "Total malformed telemetry samples dropped.",
		}),

		TLSWarningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tls_env_warning_total", Help: "Cumulative TLS warning counter value, by prefix/code.",
		}, []string{"prefix", "code"}),
		TLSWarningEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tls_env_warning_events_total", Help: "Total TLS warning delta events, by prefix/code/origin.",
		}, []string{"prefix", "code", "origin"}),
		TLSWarningDetailFPTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tls_env_warning_detail_fingerprint_total", Help: "TLS warning detail-fingerprint bucket occurrences.",
		}, []string{"prefix", "code", "fingerprint"}),
		TLSWarningVariablesFPTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tls_env_warning_variables_fingerprint_total", Help: "TLS warning variables-fingerprint bucket occurrences.",
		}, []string{"prefix", "code", "fingerprint"}),
		TLSWarningLastSeenSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tls_env_warning_last_seen_seconds", Help: "Unix seconds of the last observation, by prefix/code.",
		}, []string{"prefix", "code"}),
		TLSWarningRetentionSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tls_env_warning_retention_seconds", Help: "Configured TLS warning snapshot retention window.",
		}),
		TLSWarningActiveSnapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tls_env_warning_active_snapshots", Help: "Count of TLS warning snapshots currently held, stale ones included.",
		}),
		TLSWarningStaleSnapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tls_env_warning_stale_snapshots", Help: "Count of held TLS warning snapshots older than the retention window and not yet swept.",
		}),
		TLSWarningMostRecentLastSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tls_env_warning_most_recent_last_seen_seconds", Help: "Maximum last_seen_secs across all snapshots.",
		}),
		TLSWarningLeastRecentLastSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tls_env_warning_least_recent_last_seen_seconds", Help: "Minimum last_seen_secs across all snapshots.",
		}),
		TLSWarningDetailFP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tls_env_warning_detail_fingerprint", Help: "Most recent detail fingerprint observed, by prefix/code.",
		}, []string{"prefix", "code"}),
		TLSWarningVariablesFP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tls_env_warning_variables_fingerprint", Help: "Most recent variables fingerprint observed, by prefix/code.",
		}, []string{"prefix", "code"}),
		TLSWarningDetailUniqueFP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tls_env_warning_detail_unique_fingerprints", Help: "Unique detail fingerprint buckets observed, by prefix/code.",
		}, []string{"prefix", "code"}),
		TLSWarningVariablesUniqueFP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tls_env_warning_variables_unique_fingerprints", Help: "Unique variables fingerprint buckets observed, by prefix/code.",
		}, []string{"prefix", "code"}),

		BridgeAnomalyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_anomaly_total", Help: "Total bridge anomaly events emitted.",
		}),

		BridgeRemediationActionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_remediation_action_total", Help: "Total remediation actions emitted, by action/playbook.",
		}, []string{"action", "playbook"}),
		BridgeRemediationDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_remediation_dispatch_total", Help: "Total dispatch attempts, by action/playbook/target/status.",
		}, []string{"action", "playbook", "target", "status"}),
		BridgeRemediationDispatchAckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_remediation_dispatch_ack_total", Help: "Total acknowledgements received, by action/playbook/target/state.",
		}, []string{"action", "playbook", "target", "state"}),
		BridgeRemediationAckTargetSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_remediation_ack_target_seconds", Help: "Configured ack retry/escalate targets, by playbook/phase.",
		}, []string{"playbook", "phase"}),
		BridgeRemediationAckLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "bridge_remediation_ack_latency_seconds", Help: "Observed ack latency, by playbook/state.", Buckets: AckLatencyBuckets,
		}, []string{"playbook", "state"}),

		ClusterPeerActiveTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_peer_active_total", Help: "Current count of peers with retained history.",
		}),
		ReplicationLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_replication_lag_seconds", Help: "Replication lag in seconds (0 in single-writer mode).",
		}),
		RuntimePendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_pending_tasks", Help: "Outstanding background dispatch/export tasks.",
		}),
		RuntimeSpawnLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "runtime_spawn_latency_seconds", Help: "Latency between a background task's scheduling and start.", Buckets: prometheus.DefBuckets,
		}),

		BridgeMetricDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_metric_delta", Help: "Most recent observed delta, by metric/peer/labels.",
		}, []string{"metric", "peer", "labels"}),
		BridgeMetricRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_metric_rate_per_second", Help: "Most recent observed rate, by metric/peer/labels.",
		}, []string{"metric", "peer", "labels"}),
	}

	reg.MustRegister(
		m.IngestTotal, m.BulkExportTotal, m.RetentionPrunedTotal,
		m.TelemetryIngestTotal, m.TelemetrySchemaErrorTotal,
		m.TLSWarningTotal, m.TLSWarningEventsTotal, m.TLSWarningDetailFPTotal, m.TLSWarningVariablesFPTotal,
		m.TLSWarningLastSeenSeconds, m.TLSWarningRetentionSeconds, m.TLSWarningActiveSnapshots,
		m.TLSWarningStaleSnapshots, m.TLSWarningMostRecentLastSeen, m.TLSWarningLeastRecentLastSeen,
		m.TLSWarningDetailFP, m.TLSWarningVariablesFP, m.TLSWarningDetailUniqueFP, m.TLSWarningVariablesUniqueFP,
		m.BridgeAnomalyTotal,
		m.BridgeRemediationActionTotal, m.BridgeRemediationDispatchTotal, m.BridgeRemediationDispatchAckTotal,
		m.BridgeRemediationAckTargetSeconds, m.BridgeRemediationAckLatency,
		m.ClusterPeerActiveTotal, m.ReplicationLagSeconds, m.RuntimePendingTasks, m.RuntimeSpawnLatencySeconds,
		m.BridgeMetricDelta, m.BridgeMetricRate,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry. internal/httpapi serves
// metrics through Handler, not through this accessor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Serve starts a standalone metrics+healthz server on addr. Blocks until
// ctx is cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
