// Package aggregator wires the independently-testable subsystems
// (ingest, tlswarning, bridgeanomaly, remediation, dispatch, export,
// treasury, correlation) into a single process-wide state value, and
// owns the periodic tick.
package aggregator

import (
	"context"
	"time"

	"github.com/octoreflex/aggregator/internal/bridgeanomaly"
	"github.com/octoreflex/aggregator/internal/config"
	"github.com/octoreflex/aggregator/internal/correlation"
	"github.com/octoreflex/aggregator/internal/dispatch"
	"github.com/octoreflex/aggregator/internal/export"
	"github.com/octoreflex/aggregator/internal/ingest"
	"github.com/octoreflex/aggregator/internal/metrics"
	"github.com/octoreflex/aggregator/internal/model"
	"github.com/octoreflex/aggregator/internal/remediation"
	"github.com/octoreflex/aggregator/internal/store"
	"github.com/octoreflex/aggregator/internal/tlswarning"
	"github.com/octoreflex/aggregator/internal/treasury"
	"go.uber.org/zap"
)

// State is the single process-wide aggregator value: one
// instance per process, shared by every HTTP handler and the periodic
// tick, each owned table guarded by its own mutex.
type State struct {
	Config config.Config

	DB      *store.DB
	Metrics *metrics.Metrics

	Ingest      *ingest.Processor
	TLS         *tlswarning.Table
	Anomaly     *bridgeanomaly.Detector
	Remediation *remediation.Engine
	Dispatch    *dispatch.Dispatcher
	Correlation *correlation.Table
	Treasury    treasury.Source
	Exporter    *export.Exporter

	Auth *ingest.Authenticator

	log *zap.Logger
}

// New constructs a State from cfg, loading persisted snapshots from db
// if non-nil.
func New(ctx context.Context, cfg config.Config, db *store.DB, log *zap.Logger) (*State, error) {
	m := metrics.New()

	tls := tlswarning.New(cfg.TLS.RetentionSecs, m, log)
	anomalyCfg := bridgeanomaly.Config{
		WindowSize: cfg.BridgeAnomaly.WindowSize, BaselineMin: cfg.BridgeAnomaly.BaselineMin,
		MinStddev: cfg.BridgeAnomaly.MinStddev, StdMultiplier: cfg.BridgeAnomaly.StdMultiplier,
		MinDelta: cfg.BridgeAnomaly.MinDelta, CooldownSecs: cfg.BridgeAnomaly.CooldownSecs,
		MaxEvents: cfg.BridgeAnomaly.MaxEvents,
	}
	anomaly := bridgeanomaly.New(anomalyCfg, m, log)
	remediationEngine := remediation.New(cfg.Remediation, m, log)
	dispatcher := dispatch.New(cfg.Dispatch, m, log)
	corr := correlation.New(correlation.Config{
		LogAPIURL: cfg.Correlation.LogAPIURL, LogDBPath: cfg.Correlation.LogDBPath, DumpDir: cfg.Correlation.DumpDir,
	}, log)
	treasurySource := treasury.NewFileSource(cfg.Treasury.DBPath, log)

	var uploader export.Uploader
	if cfg.Export.S3Bucket != "" {
		u, err := export.NewS3Uploader(ctx, cfg.Export.S3Bucket)
		if err != nil {
			return nil, err
		}
		uploader = u
	}
	exporter := export.New(cfg.Export.MaxPeers, uploader)

	auth, err := ingest.NewAuthenticator(cfg.Ingest.AuthToken, cfg.Ingest.AuthTokenFile, log)
	if err != nil {
		return nil, err
	}

	s := &State{
		Config: cfg, DB: db, Metrics: m,
		TLS: tls, Anomaly: anomaly, Remediation: remediationEngine,
		Dispatch: dispatcher, Correlation: corr,
		Treasury: treasurySource, Exporter: exporter, Auth: auth, log: log,
	}

	s.Ingest = ingest.New(cfg.Ingest.RetentionSecs, db, tls, anomaly, corr, s.onAnomalyEvent, m, log)

	if db != nil {
		if err := s.Ingest.LoadFromStore(); err != nil {
			return nil, err
		}
		if data, err := db.GetAnomalySnapshot(); err == nil && data != nil {
			if err := anomaly.LoadFrom(data); err != nil && log != nil {
				log.Warn("aggregator: anomaly snapshot decode failed, resetting", zap.Error(err))
			}
		}
		if data, err := db.GetRemediationSnapshot(); err == nil && data != nil {
			if err := remediationEngine.LoadFrom(data); err != nil && log != nil {
				log.Warn("aggregator: remediation snapshot decode failed, resetting", zap.Error(err))
			}
		}
	}

	return s, nil
}

// onAnomalyEvent cascades a fired bridge-anomaly event into the
// remediation engine and, if an action was emitted, the dispatch
// fan-out.
func (s *State) onAnomalyEvent(ev bridgeanomaly.Event) {
	action := s.Remediation.Ingest(ev)
	if action == nil {
		return
	}
	s.dispatchAndRecord(*action, ev.TS)
}

// dispatchAndRecord fans an action out to every configured target for
// its tier, then folds the outcome back into the remediation engine: at
// most one acknowledgement per dispatch attempt. Results are held in a
// map, so when several targets return a parseable ack body, which one
// is used is not defined.
func (s *State) dispatchAndRecord(action remediation.Action, now int64) {
	results := s.Dispatch.Dispatch(context.Background(), action, now)

	status := string(dispatch.StatusSkipped)
	if len(results) > 0 {
		status = string(dispatch.StatusSuccess)
	}

	var ack *remediation.AckRecord
	var ackTarget string
	for target, body := range results {
		if parsed := remediation.ParseDispatchAcknowledgement(body, now); parsed != nil {
			ack = parsed
			ackTarget = target
			break
		}
	}

	s.Remediation.RecordDispatchAttempt(action, ack, now, status)
	if ack != nil {
		s.Dispatch.RecordAck(action, ackTarget, ack.State)
	}
}

// Tick runs the periodic background task: prune + poll_bridge_followups
// + refresh_treasury_metrics.
func (s *State) Tick(now int64) {
	s.Ingest.Prune(now)

	for _, fu := range s.Remediation.PendingFollowUps(now) {
		s.dispatchAndRecord(fu.Action, now)
	}

	if s.Treasury != nil {
		if err := s.Treasury.Refresh(); err != nil && s.log != nil {
			s.log.Warn("aggregator: treasury refresh failed", zap.Error(err))
		}
	}

	s.persistSnapshots()
}

func (s *State) persistSnapshots() {
	if s.DB == nil {
		return
	}
	if data, err := s.Anomaly.Marshal(); err == nil {
		if err := s.DB.PutAnomalySnapshot(data); err != nil && s.log != nil {
			s.log.Warn("aggregator: persist anomaly snapshot failed", zap.Error(err))
		}
	}
	if data, err := s.Remediation.Marshal(); err == nil {
		if err := s.DB.PutRemediationSnapshot(data); err != nil && s.log != nil {
			s.log.Warn("aggregator: persist remediation snapshot failed", zap.Error(err))
		}
	}
}

// RunTicker starts the periodic tick goroutine, blocking until ctx is
// cancelled.
func (s *State) RunTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Tick(t.Unix())
		}
	}
}

// IngestBatch is the /ingest entry point used by internal/httpapi.
func (s *State) IngestBatch(stats []model.PeerStat, now int64) error {
	return s.Ingest.IngestBatch(stats, now)
}

// Reload applies a hot-reloaded config in place (SIGHUP). Only
// non-destructive fields take effect: remediation thresholds and ack
// policy, and dispatch targets and log capacity. The log level, the
// anomaly detector tunables, retention, storage paths and bind addresses
// are not re-applied; they keep their startup values in the running
// subsystems even though Config itself is swapped wholesale.
func (s *State) Reload(cfg config.Config) error {
	s.Remediation.SetConfig(cfg.Remediation)
	s.Dispatch.Reconfigure(cfg.Dispatch)
	s.Config = cfg
	return nil
}

// Close releases every resource owned by the state value.
func (s *State) Close() error {
	if s.Auth != nil {
		_ = s.Auth.Close()
	}
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
