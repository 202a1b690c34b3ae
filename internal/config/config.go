// Package config provides configuration loading, validation, and
// hot-reload for the aggregator.
//
// Configuration file: /etc/aggregator/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The process listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (remediation thresholds, ack
//     policy, dispatch targets and dispatch log capacity).
//   - Every other change (log level, anomaly tunables, retention, DB path,
//     bind address) takes effect only after a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (retention, thresholds, bucket caps).
//   - Invalid config on startup: the process refuses to start (fatal).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the aggregator.
// All fields have defaults; see Defaults() for values.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	Ingest        IngestConfig        `yaml:"ingest"`
	TLS           TLSConfig           `yaml:"tls"`
	BridgeAnomaly BridgeAnomalyConfig `yaml:"bridge_anomaly"`
	Remediation   RemediationConfig   `yaml:"remediation"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Observability ObservabilityConfig `yaml:"observability"`
	Export        ExportConfig        `yaml:"export"`
	Storage       StorageConfig       `yaml:"storage"`
	Treasury      TreasuryConfig      `yaml:"treasury"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
}

// IngestConfig configures the /ingest auth and bookkeeping.
type IngestConfig struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// AuthToken is the shared bearer token, read directly from config.
	// Mutually exclusive in practice with AuthTokenFile (file wins if set).
	AuthToken string `yaml:"auth_token"`

	// AuthTokenFile, if set, is watched for changes (fsnotify) and takes
	// precedence over AuthToken.
	AuthTokenFile string `yaml:"auth_token_file"`

	// RetentionSecs bounds how long a peer history entry is kept.
	RetentionSecs int64 `yaml:"retention_secs"`

	// CleanupIntervalSecs drives the periodic tick
	// (prune + poll_bridge_followups + refresh_treasury_metrics).
	CleanupIntervalSecs int64 `yaml:"cleanup_interval_secs"`

	// WALPath, if set, appends every ingested batch as newline-delimited
	// JSON. Empty disables the WAL.
	WALPath string `yaml:"wal_path"`
}

// TLSConfig configures TLS-warning snapshot retention.
type TLSConfig struct {
	// RetentionSecs is the snapshot sweep age. Default 7 days.
	RetentionSecs int64 `yaml:"retention_secs"`
}

// BridgeAnomalyConfig configures the z-score detector thresholds.
type BridgeAnomalyConfig struct {
	WindowSize      int     `yaml:"window_size"`
	BaselineMin     int     `yaml:"baseline_min"`
	MinStddev       float64 `yaml:"min_stddev"`
	StdMultiplier   float64 `yaml:"std_multiplier"`
	MinDelta        float64 `yaml:"min_delta"`
	CooldownSecs    int64   `yaml:"cooldown_secs"`
	MaxEvents       int     `yaml:"max_events"`
}

// RemediationConfig configures the action ladder and ack policy.
type RemediationConfig struct {
	WindowSecs  int64 `yaml:"window_secs"`
	MaxActions  int   `yaml:"max_actions"`
	PageCooldownSecs int64 `yaml:"page_cooldown_secs"`

	EscalateCount int     `yaml:"escalate_count"`
	EscalateDelta float64 `yaml:"escalate_delta"`
	EscalateRatio float64 `yaml:"escalate_ratio"`

	QuarantineCount int     `yaml:"quarantine_count"`
	QuarantineDelta float64 `yaml:"quarantine_delta"`
	QuarantineRatio float64 `yaml:"quarantine_ratio"`

	ThrottleCount int     `yaml:"throttle_count"`
	ThrottleDelta float64 `yaml:"throttle_delta"`
	ThrottleRatio float64 `yaml:"throttle_ratio"`

	PageDelta float64 `yaml:"page_delta"`
	PageRatio float64 `yaml:"page_ratio"`

	AckPolicy AckPolicyConfig `yaml:"ack_policy"`
}

// AckTiming is the retry/escalate timing for one playbook.
type AckTiming struct {
	RetryAfterSecs    int64 `yaml:"retry_after_secs"`
	EscalateAfterSecs int64 `yaml:"escalate_after_secs"`
	MaxRetries        int   `yaml:"max_retries"`
}

// AckPolicyConfig holds per-playbook ack retry/escalation timing,
// overridable via TB_REMEDIATION_ACK_RETRY_SECS / _ESCALATE_SECS /
// _MAX_RETRIES with _NONE / _INCENTIVE_THROTTLE / _GOVERNANCE_ESCALATION
// suffixes.
type AckPolicyConfig struct {
	None                 AckTiming `yaml:"none"`
	IncentiveThrottle    AckTiming `yaml:"incentive_throttle"`
	GovernanceEscalation AckTiming `yaml:"governance_escalation"`
}

// DispatchConfig holds dispatch target lists per action tier and dispatch
// log bounds.
type DispatchConfig struct {
	PageURLs       []string `yaml:"page_urls"`
	PageDirs       []string `yaml:"page_dirs"`
	ThrottleURLs   []string `yaml:"throttle_urls"`
	ThrottleDirs   []string `yaml:"throttle_dirs"`
	QuarantineURLs []string `yaml:"quarantine_urls"`
	QuarantineDirs []string `yaml:"quarantine_dirs"`
	EscalateURLs   []string `yaml:"escalate_urls"`
	EscalateDirs   []string `yaml:"escalate_dirs"`

	LogCapacity int `yaml:"log_capacity"`

	// CircuitBreakerThreshold is the consecutive-failure count that trips
	// the per-target breaker.
	CircuitBreakerThreshold uint32 `yaml:"circuit_breaker_threshold"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ExportConfig holds /export/all parameters.
type ExportConfig struct {
	MaxPeers     int    `yaml:"max_peers"`
	S3Bucket     string `yaml:"s3_bucket"`
	ArchivePath  string `yaml:"archive_path"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// TreasuryConfig configures the treasury refresh collaborator.
type TreasuryConfig struct {
	DBPath string `yaml:"db_path"`
}

// CorrelationConfig configures the log-dump side channel.
type CorrelationConfig struct {
	LogAPIURL string `yaml:"log_api_url"`
	LogDBPath string `yaml:"log_db_path"`
	DumpDir   string `yaml:"dump_dir"`
}

// Defaults returns a Config populated with every documented default,
// plus the ambient defaults this configuration layer adds on top.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Ingest: IngestConfig{
			ListenAddr:          "0.0.0.0:8080",
			RetentionSecs:       7 * 24 * 3600,
			CleanupIntervalSecs: 60,
		},
		TLS: TLSConfig{
			RetentionSecs: 7 * 24 * 3600,
		},
		BridgeAnomaly: BridgeAnomalyConfig{
			WindowSize:    24,
			BaselineMin:   6,
			MinStddev:     1,
			StdMultiplier: 4,
			MinDelta:      5,
			CooldownSecs:  900,
			MaxEvents:     200,
		},
		Remediation: RemediationConfig{
			WindowSecs:       30 * 60,
			MaxActions:       200,
			PageCooldownSecs: 900,

			EscalateCount: 5,
			EscalateDelta: 80,
			EscalateRatio: 4,

			QuarantineCount: 3,
			QuarantineDelta: 25,
			QuarantineRatio: 2,

			ThrottleCount: 2,
			ThrottleDelta: 15,
			ThrottleRatio: 1.5,

			PageDelta: 5,
			PageRatio: 1,

			AckPolicy: AckPolicyConfig{
				None:                 AckTiming{RetryAfterSecs: 300, EscalateAfterSecs: 900, MaxRetries: 3},
				IncentiveThrottle:    AckTiming{RetryAfterSecs: 300, EscalateAfterSecs: 900, MaxRetries: 3},
				GovernanceEscalation: AckTiming{RetryAfterSecs: 300, EscalateAfterSecs: 900, MaxRetries: 3},
			},
		},
		Dispatch: DispatchConfig{
			LogCapacity:             256,
			CircuitBreakerThreshold: 5,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "0.0.0.0:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Export: ExportConfig{
			MaxPeers: 1000,
		},
		Storage: StorageConfig{
			DBPath: "/var/lib/aggregator/aggregator.db",
		},
	}
}

// Load reads and validates a config file from the given path, then
// applies environment-variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGGREGATOR_CLEANUP_INTERVAL_SECS"); v != "" {
		if n, err := parseInt64(v); err == nil {
			cfg.Ingest.CleanupIntervalSecs = n
		}
	}
	if v := os.Getenv("AGGREGATOR_TREASURY_DB"); v != "" {
		cfg.Treasury.DBPath = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Export.S3Bucket = v
	}
	if v := os.Getenv("TB_LOG_API_URL"); v != "" {
		cfg.Correlation.LogAPIURL = v
	}
	if v := os.Getenv("TB_LOG_DB_PATH"); v != "" {
		cfg.Correlation.LogDBPath = v
	}
	if v := os.Getenv("TB_LOG_DUMP_DIR"); v != "" {
		cfg.Correlation.DumpDir = v
	}
	if v := os.Getenv("TB_METRICS_ARCHIVE"); v != "" {
		cfg.Export.ArchivePath = v
	}

	applyAckPolicyEnv(&cfg.Remediation.AckPolicy.None, "_NONE")
	applyAckPolicyEnv(&cfg.Remediation.AckPolicy.IncentiveThrottle, "_INCENTIVE_THROTTLE")
	applyAckPolicyEnv(&cfg.Remediation.AckPolicy.GovernanceEscalation, "_GOVERNANCE_ESCALATION")

	cfg.Dispatch.PageURLs = splitEnvList("TB_REMEDIATION_PAGE_URLS", cfg.Dispatch.PageURLs)
	cfg.Dispatch.PageDirs = splitEnvList("TB_REMEDIATION_PAGE_DIRS", cfg.Dispatch.PageDirs)
	cfg.Dispatch.ThrottleURLs = splitEnvList("TB_REMEDIATION_THROTTLE_URLS", cfg.Dispatch.ThrottleURLs)
	cfg.Dispatch.ThrottleDirs = splitEnvList("TB_REMEDIATION_THROTTLE_DIRS", cfg.Dispatch.ThrottleDirs)
	cfg.Dispatch.QuarantineURLs = splitEnvList("TB_REMEDIATION_QUARANTINE_URLS", cfg.Dispatch.QuarantineURLs)
	cfg.Dispatch.QuarantineDirs = splitEnvList("TB_REMEDIATION_QUARANTINE_DIRS", cfg.Dispatch.QuarantineDirs)
	cfg.Dispatch.EscalateURLs = splitEnvList("TB_REMEDIATION_ESCALATE_URLS", cfg.Dispatch.EscalateURLs)
	cfg.Dispatch.EscalateDirs = splitEnvList("TB_REMEDIATION_ESCALATE_DIRS", cfg.Dispatch.EscalateDirs)
}

func applyAckPolicyEnv(t *AckTiming, suffix string) {
	if v := os.Getenv("TB_REMEDIATION_ACK_RETRY_SECS" + suffix); v != "" {
		if n, err := parseInt64(v); err == nil {
			t.RetryAfterSecs = n
		}
	}
	if v := os.Getenv("TB_REMEDIATION_ACK_ESCALATE_SECS" + suffix); v != "" {
		if n, err := parseInt64(v); err == nil {
			t.EscalateAfterSecs = n
		}
	}
	if v := os.Getenv("TB_REMEDIATION_ACK_MAX_RETRIES" + suffix); v != "" {
		if n, err := parseInt64(v); err == nil {
			t.MaxRetries = int(n)
		}
	}
	// escalate_after is clamped to be >= retry_after; see spec Open
	// Question (a) — the clamp, not a config-load error, is the chosen
	// behavior.
	if t.EscalateAfterSecs < t.RetryAfterSecs {
		t.EscalateAfterSecs = t.RetryAfterSecs
	}
}

func splitEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var err error

	if cfg.SchemaVersion != "1" {
		err = multierr.Append(err, fmt.Errorf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Ingest.RetentionSecs < 1 {
		err = multierr.Append(err, errors.New("ingest.retention_secs must be >= 1"))
	}
	if cfg.Ingest.CleanupIntervalSecs < 1 {
		err = multierr.Append(err, errors.New("ingest.cleanup_interval_secs must be >= 1"))
	}
	if cfg.TLS.RetentionSecs < 1 {
		err = multierr.Append(err, errors.New("tls.retention_secs must be >= 1"))
	}
	if cfg.BridgeAnomaly.WindowSize < cfg.BridgeAnomaly.BaselineMin {
		err = multierr.Append(err, errors.New("bridge_anomaly.window_size must be >= baseline_min"))
	}
	if cfg.BridgeAnomaly.MinStddev <= 0 {
		err = multierr.Append(err, errors.New("bridge_anomaly.min_stddev must be > 0"))
	}
	if cfg.Remediation.MaxActions < 1 {
		err = multierr.Append(err, errors.New("remediation.max_actions must be >= 1"))
	}
	if cfg.Dispatch.LogCapacity < 1 {
		err = multierr.Append(err, errors.New("dispatch.log_capacity must be >= 1"))
	}
	if cfg.Storage.DBPath == "" {
		err = multierr.Append(err, errors.New("storage.db_path must not be empty"))
	}
	if cfg.Export.MaxPeers < 1 {
		err = multierr.Append(err, errors.New("export.max_peers must be >= 1"))
	}
	checkTiming := func(name string, t AckTiming) {
		if t.RetryAfterSecs < 1 {
			err = multierr.Append(err, fmt.Errorf("remediation.ack_policy.%s.retry_after_secs must be >= 1", name))
		}
		if t.EscalateAfterSecs < t.RetryAfterSecs {
			err = multierr.Append(err, fmt.Errorf("remediation.ack_policy.%s.escalate_after_secs must be >= retry_after_secs", name))
		}
		if t.MaxRetries < 0 {
			err = multierr.Append(err, fmt.Errorf("remediation.ack_policy.%s.max_retries must be >= 0", name))
		}
	}
	checkTiming("none", cfg.Remediation.AckPolicy.None)
	checkTiming("incentive_throttle", cfg.Remediation.AckPolicy.IncentiveThrottle)
	checkTiming("governance_escalation", cfg.Remediation.AckPolicy.GovernanceEscalation)

	return err
}

// CleanupInterval returns the periodic-tick interval as a time.Duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Ingest.CleanupIntervalSecs) * time.Second
}
