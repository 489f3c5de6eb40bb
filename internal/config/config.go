// Package config loads the control-plane configuration and owns the four
// hot-reloadable tables (routing rules, privacy rules, endpoint catalog,
// policy caps). Everything else requires a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/internal/logging"
)

type Config struct {
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Redact    RedactConfig    `yaml:"redact"`
	Router    RouterConfig    `yaml:"router"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Drawdown  DrawdownConfig  `yaml:"drawdown"`
	Failover  FailoverConfig  `yaml:"failover"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	Dialog    DialogConfig    `yaml:"dialog"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Redis     RedisConfig     `yaml:"redis"`
	Tables    TablesConfig    `yaml:"tables"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig aliases the logging package's own config so the root
// logger can be built straight from the loaded file.
type LoggingConfig = logging.Config

type AuditConfig struct {
	Path     string `yaml:"path"`
	RotateMB int    `yaml:"rotate_mb"`
	MaxFiles int    `yaml:"max_files"`
}

type RedactConfig struct {
	MaxBytes      int    `yaml:"max_bytes"`
	ChunkBytes    int    `yaml:"chunk_bytes"`
	OverlapBytes  int    `yaml:"overlap_bytes"`
	SaltSecretEnv string `yaml:"salt_secret_env"`
}

type SinkFileConfig struct {
	PathTemplate string `yaml:"path_template"`
	RotateMB     int    `yaml:"rotate_mb"`
	MaxFiles     int    `yaml:"max_files"`
}

type SinkRedisConfig struct {
	ListKey string `yaml:"list_key"`
	MaxLen  int64  `yaml:"max_len"`
}

type SinkLPConfig struct {
	PathTemplate string `yaml:"path_template"`
	RotateMB     int    `yaml:"rotate_mb"`
	MaxFiles     int    `yaml:"max_files"`
	Measurement  string `yaml:"measurement"`
}

type RouterConfig struct {
	MaxBatch          int     `yaml:"max_batch"`
	MaxWaitMs         int64   `yaml:"max_wait_ms"`
	InFlightThreshold int64   `yaml:"in_flight_threshold"`
	RecoverStepPct    float64 `yaml:"recover_step_pct"`
	RecoverAfterSec   int     `yaml:"recover_after_sec"`
	SpoolDir          string  `yaml:"spool_dir"`
	RetryQueueLen     int     `yaml:"retry_queue_len"`
	RetryBackoffMs    int64   `yaml:"retry_backoff_ms"`
	RetryMax          int     `yaml:"retry_max"`

	DefaultSamplePct map[string]float64 `yaml:"default_sample_pct"`

	FileSink  SinkFileConfig  `yaml:"file_sink"`
	LPSink    SinkLPConfig    `yaml:"lp_sink"`
	RedisSink SinkRedisConfig `yaml:"redis_sink"`
}

type WindowConfig struct {
	Span string `yaml:"span"`
	Step string `yaml:"step"`
}

type SLOConfig struct {
	Series     string `yaml:"series"`
	BurnSeries string `yaml:"burn_series"`
}

type TelemetryConfig struct {
	Windows          []WindowConfig `yaml:"windows"`
	MinPoints        int            `yaml:"min_points"`
	ZHi              float64        `yaml:"z_hi"`
	ZWarn            float64        `yaml:"z_warn"`
	EwmaAlpha        float64        `yaml:"ewma_alpha"`
	FlatlineStaleSec int            `yaml:"flatline_stale_sec"`
	GapStaleSec      int            `yaml:"gap_stale_sec"`
	SLOs             []SLOConfig    `yaml:"slos"`
}

type DrawdownConfig struct {
	LookbackDays          int     `yaml:"lookback_days"`
	WarnPct               float64 `yaml:"warn_pct"`
	ErrorPct              float64 `yaml:"error_pct"`
	EmergencyPct          float64 `yaml:"emergency_pct"`
	RecoveryBufferPct     float64 `yaml:"recovery_buffer_pct"`
	CoolOffWarnHours      int     `yaml:"cool_off_warn_hours"`
	CoolOffErrorHours     int     `yaml:"cool_off_error_hours"`
	CoolOffEmergencyHours int     `yaml:"cool_off_emergency_hours"`
}

type BrownoutConfig struct {
	Enabled    bool    `yaml:"enabled"`
	MaxStepPct float64 `yaml:"max_step_pct"`
	StepSec    int     `yaml:"step_sec"`
}

type FailoverConfig struct {
	ProbeIntervalMs int64          `yaml:"probe_interval_ms"`
	ProbeJitterMs   int64          `yaml:"probe_jitter_ms"`
	ProbeTimeoutMs  int64          `yaml:"probe_timeout_ms"`
	UnhealthyAfter  int            `yaml:"unhealthy_after"`
	ThetaUnhealthy  float64        `yaml:"theta_unhealthy"`
	MinDwellSec     int            `yaml:"min_dwell_sec"`
	CanaryMs        int64          `yaml:"canary_ms"`
	StableRevertMin int            `yaml:"stable_revert_min"`
	Brownout        BrownoutConfig `yaml:"brownout"`
}

type SessionWindowConfig struct {
	Name   string  `yaml:"name"`
	Start  string  `yaml:"start"`
	End    string  `yaml:"end"`
	Weight float64 `yaml:"weight"`
}

type PacingConfig struct {
	Windows             []SessionWindowConfig `yaml:"windows"`
	BaseMaxNewPositions int                   `yaml:"base_max_new_positions"`
	BaseChildPerMin     int                   `yaml:"base_child_per_min"`
	BaseRiskBudgetUsd   float64               `yaml:"base_risk_budget_usd"`
	InputStaleSec       int                   `yaml:"input_stale_sec"`
}

type BalancerConfig struct {
	ExposureStaleSec int `yaml:"exposure_stale_sec"`
	PolicyStaleSec   int `yaml:"policy_stale_sec"`
	DeferSec         int `yaml:"defer_sec"`
}

type AllocatorConfig struct {
	ThresholdUsd float64  `yaml:"threshold_usd"`
	BasePct      float64  `yaml:"base_pct"`
	MinTargetPct float64  `yaml:"min_target_pct"`
	MinRMultiple float64  `yaml:"min_r_multiple"`
	StableAssets []string `yaml:"stable_assets"`
	TwapMs       int64    `yaml:"twap_ms"`
	AmberTwapMs  int64    `yaml:"amber_twap_ms"`
	Iceberg      float64  `yaml:"iceberg"`
	AmberIceberg float64  `yaml:"amber_iceberg"`
}

type GuardrailConfig struct {
	TwapBumpMs        int64   `yaml:"twap_bump_ms"`
	IcebergBump       float64 `yaml:"iceberg_bump"`
	MaxIceberg        float64 `yaml:"max_iceberg"`
	NotionalTrimRatio float64 `yaml:"notional_trim_ratio"`
	EnforcePostOnly   bool    `yaml:"enforce_post_only"`
	AuditChangeCap    int     `yaml:"audit_change_cap"`
}

type DialogConfig struct {
	DefaultTimeoutMs int64  `yaml:"default_timeout_ms"`
	RequiredRole     string `yaml:"required_role"`
	AutoFallback     string `yaml:"auto_fallback"`
}

type MirrorConfig struct {
	ProjectID string   `yaml:"project_id"`
	Topic     string   `yaml:"topic"`
	Topics    []string `yaml:"topics"`
}

type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	AlertChannel string `yaml:"alert_channel"`
}

type TablesConfig struct {
	RoutesFile    string `yaml:"routes_file"`
	PrivacyFile   string `yaml:"privacy_file"`
	PolicyFile    string `yaml:"policy_file"`
	EndpointsFile string `yaml:"endpoints_file"`
	Watch         bool   `yaml:"watch"`
}

type ShutdownConfig struct {
	GraceMs int64 `yaml:"grace_ms"`
}

// Load reads and validates the main configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, buserr.Wrap(buserr.Validation, "config.load", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, buserr.Wrap(buserr.Validation, "config.load", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":7180"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.log"
	}
	if c.Audit.RotateMB <= 0 {
		c.Audit.RotateMB = 128
	}
	if c.Audit.MaxFiles <= 0 {
		c.Audit.MaxFiles = 14
	}
	if c.Redact.MaxBytes <= 0 {
		c.Redact.MaxBytes = 1 << 20
	}
	if c.Redact.ChunkBytes <= 0 {
		c.Redact.ChunkBytes = 16 << 10
	}
	if c.Redact.OverlapBytes <= 0 {
		c.Redact.OverlapBytes = 128
	}
	if c.Redact.SaltSecretEnv == "" {
		c.Redact.SaltSecretEnv = "TRADEPLANE_REDACT_SECRET"
	}
	if c.Router.MaxBatch <= 0 {
		c.Router.MaxBatch = 100
	}
	if c.Router.MaxWaitMs <= 0 {
		c.Router.MaxWaitMs = 2000
	}
	if c.Router.InFlightThreshold <= 0 {
		c.Router.InFlightThreshold = 5000
	}
	if c.Router.RecoverStepPct <= 0 {
		c.Router.RecoverStepPct = 10
	}
	if c.Router.RecoverAfterSec <= 0 {
		c.Router.RecoverAfterSec = 30
	}
	if c.Router.SpoolDir == "" {
		c.Router.SpoolDir = "data/spool"
	}
	if c.Router.RetryQueueLen <= 0 {
		c.Router.RetryQueueLen = 64
	}
	if c.Router.RetryBackoffMs <= 0 {
		c.Router.RetryBackoffMs = 500
	}
	if c.Router.RetryMax <= 0 {
		c.Router.RetryMax = 5
	}
	if c.Router.DefaultSamplePct == nil {
		c.Router.DefaultSamplePct = map[string]float64{
			"debug": 10, "info": 50, "warn": 100, "error": 100,
		}
	}
	if c.Router.FileSink.PathTemplate == "" {
		c.Router.FileSink.PathTemplate = "data/logs/app-%Y%m%d.jsonl"
	}
	if c.Router.FileSink.RotateMB <= 0 {
		c.Router.FileSink.RotateMB = 64
	}
	if c.Router.FileSink.MaxFiles <= 0 {
		c.Router.FileSink.MaxFiles = 30
	}
	if c.Router.LPSink.PathTemplate == "" {
		c.Router.LPSink.PathTemplate = "data/logs/metrics-%Y%m%d.lp"
	}
	if c.Router.LPSink.RotateMB <= 0 {
		c.Router.LPSink.RotateMB = 64
	}
	if c.Router.LPSink.MaxFiles <= 0 {
		c.Router.LPSink.MaxFiles = 30
	}
	if c.Router.LPSink.Measurement == "" {
		c.Router.LPSink.Measurement = "applog"
	}
	if c.Router.RedisSink.ListKey == "" {
		c.Router.RedisSink.ListKey = "tradeplane:logs"
	}
	if c.Router.RedisSink.MaxLen <= 0 {
		c.Router.RedisSink.MaxLen = 100_000
	}
	if len(c.Telemetry.Windows) == 0 {
		c.Telemetry.Windows = []WindowConfig{
			{Span: "1m", Step: "10s"},
			{Span: "5m", Step: "30s"},
			{Span: "1h", Step: "5m"},
		}
	}
	if c.Telemetry.MinPoints <= 0 {
		c.Telemetry.MinPoints = 20
	}
	if c.Telemetry.ZHi == 0 {
		c.Telemetry.ZHi = 3.5
	}
	if c.Telemetry.ZWarn == 0 {
		c.Telemetry.ZWarn = 2.5
	}
	if c.Telemetry.EwmaAlpha == 0 {
		c.Telemetry.EwmaAlpha = 0.1
	}
	if c.Telemetry.FlatlineStaleSec <= 0 {
		c.Telemetry.FlatlineStaleSec = 300
	}
	if c.Telemetry.GapStaleSec <= 0 {
		c.Telemetry.GapStaleSec = 120
	}
	if c.Drawdown.LookbackDays <= 0 {
		c.Drawdown.LookbackDays = 60
	}
	if c.Drawdown.WarnPct == 0 {
		c.Drawdown.WarnPct = 2.0
	}
	if c.Drawdown.ErrorPct == 0 {
		c.Drawdown.ErrorPct = 3.5
	}
	if c.Drawdown.EmergencyPct == 0 {
		c.Drawdown.EmergencyPct = 5.0
	}
	if c.Drawdown.RecoveryBufferPct == 0 {
		c.Drawdown.RecoveryBufferPct = 1.0
	}
	if c.Drawdown.CoolOffWarnHours <= 0 {
		c.Drawdown.CoolOffWarnHours = 2
	}
	if c.Drawdown.CoolOffErrorHours <= 0 {
		c.Drawdown.CoolOffErrorHours = 24
	}
	if c.Drawdown.CoolOffEmergencyHours <= 0 {
		c.Drawdown.CoolOffEmergencyHours = 72
	}
	if c.Failover.ProbeIntervalMs <= 0 {
		c.Failover.ProbeIntervalMs = 5000
	}
	if c.Failover.ProbeJitterMs <= 0 {
		c.Failover.ProbeJitterMs = 1000
	}
	if c.Failover.ProbeTimeoutMs <= 0 {
		c.Failover.ProbeTimeoutMs = 2000
	}
	if c.Failover.UnhealthyAfter <= 0 {
		c.Failover.UnhealthyAfter = 3
	}
	if c.Failover.ThetaUnhealthy == 0 {
		c.Failover.ThetaUnhealthy = 0.3
	}
	if c.Failover.MinDwellSec <= 0 {
		c.Failover.MinDwellSec = 60
	}
	if c.Failover.CanaryMs <= 0 {
		c.Failover.CanaryMs = 3000
	}
	if c.Failover.StableRevertMin <= 0 {
		c.Failover.StableRevertMin = 10
	}
	if c.Failover.Brownout.MaxStepPct == 0 {
		c.Failover.Brownout.MaxStepPct = 25
	}
	if c.Failover.Brownout.StepSec <= 0 {
		c.Failover.Brownout.StepSec = 30
	}
	if len(c.Pacing.Windows) == 0 {
		c.Pacing.Windows = []SessionWindowConfig{
			{Name: "eu", Start: "07:00", End: "15:30", Weight: 0.8},
			{Name: "us", Start: "13:30", End: "20:00", Weight: 1.0},
			{Name: "asia", Start: "23:00", End: "07:00", Weight: 0.6},
		}
	}
	if c.Pacing.BaseMaxNewPositions <= 0 {
		c.Pacing.BaseMaxNewPositions = 6
	}
	if c.Pacing.BaseChildPerMin <= 0 {
		c.Pacing.BaseChildPerMin = 120
	}
	if c.Pacing.BaseRiskBudgetUsd <= 0 {
		c.Pacing.BaseRiskBudgetUsd = 25_000
	}
	if c.Pacing.InputStaleSec <= 0 {
		c.Pacing.InputStaleSec = 300
	}
	if c.Balancer.ExposureStaleSec <= 0 {
		c.Balancer.ExposureStaleSec = 30
	}
	if c.Balancer.PolicyStaleSec <= 0 {
		c.Balancer.PolicyStaleSec = 3600
	}
	if c.Balancer.DeferSec <= 0 {
		c.Balancer.DeferSec = 30
	}
	if c.Allocator.ThresholdUsd <= 0 {
		c.Allocator.ThresholdUsd = 100_000
	}
	if c.Allocator.BasePct == 0 {
		c.Allocator.BasePct = 0.15
	}
	if c.Allocator.MinTargetPct == 0 {
		c.Allocator.MinTargetPct = 0.5
	}
	if c.Allocator.MinRMultiple == 0 {
		c.Allocator.MinRMultiple = 1.2
	}
	if len(c.Allocator.StableAssets) == 0 {
		c.Allocator.StableAssets = []string{"USDT", "USDC", "DAI"}
	}
	if c.Allocator.TwapMs <= 0 {
		c.Allocator.TwapMs = 400
	}
	if c.Allocator.AmberTwapMs <= 0 {
		c.Allocator.AmberTwapMs = 900
	}
	if c.Allocator.Iceberg == 0 {
		c.Allocator.Iceberg = 0.1
	}
	if c.Allocator.AmberIceberg == 0 {
		c.Allocator.AmberIceberg = 0.2
	}
	if c.Guardrail.TwapBumpMs <= 0 {
		c.Guardrail.TwapBumpMs = 300
	}
	if c.Guardrail.IcebergBump == 0 {
		c.Guardrail.IcebergBump = 0.03
	}
	if c.Guardrail.MaxIceberg == 0 {
		c.Guardrail.MaxIceberg = 0.5
	}
	if c.Guardrail.NotionalTrimRatio == 0 {
		c.Guardrail.NotionalTrimRatio = 0.6
	}
	if c.Guardrail.AuditChangeCap <= 0 {
		c.Guardrail.AuditChangeCap = 6
	}
	if c.Dialog.DefaultTimeoutMs <= 0 {
		c.Dialog.DefaultTimeoutMs = 120_000
	}
	if c.Dialog.RequiredRole == "" {
		c.Dialog.RequiredRole = "operator"
	}
	if c.Mirror.Topic == "" {
		c.Mirror.Topic = "tradeplane-ops"
	}
	if c.Redis.AlertChannel == "" {
		c.Redis.AlertChannel = "tradeplane:alerts"
	}
	if c.Tables.RoutesFile == "" {
		c.Tables.RoutesFile = "conf/routes.yaml"
	}
	if c.Tables.PrivacyFile == "" {
		c.Tables.PrivacyFile = "conf/privacy.yaml"
	}
	if c.Tables.PolicyFile == "" {
		c.Tables.PolicyFile = "conf/policy.yaml"
	}
	if c.Tables.EndpointsFile == "" {
		c.Tables.EndpointsFile = "conf/endpoints.yaml"
	}
	if c.Shutdown.GraceMs <= 0 {
		c.Shutdown.GraceMs = 5000
	}
}

// Validate rejects configurations that cannot run. Tier thresholds must
// be strictly increasing; bump targets must stay inside the iceberg
// bounds.
func (c *Config) Validate() error {
	if !(c.Drawdown.WarnPct < c.Drawdown.ErrorPct && c.Drawdown.ErrorPct < c.Drawdown.EmergencyPct) {
		return buserr.New(buserr.Validation, "config.validate",
			"drawdown tiers must increase: warn=%.2f error=%.2f emergency=%.2f",
			c.Drawdown.WarnPct, c.Drawdown.ErrorPct, c.Drawdown.EmergencyPct)
	}
	if c.Guardrail.MaxIceberg < 0.05 || c.Guardrail.MaxIceberg > 0.5 {
		return buserr.New(buserr.Validation, "config.validate",
			"guardrail max_iceberg %.2f outside [0.05, 0.5]", c.Guardrail.MaxIceberg)
	}
	if c.Telemetry.ZWarn >= c.Telemetry.ZHi {
		return buserr.New(buserr.Validation, "config.validate",
			"telemetry z_warn %.2f must be below z_hi %.2f", c.Telemetry.ZWarn, c.Telemetry.ZHi)
	}
	for _, w := range c.Telemetry.Windows {
		if _, err := time.ParseDuration(w.Span); err != nil {
			return buserr.New(buserr.Validation, "config.validate", "bad window span %q", w.Span)
		}
		if _, err := time.ParseDuration(w.Step); err != nil {
			return buserr.New(buserr.Validation, "config.validate", "bad window step %q", w.Step)
		}
	}
	for _, w := range c.Pacing.Windows {
		if err := validateHHMM(w.Start); err != nil {
			return err
		}
		if err := validateHHMM(w.End); err != nil {
			return err
		}
	}
	return nil
}

func validateHHMM(s string) error {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return buserr.New(buserr.Validation, "config.validate", "bad session time %q", s)
	}
	return nil
}
