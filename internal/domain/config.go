package domain

import (
	"log/slog"
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which storage, cache and bus backends are used
	Tier Tier `json:"tier"`

	// EvaluationMode selects the detection paths of a run
	EvaluationMode EvaluationMode `json:"evaluationMode"`

	// Detection thresholds and model parameters
	Detection DetectionConfig `json:"detection"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EvaluationMode determines which detection paths run.
type EvaluationMode string

const (
	// ModeRules runs the feature deriver and rule evaluator only.
	ModeRules EvaluationMode = "rules"

	// ModeModel runs the outlier scorer only.
	ModeModel EvaluationMode = "model"

	// ModeHybrid runs both paths and records each signal separately.
	ModeHybrid EvaluationMode = "hybrid"
)

// UsesRules reports whether the rule path runs in this mode.
func (m EvaluationMode) UsesRules() bool {
	return m == ModeRules || m == ModeHybrid
}

// UsesModel reports whether the outlier path runs in this mode.
func (m EvaluationMode) UsesModel() bool {
	return m == ModeModel || m == ModeHybrid
}

// Valid reports whether m is a known mode.
func (m EvaluationMode) Valid() bool {
	return m == ModeRules || m == ModeModel || m == ModeHybrid
}

// DetectionConfig holds the thresholds consumed by the core.
type DetectionConfig struct {
	DormantThresholdDays int      `json:"dormantThresholdDays"`
	HighValueThreshold   float64  `json:"highValueThreshold"`
	RiskyCategories      []string `json:"riskyCategories"`
	SuspiciousIPs        []string `json:"suspiciousIps,omitempty"`

	// DormancyBasis is "previous_tx" (default) or "last_login".
	DormancyBasis string `json:"dormancyBasis"`

	// Outlier model
	ContaminationRate float64 `json:"contaminationRate"`
	RandomSeed        int64   `json:"randomSeed"`
	NumTrees          int     `json:"numTrees"`
	SampleSize        int     `json:"sampleSize"` // 0 = min(256, batch size)

	// MaxWorkers bounds parallel rule evaluation
	MaxWorkers int `json:"maxWorkers"`
}

// Validate checks detection thresholds. It never rewrites values.
func (d DetectionConfig) Validate() error {
	if d.DormantThresholdDays < 0 {
		return &ConfigurationError{Field: "dormant_threshold_days", Value: d.DormantThresholdDays, Reason: "must be non-negative"}
	}
	if d.HighValueThreshold < 0 {
		return &ConfigurationError{Field: "high_value_threshold", Value: d.HighValueThreshold, Reason: "must be non-negative"}
	}
	if !(d.ContaminationRate > 0 && d.ContaminationRate < 1) {
		return &ConfigurationError{Field: "contamination_rate", Value: d.ContaminationRate, Reason: "must be in (0, 1)"}
	}
	if d.NumTrees <= 0 {
		return &ConfigurationError{Field: "num_trees", Value: d.NumTrees, Reason: "must be positive"}
	}
	if d.SampleSize < 0 {
		return &ConfigurationError{Field: "sample_size", Value: d.SampleSize, Reason: "must be non-negative"}
	}
	if d.MaxWorkers < 0 {
		return &ConfigurationError{Field: "max_workers", Value: d.MaxWorkers, Reason: "must be non-negative"}
	}
	switch d.DormancyBasis {
	case "", DormancyPreviousTx, DormancyLastLogin:
	default:
		return &ConfigurationError{Field: "dormancy_basis", Value: d.DormancyBasis, Reason: "must be previous_tx or last_login"}
	}
	for _, c := range d.RiskyCategories {
		if c == "" {
			return &ConfigurationError{Field: "risky_categories", Value: d.RiskyCategories, Reason: "empty category"}
		}
	}
	d.warnCategoryCasing()
	return nil
}

// warnCategoryCasing logs risky categories that differ only by case.
// Matching stays exact; this only surfaces the set for review.
func (d DetectionConfig) warnCategoryCasing() {
	seen := make(map[string]string, len(d.RiskyCategories))
	for _, c := range d.RiskyCategories {
		folded := strings.ToLower(c)
		if prev, ok := seen[folded]; ok && prev != c {
			slog.Warn("risky categories differ only by case; matching is exact",
				"first", prev,
				"second", c,
			)
			continue
		}
		seen[folded] = c
	}
}

// Validate checks the whole configuration before any processing.
func (c *Config) Validate() error {
	if !c.EvaluationMode.Valid() {
		return &ConfigurationError{Field: "evaluation_mode", Value: c.EvaluationMode, Reason: "must be rules, model or hybrid"}
	}
	return c.Detection.Validate()
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	ReadTimeout   int    `json:"readTimeout"`  // seconds
	WriteTimeout  int    `json:"writeTimeout"` // seconds
	MaxBatchBytes int64  `json:"maxBatchBytes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity uses SQLite, the in-process LRU cache and channels
	TierCommunity Tier = "community"

	// TierPro uses PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultDetectionConfig returns the default thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		DormantThresholdDays: 90,
		HighValueThreshold:   5000,
		RiskyCategories:      []string{"gambling", "crypto_exchange", "wire_transfer"},
		DormancyBasis:        DormancyPreviousTx,
		ContaminationRate:    0.05,
		RandomSeed:           42,
		NumTrees:             100,
		MaxWorkers:           10,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   30,
			WriteTimeout:  30,
			MaxBatchBytes: 32 << 20,
		},
		Tier:           TierCommunity,
		EvaluationMode: ModeHybrid,
		Detection:      DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 256,
			LocalTTL:     time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   64,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
