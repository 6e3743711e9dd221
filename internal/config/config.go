// Package config loads Kestrel configuration from .env files and KESTREL_* environment variables.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prefix is prepended to every environment variable name read by Load.
const Prefix = "KESTREL_"

// Load reads the given .env files (".env" when none are given), applies
// environment overrides on top of the tier defaults and validates the result.
// Variables already set in the environment win over .env values.
func Load(files ...string) (*domain.Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		slog.Debug("no .env file loaded, using environment and defaults", "error", err)
	}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(getEnv("TIER", ""), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	env := &envReader{}
	env.applyServer(&cfg.Server)
	env.applyDetection(&cfg.Detection)
	env.applyRepository(&cfg.Repository)
	env.applyCache(&cfg.Cache)
	env.applyEventBus(&cfg.EventBus)

	cfg.EvaluationMode = domain.EvaluationMode(strings.ToLower(getEnv("MODE", string(cfg.EvaluationMode))))
	cfg.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", cfg.Logging.Format))
	if env.getBool("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = env.getBool("TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("SERVICE_NAME", cfg.Tracing.ServiceName)

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (e *envReader) applyServer(s *domain.ServerConfig) {
	s.Host = getEnv("HOST", s.Host)
	s.Port = e.getInt("PORT", s.Port)
	s.ReadTimeout = e.getInt("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = e.getInt("WRITE_TIMEOUT", s.WriteTimeout)
	s.MaxBatchBytes = int64(e.getInt("MAX_BATCH_BYTES", int(s.MaxBatchBytes)))
}

func (e *envReader) applyDetection(d *domain.DetectionConfig) {
	d.DormantThresholdDays = e.getInt("DORMANT_THRESHOLD_DAYS", d.DormantThresholdDays)
	d.HighValueThreshold = e.getFloat("HIGH_VALUE_THRESHOLD", d.HighValueThreshold)
	d.RiskyCategories = getEnvAsList("RISKY_CATEGORIES", d.RiskyCategories)
	d.SuspiciousIPs = getEnvAsList("SUSPICIOUS_IPS", d.SuspiciousIPs)
	d.DormancyBasis = getEnv("DORMANCY_BASIS", d.DormancyBasis)
	d.ContaminationRate = e.getFloat("CONTAMINATION_RATE", d.ContaminationRate)
	d.RandomSeed = int64(e.getInt("RANDOM_SEED", int(d.RandomSeed)))
	d.NumTrees = e.getInt("NUM_TREES", d.NumTrees)
	d.SampleSize = e.getInt("SAMPLE_SIZE", d.SampleSize)
	d.MaxWorkers = e.getInt("MAX_WORKERS", d.MaxWorkers)
}

func (e *envReader) applyRepository(r *domain.RepositoryConfig) {
	r.Driver = getEnv("DB_DRIVER", r.Driver)
	r.SQLitePath = getEnv("SQLITE_PATH", r.SQLitePath)
	r.PostgresHost = getEnv("POSTGRES_HOST", r.PostgresHost)
	r.PostgresPort = e.getInt("POSTGRES_PORT", r.PostgresPort)
	r.PostgresUser = getEnv("POSTGRES_USER", r.PostgresUser)
	r.PostgresPassword = getEnv("POSTGRES_PASSWORD", r.PostgresPassword)
	r.PostgresDB = getEnv("POSTGRES_DB", r.PostgresDB)
	r.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", r.PostgresSSLMode)
	r.MaxOpenConns = e.getInt("DB_MAX_OPEN_CONNS", r.MaxOpenConns)
	r.MaxIdleConns = e.getInt("DB_MAX_IDLE_CONNS", r.MaxIdleConns)
	r.ConnMaxLifetime = e.getDuration("DB_CONN_MAX_LIFETIME", r.ConnMaxLifetime)
}

func (e *envReader) applyCache(c *domain.CacheConfig) {
	c.Type = getEnv("CACHE_TYPE", c.Type)
	c.LocalMaxSize = e.getInt("CACHE_LOCAL_MAX_SIZE", c.LocalMaxSize)
	c.LocalTTL = e.getDuration("CACHE_LOCAL_TTL", c.LocalTTL)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = e.getInt("REDIS_DB", c.RedisDB)
	c.EnableTwoPhase = e.getBool("CACHE_TWO_PHASE", c.EnableTwoPhase)
}

func (e *envReader) applyEventBus(b *domain.EventBusConfig) {
	b.Type = getEnv("BUS_TYPE", b.Type)
	b.ChannelBufferSize = e.getInt("BUS_BUFFER_SIZE", b.ChannelBufferSize)
	b.NATSUrl = getEnv("NATS_URL", b.NATSUrl)
	b.NATSMaxReconnects = e.getInt("NATS_MAX_RECONNECTS", b.NATSMaxReconnects)
	b.NATSReconnectWait = e.getInt("NATS_RECONNECT_WAIT", b.NATSReconnectWait)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(Prefix + key); exists {
		return value
	}
	return fallback
}

// envReader parses typed variables and records every malformed value.
// An unset or empty variable keeps the default.
type envReader struct {
	errs []error
}

func (e *envReader) fail(key, value, reason string) {
	e.errs = append(e.errs, &domain.ConfigurationError{Field: Prefix + key, Value: value, Reason: reason})
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func (e *envReader) getInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		e.fail(key, valueStr, "not an integer")
		return fallback
	}
	return value
}

func (e *envReader) getFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		e.fail(key, valueStr, "not a number")
		return fallback
	}
	return value
}

func (e *envReader) getBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		e.fail(key, valueStr, "not a boolean")
		return fallback
	}
	return value
}

func (e *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		e.fail(key, valueStr, "not a duration")
		return fallback
	}
	return value
}

// getEnvAsList splits a comma-separated value. Entries are trimmed but keep
// their case; an explicitly empty value yields an empty list.
func getEnvAsList(key string, fallback []string) []string {
	valueStr, exists := os.LookupEnv(Prefix + key)
	if !exists {
		return fallback
	}
	out := []string{}
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
