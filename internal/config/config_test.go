package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// missingEnv points Load at a file that does not exist so tests only see
// variables set with t.Setenv.
func missingEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(missingEnv(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.EvaluationMode != domain.ModeHybrid {
		t.Errorf("expected hybrid mode, got %s", cfg.EvaluationMode)
	}
	d := cfg.Detection
	if d.DormantThresholdDays != 90 || d.HighValueThreshold != 5000 || d.ContaminationRate != 0.05 || d.RandomSeed != 42 {
		t.Errorf("unexpected detection defaults: %+v", d)
	}
	if len(d.RiskyCategories) != 3 || len(d.SuspiciousIPs) != 0 {
		t.Errorf("unexpected list defaults: %+v", d)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("KESTREL_MODE", "RULES")
	t.Setenv("KESTREL_DORMANT_THRESHOLD_DAYS", "30")
	t.Setenv("KESTREL_HIGH_VALUE_THRESHOLD", "2500.5")
	t.Setenv("KESTREL_RISKY_CATEGORIES", "online_gambling, crypto_exchange ,adult_services")
	t.Setenv("KESTREL_SUSPICIOUS_IPS", "138.197.10.1,104.248.60.2")
	t.Setenv("KESTREL_DORMANCY_BASIS", "last_login")
	t.Setenv("KESTREL_PORT", "9090")
	t.Setenv("KESTREL_CACHE_LOCAL_TTL", "10m")
	t.Setenv("KESTREL_DEBUG", "true")

	cfg, err := Load(missingEnv(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.EvaluationMode != domain.ModeRules {
		t.Errorf("expected rules mode, got %s", cfg.EvaluationMode)
	}
	d := cfg.Detection
	if d.DormantThresholdDays != 30 || d.HighValueThreshold != 2500.5 || d.DormancyBasis != domain.DormancyLastLogin {
		t.Errorf("unexpected detection config: %+v", d)
	}
	want := []string{"online_gambling", "crypto_exchange", "adult_services"}
	for i := range want {
		if d.RiskyCategories[i] != want[i] {
			t.Errorf("category %d: expected %s, got %s", i, want[i], d.RiskyCategories[i])
		}
	}
	if len(d.SuspiciousIPs) != 2 {
		t.Errorf("expected 2 suspicious ips, got %v", d.SuspiciousIPs)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Cache.LocalTTL != 10*time.Minute {
		t.Errorf("expected 10m ttl, got %s", cfg.Cache.LocalTTL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")
	t.Setenv("KESTREL_REDIS_ADDR", "redis:6379")

	cfg, err := Load(missingEnv(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro backends, got %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
	}
	if cfg.Cache.RedisAddr != "redis:6379" {
		t.Errorf("expected redis override, got %s", cfg.Cache.RedisAddr)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "KESTREL_CONTAMINATION_RATE=0.1\nKESTREL_NUM_TREES=50\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// godotenv sets process variables; make sure they are restored.
	t.Setenv("KESTREL_CONTAMINATION_RATE", "")
	os.Unsetenv("KESTREL_CONTAMINATION_RATE")
	t.Setenv("KESTREL_NUM_TREES", "")
	os.Unsetenv("KESTREL_NUM_TREES")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Detection.ContaminationRate != 0.1 || cfg.Detection.NumTrees != 50 {
		t.Errorf("expected values from env file, got %+v", cfg.Detection)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"contamination out of range", "KESTREL_CONTAMINATION_RATE", "1.2"},
		{"unknown mode", "KESTREL_MODE", "magic"},
		{"unknown dormancy basis", "KESTREL_DORMANCY_BASIS", "yesterday"},
		{"negative trees", "KESTREL_NUM_TREES", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(missingEnv(t))
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestMalformedValuesFailLoad(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"threshold with suffix", "KESTREL_HIGH_VALUE_THRESHOLD", "5k"},
		{"contamination in words", "KESTREL_CONTAMINATION_RATE", "five percent"},
		{"days with unit", "KESTREL_DORMANT_THRESHOLD_DAYS", "30d"},
		{"trees not a number", "KESTREL_NUM_TREES", "lots"},
		{"bad boolean", "KESTREL_CACHE_TWO_PHASE", "sometimes"},
		{"bad duration", "KESTREL_CACHE_LOCAL_TTL", "ten minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			cfg, err := Load(missingEnv(t))
			if cfg != nil {
				t.Errorf("expected no config, got %+v", cfg.Detection)
			}
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Field != tt.key || cfgErr.Value != tt.value {
				t.Errorf("unexpected error fields: %+v", cfgErr)
			}
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestMalformedValuesAllReported(t *testing.T) {
	t.Setenv("KESTREL_HIGH_VALUE_THRESHOLD", "5k")
	t.Setenv("KESTREL_DORMANT_THRESHOLD_DAYS", "30d")

	_, err := Load(missingEnv(t))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"KESTREL_HIGH_VALUE_THRESHOLD", "KESTREL_DORMANT_THRESHOLD_DAYS"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should name %s: %v", key, err)
		}
	}
}

func TestPaddedNumberAccepted(t *testing.T) {
	t.Setenv("KESTREL_NUM_TREES", " 50 ")

	cfg, err := Load(missingEnv(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Detection.NumTrees != 50 {
		t.Errorf("expected 50 trees, got %d", cfg.Detection.NumTrees)
	}
}

func TestEmptyListClearsDefault(t *testing.T) {
	t.Setenv("KESTREL_RISKY_CATEGORIES", "")

	cfg, err := Load(missingEnv(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Detection.RiskyCategories) != 0 {
		t.Errorf("expected empty risky set, got %v", cfg.Detection.RiskyCategories)
	}
}
