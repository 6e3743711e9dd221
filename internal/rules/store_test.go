package rules

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func TestReloadFromRepository(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "rules.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	engine, err := NewEngine(domain.DefaultDetectionConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	t.Run("BuiltinsOnly", func(t *testing.T) {
		n, err := ReloadFromRepository(ctx, repo, engine)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if n != len(BuiltinRules()) {
			t.Errorf("expected %d rules, got %d", len(BuiltinRules()), n)
		}
	})

	t.Run("WithCustomRule", func(t *testing.T) {
		custom := &domain.RuleConfig{
			ID:         "night_activity",
			Name:       "Night Activity",
			Version:    "1.0.0",
			Expression: "hour < 5 && amount > 1000.0",
			Severity:   6,
			Enabled:    true,
		}
		if err := repo.SaveRuleConfig(ctx, custom); err != nil {
			t.Fatalf("save: %v", err)
		}

		n, err := ReloadFromRepository(ctx, repo, engine)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if n != len(BuiltinRules())+1 {
			t.Errorf("expected custom rule to be loaded, got %d rules", n)
		}
		loaded := engine.GetLoadedRules()
		if loaded[len(loaded)-1].ID != "night_activity" {
			t.Errorf("expected custom rule last by severity, got %s", loaded[len(loaded)-1].ID)
		}
	})

	t.Run("BrokenRuleKeepsOldSet", func(t *testing.T) {
		broken := &domain.RuleConfig{
			ID:         "broken",
			Name:       "Broken",
			Version:    "1.0.0",
			Expression: "amount +",
			Severity:   7,
			Enabled:    true,
		}
		if err := repo.SaveRuleConfig(ctx, broken); err != nil {
			t.Fatalf("save: %v", err)
		}

		before := engine.RulesCount()
		if _, err := ReloadFromRepository(ctx, repo, engine); err == nil {
			t.Fatal("expected compile error")
		}
		if engine.RulesCount() != before {
			t.Errorf("expected %d rules to stay loaded, got %d", before, engine.RulesCount())
		}
	})
}
