package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ReloadFromRepository swaps the engine rules for the built-in set plus the
// enabled custom rules stored in repo. It returns the number of rules loaded.
func ReloadFromRepository(ctx context.Context, repo domain.Repository, e *Engine) (int, error) {
	custom, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list custom rules: %w", err)
	}

	configs := append(BuiltinRules(), custom...)
	if err := e.ReloadRules(configs); err != nil {
		return 0, err
	}

	slog.Info("rules reloaded",
		"builtin", len(configs)-len(custom),
		"custom", len(custom),
		"loaded", e.RulesCount(),
	)
	return e.RulesCount(), nil
}
