// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MinSeverity is the lowest accepted rule severity. Severity 1 is reported first.
const MinSeverity = 1

// Engine is the CEL-based rule evaluation engine.
// Rules are kept in evaluation order: ascending severity, then load order.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules []*CompiledRule
	params        domain.DetectionConfig
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program and its message template.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
	Message *template.Template
}

// NewEngine creates a new rule evaluation engine bound to the given thresholds.
// The engine starts empty; call LoadRules with BuiltinRules or custom rules.
func NewEngine(params domain.DetectionConfig) (*Engine, error) {
	maxWorkers := params.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with transaction and feature variables
	env, err := cel.NewEnv(
		cel.Variable("account_id", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("hour", cel.IntType),
		// Derived features
		cel.Variable("has_prior", cel.BoolType),
		cel.Variable("hours_since_last_tx", cel.DoubleType),
		cel.Variable("prior_ip", cel.StringType),
		cel.Variable("ip_changed", cel.BoolType),
		cel.Variable("has_login", cel.BoolType),
		cel.Variable("hours_since_login", cel.DoubleType),
		cel.Variable("has_dormancy", cel.BoolType),
		cel.Variable("dormancy_hours", cel.DoubleType),
		// Thresholds
		cel.Variable("high_value_threshold", cel.DoubleType),
		cel.Variable("dormant_threshold_days", cel.IntType),
		cel.Variable("risky_categories", cel.ListType(cel.StringType)),
		cel.Variable("suspicious_ips", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		params:     params,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
// A rule with the same ID replaces the loaded one.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	kept := e.compiledRules[:0:0]
	for _, r := range e.compiledRules {
		if r.Config.ID != cfg.ID {
			kept = append(kept, r)
		}
	}
	e.compiledRules = sortRules(append(kept, compiled))

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
// On error the previously loaded rules stay in place.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules = append(newRules, compiled)
	}

	e.compiledRules = sortRules(newRules)

	return nil
}

// EvaluateInput holds one transaction and its derived features.
type EvaluateInput struct {
	Tx       *domain.Transaction
	Features domain.Features
}

// ruleHit is the raw outcome of one rule before the fallback policy is applied.
type ruleHit struct {
	rule  *CompiledRule
	fired bool
}

// Evaluate runs every loaded rule against one transaction and returns its
// alerts in evaluation order. Fallback rules survive only when nothing else fired.
func (e *Engine) Evaluate(ctx context.Context, input *EvaluateInput) ([]domain.Alert, error) {
	e.mu.RLock()
	rules := e.compiledRules
	e.mu.RUnlock()

	if len(rules) == 0 || input == nil || input.Tx == nil {
		return nil, nil
	}

	activation := e.activation(input)

	hits := make([]ruleHit, 0, len(rules))
	for _, rule := range rules {
		fired, err := evaluateRule(rule, activation)
		if err != nil {
			return nil, fmt.Errorf("rule %s on tx %s (account %s): %w",
				rule.Config.ID, input.Tx.ID, input.Tx.AccountID, err)
		}
		hits = append(hits, ruleHit{rule: rule, fired: fired})
	}

	fired := applyFallbackPolicy(hits)
	if len(fired) == 0 {
		return nil, nil
	}

	data := e.messageData(input)
	alerts := make([]domain.Alert, 0, len(fired))
	for i, rule := range fired {
		msg, err := renderMessage(rule, data)
		if err != nil {
			return nil, fmt.Errorf("rule %s on tx %s: %w", rule.Config.ID, input.Tx.ID, err)
		}
		alerts = append(alerts, domain.Alert{
			RuleID:   rule.Config.ID,
			RuleName: rule.Config.Name,
			Severity: rule.Config.Severity,
			Message:  msg,
			TxID:     input.Tx.ID,
			Primary:  i == 0,
		})
	}

	return alerts, nil
}

// EvaluateBatch evaluates every transaction of a batch in parallel.
// The result is aligned by index with txs and equals sequential evaluation.
func (e *Engine) EvaluateBatch(ctx context.Context, txs []*domain.Transaction, feats []domain.Features) ([][]domain.Alert, error) {
	if len(txs) != len(feats) {
		return nil, fmt.Errorf("feature count %d does not match transaction count %d", len(feats), len(txs))
	}

	results := make([][]domain.Alert, len(txs))
	errs := make([]error, len(txs))
	var wg sync.WaitGroup

	// At most maxWorkers goroutines exist at a time.
	sem := make(chan struct{}, e.maxWorkers)

	for i := range txs {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		select {
		case sem <- struct{}{}: // Acquire
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }() // Release

			results[idx], errs[idx] = e.Evaluate(ctx, &EvaluateInput{Tx: txs[idx], Features: feats[idx]})
		}(i)
	}

	wg.Wait()

	// Report the error of the earliest failing transaction.
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// applyFallbackPolicy keeps every fired non-fallback rule; fallback rules are
// kept only when no non-fallback rule fired.
func applyFallbackPolicy(hits []ruleHit) []*CompiledRule {
	var primary, fallback []*CompiledRule
	for _, h := range hits {
		if !h.fired {
			continue
		}
		if h.rule.Config.Fallback {
			fallback = append(fallback, h.rule)
		} else {
			primary = append(primary, h.rule)
		}
	}
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

// evaluateRule evaluates a single rule's CEL program.
func evaluateRule(rule *CompiledRule, activation map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, want bool", out.Type())
	}
	return bool(b), nil
}

// activation prepares CEL variables for one transaction.
func (e *Engine) activation(input *EvaluateInput) map[string]any {
	tx, f := input.Tx, input.Features

	var hoursSinceLast, hoursSinceLogin float64
	var priorIP string
	if f.HoursSinceLastTx != nil {
		hoursSinceLast = *f.HoursSinceLastTx
	}
	if f.PriorIP != nil {
		priorIP = *f.PriorIP
	}
	if f.HoursSinceLogin != nil {
		hoursSinceLogin = *f.HoursSinceLogin
	}

	hasDormancy, dormancyHours := f.HoursSinceLastTx != nil, hoursSinceLast
	if e.params.DormancyBasis == domain.DormancyLastLogin {
		hasDormancy, dormancyHours = f.HoursSinceLogin != nil, hoursSinceLogin
	}

	return map[string]any{
		"account_id":             tx.AccountID,
		"amount":                 tx.Amount,
		"category":               tx.Category,
		"ip_address":             tx.IPAddress,
		"hour":                   int64(tx.Timestamp.UTC().Hour()),
		"has_prior":              f.HoursSinceLastTx != nil,
		"hours_since_last_tx":    hoursSinceLast,
		"prior_ip":               priorIP,
		"ip_changed":             f.IPChanged,
		"has_login":              f.HoursSinceLogin != nil,
		"hours_since_login":      hoursSinceLogin,
		"has_dormancy":           hasDormancy,
		"dormancy_hours":         dormancyHours,
		"high_value_threshold":   e.params.HighValueThreshold,
		"dormant_threshold_days": int64(e.params.DormantThresholdDays),
		"risky_categories":       stringList(e.params.RiskyCategories),
		"suspicious_ips":         stringList(e.params.SuspiciousIPs),
	}
}

// messageData is the template input for alert messages.
type messageData struct {
	TxID                 string
	AccountID            string
	Amount               float64
	Category             string
	IPAddress            string
	PriorIP              string
	HoursSinceLastTx     float64
	DormancyDays         float64
	DormantThresholdDays int
	HighValueThreshold   float64
	LargeAmountThreshold float64
}

func (e *Engine) messageData(input *EvaluateInput) messageData {
	tx, f := input.Tx, input.Features
	d := messageData{
		TxID:                 tx.ID,
		AccountID:            tx.AccountID,
		Amount:               tx.Amount,
		Category:             tx.Category,
		IPAddress:            tx.IPAddress,
		DormantThresholdDays: e.params.DormantThresholdDays,
		HighValueThreshold:   e.params.HighValueThreshold,
		LargeAmountThreshold: e.params.HighValueThreshold * 1.5,
	}
	if f.PriorIP != nil {
		d.PriorIP = *f.PriorIP
	}
	if f.HoursSinceLastTx != nil {
		d.HoursSinceLastTx = *f.HoursSinceLastTx
		d.DormancyDays = *f.HoursSinceLastTx / 24
	}
	if e.params.DormancyBasis == domain.DormancyLastLogin {
		d.DormancyDays = 0
		if f.HoursSinceLogin != nil {
			d.DormancyDays = *f.HoursSinceLogin / 24
		}
	}
	return d
}

func renderMessage(rule *CompiledRule, data messageData) (string, error) {
	if rule.Message == nil {
		return rule.Config.Name, nil
	}
	var b strings.Builder
	if err := rule.Message.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return b.String(), nil
}

func stringList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func sortRules(rules []*CompiledRule) []*CompiledRule {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Config.Severity < rules[j].Config.Severity
	})
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations in evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Params returns the thresholds the engine was built with.
func (e *Engine) Params() domain.DetectionConfig {
	return e.params
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Severity < MinSeverity {
		return nil, fmt.Errorf("rule %s: severity must be at least %d, got %d", cfg.ID, MinSeverity, cfg.Severity)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	compiled := &CompiledRule{
		Config:  cfg,
		Program: program,
	}

	if cfg.Message != "" {
		tmpl, err := template.New(cfg.ID).Option("missingkey=error").Parse(cfg.Message)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid message template: %w", cfg.ID, err)
		}
		// Field references are only checked on execution.
		if err := tmpl.Execute(io.Discard, messageData{}); err != nil {
			return nil, fmt.Errorf("rule %s: invalid message template: %w", cfg.ID, err)
		}
		compiled.Message = tmpl
	}

	return compiled, nil
}
