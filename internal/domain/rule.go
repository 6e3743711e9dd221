package domain

// RuleConfig defines a detection rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate; must return bool.
	Expression string `json:"expression"`

	// Message is a text/template rendered when the rule fires.
	Message string `json:"message"`

	// Severity ranks the rule for reporting (1 = highest).
	// Rules are evaluated in ascending severity.
	Severity int `json:"severity"`

	// Fallback rules are only reported when no other rule fired.
	Fallback bool `json:"fallback"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// Built-in rule IDs.
const (
	RuleDormancy          = "dormancy"
	RuleIPChangeHighValue = "ip_change_high_value"
	RuleRiskyCategory     = "risky_category"
	RuleSuspiciousIP      = "suspicious_ip"
	RuleLargeAmount       = "large_amount"
)

// Dormancy bases.
const (
	DormancyPreviousTx = "previous_tx"
	DormancyLastLogin  = "last_login"
)
