package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the default detection rules in evaluation order.
//
//  1. dormancy: account inactive longer than the dormancy threshold
//  2. ip_change_high_value: IP differs from the previous transaction on a high-value amount
//  3. risky_category: category is in the configured risky set (exact match)
//  4. suspicious_ip: origin IP is in the configured watch list
//  5. large_amount: amount above 1.5x the high-value threshold, reported only alone
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          domain.RuleDormancy,
			Name:        "Dormant Account",
			Description: "Time since the account's previous activity exceeds the dormancy threshold",
			Version:     "1.0.0",
			Expression:  "has_dormancy && dormancy_hours / 24.0 > double(dormant_threshold_days)",
			Message:     `account {{.AccountID}} dormant for {{printf "%.1f" .DormancyDays}} days (threshold {{.DormantThresholdDays}} days)`,
			Severity:    1,
			Enabled:     true,
		},
		{
			ID:          domain.RuleIPChangeHighValue,
			Name:        "IP Change On High Value",
			Description: "Origin IP changed since the previous transaction and the amount is above the high-value threshold",
			Version:     "1.0.0",
			Expression:  "ip_changed && amount > high_value_threshold",
			Message:     `ip changed from {{.PriorIP}} to {{.IPAddress}} on amount {{printf "%.2f" .Amount}} (threshold {{printf "%.2f" .HighValueThreshold}})`,
			Severity:    2,
			Enabled:     true,
		},
		{
			ID:          domain.RuleRiskyCategory,
			Name:        "Risky Category",
			Description: "Transaction category is in the configured risky set",
			Version:     "1.0.0",
			Expression:  "category in risky_categories",
			Message:     `risky category "{{.Category}}" with amount {{printf "%.2f" .Amount}}`,
			Severity:    3,
			Enabled:     true,
		},
		{
			ID:          domain.RuleSuspiciousIP,
			Name:        "Suspicious IP",
			Description: "Origin IP is on the configured watch list",
			Version:     "1.0.0",
			Expression:  "ip_address in suspicious_ips",
			Message:     `transaction from watch-listed ip {{.IPAddress}}`,
			Severity:    4,
			Enabled:     true,
		},
		{
			ID:          domain.RuleLargeAmount,
			Name:        "Large Amount",
			Description: "Amount exceeds 1.5x the high-value threshold; reported only when no other rule fired",
			Version:     "1.0.0",
			Expression:  "amount > high_value_threshold * 1.5",
			Message:     `large amount {{printf "%.2f" .Amount}} exceeds {{printf "%.2f" .LargeAmountThreshold}}`,
			Severity:    5,
			Fallback:    true,
			Enabled:     true,
		},
	}
}
