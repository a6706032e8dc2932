package monitor

import (
	"fmt"
	"strings"

	"mt5-monitor/internal/config"
)

// AlertLevel classifies an account's margin health.
type AlertLevel string

const (
	AlertNone     AlertLevel = ""
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// CheckMarginAlert classifies a margin level against the configured
// thresholds. Critical takes precedence over warning.
func CheckMarginAlert(marginLevel float64, cfg config.AlertConfig) AlertLevel {
	switch {
	case marginLevel <= cfg.MarginLevelCritical:
		return AlertCritical
	case marginLevel <= cfg.MarginLevelWarning:
		return AlertWarning
	default:
		return AlertNone
	}
}

// CheckLossAlert reports whether the floating loss breaches the configured
// threshold. MaxLossThreshold is negative; more negative profit trips it.
func CheckLossAlert(profit float64, cfg config.AlertConfig) bool {
	return profit <= cfg.MaxLossThreshold
}

// HealthStatus summarizes an account in one word: "critical", "warning",
// or "healthy". Accounts without margin in use are always healthy.
func HealthStatus(a AccountSnapshot, cfg config.AlertConfig) string {
	if a.Margin == 0 {
		return "healthy"
	}
	switch CheckMarginAlert(a.MarginLevel, cfg) {
	case AlertCritical:
		return "critical"
	case AlertWarning:
		return "warning"
	}
	if CheckLossAlert(a.Profit, cfg) {
		return "warning"
	}
	return "healthy"
}

// AlertMessage renders the active alerts for an account as one line, or ""
// when the account is healthy.
func AlertMessage(a AccountSnapshot, cfg config.AlertConfig) string {
	var parts []string

	if a.Margin != 0 {
		switch CheckMarginAlert(a.MarginLevel, cfg) {
		case AlertCritical:
			parts = append(parts, fmt.Sprintf("CRITICAL: account %d margin level at %.2f%%", a.LoginID, a.MarginLevel))
		case AlertWarning:
			parts = append(parts, fmt.Sprintf("WARNING: account %d margin level at %.2f%%", a.LoginID, a.MarginLevel))
		}
	}
	if CheckLossAlert(a.Profit, cfg) {
		parts = append(parts, fmt.Sprintf("LOSS: account %d floating P/L %.2f", a.LoginID, a.Profit))
	}
	return strings.Join(parts, " | ")
}
