package alerting

import (
	"fmt"
	"strings"
	"time"
)

// Kind enumerates alert rules.
type Kind string

const (
	KindYieldOpportunity     Kind = "yield_opportunity"
	KindHighUtilization      Kind = "high_utilization"
	KindRateChange           Kind = "rate_change"
	KindArbitrageOpportunity Kind = "arbitrage_opportunity"
	KindSupplyDepletion      Kind = "supply_depletion"
)

// Severity is ordered: low < medium < high < critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText renders the severity name in JSON.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity %q", v)
	}
}

// Alert is one rule firing for one market. Value, Threshold and Change use
// fraction units.
type Alert struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Market    string    `json:"market"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Change    float64   `json:"change,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Thresholds configure the rules. All values are fractions.
type Thresholds struct {
	UtilizationHigh     float64 `mapstructure:"utilization_high"`
	UtilizationCritical float64 `mapstructure:"utilization_critical"`
	RateChange          float64 `mapstructure:"rate_change"`
	ArbitrageSpread     float64 `mapstructure:"arbitrage_spread"`
	SupplyAPY           float64 `mapstructure:"supply_apy"`
	Depletion           float64 `mapstructure:"depletion"`
}

// DefaultThresholds mirror the dashboard defaults: 85% utilization, a one
// point rate move, a two point spread.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UtilizationHigh:     0.85,
		UtilizationCritical: 0.90,
		RateChange:          0.01,
		ArbitrageSpread:     0.02,
		SupplyAPY:           0.08,
		Depletion:           0.90,
	}
}
