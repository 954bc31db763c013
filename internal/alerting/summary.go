package alerting

import (
	"math"

	"cometwatch/internal/market"
)

// RiskSummary is the protocol-level roll-up shown next to the alert feed.
type RiskSummary struct {
	ProtocolRiskScore  float64 `json:"protocol_risk_score"`
	TotalAlerts        int     `json:"total_alerts"`
	CriticalAlerts     int     `json:"critical_alerts"`
	HighAlerts         int     `json:"high_alerts"`
	AverageUtilization float64 `json:"average_utilization"`
	MaxUtilization     float64 `json:"max_utilization"`
}

// Summarize scores an aggregate from the alerts raised on it. Critical
// utilization weighs 4, high utilization and depletion 3; the score is
// the per-market mean scaled by 25 and capped at 100.
func Summarize(agg market.Aggregate, alerts []Alert) RiskSummary {
	sum := RiskSummary{TotalAlerts: len(alerts)}
	if len(agg.Snapshots) == 0 {
		return sum
	}

	var score float64
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			sum.CriticalAlerts++
		case SeverityHigh:
			sum.HighAlerts++
		}
		switch a.Kind {
		case KindHighUtilization:
			if a.Severity == SeverityCritical {
				score += 4
			} else {
				score += 3
			}
		case KindSupplyDepletion:
			score += 3
		}
	}

	var total float64
	for _, s := range agg.Snapshots {
		total += s.Utilization
		sum.MaxUtilization = math.Max(sum.MaxUtilization, s.Utilization)
	}
	n := float64(len(agg.Snapshots))
	sum.AverageUtilization = total / n
	sum.ProtocolRiskScore = math.Min(100, score/n*25)
	return sum
}
