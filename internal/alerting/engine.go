package alerting

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cometwatch/internal/market"
)

// Evaluate applies every rule to each market of current. previous may be
// nil. Comparisons are strict; a rule whose inputs are not finite is
// skipped for that market only.
func Evaluate(current market.Aggregate, previous *market.Aggregate, t Thresholds, now time.Time) []Alert {
	var alerts []Alert
	emit := func(kind Kind, sev Severity, s market.Snapshot, value, threshold, change float64, msg string) {
		alerts = append(alerts, Alert{
			ID:        uuid.NewString(),
			Kind:      kind,
			Severity:  sev,
			Market:    s.Symbol,
			Message:   msg,
			Value:     value,
			Threshold: threshold,
			Change:    change,
			Timestamp: now,
		})
	}

	for _, s := range current.Snapshots {
		if finite(s.SupplyRate) && s.SupplyRate > t.SupplyAPY {
			emit(KindYieldOpportunity, SeverityHigh, s, s.SupplyRate, t.SupplyAPY, 0,
				fmt.Sprintf("%s offering %.2f%% APY", s.Symbol, pct(s.SupplyRate)))
		}

		if finite(s.Utilization) && s.Utilization > t.UtilizationHigh {
			sev := SeverityHigh
			if s.Utilization > t.UtilizationCritical {
				sev = SeverityCritical
			}
			emit(KindHighUtilization, sev, s, s.Utilization, t.UtilizationHigh, 0,
				fmt.Sprintf("%s utilization at %.1f%%", s.Symbol, pct(s.Utilization)))
		}

		if previous != nil {
			if prev, ok := previous.Find(s.Symbol); ok {
				if d, fired := rateMoved(prev.SupplyRate, s.SupplyRate, t.RateChange); fired {
					emit(KindRateChange, changeSeverity(d, t.RateChange), s, s.SupplyRate, t.RateChange, d,
						fmt.Sprintf("%s supply rate %s by %.2f%%", s.Symbol, direction(d), pct(math.Abs(d))))
				}
				if d, fired := rateMoved(prev.BorrowRate, s.BorrowRate, t.RateChange); fired {
					emit(KindRateChange, changeSeverity(d, t.RateChange), s, s.BorrowRate, t.RateChange, d,
						fmt.Sprintf("%s borrow rate %s by %.2f%%", s.Symbol, direction(d), pct(math.Abs(d))))
				}
			}
		}

		if spread, ok := delta(s.BorrowRate, s.SupplyRate); ok && spread > t.ArbitrageSpread {
			emit(KindArbitrageOpportunity, SeverityHigh, s, spread, t.ArbitrageSpread, 0,
				fmt.Sprintf("potential arbitrage in %s: %.2f%% spread", s.Symbol, pct(spread)))
		}

		if s.TotalSupply > 0 && finite(s.TotalSupply) && finite(s.TotalBorrow) {
			if ratio := s.TotalBorrow / s.TotalSupply; ratio > t.Depletion {
				emit(KindSupplyDepletion, SeverityHigh, s, ratio, t.Depletion, 0,
					fmt.Sprintf("%s supply nearing depletion: %.1f%% borrowed", s.Symbol, pct(ratio)))
			}
		}
	}

	return alerts
}

// delta returns cur-prev computed in decimal so that moves such as
// 0.03 -> 0.04 equal 0.01 exactly and strict comparisons hold.
func delta(prev, cur float64) (float64, bool) {
	if !finite(prev) || !finite(cur) {
		return 0, false
	}
	return decimal.NewFromFloat(cur).Sub(decimal.NewFromFloat(prev)).InexactFloat64(), true
}

func rateMoved(prev, cur, threshold float64) (float64, bool) {
	d, ok := delta(prev, cur)
	if !ok {
		return 0, false
	}
	return d, math.Abs(d) > threshold
}

// changeSeverity is high above twice the threshold, not above a fixed
// one-point move.
func changeSeverity(d, threshold float64) Severity {
	if math.Abs(d) > 2*threshold {
		return SeverityHigh
	}
	return SeverityMedium
}

func direction(d float64) string {
	if d > 0 {
		return "increased"
	}
	return "decreased"
}

func pct(v float64) float64 { return v * 100 }

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
