package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"cometwatch/internal/alerting"
	"cometwatch/internal/market"
	"cometwatch/internal/service"
	"cometwatch/internal/storage"
)

// Snapshot fetches every configured market once and prints the result.
func (a *App) Snapshot(ctx context.Context, opts SnapshotOptions) error {
	aggregator, closeFetcher := a.newAggregator(nil)
	defer closeFetcher()

	var store *storage.Store
	if opts.Persist {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore()
		}
		store = s
	}

	engine, err := service.New(a.Config, engineDeps(store, service.Deps{
		Scheduler: a.newScheduler(),
		Fetcher:   aggregator,
	}), a.Logger)
	if err != nil {
		return err
	}

	agg, alerts, err := engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	summary, _ := engine.Summary()

	if opts.JSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Snapshot market.Aggregate     `json:"snapshot"`
			Totals   market.Totals        `json:"totals"`
			Summary  alerting.RiskSummary `json:"summary"`
			Alerts   []alerting.Alert     `json:"alerts"`
			Offline  bool                 `json:"offline"`
		}{agg, agg.Totals(), summary, alerts, aggregator.Offline()})
	}

	if aggregator.Offline() {
		fmt.Fprintln(a.Out, "upstream unreachable; all markets use fallback data")
	}
	return printSnapshot(a.Out, agg, alerts, summary)
}

func printSnapshot(out io.Writer, agg market.Aggregate, alerts []alerting.Alert, summary alerting.RiskSummary) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Snapshot at %s\n", agg.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintln(writer, "Market\tUtil%\tSupply APR%\tBorrow APR%\tTotal Supply\tTotal Borrow\tReserves\tPrice\tSource")
	for _, s := range agg.Snapshots {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			s.Symbol,
			formatPct(s.Utilization, 2),
			formatPct(s.SupplyRate, 3),
			formatPct(s.BorrowRate, 3),
			s.TotalSupply,
			s.TotalBorrow,
			s.Reserves,
			s.Price,
			sourceLabel(s.IsFallback),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	totals := agg.Totals()
	fmt.Fprintf(out, "\nSupplied $%.2f  Borrowed $%.2f  Avg util %s%%  Risk score %.0f\n",
		totals.SupplyUSD, totals.BorrowUSD, formatPct(totals.AverageUtilization, 2), summary.ProtocolRiskScore)

	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts")
		return nil
	}
	return printAlerts(out, alerts)
}

func printAlerts(out io.Writer, alerts []alerting.Alert) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tKind\tMarket\tMessage")
	for _, al := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			al.Timestamp.UTC().Format(time.RFC3339),
			al.Severity,
			al.Kind,
			al.Market,
			sanitizeInline(al.Message),
		)
	}
	return writer.Flush()
}
