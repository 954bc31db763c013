package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"
)

// Alerts lists persisted alerts, optionally pruning old rows first.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Prune > 0 {
		cutoff := time.Now().UTC().Add(-opts.Prune)
		n, err := store.DeleteAlertsBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		a.Logger.Info().Int64("deleted", n).Time("before", cutoff).Msg("pruned alerts")
	}

	records, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tKind\tMarket\tValue%\tThreshold%\tMessage")
	for _, r := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.EmittedAt.UTC().Format(time.RFC3339),
			r.Severity,
			r.Kind,
			r.Market,
			formatDecimal(r.Value.Mul(hundred), 3),
			formatDecimal(r.Threshold.Mul(hundred), 3),
			sanitizeInline(r.Message),
		)
	}
	return writer.Flush()
}
