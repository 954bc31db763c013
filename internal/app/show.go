package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Show prints recent persisted snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tMarket\tUtil%\tSupply APR%\tBorrow APR%\tTotal Supply\tTotal Borrow\tSource")

	for _, r := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CycleTS.UTC().Format(time.RFC3339),
			r.Symbol,
			formatDecimal(r.Utilization.Mul(hundred), 2),
			formatDecimal(r.SupplyRate.Mul(hundred), 3),
			formatDecimal(r.BorrowRate.Mul(hundred), 3),
			formatDecimal(r.TotalSupply, 2),
			formatDecimal(r.TotalBorrow, 2),
			sourceLabel(r.IsFallback),
		)
	}

	return writer.Flush()
}

func sourceLabel(fallback bool) string {
	if fallback {
		return "fallback"
	}
	return "live"
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatPct(v float64, places int32) string {
	return formatDecimal(decimal.NewFromFloat(v).Mul(hundred), places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
