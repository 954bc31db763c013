package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"cometwatch/internal/storage"
)

// Export renders one market's history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Symbol == "" {
		if len(a.Config.Markets) == 0 {
			return errors.New("no markets configured")
		}
		opts.Symbol = a.Config.Markets[0].Symbol
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := exportWindow(opts, a.Config.Scheduler.Interval, time.Now().UTC())
	if err != nil {
		return err
	}

	records, err := store.ListSnapshotsBetween(ctx, opts.Symbol, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("market", opts.Symbol).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Str("market", opts.Symbol).Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, opts.Symbol, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exportWindow defaults to the last MaxPoints intervals ending now.
func exportWindow(opts ExportOptions, interval time.Duration, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleRecords(records []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.SnapshotRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, records []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"cycle_ts", "symbol", "utilization", "supply_rate", "borrow_rate", "total_supply", "total_borrow", "reserves", "price", "is_fallback"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		record := []string{
			r.CycleTS.UTC().Format(time.RFC3339),
			r.Symbol,
			r.Utilization.String(),
			r.SupplyRate.String(),
			r.BorrowRate.String(),
			r.TotalSupply.String(),
			r.TotalBorrow.String(),
			r.Reserves.String(),
			r.Price.String(),
			strconv.FormatBool(r.IsFallback),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(path, symbol string, records []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	util := make([]float64, len(records))
	supply := make([]float64, len(records))
	borrow := make([]float64, len(records))

	for i, r := range records {
		x[i] = r.CycleTS
		util[i] = r.Utilization.Mul(hundred).InexactFloat64()
		supply[i] = r.SupplyRate.Mul(hundred).InexactFloat64()
		borrow[i] = r.BorrowRate.Mul(hundred).InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  symbol + " Comet market",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "APR (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Utilization (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Supply APR %",
				XValues: x,
				YValues: supply,
			},
			chart.TimeSeries{
				Name:    "Borrow APR %",
				XValues: x,
				YValues: borrow,
			},
			chart.TimeSeries{
				Name:    "Utilization %",
				XValues: x,
				YValues: util,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
