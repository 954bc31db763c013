package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cometwatch/internal/alerting"
	"cometwatch/internal/config"
	"cometwatch/internal/market"
	"cometwatch/internal/storage"
)

func testApp(cfg *config.Config) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewApp(cfg, "", zerolog.Nop())
	a.Out = out
	return a, out
}

func baseConfig() *config.Config {
	return &config.Config{
		Scheduler:  config.SchedulerConfig{Interval: 30 * time.Second},
		Ethereum:   config.EthereumConfig{CallTimeout: time.Second, ProbeTimeout: time.Second},
		Thresholds: alerting.DefaultThresholds(),
		Alerting: config.AlertingConfig{
			MinSeverity:     "high",
			HistoryCapacity: 10,
			Retention:       5 * time.Minute,
		},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
}

func sampleRecords(n int) []storage.SnapshotRecord {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.SnapshotRecord, n)
	for i := range out {
		out[i] = storage.SnapshotRecord{
			CycleTS:     start.Add(time.Duration(i) * time.Minute),
			Symbol:      "USDC",
			Utilization: decimal.NewFromFloat(0.5 + float64(i)*0.01),
			SupplyRate:  decimal.NewFromFloat(0.03 + float64(i)*0.001),
			BorrowRate:  decimal.NewFromFloat(0.05 + float64(i)*0.002),
			TotalSupply: decimal.NewFromInt(1000),
			TotalBorrow: decimal.NewFromInt(int64(500 + i)),
			Reserves:    decimal.NewFromInt(10),
			Price:       decimal.NewFromInt(1),
			IsFallback:  i%2 == 1,
		}
	}
	return out
}

func TestPrintSnapshot(t *testing.T) {
	agg := market.Aggregate{
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Snapshots: []market.Snapshot{
			{Symbol: "USDC", Utilization: 0.5, SupplyRate: 0.04, BorrowRate: 0.06, TotalSupply: 100, TotalBorrow: 50, Price: 1},
			{Symbol: "WETH", Utilization: 0.95, IsFallback: true, Price: 3500},
		},
	}
	alerts := []alerting.Alert{{Kind: alerting.KindHighUtilization, Severity: alerting.SeverityCritical, Market: "WETH", Message: "WETH utilization at 95.0%", Timestamp: agg.Timestamp}}

	out := &bytes.Buffer{}
	if err := printSnapshot(out, agg, alerts, alerting.Summarize(agg, alerts)); err != nil {
		t.Fatalf("print: %v", err)
	}
	text := out.String()
	for _, want := range []string{"USDC", "50.00", "4.000", "fallback", "critical", "WETH utilization at 95.0%"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	if err := printSnapshot(out, agg, nil, alerting.RiskSummary{}); err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(out.String(), "no alerts") {
		t.Fatalf("expected no alerts line:\n%s", out.String())
	}
}

func TestDownsampleRecords(t *testing.T) {
	records := sampleRecords(10)
	got := downsampleRecords(records, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if !got[0].CycleTS.Equal(records[0].CycleTS) || !got[3].CycleTS.Equal(records[9].CycleTS) {
		t.Fatal("downsample should keep both endpoints")
	}
	if len(downsampleRecords(records, 0)) != 10 || len(downsampleRecords(records, 20)) != 10 {
		t.Fatal("no downsampling expected")
	}
	if one := downsampleRecords(records, 1); len(one) != 1 || !one[0].CycleTS.Equal(records[9].CycleTS) {
		t.Fatal("single point should be the latest")
	}
}

func TestExportWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	from, to, err := exportWindow(ExportOptions{MaxPoints: 10}, time.Minute, now)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-10*time.Minute)) {
		t.Fatalf("unexpected window %s - %s", from, to)
	}

	bad := now.Add(time.Hour)
	if _, _, err := exportWindow(ExportOptions{From: &bad, MaxPoints: 10}, time.Minute, now); err == nil {
		t.Fatal("expected error when from is after to")
	}
}

func TestWriteSnapshotsCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	records := sampleRecords(5)

	csvPath := filepath.Join(dir, "out", "usdc.csv")
	if err := writeSnapshotsCSV(csvPath, records); err != nil {
		t.Fatalf("csv: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 6 || rows[0][0] != "cycle_ts" || rows[2][9] != "true" {
		t.Fatalf("unexpected csv rows %v", rows)
	}

	pngPath := filepath.Join(dir, "usdc.png")
	if err := writeSnapshotsPNG(pngPath, "USDC", records); err != nil {
		t.Fatalf("png: %v", err)
	}
	info, err := os.Stat(pngPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := testApp(baseConfig())
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error without --csv or --png")
	}
}

func TestCommandsRequireDatabase(t *testing.T) {
	a, _ := testApp(baseConfig())
	ctx := context.Background()
	if err := a.Show(ctx, ShowOptions{Limit: 5}); err == nil {
		t.Fatal("show should fail without database")
	}
	if err := a.Alerts(ctx, AlertsOptions{Limit: 5}); err == nil {
		t.Fatal("alerts should fail without database")
	}
	if err := a.Migrate(ctx); err == nil {
		t.Fatal("migrate should fail without database")
	}
}

func TestSimulateAlertRequiresChannel(t *testing.T) {
	a, _ := testApp(baseConfig())
	if err := a.SimulateAlert(context.Background(), SimulateOptions{Utilization: 0.95}); err == nil {
		t.Fatal("expected error when alerting disabled")
	}

	cfg := baseConfig()
	cfg.Alerting.Enabled = true
	a, _ = testApp(cfg)
	if err := a.SimulateAlert(context.Background(), SimulateOptions{Utilization: 0.95}); err == nil {
		t.Fatal("expected error without notifier")
	}
}

func TestSimulateAlertSendsTelegram(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Alerting.Enabled = true
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "chat", APIBase: srv.URL}
	a, out := testApp(cfg)

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Symbol:      "USDC",
		Utilization: 0.95,
		SupplyRate:  0.03,
		BorrowRate:  0.05,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 telegram call, got %d", hits.Load())
	}
	if !strings.Contains(out.String(), "high_utilization") {
		t.Fatalf("expected alert table, got:\n%s", out.String())
	}
}

func TestRestartOnlyChanges(t *testing.T) {
	running := &config.Config{
		Markets:  []config.MarketConfig{{Symbol: "USDC", Address: "0x1", BaseDecimals: 6, PriceDecimals: 8}},
		Alerting: config.AlertingConfig{HistoryCapacity: 10, Retention: 5 * time.Minute},
	}
	next := *running
	next.Markets = append([]config.MarketConfig(nil), running.Markets...)
	next.Scheduler.Interval = time.Minute
	next.Thresholds.UtilizationHigh = 0.7
	if keys := restartOnlyChanges(running, &next); len(keys) != 0 {
		t.Fatalf("live settings should not be reported, got %v", keys)
	}

	next.Markets = append(next.Markets, config.MarketConfig{Symbol: "WETH", Address: "0x2"})
	next.Alerting.Retention = time.Minute
	keys := restartOnlyChanges(running, &next)
	if strings.Join(keys, ",") != "markets,alerting.retention" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
