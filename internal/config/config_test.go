package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("unexpected default interval %s", cfg.Scheduler.Interval)
	}
	if cfg.Ethereum.CallTimeout != 3*time.Second {
		t.Fatalf("unexpected call timeout %s", cfg.Ethereum.CallTimeout)
	}
	if len(cfg.Markets) != 3 || cfg.Markets[0].Symbol != "USDC" || cfg.Markets[1].BaseDecimals != 18 {
		t.Fatalf("unexpected default markets %+v", cfg.Markets)
	}
	if cfg.Thresholds.UtilizationHigh != 0.85 || cfg.Thresholds.RateChange != 0.01 {
		t.Fatalf("unexpected default thresholds %+v", cfg.Thresholds)
	}
	if cfg.Alerting.HistoryCapacity != 10 || cfg.Alerting.Retention != 5*time.Minute {
		t.Fatalf("unexpected alert history defaults %+v", cfg.Alerting)
	}

	ds := cfg.Descriptors()
	if len(ds) != 3 || ds[2].Symbol != "USDT" {
		t.Fatalf("unexpected descriptors %+v", ds)
	}
}

func TestLoadOverrides(t *testing.T) {
	body := `
scheduler:
  interval: 15s
markets:
  - symbol: WBTC
    address: "0x0000000000000000000000000000000000000001"
    base_decimals: 8
thresholds:
  utilization_high: 0.7
  utilization_critical: 0.8
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 15*time.Second {
		t.Fatalf("interval override ignored: %s", cfg.Scheduler.Interval)
	}
	if len(cfg.Markets) != 1 || cfg.Markets[0].BaseDecimals != 8 {
		t.Fatalf("markets override ignored: %+v", cfg.Markets)
	}
	if cfg.Thresholds.UtilizationHigh != 0.7 || cfg.Thresholds.SupplyAPY != 0.08 {
		t.Fatalf("threshold merge incorrect: %+v", cfg.Thresholds)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"interval":  "scheduler:\n  interval: 0s\n",
		"threshold": "thresholds:\n  rate_change: -1\n",
		"critical":  "thresholds:\n  utilization_high: 0.9\n  utilization_critical: 0.8\n",
		"severity":  "alerting:\n  min_severity: loud\n",
		"telegram":  "alerting:\n  telegram:\n    enabled: true\n",
		"market":    "markets:\n  - symbol: USDC\n",
		"duplicate": "markets:\n  - symbol: A\n    address: x\n  - symbol: A\n    address: y\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if cfg.ResolveMaxPoints(0) != 50 || cfg.ResolveMaxPoints(7) != 7 {
		t.Fatal("ResolveMaxPoints should prefer positive overrides")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  interval: 30s\n")
	changes := make(chan *Config, 4)

	cfg, err := Watch(path, func(c *Config) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("initial interval %s", cfg.Scheduler.Interval)
	}

	if err := os.WriteFile(path, []byte("scheduler:\n  interval: 10s\nthresholds:\n  rate_change: 0.02\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Scheduler.Interval == 10*time.Second && c.Thresholds.RateChange == 0.02 {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
