package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cometwatch/internal/config"
	"cometwatch/internal/market"
	"cometwatch/internal/service"
)

// SimulateAlert 将一组人工构造的市场数据送入告警规则并推送结果。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	symbol := opts.Symbol
	if symbol == "" {
		symbol = "SIM"
	}
	static := &staticFetcher{snapshot: market.Snapshot{
		Symbol:      symbol,
		Utilization: market.ClampUnit(opts.Utilization),
		SupplyRate:  opts.SupplyRate,
		BorrowRate:  opts.BorrowRate,
		TotalSupply: opts.TotalSupply,
		TotalBorrow: opts.TotalBorrow,
		Price:       market.StaticPrice(symbol),
	}}

	cfg := *a.Config
	cfg.Markets = []config.MarketConfig{{Symbol: symbol, Address: "simulated"}}
	cfg.Alerting.Cooldown = 0

	engine, err := service.New(&cfg, service.Deps{
		Scheduler: a.newScheduler(),
		Fetcher:   static,
		Notifier:  notifier,
	}, a.Logger)
	if err != nil {
		return err
	}

	_, alerts, err := engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "模拟数据未触发任何告警")
		return nil
	}
	return printAlerts(a.Out, alerts)
}

type staticFetcher struct {
	snapshot market.Snapshot
}

func (s *staticFetcher) FetchAll(_ context.Context, _ []market.Descriptor, _ time.Duration) (market.Aggregate, error) {
	now := time.Now().UTC()
	snap := s.snapshot
	snap.Timestamp = now
	return market.Aggregate{Snapshots: []market.Snapshot{snap}, Timestamp: now}, nil
}

func (s *staticFetcher) Probe(context.Context) error { return nil }

var _ service.Fetcher = (*staticFetcher)(nil)
