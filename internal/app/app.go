package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cometwatch/internal/alerting"
	"cometwatch/internal/api"
	"cometwatch/internal/config"
	"cometwatch/internal/fetcher"
	"cometwatch/internal/market"
	"cometwatch/internal/metrics"
	"cometwatch/internal/scheduler"
	"cometwatch/internal/service"
	"cometwatch/internal/storage"
	"cometwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
	Out        io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, cfgPath string, logger zerolog.Logger) *App {
	return &App{
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     logger.With().Str("component", "app").Logger(),
		Out:        os.Stdout,
	}
}

func (a *App) newAggregator(observer fetcher.Observer) (*fetcher.Aggregator, func()) {
	comet := fetcher.NewComet(fetcher.CometOptions{
		RPCURL: a.Config.Ethereum.RPCURL,
		MaxRPS: a.Config.Ethereum.MaxRPS,
		Burst:  a.Config.Ethereum.RPSBurst,
	}, a.Logger)

	seed := a.Config.Ethereum.FallbackSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	agg := fetcher.NewAggregator(comet, market.NewSynthesizer(seed), fetcher.AggregatorOptions{
		Observer: observer,
	}, a.Logger)
	return agg, comet.Close
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, nil
	}
	return store, store.Close, nil
}

// engineDeps fills the persistence fields only for a live store so the
// engine never sees a typed nil.
func engineDeps(store *storage.Store, deps service.Deps) service.Deps {
	if store != nil {
		deps.Snapshots = store
		deps.Alerts = store
		deps.Locker = store
	}
	return deps
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	recorder := metrics.NewRecorder()
	aggregator, closeFetcher := a.newAggregator(recorder)
	defer closeFetcher()

	engine, err := service.New(a.Config, engineDeps(store, service.Deps{
		Scheduler: a.newScheduler(),
		Fetcher:   aggregator,
		Notifier:  a.newNotifier(),
		Metrics:   recorder,
	}), a.Logger)
	if err != nil {
		return err
	}

	if err := a.watchConfig(engine); err != nil {
		return err
	}

	a.Logger.Info().Str("version", version.String()).Int("markets", len(a.Config.Markets)).Msg("starting monitoring service")
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	if addr := a.Config.HTTP.ListenAddr; addr != "" {
		srv := api.NewServer(addr, api.NewHandler(engine, recorder.Handler(), a.Logger), a.Logger)
		if err := srv.Run(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http api terminated with error")
			return err
		}
	} else {
		<-ctx.Done()
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// watchConfig forwards interval and threshold edits of the config file to
// the running engine.
func (a *App) watchConfig(engine *service.Engine) error {
	if a.ConfigPath == "" {
		return nil
	}
	_, err := config.Watch(a.ConfigPath, func(next *config.Config) {
		if keys := restartOnlyChanges(a.Config, next); len(keys) > 0 {
			a.Logger.Warn().Strs("keys", keys).Msg("config change needs a restart; keeping running values")
		}
		if err := engine.Reconfigure(next.Scheduler.Interval); err != nil {
			a.Logger.Error().Err(err).Msg("reconfigure interval failed")
		}
		engine.UpdateThresholds(next.Thresholds)
	}, func(err error) {
		a.Logger.Error().Err(err).Msg("ignoring invalid config reload")
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// restartOnlyChanges lists edited settings that the running engine does
// not pick up live.
func restartOnlyChanges(running, next *config.Config) []string {
	var keys []string
	if !slices.Equal(running.Markets, next.Markets) {
		keys = append(keys, "markets")
	}
	if running.Alerting.HistoryCapacity != next.Alerting.HistoryCapacity {
		keys = append(keys, "alerting.history_capacity")
	}
	if running.Alerting.Retention != next.Alerting.Retention {
		keys = append(keys, "alerting.retention")
	}
	return keys
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit int
	Prune time.Duration
}

// SnapshotOptions configure the one-shot snapshot command.
type SnapshotOptions struct {
	JSON    bool
	Persist bool
}

// SimulateOptions describe the synthetic market fed through the alert rules.
// Rates and utilization are fractions.
type SimulateOptions struct {
	Symbol      string
	Utilization float64
	SupplyRate  float64
	BorrowRate  float64
	TotalSupply float64
	TotalBorrow float64
}
