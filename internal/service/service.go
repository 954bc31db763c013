package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cometwatch/internal/alerting"
	"cometwatch/internal/config"
	"cometwatch/internal/fetcher"
	"cometwatch/internal/market"
	"cometwatch/internal/scheduler"
	"cometwatch/internal/storage"
)

// Cycle results reported to the CycleObserver.
const (
	ResultPublished = "published"
	ResultDiscarded = "discarded"
	ResultFailed    = "failed"
)

// ErrRunning is returned by RunOnce while the scheduler is polling.
var ErrRunning = errors.New("engine: scheduler running, RunOnce is for one-shot use")

// Fetcher produces one aggregate per cycle; implemented by fetcher.Aggregator.
type Fetcher interface {
	FetchAll(ctx context.Context, descriptors []market.Descriptor, callTimeout time.Duration) (market.Aggregate, error)
	Probe(ctx context.Context) error
}

// CycleObserver receives cycle metrics; implemented by metrics.Recorder.
type CycleObserver interface {
	ObserveCycle(result string, elapsed time.Duration, fallbacks int)
	ObserveAlerts(emitted []alerting.Alert, active int)
}

// Deps groups the collaborators of an Engine. Only Scheduler and Fetcher
// are required.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Fetcher   Fetcher
	History   *alerting.History
	Notifier  alerting.Notifier
	Snapshots storage.SnapshotStore
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	Metrics   CycleObserver
	Now       func() time.Time
}

// Engine orchestrates fetching, alert evaluation, publication, persistence
// and notification.
type Engine struct {
	deps   Deps
	logger zerolog.Logger

	markets      []market.Descriptor
	callTimeout  time.Duration
	probeTimeout time.Duration
	lockKey      int64

	alertsOn    bool
	minSeverity alerting.Severity
	cooldown    time.Duration
	channels    []string

	thresholds atomic.Pointer[alerting.Thresholds]

	mu        sync.RWMutex
	latest    market.Aggregate
	hasLatest bool

	notifyMu   sync.Mutex
	lastNotify map[string]time.Time
}

// New constructs the engine from configuration and collaborators.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher not configured")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.History == nil {
		deps.History = alerting.NewHistory(cfg.Alerting.HistoryCapacity, cfg.Alerting.Retention)
	}
	if deps.Locker == nil {
		if l, ok := deps.Snapshots.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}

	minSeverity := alerting.SeverityHigh
	if cfg.Alerting.MinSeverity != "" {
		sev, err := alerting.ParseSeverity(cfg.Alerting.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("alerting.min_severity: %w", err)
		}
		minSeverity = sev
	}

	e := &Engine{
		deps:         deps,
		logger:       logger.With().Str("component", "engine").Logger(),
		markets:      cfg.Descriptors(),
		callTimeout:  cfg.Ethereum.CallTimeout,
		probeTimeout: cfg.Ethereum.ProbeTimeout,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		alertsOn:     cfg.Alerting.Enabled,
		minSeverity:  minSeverity,
		cooldown:     cfg.Alerting.Cooldown,
		channels:     cfg.Alerting.Channels,
		lastNotify:   make(map[string]time.Time),
	}
	th := cfg.Thresholds
	e.thresholds.Store(&th)
	return e, nil
}

// Start probes the upstream once and starts the polling scheduler. An
// unreachable upstream is not fatal: the engine serves synthetic data.
func (e *Engine) Start(ctx context.Context) error {
	if len(e.markets) == 0 {
		return fetcher.ErrNoMarkets
	}
	if err := e.probe(ctx); errors.Is(err, fetcher.ErrNoEndpoint) {
		return err
	}
	return e.deps.Scheduler.Start(ctx, e.cycle)
}

// Stop halts polling. No snapshot or alert is published after Stop returns.
func (e *Engine) Stop() {
	e.deps.Scheduler.Stop()
}

// Reconfigure changes the polling interval without an extra fetch.
func (e *Engine) Reconfigure(interval time.Duration) error {
	return e.deps.Scheduler.Reconfigure(interval)
}

// UpdateThresholds takes effect from the next evaluation.
func (e *Engine) UpdateThresholds(t alerting.Thresholds) {
	e.thresholds.Store(&t)
	e.logger.Info().Interface("thresholds", t).Msg("thresholds updated")
}

// Thresholds returns the thresholds the next cycle will use.
func (e *Engine) Thresholds() alerting.Thresholds {
	return *e.thresholds.Load()
}

// LatestSnapshot returns the last published aggregate. ok is false before
// the first publish.
func (e *Engine) LatestSnapshot() (market.Aggregate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest, e.hasLatest
}

// ActiveAlerts returns alerts inside the retention window, newest first.
func (e *Engine) ActiveAlerts() []alerting.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deps.History.Active(e.deps.Now())
}

// DismissAlert removes an alert from the feed.
func (e *Engine) DismissAlert(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deps.History.Dismiss(id)
}

// Summary computes the risk summary over the latest snapshot and active alerts.
func (e *Engine) Summary() (alerting.RiskSummary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.hasLatest {
		return alerting.RiskSummary{}, false
	}
	return alerting.Summarize(e.latest, e.deps.History.Active(e.deps.Now())), true
}

// RunOnce performs a single fetch and evaluation outside the scheduler,
// then publishes, persists and notifies like a scheduled cycle. It is for
// one-shot commands and fails with ErrRunning while the scheduler polls.
func (e *Engine) RunOnce(ctx context.Context) (market.Aggregate, []alerting.Alert, error) {
	if len(e.markets) == 0 {
		return market.Aggregate{}, nil, fetcher.ErrNoMarkets
	}
	if e.deps.Scheduler.State() == scheduler.StateRunning {
		return market.Aggregate{}, nil, ErrRunning
	}
	if err := e.probe(ctx); errors.Is(err, fetcher.ErrNoEndpoint) {
		return market.Aggregate{}, nil, err
	}

	agg, alerts, err := e.collect(ctx)
	if err != nil {
		return market.Aggregate{}, nil, err
	}
	e.publish(agg, alerts)
	e.persist(ctx, agg, alerts)
	e.notify(ctx, agg, alerts)
	return agg, alerts, nil
}

func (e *Engine) cycle(ctx context.Context, gen uint64) {
	start := time.Now()

	agg, alerts, err := e.collect(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("poll cycle failed")
		e.observeCycle(ResultFailed, start, 0)
		return
	}

	if !e.deps.Scheduler.Commit(gen, func() { e.publish(agg, alerts) }) {
		e.observeCycle(ResultDiscarded, start, agg.FallbackCount())
		return
	}

	e.logger.Info().
		Int("markets", len(agg.Snapshots)).
		Int("fallbacks", agg.FallbackCount()).
		Int("alerts", len(alerts)).
		Msg("snapshot published")

	e.writeShared(ctx, agg, alerts)
	e.observeCycle(ResultPublished, start, agg.FallbackCount())
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveAlerts(alerts, len(e.ActiveAlerts()))
	}
}

// writeShared persists and notifies under the advisory lock so that only
// one instance writes each cycle. A lock error does not stop the writes.
func (e *Engine) writeShared(ctx context.Context, agg market.Aggregate, alerts []alerting.Alert) {
	unlock, proceed, err := e.acquireLock(ctx)
	switch {
	case err != nil:
		e.logger.Warn().Err(err).Msg("advisory lock failed; writing without it")
	case !proceed:
		e.logger.Debug().Msg("skip persist and notify because advisory lock held elsewhere")
		return
	}
	if unlock != nil {
		defer unlock()
	}

	e.persist(ctx, agg, alerts)
	e.notify(ctx, agg, alerts)
}

// collect fetches and evaluates against the last published snapshot.
func (e *Engine) collect(ctx context.Context) (market.Aggregate, []alerting.Alert, error) {
	agg, err := e.deps.Fetcher.FetchAll(ctx, e.markets, e.callTimeout)
	if err != nil {
		return market.Aggregate{}, nil, fmt.Errorf("fetch markets: %w", err)
	}

	var previous *market.Aggregate
	if prev, ok := e.LatestSnapshot(); ok {
		previous = &prev
	}
	alerts := alerting.Evaluate(agg, previous, e.Thresholds(), e.deps.Now())
	return agg, alerts, nil
}

// publish replaces the snapshot and appends alerts in one critical section.
func (e *Engine) publish(agg market.Aggregate, alerts []alerting.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest = agg
	e.hasLatest = true
	e.deps.History.Add(alerts...)
}

func (e *Engine) persist(ctx context.Context, agg market.Aggregate, alerts []alerting.Alert) {
	if e.deps.Snapshots != nil {
		if err := e.deps.Snapshots.InsertSnapshots(ctx, storage.RecordsFromAggregate(agg)); err != nil {
			e.logger.Error().Err(err).Time("cycle", agg.Timestamp).Msg("failed to persist snapshot")
		}
	}
	if e.deps.Alerts != nil && len(alerts) > 0 {
		records := make([]storage.AlertRecord, len(alerts))
		for i, a := range alerts {
			records[i] = storage.RecordFromAlert(a)
		}
		if err := e.deps.Alerts.InsertAlerts(ctx, records); err != nil {
			e.logger.Error().Err(err).Int("alerts", len(records)).Msg("failed to persist alerts")
		}
	}
}

func (e *Engine) notify(ctx context.Context, agg market.Aggregate, alerts []alerting.Alert) {
	if !e.alertsOn || e.deps.Notifier == nil {
		return
	}
	for _, a := range alerts {
		if a.Severity < e.minSeverity || !e.allowNotify(a) {
			continue
		}
		note := alerting.Notification{Alert: a, Channels: e.channels}
		if s, ok := agg.Find(a.Market); ok {
			note.IsFallback = s.IsFallback
		}
		if err := e.deps.Notifier.Notify(ctx, note); err != nil {
			e.logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to dispatch alert")
		}
	}
}

// allowNotify applies the per (market, kind) cooldown.
func (e *Engine) allowNotify(a alerting.Alert) bool {
	if e.cooldown <= 0 {
		return true
	}
	key := a.Market + "|" + string(a.Kind)

	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if last, ok := e.lastNotify[key]; ok && a.Timestamp.Sub(last) < e.cooldown {
		return false
	}
	e.lastNotify[key] = a.Timestamp
	return true
}

func (e *Engine) probe(ctx context.Context) error {
	timeout := e.probeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.deps.Fetcher.Probe(probeCtx)
	if err != nil && !errors.Is(err, fetcher.ErrNoEndpoint) {
		e.logger.Warn().Err(err).Msg("upstream probe failed; starting in offline mode")
	}
	return err
}

func (e *Engine) observeCycle(result string, start time.Time, fallbacks int) {
	if e.deps.Metrics == nil {
		return
	}
	e.deps.Metrics.ObserveCycle(result, time.Since(start), fallbacks)
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.deps.Locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
