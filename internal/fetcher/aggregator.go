package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cometwatch/internal/market"
)

// Outcome reports how a single market was resolved in a FetchAll call.
type Outcome struct {
	Market  string
	Live    bool
	Failure FailureKind
	Elapsed time.Duration
}

// Observer receives per-market outcomes; implemented by the metrics recorder.
type Observer interface {
	ObserveFetch(o Outcome)
}

// AggregatorOptions tune the aggregator.
type AggregatorOptions struct {
	Observer Observer
	Now      func() time.Time
}

// Aggregator fans out adapter calls and settles every market, substituting
// synthetic data for failures.
type Aggregator struct {
	adapter Adapter
	synth   *market.Synthesizer
	opts    AggregatorOptions
	logger  zerolog.Logger
	offline atomic.Bool
}

// NewAggregator wires an adapter and synthesizer together. A nil adapter is
// treated as "no endpoint configured".
func NewAggregator(adapter Adapter, synth *market.Synthesizer, opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if synth == nil {
		synth = market.NewSynthesizer(uint64(time.Now().UnixNano()))
	}
	return &Aggregator{
		adapter: adapter,
		synth:   synth,
		opts:    opts,
		logger:  logger.With().Str("component", "aggregator").Logger(),
	}
}

// Offline reports whether the aggregator is serving synthetic data only.
func (a *Aggregator) Offline() bool {
	return a.offline.Load()
}

// Probe checks the upstream connection and toggles offline mode.
func (a *Aggregator) Probe(ctx context.Context) error {
	p, ok := a.adapter.(Prober)
	if !ok {
		return nil
	}
	err := p.Probe(ctx)
	if err != nil {
		if errors.Is(err, ErrNoEndpoint) {
			return err
		}
		if !a.offline.Swap(true) {
			a.logger.Warn().Err(err).Msg("upstream unavailable; serving synthetic data")
		}
		return err
	}
	if a.offline.Swap(false) {
		a.logger.Info().Msg("upstream recovered; leaving offline mode")
	}
	return nil
}

// FetchAll returns exactly one snapshot per descriptor in order. It only
// fails on configuration errors.
func (a *Aggregator) FetchAll(ctx context.Context, descriptors []market.Descriptor, callTimeout time.Duration) (market.Aggregate, error) {
	if len(descriptors) == 0 {
		return market.Aggregate{}, ErrNoMarkets
	}
	if a.adapter == nil {
		return market.Aggregate{}, ErrNoEndpoint
	}
	if c, ok := a.adapter.(interface{ Configured() error }); ok {
		if err := c.Configured(); err != nil {
			return market.Aggregate{}, err
		}
	}

	if a.offline.Load() {
		if err := a.Probe(ctx); err != nil {
			now := a.opts.Now()
			for _, d := range descriptors {
				a.observe(Outcome{Market: d.Symbol, Failure: FailureNetwork})
			}
			return a.synth.SynthesizeAll(descriptors, now), nil
		}
	}

	snapshots := make([]market.Snapshot, len(descriptors))
	var wg sync.WaitGroup
	for i, d := range descriptors {
		wg.Add(1)
		go func(i int, d market.Descriptor) {
			defer wg.Done()
			snapshots[i] = a.fetchOne(ctx, d, callTimeout)
		}(i, d)
	}
	wg.Wait()

	return market.Aggregate{Snapshots: snapshots, Timestamp: a.opts.Now()}, nil
}

func (a *Aggregator) fetchOne(ctx context.Context, d market.Descriptor, callTimeout time.Duration) market.Snapshot {
	start := time.Now()
	raw, err := a.adapter.FetchMarket(ctx, d, callTimeout)
	elapsed := time.Since(start)
	if err != nil {
		fe := Classify(d.Symbol, err)
		a.logger.Warn().Err(fe.Err).
			Str("market", d.Symbol).
			Str("failure", string(fe.Kind)).
			Dur("elapsed", elapsed).
			Msg("market fetch failed; using fallback data")
		a.observe(Outcome{Market: d.Symbol, Failure: fe.Kind, Elapsed: elapsed})
		return a.synth.Synthesize(d, a.opts.Now())
	}
	a.observe(Outcome{Market: d.Symbol, Live: true, Elapsed: elapsed})
	return market.NewSnapshot(d, raw, a.opts.Now())
}

func (a *Aggregator) observe(o Outcome) {
	if a.opts.Observer != nil {
		a.opts.Observer.ObserveFetch(o)
	}
}
