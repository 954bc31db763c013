package fetcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"cometwatch/internal/market"
)

type stubAdapter struct {
	mu       sync.Mutex
	failures map[string]error
	delay    map[string]time.Duration
	probeErr error
	probes   int
}

func (s *stubAdapter) FetchMarket(ctx context.Context, d market.Descriptor, timeout time.Duration) (market.RawMarket, error) {
	s.mu.Lock()
	err := s.failures[d.Symbol]
	delay := s.delay[d.Symbol]
	s.mu.Unlock()

	if delay > 0 {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return market.RawMarket{}, ctx.Err()
		}
	}
	if err != nil {
		return market.RawMarket{}, err
	}
	exp18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return market.RawMarket{
		Utilization: new(big.Int).Div(exp18, big.NewInt(2)),
		SupplyRate:  big.NewInt(1_000_000_000),
		BorrowRate:  big.NewInt(2_000_000_000),
		TotalSupply: big.NewInt(1_000_000),
		TotalBorrow: big.NewInt(500_000),
		Reserves:    big.NewInt(10_000),
		Price:       big.NewInt(100_000_000),
	}, nil
}

func (s *stubAdapter) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return s.probeErr
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *countingObserver) ObserveFetch(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

var threeMarkets = []market.Descriptor{
	{Symbol: "USDC", Address: "0x1"},
	{Symbol: "WETH", Address: "0x2"},
	{Symbol: "WBTC", Address: "0x3"},
}

func TestFetchAllTimeoutFallsBack(t *testing.T) {
	adapter := &stubAdapter{delay: map[string]time.Duration{"WBTC": time.Second}}
	obs := &countingObserver{}
	agg := NewAggregator(adapter, market.NewSynthesizer(1), AggregatorOptions{Observer: obs}, noopLogger())

	res, err := agg.FetchAll(context.Background(), threeMarkets, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("FetchAll should not fail: %v", err)
	}
	if len(res.Snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(res.Snapshots))
	}
	for i, d := range threeMarkets {
		if res.Snapshots[i].Symbol != d.Symbol {
			t.Fatalf("order not preserved at %d: %s", i, res.Snapshots[i].Symbol)
		}
	}

	wbtc := res.Snapshots[2]
	if !wbtc.IsFallback {
		t.Fatal("WBTC should be fallback")
	}
	if wbtc.Utilization < 0.10 || wbtc.Utilization > 0.90 {
		t.Fatalf("fallback utilization out of range: %v", wbtc.Utilization)
	}
	if res.Snapshots[0].IsFallback || res.Snapshots[1].IsFallback {
		t.Fatal("USDC and WETH should be live")
	}
	if res.Snapshots[0].Utilization != 0.5 {
		t.Fatalf("live utilization: %v", res.Snapshots[0].Utilization)
	}

	var timeouts int
	for _, o := range obs.outcomes {
		if o.Failure == FailureTimeout {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Fatalf("expected 1 timeout outcome, got %d", timeouts)
	}
}

func TestFetchAllAllFailuresStillComplete(t *testing.T) {
	adapter := &stubAdapter{failures: map[string]error{
		"USDC": errors.New("connection reset"),
		"WETH": errors.New("execution reverted"),
		"WBTC": context.DeadlineExceeded,
	}}
	agg := NewAggregator(adapter, nil, AggregatorOptions{}, noopLogger())

	for n := 1; n <= len(threeMarkets); n++ {
		res, err := agg.FetchAll(context.Background(), threeMarkets[:n], time.Second)
		if err != nil {
			t.Fatalf("FetchAll should not fail: %v", err)
		}
		if len(res.Snapshots) != n {
			t.Fatalf("expected %d snapshots, got %d", n, len(res.Snapshots))
		}
		for _, s := range res.Snapshots {
			if !s.IsFallback {
				t.Fatalf("%s should be fallback", s.Symbol)
			}
		}
	}
}

func TestFetchAllConfigErrors(t *testing.T) {
	agg := NewAggregator(&stubAdapter{}, nil, AggregatorOptions{}, noopLogger())
	if _, err := agg.FetchAll(context.Background(), nil, time.Second); !errors.Is(err, ErrNoMarkets) {
		t.Fatalf("empty list should return ErrNoMarkets, got %v", err)
	}

	agg = NewAggregator(nil, nil, AggregatorOptions{}, noopLogger())
	if _, err := agg.FetchAll(context.Background(), threeMarkets, time.Second); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("nil adapter should return ErrNoEndpoint, got %v", err)
	}

	agg = NewAggregator(NewComet(CometOptions{}, noopLogger()), nil, AggregatorOptions{}, noopLogger())
	if _, err := agg.FetchAll(context.Background(), threeMarkets, time.Second); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("unconfigured comet should return ErrNoEndpoint, got %v", err)
	}
}

func TestFetchAllOfflineMode(t *testing.T) {
	adapter := &stubAdapter{probeErr: errors.New("dial failed")}
	agg := NewAggregator(adapter, market.NewSynthesizer(3), AggregatorOptions{}, noopLogger())

	if err := agg.Probe(context.Background()); err == nil {
		t.Fatal("probe should fail")
	}
	if !agg.Offline() {
		t.Fatal("aggregator should be offline")
	}

	res, err := agg.FetchAll(context.Background(), threeMarkets, time.Second)
	if err != nil {
		t.Fatalf("offline FetchAll should not fail: %v", err)
	}
	if res.FallbackCount() != 3 {
		t.Fatalf("offline aggregate must be fully synthetic, got %d fallbacks", res.FallbackCount())
	}

	adapter.mu.Lock()
	adapter.probeErr = nil
	adapter.mu.Unlock()

	res, err = agg.FetchAll(context.Background(), threeMarkets, time.Second)
	if err != nil {
		t.Fatalf("FetchAll after recovery: %v", err)
	}
	if agg.Offline() {
		t.Fatal("aggregator should leave offline mode after a good probe")
	}
	if res.FallbackCount() != 0 {
		t.Fatalf("recovered aggregate should be live, got %d fallbacks", res.FallbackCount())
	}
}
