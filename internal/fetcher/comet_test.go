package fetcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"cometwatch/internal/market"
)

var priceFeed = common.HexToAddress("0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6")

// fakeComet answers eth_call by ABI-packing canned outputs per method.
type fakeComet struct {
	mu      sync.Mutex
	values  map[string]any
	errs    map[string]error
	delays  map[string]time.Duration
	calls   []string
	utilArg *big.Int
}

func newFakeComet() *fakeComet {
	exp18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	util := new(big.Int).Div(new(big.Int).Mul(exp18, big.NewInt(86)), big.NewInt(100))
	return &fakeComet{
		values: map[string]any{
			"getUtilization":     util,
			"getSupplyRate":      uint64(1_000_000_000),
			"getBorrowRate":      uint64(1_500_000_000),
			"totalSupply":        big.NewInt(5_000_000_000_000),
			"totalBorrow":        big.NewInt(4_300_000_000_000),
			"getReserves":        big.NewInt(25_000_000_000),
			"baseTokenPriceFeed": priceFeed,
			"getPrice":           big.NewInt(100_000_000),
		},
		errs:   map[string]error{},
		delays: map[string]time.Duration{},
	}
}

func (f *fakeComet) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := cometABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, method.Name)
	if method.Name == "getSupplyRate" || method.Name == "getBorrowRate" {
		args, _ := method.Inputs.Unpack(msg.Data[4:])
		f.utilArg = args[0].(*big.Int)
	}
	delay := f.delays[method.Name]
	callErr := f.errs[method.Name]
	value := f.values[method.Name]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if callErr != nil {
		return nil, callErr
	}
	return method.Outputs.Pack(value)
}

func (f *fakeComet) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestCometMissingConfig(t *testing.T) {
	c := NewComet(CometOptions{}, noopLogger())
	_, err := c.FetchMarket(context.Background(), market.Descriptor{Symbol: "USDC", Address: "0xc3d688B66703497DAA19211EEdff47f25384cdc3"}, time.Second)
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("未配置 RPC 时应返回 ErrNoEndpoint, 实际 %v", err)
	}
}

func TestCometFetchSuccess(t *testing.T) {
	fake := newFakeComet()
	c := NewComet(CometOptions{Caller: fake}, noopLogger())

	raw, err := c.FetchMarket(context.Background(), market.Descriptor{Symbol: "USDC", Address: "0xc3d688B66703497DAA19211EEdff47f25384cdc3"}, time.Second)
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if raw.SupplyRate.Uint64() != 1_000_000_000 || raw.BorrowRate.Uint64() != 1_500_000_000 {
		t.Fatalf("unexpected rates: %s %s", raw.SupplyRate, raw.BorrowRate)
	}
	if raw.Price.Int64() != 100_000_000 {
		t.Fatalf("price should come from getPrice(feed), got %s", raw.Price)
	}
	if fake.utilArg == nil || fake.utilArg.Cmp(raw.Utilization) != 0 {
		t.Fatalf("rate calls must receive the fetched utilization")
	}

	calls := fake.called()
	idx := func(name string) int {
		for i, c := range calls {
			if c == name {
				return i
			}
		}
		return -1
	}
	if idx("getUtilization") > idx("getSupplyRate") || idx("getUtilization") > idx("getBorrowRate") {
		t.Fatalf("rates must be requested after utilization: %v", calls)
	}
	if len(calls) != 8 {
		t.Fatalf("expected 8 calls, got %d (%v)", len(calls), calls)
	}
}

func TestCometFetchRevert(t *testing.T) {
	fake := newFakeComet()
	fake.errs["getReserves"] = errors.New("execution reverted")
	c := NewComet(CometOptions{Caller: fake}, noopLogger())

	_, err := c.FetchMarket(context.Background(), market.Descriptor{Symbol: "WETH", Address: "0xA17581A9E3356d9A858b789D68B4d866e593aE94"}, time.Second)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Kind != FailureCallReverted || fe.Market != "WETH" {
		t.Fatalf("unexpected failure %+v", fe)
	}
}

func TestCometFetchTimeout(t *testing.T) {
	fake := newFakeComet()
	fake.delays["getBorrowRate"] = 200 * time.Millisecond
	c := NewComet(CometOptions{Caller: fake}, noopLogger())

	_, err := c.FetchMarket(context.Background(), market.Descriptor{Symbol: "WBTC", Address: "0xA17581A9E3356d9A858b789D68B4d866e593aE94"}, 20*time.Millisecond)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != FailureTimeout {
		t.Fatalf("expected timeout failure, got %v", err)
	}
}

func TestCometInvalidAddress(t *testing.T) {
	c := NewComet(CometOptions{Caller: newFakeComet()}, noopLogger())
	_, err := c.FetchMarket(context.Background(), market.Descriptor{Symbol: "BAD", Address: "not-an-address"}, time.Second)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != FailureCallReverted {
		t.Fatalf("invalid address should be a reverted call, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{context.DeadlineExceeded, FailureTimeout},
		{errors.New("dial tcp: connection refused"), FailureNetwork},
		{errors.New("Execution reverted: bad"), FailureCallReverted},
	}
	for _, tc := range cases {
		if got := Classify("X", tc.err).Kind; got != tc.want {
			t.Fatalf("classify %v: want %s got %s", tc.err, tc.want, got)
		}
	}
}

func TestCometRateLimited(t *testing.T) {
	fake := newFakeComet()
	c := NewComet(CometOptions{Caller: fake, MaxRPS: 1000, Burst: 8}, noopLogger())
	if c.limiter == nil {
		t.Fatal("limiter should be configured when MaxRPS > 0")
	}

	if _, err := c.FetchMarket(context.Background(), market.Descriptor{Symbol: "USDC", Address: "0xc3d688B66703497DAA19211EEdff47f25384cdc3"}, time.Second); err != nil {
		t.Fatalf("rate limited fetch should succeed: %v", err)
	}
	if len(fake.called()) != 8 {
		t.Fatalf("expected 8 calls, got %d", len(fake.called()))
	}
}
