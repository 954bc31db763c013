package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cometwatch/internal/market"
)

const (
	cometABIJSON = `[
{"inputs":[],"name":"getUtilization","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"utilization","type":"uint256"}],"name":"getSupplyRate","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"utilization","type":"uint256"}],"name":"getBorrowRate","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalBorrow","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getReserves","outputs":[{"internalType":"int256","name":"","type":"int256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"baseTokenPriceFeed","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"priceFeed","type":"address"}],"name":"getPrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	defaultCallTimeout = 3 * time.Second
)

var (
	cometABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(cometABIJSON))
	if err != nil {
		panic("failed to parse Comet ABI: " + err.Error())
	}
	cometABI = parsed
}

// CometOptions parameterise the on-chain adapter.
type CometOptions struct {
	RPCURL string
	// Caller overrides dialing RPCURL; used by tests and simulations.
	Caller ethereum.ContractCaller
	// MaxRPS caps eth_call requests per second across all markets. Zero
	// means unlimited.
	MaxRPS float64
	Burst  int
}

// Comet reads Compound III market state through eth_call.
type Comet struct {
	opts      CometOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	caller    ethereum.ContractCaller
	limiter   *rate.Limiter
	clientMux sync.Mutex
}

// NewComet builds a Comet adapter.
func NewComet(opts CometOptions, logger zerolog.Logger) *Comet {
	c := &Comet{
		opts:   opts,
		caller: opts.Caller,
		logger: logger.With().Str("component", "comet_adapter").Logger(),
	}
	if opts.MaxRPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), burst)
	}
	return c
}

// Configured reports ErrNoEndpoint when there is nothing to call.
func (c *Comet) Configured() error {
	if c.opts.Caller == nil && c.opts.RPCURL == "" {
		return ErrNoEndpoint
	}
	return nil
}

// FetchMarket runs the utilization → rates chain alongside the independent
// totals and price calls. Any failed call fails the whole market.
func (c *Comet) FetchMarket(ctx context.Context, d market.Descriptor, callTimeout time.Duration) (market.RawMarket, error) {
	if err := c.Configured(); err != nil {
		return market.RawMarket{}, err
	}
	if !common.IsHexAddress(d.Address) {
		return market.RawMarket{}, &FetchError{Market: d.Symbol, Kind: FailureCallReverted, Err: fmt.Errorf("invalid market address %q", d.Address)}
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	caller, err := c.getCaller(ctx)
	if err != nil {
		return market.RawMarket{}, Classify(d.Symbol, err)
	}

	call := &cometCall{caller: caller, limiter: c.limiter, addr: common.HexToAddress(d.Address), timeout: callTimeout}
	var raw market.RawMarket

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		util, err := call.bigInt(gctx, "getUtilization")
		if err != nil {
			return err
		}
		supply, err := call.bigInt(gctx, "getSupplyRate", util)
		if err != nil {
			return err
		}
		borrow, err := call.bigInt(gctx, "getBorrowRate", util)
		if err != nil {
			return err
		}
		raw.Utilization, raw.SupplyRate, raw.BorrowRate = util, supply, borrow
		return nil
	})
	g.Go(func() (err error) {
		raw.TotalSupply, err = call.bigInt(gctx, "totalSupply")
		return err
	})
	g.Go(func() (err error) {
		raw.TotalBorrow, err = call.bigInt(gctx, "totalBorrow")
		return err
	})
	g.Go(func() (err error) {
		raw.Reserves, err = call.bigInt(gctx, "getReserves")
		return err
	})
	g.Go(func() error {
		feed, err := call.address(gctx, "baseTokenPriceFeed")
		if err != nil {
			return err
		}
		raw.Price, err = call.bigInt(gctx, "getPrice", feed)
		return err
	})

	if err := g.Wait(); err != nil {
		return market.RawMarket{}, Classify(d.Symbol, err)
	}

	c.logger.Debug().Str("market", d.Symbol).
		Str("utilization", raw.Utilization.String()).
		Msg("market fetched")
	return raw, nil
}

// Probe checks that the RPC endpoint answers.
func (c *Comet) Probe(ctx context.Context) error {
	if err := c.Configured(); err != nil {
		return err
	}
	caller, err := c.getCaller(ctx)
	if err != nil {
		return err
	}
	client, ok := caller.(interface {
		ChainID(ctx context.Context) (*big.Int, error)
	})
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	id, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug().Str("chain_id", id.String()).Msg("rpc probe ok")
	return nil
}

func (c *Comet) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.caller = client
	return client, nil
}

// Close releases the RPC client, if one was dialed.
func (c *Comet) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.caller = c.opts.Caller
	}
}

type cometCall struct {
	caller  ethereum.ContractCaller
	limiter *rate.Limiter
	addr    common.Address
	timeout time.Duration
}

func (c *cometCall) do(ctx context.Context, method string, args ...any) ([]any, error) {
	payload, err := cometABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limit: %w", method, err)
		}
	}

	res, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: payload}, nil)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	outputs, err := cometABI.Unpack(method, res)
	if err != nil {
		return nil, &FetchError{Kind: FailureCallReverted, Err: fmt.Errorf("decode %s: %w", method, err)}
	}
	if len(outputs) != 1 {
		return nil, &FetchError{Kind: FailureCallReverted, Err: fmt.Errorf("unexpected %s response", method)}
	}
	return outputs, nil
}

func (c *cometCall) bigInt(ctx context.Context, method string, args ...any) (*big.Int, error) {
	outputs, err := c.do(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	switch v := outputs[0].(type) {
	case *big.Int:
		return v, nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, &FetchError{Kind: FailureCallReverted, Err: fmt.Errorf("failed to decode %s output", method)}
	}
}

func (c *cometCall) address(ctx context.Context, method string) (common.Address, error) {
	outputs, err := c.do(ctx, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, &FetchError{Kind: FailureCallReverted, Err: fmt.Errorf("failed to decode %s output", method)}
	}
	return addr, nil
}

var (
	_ Adapter = (*Comet)(nil)
	_ Prober  = (*Comet)(nil)
)
