package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"cometwatch/internal/market"
)

var (
	// ErrNoEndpoint means no RPC endpoint is configured at all.
	ErrNoEndpoint = errors.New("ethereum rpc url not configured")
	// ErrNoMarkets means the market list is empty.
	ErrNoMarkets = errors.New("market list is empty")
)

// FailureKind classifies a per-market fetch failure.
type FailureKind string

const (
	FailureTimeout      FailureKind = "timeout"
	FailureNetwork      FailureKind = "network_error"
	FailureCallReverted FailureKind = "call_reverted"
)

// FetchError is the typed failure of one market fetch.
type FetchError struct {
	Market string
	Kind   FailureKind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Market, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Adapter performs the read-only calls for one market.
type Adapter interface {
	FetchMarket(ctx context.Context, d market.Descriptor, callTimeout time.Duration) (market.RawMarket, error)
}

// Prober reports whether the upstream chain connection is usable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Classify maps an arbitrary call error onto a FetchError.
func Classify(symbol string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Market == "" {
			tagged := *fe
			tagged.Market = symbol
			return &tagged
		}
		return fe
	}
	return &FetchError{Market: symbol, Kind: classifyKind(err), Err: err}
}

func classifyKind(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return FailureCallReverted
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return FailureCallReverted
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return FailureCallReverted
	}
	return FailureNetwork
}
