package market

import (
	"math/big"
	"time"
)

const (
	// DefaultBaseDecimals applies when a descriptor leaves BaseDecimals unset.
	DefaultBaseDecimals int32 = 6
	// DefaultPriceDecimals matches Comet's getPrice scale.
	DefaultPriceDecimals int32 = 8
	// RateDecimals is the scale of utilization and per-second rates.
	RateDecimals int32 = 18
)

// Descriptor identifies one Comet market.
type Descriptor struct {
	Symbol        string
	Address       string
	BaseDecimals  int32
	PriceDecimals int32
}

// Scales returns base and price decimals with defaults applied.
func (d Descriptor) Scales() (base, price int32) {
	base, price = d.BaseDecimals, d.PriceDecimals
	if base <= 0 {
		base = DefaultBaseDecimals
	}
	if price <= 0 {
		price = DefaultPriceDecimals
	}
	return base, price
}

// RawMarket carries the fixed-point results of one live fetch.
type RawMarket struct {
	Utilization *big.Int
	SupplyRate  *big.Int
	BorrowRate  *big.Int
	TotalSupply *big.Int
	TotalBorrow *big.Int
	Reserves    *big.Int
	Price       *big.Int
}

// Snapshot is the normalized reading of one market. Utilization and rates
// are fractions; rates are annualized.
type Snapshot struct {
	Symbol      string    `json:"symbol"`
	Address     string    `json:"address"`
	Utilization float64   `json:"utilization"`
	SupplyRate  float64   `json:"supply_rate"`
	BorrowRate  float64   `json:"borrow_rate"`
	TotalSupply float64   `json:"total_supply"`
	TotalBorrow float64   `json:"total_borrow"`
	Reserves    float64   `json:"reserves"`
	Price       float64   `json:"price"`
	IsFallback  bool      `json:"is_fallback"`
	Timestamp   time.Time `json:"timestamp"`
}

// Aggregate holds one snapshot per configured market in configured order.
type Aggregate struct {
	Snapshots []Snapshot `json:"snapshots"`
	Timestamp time.Time  `json:"timestamp"`
}

// Find returns the snapshot for symbol.
func (a Aggregate) Find(symbol string) (Snapshot, bool) {
	for _, s := range a.Snapshots {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return Snapshot{}, false
}

// FallbackCount reports how many entries are synthetic.
func (a Aggregate) FallbackCount() int {
	n := 0
	for _, s := range a.Snapshots {
		if s.IsFallback {
			n++
		}
	}
	return n
}

// Totals summarises the aggregate across markets.
type Totals struct {
	SupplyUSD          float64 `json:"supply_usd"`
	BorrowUSD          float64 `json:"borrow_usd"`
	AverageUtilization float64 `json:"average_utilization"`
	MarketCount        int     `json:"market_count"`
}

// Totals values supply and borrow at each market's price.
func (a Aggregate) Totals() Totals {
	t := Totals{MarketCount: len(a.Snapshots)}
	if t.MarketCount == 0 {
		return t
	}
	var util float64
	for _, s := range a.Snapshots {
		t.SupplyUSD += s.TotalSupply * s.Price
		t.BorrowUSD += s.TotalBorrow * s.Price
		util += s.Utilization
	}
	t.AverageUtilization = util / float64(t.MarketCount)
	return t
}
