package market

import (
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// SecondsPerYear is the factor Comet uses to annualize per-second rates.
const SecondsPerYear = 365 * 24 * 60 * 60

// Normalize converts a fixed-point integer with the given decimal scale
// into a float. A nil value normalizes to zero.
func Normalize(raw *big.Int, scale int32) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -scale).InexactFloat64()
}

// Denormalize is the inverse of Normalize, rounding to the nearest base unit.
func Denormalize(v float64, scale int32) *big.Int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return new(big.Int)
	}
	return decimal.NewFromFloat(v).Shift(scale).Round(0).BigInt()
}

// AnnualizeRate turns a per-second rate fraction into an annual one.
func AnnualizeRate(perSecond float64) float64 {
	return perSecond * SecondsPerYear
}

// ClampUnit bounds v into [0,1]; NaN becomes 0.
func ClampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// NewSnapshot assembles a live snapshot from raw contract results.
func NewSnapshot(d Descriptor, raw RawMarket, now time.Time) Snapshot {
	base, price := d.Scales()
	return Snapshot{
		Symbol:      d.Symbol,
		Address:     d.Address,
		Utilization: ClampUnit(Normalize(raw.Utilization, RateDecimals)),
		SupplyRate:  AnnualizeRate(Normalize(raw.SupplyRate, RateDecimals)),
		BorrowRate:  AnnualizeRate(Normalize(raw.BorrowRate, RateDecimals)),
		TotalSupply: Normalize(raw.TotalSupply, base),
		TotalBorrow: Normalize(raw.TotalBorrow, base),
		Reserves:    Normalize(raw.Reserves, base),
		Price:       Normalize(raw.Price, price),
		Timestamp:   now,
	}
}
