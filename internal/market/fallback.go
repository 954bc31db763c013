package market

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Range is a closed interval used by the synthesizer.
type Range struct {
	Min float64
	Max float64
}

// Ranges is the single table of bounds for synthetic market data.
var Ranges = struct {
	Utilization Range
	SupplyRate  Range
	BorrowJit   Range
	TotalSupply Range
	Reserves    Range
}{
	Utilization: Range{Min: 0.10, Max: 0.90},
	SupplyRate:  Range{Min: 0, Max: 0.10},
	BorrowJit:   Range{Min: 0, Max: 0.02},
	TotalSupply: Range{Min: 1_000_000, Max: 6_000_000},
	Reserves:    Range{Min: 10_000, Max: 60_000},
}

// BorrowMultiplier scales the synthetic supply rate into a borrow rate.
const BorrowMultiplier = 1.5

var staticPrices = map[string]float64{
	"USDC": 1,
	"USDT": 1,
	"WETH": 3500,
	"ETH":  3500,
	"WBTC": 65000,
}

// Synthesizer produces bounded synthetic snapshots for markets whose live
// fetch failed. Safe for concurrent use.
type Synthesizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthesizer seeds a synthesizer; equal seeds give equal sequences.
func NewSynthesizer(seed uint64) *Synthesizer {
	return &Synthesizer{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Synthesize never fails; the result is flagged IsFallback.
func (s *Synthesizer) Synthesize(d Descriptor, now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	util := s.draw(Ranges.Utilization)
	supply := s.draw(Ranges.SupplyRate)
	borrow := supply*BorrowMultiplier + s.draw(Ranges.BorrowJit)
	totalSupply := s.draw(Ranges.TotalSupply)

	return Snapshot{
		Symbol:      d.Symbol,
		Address:     d.Address,
		Utilization: util,
		SupplyRate:  supply,
		BorrowRate:  borrow,
		TotalSupply: totalSupply,
		TotalBorrow: totalSupply * util,
		Reserves:    s.draw(Ranges.Reserves),
		Price:       StaticPrice(d.Symbol),
		IsFallback:  true,
		Timestamp:   now,
	}
}

// SynthesizeAll builds a fully synthetic aggregate.
func (s *Synthesizer) SynthesizeAll(ds []Descriptor, now time.Time) Aggregate {
	out := make([]Snapshot, len(ds))
	for i, d := range ds {
		out[i] = s.Synthesize(d, now)
	}
	return Aggregate{Snapshots: out, Timestamp: now}
}

func (s *Synthesizer) draw(r Range) float64 {
	return r.Min + s.rng.Float64()*(r.Max-r.Min)
}

// StaticPrice is the placeholder USD price for a base asset symbol.
func StaticPrice(symbol string) float64 {
	if p, ok := staticPrices[strings.ToUpper(symbol)]; ok {
		return p
	}
	return 1
}
