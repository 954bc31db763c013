package market

import (
	"math"
	"math/big"
	"testing"
	"time"
)

func TestNormalizeRoundTrip(t *testing.T) {
	raws := []int64{0, 1, 7, 999_999, 123_456_789, 1_000_000_000_000, 123_456_789_012_345, 1_000_000_000_000_000}
	scales := []int32{0, 6, 8, 18}

	for _, r := range raws {
		for _, d := range scales {
			raw := big.NewInt(r)
			back := Denormalize(Normalize(raw, d), d)
			if back.Cmp(raw) != 0 {
				t.Fatalf("round trip %d@%d: got %s", r, d, back.String())
			}
		}
	}
}

func TestNormalizeScales(t *testing.T) {
	if got := Normalize(big.NewInt(1_500_000), 6); got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
	if got := Normalize(big.NewInt(6_500_000_000_000), 8); got != 65000 {
		t.Fatalf("expected 65000, got %v", got)
	}
	if got := Normalize(nil, 18); got != 0 {
		t.Fatalf("nil should normalize to 0, got %v", got)
	}
}

func TestNewSnapshotClampsAndAnnualizes(t *testing.T) {
	exp18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	overUtil := new(big.Int).Mul(exp18, big.NewInt(2))
	// 1e9 per second at scale 18
	perSecond := big.NewInt(1_000_000_000)

	d := Descriptor{Symbol: "USDC", Address: "0xabc"}
	now := time.Unix(1_700_000_000, 0)
	snap := NewSnapshot(d, RawMarket{
		Utilization: overUtil,
		SupplyRate:  perSecond,
		BorrowRate:  perSecond,
		TotalSupply: big.NewInt(2_000_000),
		TotalBorrow: big.NewInt(1_000_000),
		Reserves:    big.NewInt(-500_000),
		Price:       big.NewInt(100_000_000),
	}, now)

	if snap.Utilization != 1 {
		t.Fatalf("utilization should clamp to 1, got %v", snap.Utilization)
	}
	want := 1e-9 * SecondsPerYear
	if math.Abs(snap.SupplyRate-want) > 1e-12 {
		t.Fatalf("supply rate: want %v got %v", want, snap.SupplyRate)
	}
	if snap.TotalSupply != 2 || snap.TotalBorrow != 1 || snap.Reserves != -0.5 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
	if snap.Price != 1 {
		t.Fatalf("price should use 8 decimals, got %v", snap.Price)
	}
	if snap.IsFallback {
		t.Fatal("live snapshot flagged as fallback")
	}
	if !snap.Timestamp.Equal(now) {
		t.Fatal("timestamp not propagated")
	}
}

func TestSynthesizerRanges(t *testing.T) {
	s := NewSynthesizer(42)
	d := Descriptor{Symbol: "WBTC", Address: "0xdef"}

	for i := 0; i < 500; i++ {
		snap := s.Synthesize(d, time.Now())
		if !snap.IsFallback {
			t.Fatal("synthetic snapshot must be flagged")
		}
		if snap.Utilization < 0.10 || snap.Utilization > 0.90 {
			t.Fatalf("utilization out of range: %v", snap.Utilization)
		}
		if snap.SupplyRate < 0 || snap.SupplyRate > 0.10 {
			t.Fatalf("supply rate out of range: %v", snap.SupplyRate)
		}
		if snap.BorrowRate < snap.SupplyRate {
			t.Fatalf("borrow %v below supply %v", snap.BorrowRate, snap.SupplyRate)
		}
		if snap.BorrowRate > snap.SupplyRate*BorrowMultiplier+Ranges.BorrowJit.Max {
			t.Fatalf("borrow jitter out of range: %v", snap.BorrowRate)
		}
		if snap.TotalSupply <= 0 || snap.TotalBorrow <= 0 || snap.Reserves <= 0 {
			t.Fatalf("magnitudes must be positive: %+v", snap)
		}
		if snap.TotalBorrow >= snap.TotalSupply {
			t.Fatalf("borrow %v must stay below supply %v", snap.TotalBorrow, snap.TotalSupply)
		}
		if snap.Price != 65000 {
			t.Fatalf("unexpected WBTC price %v", snap.Price)
		}
	}
}

func TestSynthesizerDeterministic(t *testing.T) {
	d := Descriptor{Symbol: "USDC"}
	now := time.Unix(0, 0)
	a := NewSynthesizer(7).Synthesize(d, now)
	b := NewSynthesizer(7).Synthesize(d, now)
	if a != b {
		t.Fatalf("same seed should give same snapshot: %+v vs %+v", a, b)
	}
}

func TestAggregateTotals(t *testing.T) {
	agg := Aggregate{Snapshots: []Snapshot{
		{Symbol: "USDC", Utilization: 0.8, TotalSupply: 100, TotalBorrow: 80, Price: 1},
		{Symbol: "WETH", Utilization: 0.4, TotalSupply: 10, TotalBorrow: 4, Price: 3000, IsFallback: true},
	}}

	totals := agg.Totals()
	if totals.SupplyUSD != 30100 || totals.BorrowUSD != 12080 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if math.Abs(totals.AverageUtilization-0.6) > 1e-12 {
		t.Fatalf("unexpected average utilization %v", totals.AverageUtilization)
	}
	if agg.FallbackCount() != 1 {
		t.Fatalf("expected 1 fallback, got %d", agg.FallbackCount())
	}
	if _, ok := agg.Find("WETH"); !ok {
		t.Fatal("WETH should be found")
	}
	if _, ok := agg.Find("DAI"); ok {
		t.Fatal("DAI should not be found")
	}
	if (Aggregate{}).Totals().MarketCount != 0 {
		t.Fatal("empty aggregate totals")
	}
}
