package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"cometwatch/internal/alerting"
	"cometwatch/internal/market"
)

// SnapshotRecord is one persisted market reading of a poll cycle.
type SnapshotRecord struct {
	ID          int64
	CycleTS     time.Time
	Symbol      string
	Address     string
	Utilization decimal.Decimal
	SupplyRate  decimal.Decimal
	BorrowRate  decimal.Decimal
	TotalSupply decimal.Decimal
	TotalBorrow decimal.Decimal
	Reserves    decimal.Decimal
	Price       decimal.Decimal
	IsFallback  bool
	CreatedAt   time.Time
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        string
	Kind      string
	Severity  string
	Market    string
	Message   string
	Value     decimal.Decimal
	Threshold decimal.Decimal
	Change    decimal.Decimal
	EmittedAt time.Time
	CreatedAt time.Time
}

// RecordsFromAggregate flattens an aggregate into rows sharing its timestamp.
func RecordsFromAggregate(agg market.Aggregate) []SnapshotRecord {
	out := make([]SnapshotRecord, len(agg.Snapshots))
	for i, s := range agg.Snapshots {
		out[i] = SnapshotRecord{
			CycleTS:     agg.Timestamp.UTC(),
			Symbol:      s.Symbol,
			Address:     s.Address,
			Utilization: decimal.NewFromFloat(s.Utilization),
			SupplyRate:  decimal.NewFromFloat(s.SupplyRate),
			BorrowRate:  decimal.NewFromFloat(s.BorrowRate),
			TotalSupply: decimal.NewFromFloat(s.TotalSupply),
			TotalBorrow: decimal.NewFromFloat(s.TotalBorrow),
			Reserves:    decimal.NewFromFloat(s.Reserves),
			Price:       decimal.NewFromFloat(s.Price),
			IsFallback:  s.IsFallback,
		}
	}
	return out
}

// Snapshot converts a stored row back to the engine type.
func (r SnapshotRecord) Snapshot() market.Snapshot {
	return market.Snapshot{
		Symbol:      r.Symbol,
		Address:     r.Address,
		Utilization: r.Utilization.InexactFloat64(),
		SupplyRate:  r.SupplyRate.InexactFloat64(),
		BorrowRate:  r.BorrowRate.InexactFloat64(),
		TotalSupply: r.TotalSupply.InexactFloat64(),
		TotalBorrow: r.TotalBorrow.InexactFloat64(),
		Reserves:    r.Reserves.InexactFloat64(),
		Price:       r.Price.InexactFloat64(),
		IsFallback:  r.IsFallback,
		Timestamp:   r.CycleTS,
	}
}

// RecordFromAlert converts an engine alert into a row.
func RecordFromAlert(a alerting.Alert) AlertRecord {
	return AlertRecord{
		ID:        a.ID,
		Kind:      string(a.Kind),
		Severity:  a.Severity.String(),
		Market:    a.Market,
		Message:   a.Message,
		Value:     decimal.NewFromFloat(a.Value),
		Threshold: decimal.NewFromFloat(a.Threshold),
		Change:    decimal.NewFromFloat(a.Change),
		EmittedAt: a.Timestamp.UTC(),
	}
}
