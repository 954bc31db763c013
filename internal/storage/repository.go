package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSnapshotSQL = `INSERT INTO market_snapshots (
        cycle_ts,
        symbol,
        address,
        utilization,
        supply_rate,
        borrow_rate,
        total_supply,
        total_borrow,
        reserves,
        price,
        is_fallback
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (cycle_ts, symbol) DO UPDATE
    SET
        utilization  = EXCLUDED.utilization,
        supply_rate  = EXCLUDED.supply_rate,
        borrow_rate  = EXCLUDED.borrow_rate,
        total_supply = EXCLUDED.total_supply,
        total_borrow = EXCLUDED.total_borrow,
        reserves     = EXCLUDED.reserves,
        price        = EXCLUDED.price,
        is_fallback  = EXCLUDED.is_fallback;`

	snapshotColumns = `id,
        cycle_ts,
        symbol,
        address,
        utilization::text,
        supply_rate::text,
        borrow_rate::text,
        total_supply::text,
        total_borrow::text,
        reserves::text,
        price::text,
        is_fallback,
        created_at`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM market_snapshots
    WHERE symbol = $1
      AND cycle_ts >= $2
      AND cycle_ts < $3
    ORDER BY cycle_ts;`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM market_snapshots
    ORDER BY cycle_ts DESC, symbol
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        kind,
        severity,
        market,
        message,
        value,
        threshold,
        change,
        emitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id,
        kind,
        severity,
        market,
        message,
        value::text,
        threshold::text,
        change::text,
        emitted_at,
        created_at
    FROM alerts
    ORDER BY emitted_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE emitted_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for market snapshot persistence.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, records []SnapshotRecord) error
	ListSnapshotsBetween(ctx context.Context, symbol string, from, to time.Time) ([]SnapshotRecord, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshots upserts one cycle's rows in a single batch.
func (s *Store) InsertSnapshots(ctx context.Context, records []SnapshotRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertSnapshotSQL,
			r.CycleTS,
			r.Symbol,
			r.Address,
			r.Utilization.String(),
			r.SupplyRate.String(),
			r.BorrowRate.String(),
			r.TotalSupply.String(),
			r.TotalBorrow.String(),
			r.Reserves.String(),
			r.Price.String(),
			r.IsFallback,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}

// ListSnapshotsBetween lists one market's rows within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, symbol string, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, 0)
}

// ListRecentSnapshots lists the most recent rows, newest cycle first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, limit)
}

// InsertAlerts persists alert emissions. Duplicate IDs are ignored.
func (s *Store) InsertAlerts(ctx context.Context, alerts []AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range alerts {
		batch.Queue(insertAlertSQL,
			a.ID,
			a.Kind,
			a.Severity,
			a.Market,
			a.Message,
			a.Value.String(),
			a.Threshold.String(),
			a.Change.String(),
			a.EmittedAt,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var value, threshold, change string
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Severity,
			&rec.Market,
			&rec.Message,
			&value,
			&threshold,
			&change,
			&rec.EmittedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.Value, err = parseDecimal("value", value); err != nil {
			return nil, err
		}
		if rec.Threshold, err = parseDecimal("threshold", threshold); err != nil {
			return nil, err
		}
		if rec.Change, err = parseDecimal("change", change); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore removes alerts emitted before olderThan.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]SnapshotRecord, error) {
	out := make([]SnapshotRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (SnapshotRecord, error) {
	var rec SnapshotRecord
	var util, supply, borrow, totalSupply, totalBorrow, reserves, price string
	if err := row.Scan(
		&rec.ID,
		&rec.CycleTS,
		&rec.Symbol,
		&rec.Address,
		&util,
		&supply,
		&borrow,
		&totalSupply,
		&totalBorrow,
		&reserves,
		&price,
		&rec.IsFallback,
		&rec.CreatedAt,
	); err != nil {
		return SnapshotRecord{}, fmt.Errorf("scan snapshot: %w", err)
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"utilization", util, &rec.Utilization},
		{"supply_rate", supply, &rec.SupplyRate},
		{"borrow_rate", borrow, &rec.BorrowRate},
		{"total_supply", totalSupply, &rec.TotalSupply},
		{"total_borrow", totalBorrow, &rec.TotalBorrow},
		{"reserves", reserves, &rec.Reserves},
		{"price", price, &rec.Price},
	}
	for _, f := range fields {
		d, err := parseDecimal(f.name, f.raw)
		if err != nil {
			return SnapshotRecord{}, err
		}
		*f.dst = d
	}
	return rec, nil
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}
