package clickhouse

import (
	"context"
	"fmt"
	"time"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

// ValuationSnapshotStore implements storage.ValuationStore using
// ClickHouse. Snapshots are analytical writes; the ReplacingMergeTree
// engine deduplicates replays of the same (strategy_id, ts) pair.
type ValuationSnapshotStore struct {
	conn *Conn
}

// NewValuationSnapshotStore creates a new ValuationSnapshotStore.
func NewValuationSnapshotStore(conn *Conn) *ValuationSnapshotStore {
	return &ValuationSnapshotStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ValuationStore = (*ValuationSnapshotStore)(nil)

// InsertBulk adds snapshots in one batch.
func (s *ValuationSnapshotStore) InsertBulk(ctx context.Context, snaps []*domain.ValuationSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO valuation_snapshots (
			strategy_id, ts, cost_basis, accrued_fees,
			realized_pnl, unrealized_pnl, cash, current_value, nav
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, snap := range snaps {
		err = batch.Append(
			snap.StrategyID, snap.Timestamp,
			snap.CostBasis, snap.AccruedFees,
			snap.RealizedPnL, snap.UnrealizedPnL,
			snap.Cash, snap.CurrentValue, snap.NAV,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetLatest retrieves the most recent snapshot for a strategy. Returns
// ErrNotFound if none exists.
func (s *ValuationSnapshotStore) GetLatest(ctx context.Context, strategyID string) (*domain.ValuationSnapshot, error) {
	query := valuationSelect + `
		WHERE strategy_id = ?
		ORDER BY ts DESC
		LIMIT 1
	`

	rows, err := s.conn.Query(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	defer rows.Close()

	snaps, err := scanValuationSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, storage.ErrNotFound
	}
	return snaps[0], nil
}

// ListByStrategy retrieves snapshots for a strategy within [start, end],
// ordered by timestamp ascending.
func (s *ValuationSnapshotStore) ListByStrategy(ctx context.Context, strategyID string, start, end time.Time) ([]*domain.ValuationSnapshot, error) {
	query := valuationSelect + `
		WHERE strategy_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`

	rows, err := s.conn.Query(ctx, query, strategyID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query snapshots by strategy: %w", err)
	}
	defer rows.Close()

	return scanValuationSnapshots(rows)
}

const valuationSelect = `
	SELECT strategy_id, ts, cost_basis, accrued_fees,
	       realized_pnl, unrealized_pnl, cash, current_value, nav
	FROM valuation_snapshots
`

// chRows is the row iterator subset shared by Query results.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanValuationSnapshots(rows chRows) ([]*domain.ValuationSnapshot, error) {
	var snaps []*domain.ValuationSnapshot

	for rows.Next() {
		var snap domain.ValuationSnapshot
		err := rows.Scan(
			&snap.StrategyID, &snap.Timestamp,
			&snap.CostBasis, &snap.AccruedFees,
			&snap.RealizedPnL, &snap.UnrealizedPnL,
			&snap.Cash, &snap.CurrentValue, &snap.NAV,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snaps = append(snaps, &snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return snaps, nil
}
