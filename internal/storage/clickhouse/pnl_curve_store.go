package clickhouse

import (
	"context"
	"fmt"
	"time"
)

// CurvePoint is one step of a simulated PnL curve.
type CurvePoint struct {
	Price float64
	PnL   float64
}

// PnLCurveStore persists simulated PnL curves for analytical reads.
type PnLCurveStore struct {
	conn *Conn
}

// NewPnLCurveStore creates a new PnLCurveStore.
func NewPnLCurveStore(conn *Conn) *PnLCurveStore {
	return &PnLCurveStore{conn: conn}
}

// InsertRun stores the full curve of one simulation run.
func (s *PnLCurveStore) InsertRun(ctx context.Context, runID string, at time.Time, points []CurvePoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO simulated_pnl_curves (run_id, ts, price, pnl, step)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i, p := range points {
		if err := batch.Append(runID, at, p.Price, p.PnL, uint32(i)); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetRun retrieves the curve of a run, ordered by step.
func (s *PnLCurveStore) GetRun(ctx context.Context, runID string) ([]CurvePoint, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT price, pnl
		FROM simulated_pnl_curves
		WHERE run_id = ?
		ORDER BY step ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query pnl curve: %w", err)
	}
	defer rows.Close()

	var points []CurvePoint
	for rows.Next() {
		var p CurvePoint
		if err := rows.Scan(&p.Price, &p.PnL); err != nil {
			return nil, fmt.Errorf("scan curve row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate curve rows: %w", err)
	}
	return points, nil
}
