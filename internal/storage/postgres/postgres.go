package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lpguard/internal/observability"
)

// Pool wraps pgxpool.Pool for dependency injection. Query, QueryRow and
// Exec shadow the pool methods so every statement is timed.
type Pool struct {
	*pgxpool.Pool
	metrics *observability.Metrics
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool, metrics: observability.DefaultMetrics}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// Query times the statement and delegates to the pool.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := p.Pool.Query(ctx, sql, args...)
	p.observe(sql, start, err)
	return rows, err
}

// QueryRow times the statement and delegates to the pool. Errors surface
// on Scan and are not visible here.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := p.Pool.QueryRow(ctx, sql, args...)
	p.observe(sql, start, nil)
	return row
}

// Exec times the statement and delegates to the pool.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := p.Pool.Exec(ctx, sql, args...)
	p.observe(sql, start, err)
	return tag, err
}

// withTx runs fn inside a transaction, committing on nil and rolling
// back on error. The whole transaction is timed as one operation.
func (p *Pool) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	err := p.runTx(ctx, fn)
	p.observe("transaction", start, err)
	return err
}

func (p *Pool) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// observe records one statement's duration and outcome.
func (p *Pool) observe(sql string, start time.Time, err error) {
	m := p.metrics
	if m == nil {
		m = observability.DefaultMetrics
	}
	op := sqlOperation(sql)
	m.DBQueryDuration.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues("postgres", op).Inc()
	}
}

// sqlOperation extracts the statement's leading keyword for metric
// labels.
func sqlOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	// Use pgconn.PgError for reliable error code detection
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}

	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
