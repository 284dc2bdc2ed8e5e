package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Adapter is the storage adapter: a pooled Postgres
// connection with retry-on-transient-error and a health probe.
type Adapter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	degraded        atomic.Bool
	consecutiveFail atomic.Int32
	lastProbe       atomic.Int64 // unix nano
}

// AdapterOptions configures the Storage Adapter.
type AdapterOptions struct {
	DSN            string
	MaxConns       int32
	Logger         *slog.Logger
	HealthInterval time.Duration
}

// NewAdapter builds a pgxpool-backed Storage Adapter.
func NewAdapter(ctx context.Context, opts AdapterOptions) (*Adapter, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pgxpool for packages (account_store, crud,
// lock) that need row-level access beyond Query/Transact.
func (a *Adapter) Pool() *pgxpool.Pool {
	return a.pool
}

// Close releases all pooled connections.
func (a *Adapter) Close() {
	a.pool.Close()
}

// Query runs a retrying query and returns the resulting rows. Callers must
// close the returned Rows.
func (a *Adapter) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	var rows pgx.Rows
	err := withRetry(ctx, IsTransient, func() error {
		var qErr error
		rows, qErr = a.pool.Query(ctx, sql, args...)
		return qErr
	})
	return rows, err
}

// Transact runs fn inside a transaction, retrying the whole transaction on
// transient errors (connection lost, deadlock, lock-wait).
func (a *Adapter) Transact(ctx context.Context, fn func(pgx.Tx) error) error {
	return withRetry(ctx, IsTransient, func() error {
		return a.pool.BeginFunc(ctx, fn)
	})
}

// AcquireConnection checks out a dedicated connection, used by the
// Distributed Lock (advisory locks are session-scoped and must stay on one
// connection for the lifetime of the lock).
func (a *Adapter) AcquireConnection(ctx context.Context) (*pgxpool.Conn, error) {
	return a.pool.Acquire(ctx)
}

// HealthResult is the outcome of a Healthcheck call.
type HealthResult struct {
	Healthy   bool
	LatencyMs int64
	Degraded  bool
}

// Healthcheck runs SELECT 1 and reports latency. Three consecutive
// failures flip the adapter into degraded mode, reported by Degraded();
// no other component reads that flag.
func (a *Adapter) Healthcheck(ctx context.Context) HealthResult {
	start := time.Now()
	var one int
	err := a.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	latency := time.Since(start)

	if err != nil {
		n := a.consecutiveFail.Add(1)
		if n >= 3 {
			if !a.degraded.Swap(true) {
				a.logger.Warn("storage adapter entering degraded mode", "consecutive_failures", n)
			}
		}
		return HealthResult{Healthy: false, LatencyMs: latency.Milliseconds(), Degraded: a.degraded.Load()}
	}

	a.consecutiveFail.Store(0)
	if a.degraded.Swap(false) {
		a.logger.Info("storage adapter recovered from degraded mode")
	}
	return HealthResult{Healthy: true, LatencyMs: latency.Milliseconds(), Degraded: false}
}

// Degraded reports the last-known degraded state without probing.
func (a *Adapter) Degraded() bool {
	return a.degraded.Load()
}
