package collector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"healthwatch/logger"
)

// RowScanner is satisfied by *sql.Row.
type RowScanner interface {
	Scan(dest ...any) error
}

// Querier runs a single-row read-only query.
type Querier interface {
	QueryRow(ctx context.Context, query string, args ...any) RowScanner
}

// DB adapts *sql.DB to Querier.
type DB struct{ *sql.DB }

func (d DB) QueryRow(ctx context.Context, query string, args ...any) RowScanner {
	return d.DB.QueryRowContext(ctx, query, args...)
}

// OpenDiagnosticsDB opens a small dedicated Postgres pool for the diagnostic
// queries so probing never competes with the application's own pool. Both
// key=value and postgres:// URL forms are accepted.
func OpenDiagnosticsDB(dsn string, maxConns int) (*sql.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		dsn = kv
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

const (
	blockedQueriesSQL = `
SELECT count(*) FROM pg_stat_activity blocked
JOIN pg_locks bl ON bl.pid = blocked.pid
WHERE NOT bl.granted
  AND blocked.pid <> pg_backend_pid()`

	longQueriesSQL = `
SELECT count(*) FROM pg_stat_activity
WHERE state = 'active'
  AND query_start < now() - $1 * interval '1 second'
  AND pid <> pg_backend_pid()`

	idleInTransactionSQL = `
SELECT count(*) FROM pg_stat_activity
WHERE state = 'idle in transaction'
  AND xact_start < now() - $1 * interval '1 second'
  AND pid <> pg_backend_pid()`

	lockWaitsSQL = `
SELECT count(*) FROM pg_stat_activity
WHERE wait_event_type = 'Lock'
  AND state = 'active'
  AND pid <> pg_backend_pid()`

	// NULL when nothing is running.
	oldestQuerySQL = `
SELECT EXTRACT(EPOCH FROM (now() - min(query_start)))::float8
FROM pg_stat_activity
WHERE state = 'active'
  AND pid <> pg_backend_pid()`

	connectionsSQL = `
SELECT count(*),
       count(*) FILTER (WHERE state = 'active'),
       count(*) FILTER (WHERE state = 'idle'),
       count(*) FILTER (WHERE state = 'active' AND wait_event_type IS NOT NULL)
FROM pg_stat_activity
WHERE backend_type = 'client backend'
  AND pid <> pg_backend_pid()`
)

// DatabaseCollector runs the lock and query diagnostics against Postgres.
type DatabaseCollector struct {
	DB                 Querier
	QueryTimeout       time.Duration
	LongQueryThreshold time.Duration
	IdleTxThreshold    time.Duration
	Log                *zap.Logger
}

func NewDatabaseCollector(db Querier, queryTimeout, longQuery, idleTx time.Duration, log *zap.Logger) *DatabaseCollector {
	return &DatabaseCollector{
		DB:                 db,
		QueryTimeout:       queryTimeout,
		LongQueryThreshold: longQuery,
		IdleTxThreshold:    idleTx,
		Log:                log.Named("database"),
	}
}

func (d *DatabaseCollector) Name() string { return "database" }

type dbQuery struct {
	name string
	sql  string
	args []any
	scan func(RowScanner, Fragment) error
}

func (d *DatabaseCollector) queries() []dbQuery {
	count := func(key string) func(RowScanner, Fragment) error {
		return func(r RowScanner, f Fragment) error {
			var n int64
			if err := r.Scan(&n); err != nil {
				return err
			}
			f[key] = Num(float64(n))
			return nil
		}
	}
	return []dbQuery{
		{name: "pg_blocked_queries", sql: blockedQueriesSQL, scan: count("pg_blocked_queries")},
		{name: "pg_long_queries", sql: longQueriesSQL, args: []any{d.LongQueryThreshold.Seconds()}, scan: count("pg_long_queries")},
		{name: "pg_idle_in_transaction", sql: idleInTransactionSQL, args: []any{d.IdleTxThreshold.Seconds()}, scan: count("pg_idle_in_transaction")},
		{name: "pg_lock_waits", sql: lockWaitsSQL, scan: count("pg_lock_waits")},
		{name: "pg_oldest_query_seconds", sql: oldestQuerySQL, scan: func(r RowScanner, f Fragment) error {
			var age sql.NullFloat64
			if err := r.Scan(&age); err != nil {
				return err
			}
			if !age.Valid {
				f["pg_oldest_query_seconds"] = Null()
				return nil
			}
			f.SetNum("pg_oldest_query_seconds", age.Float64, 1)
			return nil
		}},
		{name: "pg_connections", sql: connectionsSQL, scan: func(r RowScanner, f Fragment) error {
			var total, active, idle, waiting int64
			if err := r.Scan(&total, &active, &idle, &waiting); err != nil {
				return err
			}
			f["pg_connections_total"] = Num(float64(total))
			f["pg_connections_active"] = Num(float64(active))
			f["pg_connections_idle"] = Num(float64(idle))
			f["pg_connections_waiting"] = Num(float64(waiting))
			return nil
		}},
	}
}

// Collect implements the Collector interface. The queries run concurrently,
// each under its own deadline; a failing query only drops its own keys.
func (d *DatabaseCollector) Collect(ctx context.Context, _ bool) (Fragment, error) {
	var (
		mu   sync.Mutex
		f    = Fragment{}
		errs error
	)

	var g errgroup.Group
	for _, q := range d.queries() {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, d.QueryTimeout)
			defer cancel()

			part := Fragment{}
			err := q.scan(d.DB.QueryRow(qctx, q.sql, q.args...), part)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", q.name, err))
				return nil
			}
			for k, v := range part {
				f[k] = v
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		logger.FromContext(ctx, d.Log).Debug("database diagnostics degraded", zap.Error(errs))
		if len(f) == 0 {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, errs)
		}
		return f, fmt.Errorf("%w: %w", ErrPartial, errs)
	}
	return f, nil
}
