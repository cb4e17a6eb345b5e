package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"healthwatch/diagnosis"
)

// tsLayout has a fixed width so that text order is time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the SQLite file at dbPath and runs the
// migration that creates the `health_checks` table if it does not exist.
// The caller must call Close() when the program shuts down.
func NewSQLite(dbPath string, log *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// The modernc.org driver is pure Go and works without CGO.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single writer keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS health_checks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id    TEXT NOT NULL UNIQUE,
    captured_at TEXT NOT NULL,
    cause       TEXT NOT NULL,
    extended    INTEGER NOT NULL,
    duration_ms REAL NOT NULL,
    worst       TEXT NOT NULL,
    findings    INTEGER NOT NULL,
    report      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_checks_captured_at ON health_checks(captured_at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create health_checks table: %w", err)
	}
	s.log.Info("SQLite migration applied")
	return nil
}

// Save stores a report in a single transaction.
func (s *SQLite) Save(ctx context.Context, r *diagnosis.Report) error {
	if r == nil || r.Sample == nil {
		return fmt.Errorf("save: report without sample")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", r.CycleID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO health_checks (cycle_id, captured_at, cause, extended, duration_ms, worst, findings, report)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	ts := r.Sample.CapturedAt.UTC()
	_, err = stmt.ExecContext(ctx,
		r.CycleID,
		ts.Format(tsLayout),
		string(r.Trigger),
		r.Sample.Extended,
		float64(r.Duration.Microseconds())/1000,
		string(r.Worst()),
		len(r.Findings),
		string(body),
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec insert for %s: %w", r.CycleID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("report persisted",
		zap.String("cycle_id", r.CycleID),
		zap.Time("ts", ts),
		zap.Int("findings", len(r.Findings)))
	return nil
}

// Recent returns up to limit reports, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]CheckRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, captured_at, duration_ms, report
FROM health_checks
ORDER BY captured_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query health_checks: %w", err)
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		var (
			rec        CheckRecord
			capturedAt string
			durationMs float64
			body       string
		)
		if err := rows.Scan(&rec.ID, &capturedAt, &durationMs, &body); err != nil {
			return nil, fmt.Errorf("scan health_checks: %w", err)
		}
		if rec.CapturedAt, err = time.Parse(tsLayout, capturedAt); err != nil {
			return nil, fmt.Errorf("row %d: bad captured_at %q: %w", rec.ID, capturedAt, err)
		}
		var r diagnosis.Report
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("row %d: decode report: %w", rec.ID, err)
		}
		r.Duration = time.Duration(durationMs * float64(time.Millisecond))
		rec.Report = &r
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close shuts down the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
