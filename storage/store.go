package storage

import (
	"context"
	"time"

	"healthwatch/diagnosis"
)

// CheckRecord is one persisted health report.
type CheckRecord struct {
	ID         int64 // auto-increment primary key (mostly for internal use)
	CapturedAt time.Time
	Report     *diagnosis.Report
}

// Store abstracts a persistence back-end for health reports.
type Store interface {
	// Save stores one report. Either the whole report is written or nothing.
	Save(ctx context.Context, r *diagnosis.Report) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]CheckRecord, error)

	// Close releases any resources (e.g. DB connections).
	Close() error
}
