// Package repository persists scan summaries and exposure events.
package repository

import (
	"context"
	"time"

	"github.com/okian/proxitrace/internal/domain/model"
)

// Counts is the number of stored rows per kind.
type Counts struct {
	Scans     int `json:"scans"`
	Exposures int `json:"exposures"`
}

// Store provides read/write access to persisted observations and exposures.
type Store interface {
	// AppendScanSummary stores one snapshot row.
	AppendScanSummary(ctx context.Context, s model.ScanSummary) error
	// AppendExposureEvent stores one scored exposure.
	AppendExposureEvent(ctx context.Context, e model.ExposureEvent) error
	// AppendExposureEvents stores a detection run's exposures as one unit:
	// either all of them are stored or none.
	AppendExposureEvents(ctx context.Context, events []model.ExposureEvent) error

	// QueryScansSince returns scans with Timestamp >= since, oldest first.
	QueryScansSince(ctx context.Context, since time.Time) ([]model.ScanSummary, error)
	// QueryExposuresSince returns exposures with Date >= since, oldest first.
	QueryExposuresSince(ctx context.Context, since time.Time) ([]model.ExposureEvent, error)

	// Count reports stored row counts.
	Count(ctx context.Context) (Counts, error)
	// DeleteAll removes every stored row.
	DeleteAll(ctx context.Context) error
	// Close releases the store. Further calls return ErrClosed.
	Close() error
}
