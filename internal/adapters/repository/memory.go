package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
)

// MemoryStore is a Store kept in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	scans     []model.ScanSummary
	exposures []model.ExposureEvent
	closed    bool

	maxScans int
	logger   logger.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{maxScans: o.maxScans, logger: o.logger}
}

// AppendScanSummary stores s, dropping the oldest row when full.
func (m *MemoryStore) AppendScanSummary(_ context.Context, s model.ScanSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(m.scans) >= m.maxScans {
		m.scans = slices.Delete(m.scans, 0, len(m.scans)-m.maxScans+1)
	}
	m.scans = append(m.scans, s)
	return nil
}

// AppendExposureEvent stores e.
func (m *MemoryStore) AppendExposureEvent(_ context.Context, e model.ExposureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.exposures = append(m.exposures, e)
	return nil
}

// AppendExposureEvents stores every event or, when the store is closed, none.
func (m *MemoryStore) AppendExposureEvents(_ context.Context, events []model.ExposureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.exposures = append(m.exposures, events...)
	return nil
}

// QueryScansSince implements Store.
func (m *MemoryStore) QueryScansSince(_ context.Context, since time.Time) ([]model.ScanSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.ScanSummary, 0, len(m.scans))
	for _, s := range m.scans {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// QueryExposuresSince implements Store.
func (m *MemoryStore) QueryExposuresSince(_ context.Context, since time.Time) ([]model.ExposureEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.ExposureEvent, 0, len(m.exposures))
	for _, e := range m.exposures {
		if !e.Date.Before(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Count implements Store.
func (m *MemoryStore) Count(context.Context) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Counts{}, ErrClosed
	}
	return Counts{Scans: len(m.scans), Exposures: len(m.exposures)}, nil
}

// DeleteAll implements Store.
func (m *MemoryStore) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.logger.Info(ctx, "deleting all stored data",
		logger.Int("scans", len(m.scans)),
		logger.Int("exposures", len(m.exposures)),
	)
	m.scans, m.exposures = nil, nil
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
