package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

var (
	minNanoTime = time.Unix(0, math.MinInt64)
	maxNanoTime = time.Unix(0, math.MaxInt64)
)

// unixNanos clamps t to the range int64 nanoseconds can represent, so the
// zero time means "from the beginning".
func unixNanos(t time.Time) int64 {
	switch {
	case t.Before(minNanoTime):
		return math.MinInt64
	case t.After(maxNanoTime):
		return math.MaxInt64
	}
	return t.UnixNano()
}

// SQLiteStore is a Store backed by a SQLite file.
//
// Times are stored as UTC unix nanoseconds so range queries compare integers.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
	logger logger.Logger
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLiteStore{db: db, logger: o.logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info(ctx, "sqlite store opened", logger.String("path", path))
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			resolved_identifier TEXT NOT NULL DEFAULT '',
			platform INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			rssi INTEGER NOT NULL,
			median_rssi INTEGER NOT NULL,
			state INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scans_ts ON scans(ts);`,
		`CREATE TABLE IF NOT EXISTS exposures (
			id TEXT PRIMARY KEY,
			date INTEGER NOT NULL,
			duration REAL NOT NULL,
			total_risk_score INTEGER NOT NULL,
			total_risk_score_full_range REAL NOT NULL,
			transmission_risk_level INTEGER NOT NULL,
			attenuation_value INTEGER NOT NULL,
			attenuation_durations TEXT NOT NULL,
			window_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exposures_date ON exposures(date);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// AppendScanSummary implements Store.
func (s *SQLiteStore) AppendScanSummary(ctx context.Context, sum model.ScanSummary) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (id, peer_id, resolved_identifier, platform, ts, rssi, median_rssi, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		sum.ID.String(),
		sum.PeerID.String(),
		sum.ResolvedIdentifier,
		int(sum.Platform),
		sum.Timestamp.UTC().UnixNano(),
		sum.RSSI,
		sum.MedianRSSI,
		int(sum.State),
	)
	if err != nil {
		metrics.RecordErrorByComponent("repository", "insert_scan")
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendExposureEvent implements Store. Re-appending an event ID replaces it.
func (s *SQLiteStore) AppendExposureEvent(ctx context.Context, e model.ExposureEvent) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return insertExposure(ctx, s.db, e)
}

// AppendExposureEvents implements Store. The events are written in one
// transaction.
func (s *SQLiteStore) AppendExposureEvents(ctx context.Context, events []model.ExposureEvent) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin exposure batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, e := range events {
		if err = insertExposure(ctx, tx, e); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		metrics.RecordErrorByComponent("repository", "insert_exposure")
		return fmt.Errorf("commit exposure batch: %w", err)
	}
	return nil
}

func insertExposure(ctx context.Context, ex execer, e model.ExposureEvent) error {
	durations, err := json.Marshal(e.AttenuationDurations)
	if err != nil {
		return fmt.Errorf("encode attenuation durations: %w", err)
	}
	var window sql.NullString
	if e.Window != nil {
		raw, err := json.Marshal(e.Window)
		if err != nil {
			return fmt.Errorf("encode exposure window: %w", err)
		}
		window = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = ex.ExecContext(ctx,
		`INSERT INTO exposures (id, date, duration, total_risk_score, total_risk_score_full_range,
			transmission_risk_level, attenuation_value, attenuation_durations, window_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET date = excluded.date,
			duration = excluded.duration,
			total_risk_score = excluded.total_risk_score,
			total_risk_score_full_range = excluded.total_risk_score_full_range,
			transmission_risk_level = excluded.transmission_risk_level,
			attenuation_value = excluded.attenuation_value,
			attenuation_durations = excluded.attenuation_durations,
			window_json = excluded.window_json;`,
		e.ID.String(),
		e.Date.UTC().UnixNano(),
		e.Duration,
		e.TotalRiskScore,
		e.TotalRiskScoreFullRange,
		e.TransmissionRiskLevel,
		e.AttenuationValue,
		string(durations),
		window,
	)
	if err != nil {
		metrics.RecordErrorByComponent("repository", "insert_exposure")
		return fmt.Errorf("insert exposure: %w", err)
	}
	return nil
}

// QueryScansSince implements Store.
func (s *SQLiteStore) QueryScansSince(ctx context.Context, since time.Time) ([]model.ScanSummary, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, peer_id, resolved_identifier, platform, ts, rssi, median_rssi, state
		 FROM scans WHERE ts >= ? ORDER BY ts ASC, seq ASC;`,
		unixNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []model.ScanSummary
	for rows.Next() {
		var (
			id, peerID      string
			platform, state int
			ts              int64
			sum             model.ScanSummary
		)
		if err := rows.Scan(&id, &peerID, &sum.ResolvedIdentifier, &platform, &ts, &sum.RSSI, &sum.MedianRSSI, &state); err != nil {
			return nil, fmt.Errorf("scan scans row: %w", err)
		}
		if sum.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: scan id %q: %w", model.ErrDecodingFailed, id, err)
		}
		if sum.PeerID, err = uuid.Parse(peerID); err != nil {
			return nil, fmt.Errorf("%w: peer id %q: %w", model.ErrDecodingFailed, peerID, err)
		}
		sum.Platform = model.Platform(platform)
		sum.State = model.PeerState(state)
		sum.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}

// QueryExposuresSince implements Store.
func (s *SQLiteStore) QueryExposuresSince(ctx context.Context, since time.Time) ([]model.ExposureEvent, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, duration, total_risk_score, total_risk_score_full_range,
			transmission_risk_level, attenuation_value, attenuation_durations, window_json
		 FROM exposures WHERE date >= ? ORDER BY date ASC;`,
		unixNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query exposures: %w", err)
	}
	defer rows.Close()

	var out []model.ExposureEvent
	for rows.Next() {
		var (
			id        string
			date      int64
			durations string
			window    sql.NullString
			e         model.ExposureEvent
		)
		if err := rows.Scan(&id, &date, &e.Duration, &e.TotalRiskScore, &e.TotalRiskScoreFullRange,
			&e.TransmissionRiskLevel, &e.AttenuationValue, &durations, &window); err != nil {
			return nil, fmt.Errorf("scan exposures row: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: exposure id %q: %w", model.ErrDecodingFailed, id, err)
		}
		e.Date = time.Unix(0, date).UTC()
		if err := json.Unmarshal([]byte(durations), &e.AttenuationDurations); err != nil {
			return nil, fmt.Errorf("%w: attenuation durations: %w", model.ErrDecodingFailed, err)
		}
		if window.Valid {
			e.Window = &model.ExposureWindow{}
			if err := json.Unmarshal([]byte(window.String), e.Window); err != nil {
				return nil, fmt.Errorf("%w: exposure window: %w", model.ErrDecodingFailed, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exposures: %w", err)
	}
	return out, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (Counts, error) {
	if s.closed.Load() {
		return Counts{}, ErrClosed
	}
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM scans), (SELECT COUNT(*) FROM exposures);`,
	).Scan(&c.Scans, &c.Exposures)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

// DeleteAll implements Store. Both tables are cleared in one transaction.
func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM scans;`, `DELETE FROM exposures;`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("delete all: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	s.logger.Info(ctx, "deleted all stored data")
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
