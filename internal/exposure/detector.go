// Package exposure runs exposure detection and diagnosis key upload. Each
// operation admits one caller at a time.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/proxitrace/internal/domain/dedupe"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/scoring"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

// Framework is the platform matching framework: it matches downloaded key
// files against locally observed keys and exposes the detail records.
type Framework interface {
	Detect(ctx context.Context, cfg scoring.Configuration, files []string) (*scoring.Summary, error)
	scoring.Source
}

// KeySource provides published diagnosis key batches and the scoring configuration.
type KeySource interface {
	// DownloadBatches calls skip sequentially for each listed batch name.
	DownloadBatches(ctx context.Context, skip func(name string) bool, progress *model.Progress) (model.Batch, error)
	FetchConfiguration(ctx context.Context) (scoring.Configuration, error)
}

// EventStore persists detected exposures.
type EventStore interface {
	// AppendExposureEvents stores all events or none of them.
	AppendExposureEvents(ctx context.Context, events []model.ExposureEvent) error
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithScorer overrides the scoring implementation.
func WithScorer(s scoring.Scorer) Option {
	return func(d *Detector) {
		if s != nil {
			d.scorer = s
		}
	}
}

// WithProcessedBatches sets the record of batch names already detected against.
func WithProcessedBatches(p dedupe.Deduper) Option {
	return func(d *Detector) {
		if p != nil {
			d.processed = p
		}
	}
}

// Detector runs detection. DetectExposures and Start share one in-flight guard.
type Detector struct {
	framework Framework
	keys      KeySource
	store     EventStore
	scorer    scoring.Scorer
	processed dedupe.Deduper
	logger    logger.Logger

	running atomic.Bool
	lastRun atomic.Int64
	wg      sync.WaitGroup
}

// NewDetector creates a detector. keys and store are only needed by Start.
func NewDetector(fw Framework, keys KeySource, store EventStore, opts ...Option) *Detector {
	d := &Detector{
		framework: fw,
		keys:      keys,
		store:     store,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("detector")
	}
	if d.scorer == nil {
		d.scorer = scoring.NewScorer(scoring.WithLogger(d.logger.Named("scoring")))
	}
	if d.processed == nil {
		d.processed = dedupe.NewInMemoryDeduper()
	}
	return d
}

// Running reports whether a detection is in flight.
func (d *Detector) Running() bool { return d.running.Load() }

// LastRun returns the completion time of the last successful run, zero if none.
func (d *Detector) LastRun() time.Time {
	ns := d.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// DetectExposures matches files and scores the result. The files are always
// deleted before it returns.
func (d *Detector) DetectExposures(ctx context.Context, cfg scoring.Configuration, files []string) ([]model.ExposureEvent, error) {
	if !d.running.CompareAndSwap(false, true) {
		removeFiles(ctx, d.logger, files)
		return nil, model.ErrDetectionAlreadyRunning
	}
	defer d.running.Store(false)
	defer removeFiles(ctx, d.logger, files)

	start := time.Now()
	events, err := d.detect(ctx, cfg, files)
	d.observe(ctx, start, events, err)
	if err == nil {
		d.lastRun.Store(time.Now().UnixNano())
	}
	return events, err
}

func (d *Detector) detect(ctx context.Context, cfg scoring.Configuration, files []string) ([]model.ExposureEvent, error) {
	summary, err := d.framework.Detect(ctx, cfg, files)
	if err != nil {
		return nil, cancelled(ctx, fmt.Errorf("detect: %w", err))
	}
	if summary == nil {
		return nil, fmt.Errorf("detect: %w", model.ErrNoData)
	}
	events, err := d.scorer.Score(ctx, cfg, *summary, d.framework)
	if err != nil {
		return nil, cancelled(ctx, fmt.Errorf("score: %w", err))
	}
	slices.SortStableFunc(events, func(a, b model.ExposureEvent) int {
		return a.Date.Compare(b.Date)
	})
	return events, nil
}

// Handle tracks one background detection run.
type Handle struct {
	cancel   context.CancelFunc
	progress *model.Progress
	done     chan struct{}

	events []model.ExposureEvent
	err    error
}

// Cancel aborts the run. The result then reports model.ErrCancelled.
func (h *Handle) Cancel() { h.cancel() }

// Progress reports downloaded batches.
func (h *Handle) Progress() *model.Progress { return h.progress }

// Done is closed when the run finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result waits for the run and returns its outcome.
func (h *Handle) Result() ([]model.ExposureEvent, error) {
	<-h.done
	return h.events, h.err
}

// Start launches the full pipeline in the background: download new
// batches, fetch the configuration, detect, score and persist.
func (d *Detector) Start(ctx context.Context) (*Handle, error) {
	if d.keys == nil || d.store == nil {
		return nil, ErrPipelineNotConfigured
	}
	if !d.running.CompareAndSwap(false, true) {
		return nil, model.ErrDetectionAlreadyRunning
	}

	rctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel:   cancel,
		progress: &model.Progress{},
		done:     make(chan struct{}),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(h.done)
		defer d.running.Store(false)
		defer cancel()

		start := time.Now()
		h.events, h.err = d.pipeline(rctx, h.progress)
		d.observe(rctx, start, h.events, h.err)
		if h.err == nil {
			d.lastRun.Store(time.Now().UnixNano())
		}
	}()
	return h, nil
}

// Wait blocks until background runs have finished.
func (d *Detector) Wait() { d.wg.Wait() }

func (d *Detector) pipeline(ctx context.Context, progress *model.Progress) (events []model.ExposureEvent, err error) {
	var (
		mu      sync.Mutex
		claimed []string
	)
	skip := func(name string) bool {
		if d.processed.SeenAndRecord(ctx, name) {
			return true
		}
		mu.Lock()
		claimed = append(claimed, name)
		mu.Unlock()
		return false
	}
	defer func() {
		if err == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, name := range claimed {
			d.processed.Unrecord(context.WithoutCancel(ctx), name)
		}
	}()

	batch, err := d.keys.DownloadBatches(ctx, skip, progress)
	if err != nil {
		return nil, cancelled(ctx, fmt.Errorf("download: %w", err))
	}
	defer removeBatch(ctx, d.logger, batch)
	for range batch.Names {
		metrics.RecordBatchDownloaded()
	}
	if len(batch.Files) == 0 {
		d.logger.Info(ctx, "no new key batches")
		return []model.ExposureEvent{}, nil
	}

	cfg, err := d.keys.FetchConfiguration(ctx)
	if err != nil {
		return nil, cancelled(ctx, fmt.Errorf("configuration: %w", err))
	}

	events, err = d.detect(ctx, cfg, batch.Files)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(ctx, err)
	}

	if err := d.store.AppendExposureEvents(ctx, events); err != nil {
		return nil, cancelled(ctx, fmt.Errorf("persist exposures: %w", err))
	}
	d.logger.Info(ctx, "detection finished",
		logger.Int("batches", len(batch.Names)),
		logger.Int("files", len(batch.Files)),
		logger.Int("exposures", len(events)),
	)
	return events, nil
}

func (d *Detector) observe(ctx context.Context, start time.Time, events []model.ExposureEvent, err error) {
	outcome := "success"
	switch {
	case errors.Is(err, model.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failure"
		d.logger.Error(ctx, "detection failed", logger.Error(err))
		metrics.RecordErrorByComponent("detector", "detection")
	}
	metrics.RecordDetectionRun(outcome, time.Since(start).Seconds())
	metrics.RecordExposuresDetected(len(events))
}

// cancelled tags err with model.ErrCancelled when ctx was cancelled.
func cancelled(ctx context.Context, err error) error {
	if errors.Is(err, model.ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", model.ErrCancelled, err)
	}
	return err
}

func removeFiles(ctx context.Context, log logger.Logger, files []string) {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn(ctx, "remove key file", logger.String("path", f), logger.Error(err))
		}
	}
}

func removeBatch(ctx context.Context, log logger.Logger, b model.Batch) {
	removeFiles(ctx, log, b.Files)
	if b.Dir == "" {
		return
	}
	if err := os.RemoveAll(b.Dir); err != nil {
		log.Warn(ctx, "remove batch dir", logger.String("path", b.Dir), logger.Error(err))
	}
}
