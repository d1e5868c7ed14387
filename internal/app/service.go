// Package service wires the proximity protocol, the exposure pipeline and
// persistence into one Service that the HTTP API and the CLI drive.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okian/proxitrace/internal/adapters/matcher"
	workqueue "github.com/okian/proxitrace/internal/adapters/mq/queue"
	workerpool "github.com/okian/proxitrace/internal/adapters/mq/worker"
	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/adapters/repository"
	"github.com/okian/proxitrace/internal/domain/dedupe"
	"github.com/okian/proxitrace/internal/domain/identifier"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/scoring"
	"github.com/okian/proxitrace/internal/exposure"
	"github.com/okian/proxitrace/internal/proximity"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

// KeyServer publishes key batches and the scoring configuration and
// accepts uploads.
type KeyServer interface {
	exposure.KeySource
	exposure.KeyUploader
}

// RadioStatus describes both radio roles.
type RadioStatus struct {
	Central     string `json:"central"`
	Peripheral  string `json:"peripheral"`
	Scanning    bool   `json:"scanning"`
	Advertising bool   `json:"advertising"`
	Identifier  string `json:"identifier,omitempty"`
}

// Stats is a point-in-time view of the service for monitoring.
type Stats struct {
	Started          bool              `json:"started"`
	Peers            int               `json:"peers"`
	PeersByState     map[string]int    `json:"peersByState"`
	QueueLength      int               `json:"queueLength"`
	QueueCapacity    int               `json:"queueCapacity"`
	DroppedSnapshots int64             `json:"droppedSnapshots"`
	WorkerCount      int               `json:"workerCount"`
	DetectionRunning bool              `json:"detectionRunning"`
	LastDetection    *time.Time        `json:"lastDetection,omitempty"`
	UploadRunning    bool              `json:"uploadRunning"`
	LastUpload       *time.Time        `json:"lastUpload,omitempty"`
	Stored           repository.Counts `json:"stored"`
	Radio            RadioStatus       `json:"radio"`
}

// Service owns every component. Its zero value is not usable; call New.
type Service struct {
	mu sync.Mutex

	central    radio.Central
	peripheral radio.Peripheral
	store      repository.Store
	keys       KeyServer

	broadcaster *proximity.Broadcaster
	registry    *proximity.Registry
	detector    *exposure.Detector
	uploader    *exposure.Uploader
	scans       *workqueue.InMemoryQueue[model.ScanSummary]
	pool        *workerpool.Pool[model.ScanSummary]

	workerCount       int
	queueSize         int
	persistInterval   time.Duration
	detectionInterval time.Duration
	autoStart         bool

	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	detMu     sync.Mutex
	detection *exposure.Handle
	// closing is set by Stop under detMu; no detection starts after it.
	closing bool

	dropped atomic.Int64
	logger  logger.Logger
}

// New wires a Service over the given radio roles and store. Without
// identifiers a single random one is generated.
func New(central radio.Central, peripheral radio.Peripheral, store repository.Store, opts ...Option) (*Service, error) {
	if central == nil || peripheral == nil || store == nil {
		return nil, ErrMissingDependency
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("service")
	}

	ids := o.identifiers
	if len(ids) == 0 {
		u := uuid.New()
		ids = []string{hex.EncodeToString(u[:])}
		o.logger.Warn(context.Background(), "no identifiers configured; advertising a generated one")
	}
	set, err := identifier.NewSet(ids, nil)
	if err != nil {
		return nil, fmt.Errorf("identifiers: %w", err)
	}

	fw := o.framework
	if fw == nil {
		fw = matcher.New(o.logger.Named("matcher"))
	}
	var (
		source   exposure.KeySource
		uploader *exposure.Uploader
	)
	if o.keys != nil {
		source = o.keys
		uploader = exposure.NewUploader(o.keys, o.logger.Named("uploader"))
	}

	s := &Service{
		central:           central,
		peripheral:        peripheral,
		store:             store,
		keys:              o.keys,
		uploader:          uploader,
		workerCount:       o.workerCount,
		queueSize:         o.queueSize,
		persistInterval:   o.persistInterval,
		detectionInterval: o.detectionInterval,
		autoStart:         o.autoStart,
		logger:            o.logger,
	}
	s.broadcaster = proximity.NewBroadcaster(peripheral, set,
		append(slices.Clone(o.proximity), proximity.WithLogger(o.logger.Named("broadcaster")))...)
	s.registry = proximity.NewRegistry(central,
		append(slices.Clone(o.proximity), proximity.WithLogger(o.logger.Named("registry")))...)
	s.detector = exposure.NewDetector(fw, source, store,
		exposure.WithLogger(o.logger.Named("detector")),
		exposure.WithProcessedBatches(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(o.processedBatchesSize))),
	)
	s.scans = workqueue.NewInMemoryQueue[model.ScanSummary](workqueue.WithCapacity(o.queueSize))
	s.pool = workerpool.NewPool[model.ScanSummary](o.workerCount, s.scans,
		workerpool.SinkFunc[model.ScanSummary](store.AppendScanSummary),
		workerpool.WithLogger(o.logger.Named("persist")),
	)
	return s, nil
}

// Start launches the radio event loops, the persistence workers and the
// optional detection schedule. With auto start it also begins advertising
// and scanning; an unavailable radio is logged and retried on power-on.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return nil
	}

	s.logger.Info(ctx, "starting proximity service...")

	s.pool.Start(context.WithoutCancel(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.registry.Run(gctx) })
	g.Go(func() error { return s.broadcaster.Run(gctx) })
	g.Go(func() error {
		s.persistLoop(gctx)
		return nil
	})
	if s.detectionInterval > 0 && s.keys != nil {
		g.Go(func() error {
			s.detectionLoop(gctx)
			return nil
		})
	}
	s.cancel = cancel
	s.group = g
	s.started = true

	if s.autoStart {
		if err := s.broadcaster.Start(ctx); err != nil {
			s.logger.Warn(ctx, "advertiser not started", logger.Error(err))
		}
		if err := s.registry.Start(ctx); err != nil {
			s.logger.Warn(ctx, "scanner not started", logger.Error(err))
		}
	}

	s.logger.Info(ctx, "proximity service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Duration("persistInterval", s.persistInterval),
		logger.Duration("detectionInterval", s.detectionInterval),
	)
	return nil
}

// Stop halts both radio roles, flushes a final snapshot, drains the
// persistence queue and closes the store. ctx bounds the drain.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.stopped = true
	s.detMu.Lock()
	s.closing = true
	s.detMu.Unlock()
	s.logger.Info(ctx, "stopping proximity service...")

	var errs []error
	if err := s.broadcaster.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.registry.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	s.cancel()
	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	s.detMu.Lock()
	if s.detection != nil {
		s.detection.Cancel()
	}
	s.detMu.Unlock()
	s.detector.Wait()

	s.persistSnapshot(ctx)
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info(ctx, "proximity service stopped")
	return errors.Join(errs...)
}

// Snapshot returns the live peer summaries.
func (s *Service) Snapshot() []model.ScanSummary {
	return s.registry.Snapshot()
}

// DetectExposures matches the given key files and scores the result.
func (s *Service) DetectExposures(ctx context.Context, cfg scoring.Configuration, files []string) ([]model.ExposureEvent, error) {
	return s.detector.DetectExposures(ctx, cfg, files)
}

// StartDetection launches the download-detect-persist pipeline in the
// background. The run outlives ctx and is cancelled by Stop. After Stop it
// returns ErrStopped.
func (s *Service) StartDetection(ctx context.Context) (*exposure.Handle, error) {
	if s.keys == nil {
		return nil, ErrNoKeyServer
	}
	s.detMu.Lock()
	defer s.detMu.Unlock()
	if s.closing {
		return nil, ErrStopped
	}
	h, err := s.detector.Start(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	s.detection = h
	return h, nil
}

// UploadKeys submits diagnosis keys to the key server.
func (s *Service) UploadKeys(ctx context.Context, keys []model.DiagnosisKey, verificationPayload string, hmacSecret []byte) error {
	if s.uploader == nil {
		return ErrNoKeyServer
	}
	return s.uploader.Upload(ctx, keys, verificationPayload, hmacSecret)
}

// StartAdvertising begins broadcasting the rotating identifier.
func (s *Service) StartAdvertising(ctx context.Context) error { return s.broadcaster.Start(ctx) }

// StopAdvertising stops broadcasting.
func (s *Service) StopAdvertising(ctx context.Context) error { return s.broadcaster.Stop(ctx) }

// StartScanning begins peer discovery.
func (s *Service) StartScanning(ctx context.Context) error { return s.registry.Start(ctx) }

// StopScanning stops peer discovery.
func (s *Service) StopScanning(ctx context.Context) error { return s.registry.Stop(ctx) }

// CurrentIdentifier returns the advertised identifier, false before the first advertisement.
func (s *Service) CurrentIdentifier() (string, bool) {
	return s.broadcaster.CurrentIdentifier()
}

// RadioStatus reports both radio roles.
func (s *Service) RadioStatus() RadioStatus {
	id, _ := s.broadcaster.CurrentIdentifier()
	return RadioStatus{
		Central:     s.central.State().String(),
		Peripheral:  s.peripheral.State().String(),
		Scanning:    s.registry.Scanning(),
		Advertising: s.broadcaster.Advertising(),
		Identifier:  id,
	}
}

// ScansSince returns stored scans at or after since.
func (s *Service) ScansSince(ctx context.Context, since time.Time) ([]model.ScanSummary, error) {
	return s.store.QueryScansSince(ctx, since)
}

// ExposuresSince returns stored exposures dated at or after since.
func (s *Service) ExposuresSince(ctx context.Context, since time.Time) ([]model.ExposureEvent, error) {
	return s.store.QueryExposuresSince(ctx, since)
}

// DeleteAllData removes every stored scan and exposure.
func (s *Service) DeleteAllData(ctx context.Context) error {
	if err := s.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("delete all data: %w", err)
	}
	s.logger.Info(ctx, "all stored data deleted")
	return nil
}

// GetStats returns service statistics and refreshes the queue gauge.
func (s *Service) GetStats(ctx context.Context) Stats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	snapshot := s.registry.Snapshot()
	byState := make(map[string]int)
	for _, sum := range snapshot {
		byState[sum.State.String()]++
	}

	st := Stats{
		Started:          started,
		Peers:            len(snapshot),
		PeersByState:     byState,
		QueueLength:      s.scans.Len(),
		QueueCapacity:    s.queueSize,
		DroppedSnapshots: s.dropped.Load(),
		WorkerCount:      s.workerCount,
		DetectionRunning: s.detector.Running(),
		LastDetection:    timePtr(s.detector.LastRun()),
		Radio:            s.RadioStatus(),
	}
	if s.uploader != nil {
		st.UploadRunning = s.uploader.Running()
		st.LastUpload = timePtr(s.uploader.LastUpload())
	}
	counts, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn(ctx, "store count failed", logger.Error(err))
	}
	st.Stored = counts

	metrics.UpdateQueueSize(st.QueueLength)
	return st
}

func (s *Service) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(s.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.persistSnapshot(ctx)
		}
	}
}

// persistSnapshot queues the current snapshot. A full queue drops the rest.
func (s *Service) persistSnapshot(ctx context.Context) {
	snapshot := s.registry.Snapshot()
	for i, sum := range snapshot {
		if !s.scans.Enqueue(ctx, sum) {
			n := int64(len(snapshot) - i)
			s.dropped.Add(n)
			s.logger.Warn(ctx, "snapshot queue rejected summaries", logger.Int("dropped", int(n)))
			return
		}
	}
}

func (s *Service) detectionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.detectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.StartDetection(ctx)
			switch {
			case errors.Is(err, ErrStopped):
				return
			case errors.Is(err, model.ErrDetectionAlreadyRunning):
				s.logger.Debug(ctx, "scheduled detection skipped; a run is in flight")
			case err != nil:
				s.logger.Error(ctx, "scheduled detection failed to start", logger.Error(err))
				metrics.RecordErrorByComponent("service", "detection")
			}
		}
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
