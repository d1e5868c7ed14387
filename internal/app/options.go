package service

import (
	"time"

	"github.com/okian/proxitrace/internal/exposure"
	"github.com/okian/proxitrace/internal/proximity"
	"github.com/okian/proxitrace/pkg/logger"
)

// Defaults.
const (
	DefaultWorkerCount          = 2
	DefaultQueueSize            = 4096
	DefaultProcessedBatchesSize = 10_000
	DefaultPersistInterval      = 30 * time.Second
)

type options struct {
	logger               logger.Logger
	keys                 KeyServer
	framework            exposure.Framework
	identifiers          []string
	proximity            []proximity.Option
	workerCount          int
	queueSize            int
	processedBatchesSize int
	persistInterval      time.Duration
	detectionInterval    time.Duration
	autoStart            bool
}

func defaultOptions() options {
	return options{
		workerCount:          DefaultWorkerCount,
		queueSize:            DefaultQueueSize,
		processedBatchesSize: DefaultProcessedBatchesSize,
		persistInterval:      DefaultPersistInterval,
		autoStart:            true,
	}
}

// Option applies a configuration option to the Service.
type Option func(*options)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithKeyServer enables background detection and key upload.
func WithKeyServer(ks KeyServer) Option {
	return func(o *options) {
		if ks != nil {
			o.keys = ks
		}
	}
}

// WithFramework replaces the file-based matching framework.
func WithFramework(fw exposure.Framework) Option {
	return func(o *options) {
		if fw != nil {
			o.framework = fw
		}
	}
}

// WithIdentifiers sets the rotation-eligible identifiers to advertise.
func WithIdentifiers(ids []string) Option {
	return func(o *options) {
		o.identifiers = ids
	}
}

// WithProximityOptions passes options to both the broadcaster and the registry.
func WithProximityOptions(opts ...proximity.Option) Option {
	return func(o *options) {
		o.proximity = append(o.proximity, opts...)
	}
}

// WithWorkerCount sets the number of persistence workers.
func WithWorkerCount(count int) Option {
	return func(o *options) {
		if count > 0 {
			o.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the snapshot queue.
func WithQueueSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// WithProcessedBatchesSize bounds the record of batches already detected against.
func WithProcessedBatchesSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.processedBatchesSize = size
		}
	}
}

// WithPersistInterval sets how often a registry snapshot is queued for storage.
func WithPersistInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.persistInterval = d
		}
	}
}

// WithDetectionInterval schedules background detection. Zero disables it.
func WithDetectionInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.detectionInterval = d
		}
	}
}

// WithAutoStart controls whether Start also starts advertising and scanning.
func WithAutoStart(enabled bool) Option {
	return func(o *options) {
		o.autoStart = enabled
	}
}
