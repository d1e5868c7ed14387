package proximity

import (
	"time"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/domain/peer"
	"github.com/okian/proxitrace/pkg/logger"
)

// Defaults.
const (
	DefaultRotationInterval = 15 * time.Minute
	DefaultSweepInterval    = 5 * time.Second
	DefaultMissingAfter     = 60 * time.Second
	DefaultRemoveAfter      = 108 * time.Second
	DefaultMaxConnections   = 1
)

type options struct {
	logger           logger.Logger
	clock            func() time.Time
	rotationInterval time.Duration
	sweepInterval    time.Duration
	missingAfter     time.Duration
	removeAfter      time.Duration
	maxConnections   int
	policy           peer.Policy
}

func defaultOptions() options {
	return options{
		clock:            time.Now,
		rotationInterval: DefaultRotationInterval,
		sweepInterval:    DefaultSweepInterval,
		missingAfter:     DefaultMissingAfter,
		removeAfter:      DefaultRemoveAfter,
		maxConnections:   DefaultMaxConnections,
		policy:           peer.DefaultPolicy(radio.ServiceUUID, radio.CharacteristicUUID),
	}
}

// Option configures a Broadcaster or a Registry. Each reads only the
// settings it uses.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source. Tests drive sweeps with it.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithRotationInterval sets how often the advertised identifier changes.
func WithRotationInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.rotationInterval = d
		}
	}
}

// WithSweepInterval sets the registry sweep period used by Run.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithTimeouts sets the absence thresholds for Missing and removal.
func WithTimeouts(missingAfter, removeAfter time.Duration) Option {
	return func(o *options) {
		if missingAfter > 0 {
			o.missingAfter = missingAfter
		}
		if removeAfter > 0 {
			o.removeAfter = removeAfter
		}
	}
}

// WithMaxConnections caps concurrent connection attempts.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConnections = n
		}
	}
}

// WithPolicy sets the per-peer connection policy.
func WithPolicy(p peer.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}
