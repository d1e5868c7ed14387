package peer

import (
	"time"

	"github.com/google/uuid"
)

// Defaults for the connection policy.
const (
	DefaultUpdatesNeeded  = 3
	DefaultRetryInterval  = 60 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultSampleCap      = 2000
)

// Policy holds the tunables of the per-peer state machine.
type Policy struct {
	// UpdatesNeeded debounces the first connection attempt.
	UpdatesNeeded int
	// RetryInterval is the minimum gap between connect attempts after a failure.
	RetryInterval time.Duration
	// ConnectTimeout bounds a connect, discovery and read exchange. A peer
	// whose callbacks stop arriving fails once it is exceeded.
	ConnectTimeout time.Duration
	// MaxRetries is the failure count at which a peer becomes Disconnected.
	MaxRetries int
	// SampleCap bounds the signal sample buffer.
	SampleCap int
	// Service and Characteristic locate the identifier on the remote peer.
	Service        uuid.UUID
	Characteristic uuid.UUID
}

// DefaultPolicy returns the standard policy for the given GATT layout.
func DefaultPolicy(service, characteristic uuid.UUID) Policy {
	return Policy{
		UpdatesNeeded:  DefaultUpdatesNeeded,
		RetryInterval:  DefaultRetryInterval,
		ConnectTimeout: DefaultConnectTimeout,
		MaxRetries:     DefaultMaxRetries,
		SampleCap:      DefaultSampleCap,
		Service:        service,
		Characteristic: characteristic,
	}
}

func (p Policy) normalized() Policy {
	if p.UpdatesNeeded < 1 {
		p.UpdatesNeeded = DefaultUpdatesNeeded
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.MaxRetries < 1 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.SampleCap < 1 {
		p.SampleCap = DefaultSampleCap
	}
	return p
}
