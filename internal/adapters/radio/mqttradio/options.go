package mqttradio

import (
	"time"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/pkg/logger"
)

// Defaults.
const (
	DefaultTopicPrefix = "proxitrace/radio"
	DefaultQoS         = byte(1)
	DefaultBufferSize  = 256

	connectTimeout = 10 * time.Second
)

type options struct {
	prefix       string
	qos          byte
	bufferSize   int
	initialState radio.State
	logger       logger.Logger
}

// Option configures a Bridge.
type Option func(*options)

// WithTopicPrefix sets the topic root; events and commands live beneath it.
func WithTopicPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithQoS sets the MQTT quality of service for subscriptions and commands.
func WithQoS(qos byte) Option {
	return func(o *options) {
		if qos <= 2 {
			o.qos = qos
		}
	}
}

// WithBufferSize sets how many undelivered events are buffered before new
// ones are dropped.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithInitialState sets the radio state assumed before the remote side
// reports one.
func WithInitialState(s radio.State) Option {
	return func(o *options) {
		o.initialState = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
