package repository

import "github.com/okian/proxitrace/pkg/logger"

const defaultMaxScans = 100_000

type options struct {
	maxScans int
	logger   logger.Logger
}

// Option applies a configuration option to a store.
type Option func(*options)

// WithMaxScans caps the number of scan rows the in-memory store retains.
// The oldest rows are dropped first.
func WithMaxScans(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxScans = n
		}
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

func buildOptions(opts []Option) options {
	o := options{maxScans: defaultMaxScans}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("repository")
	}
	return o
}
