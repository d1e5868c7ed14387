package service

import "errors"

var (
	// ErrStopped is returned by Start after Stop; a service is not restartable.
	ErrStopped = errors.New("service stopped")
	// ErrNoKeyServer is returned by operations that need a key server when none is configured.
	ErrNoKeyServer = errors.New("key server not configured")
)

// ErrMissingDependency is returned by New when a radio role or the store is nil.
var ErrMissingDependency = errors.New("service: central, peripheral and store are required")
