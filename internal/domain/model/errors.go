package model

import "errors"

// Sentinel error kinds shared across layers. Callers match with errors.Is.
var (
	ErrRadioUnauthorized       = errors.New("radio unauthorized")
	ErrRadioPoweredOff         = errors.New("radio powered off")
	ErrConnectionFailed        = errors.New("connection failed")
	ErrConnectionExhausted     = errors.New("connection retries exhausted")
	ErrConnectTimeout          = errors.New("connect timed out")
	ErrReadFailed              = errors.New("characteristic read failed")
	ErrNoServicesFound         = errors.New("no services found")
	ErrDetectionAlreadyRunning = errors.New("detection already running")
	ErrUploadAlreadyRunning    = errors.New("upload already running")
	ErrNoData                  = errors.New("no data")
	ErrCancelled               = errors.New("cancelled")
	ErrDecodingFailed          = errors.New("decoding failed")
	ErrNetwork                 = errors.New("network error")

	ErrNotReady          = errors.New("peer not ready to connect")
	ErrInvalidTransition = errors.New("invalid state transition")
)
