package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/proxitrace/internal/adapters/repository"
	service "github.com/okian/proxitrace/internal/app"
	"github.com/okian/proxitrace/internal/domain/model"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrConflict   = errors.New("conflict")
)

// Error tags a cause with the operation and the kind that selects the
// HTTP status.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewKind returns an error of the given kind without a cause.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// WrapKind tags err with op and kind.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// statusFor maps an error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, model.ErrDecodingFailed):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, model.ErrDetectionAlreadyRunning), errors.Is(err, model.ErrUploadAlreadyRunning), errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, model.ErrRadioUnauthorized):
		return http.StatusForbidden, "radio_unauthorized"
	case errors.Is(err, model.ErrRadioPoweredOff):
		return http.StatusServiceUnavailable, "radio_powered_off"
	case errors.Is(err, service.ErrNoKeyServer), errors.Is(err, service.ErrStopped), errors.Is(err, repository.ErrClosed), errors.Is(err, model.ErrCancelled):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, model.ErrNetwork):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
