package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/okian/proxitrace/pkg/logger"
)

// RadioHandler reports and toggles the advertiser and the scanner.
type RadioHandler struct {
	deps   RadioDependencies
	logger logger.Logger
}

// NewRadioHandler creates a new radio handler.
func NewRadioHandler(deps RadioDependencies, l logger.Logger) *RadioHandler {
	return &RadioHandler{deps: deps, logger: l}
}

// HandleStatus handles GET /radio.
func (h *RadioHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.RadioStatus())
}

// HandleAdvertiser handles POST /advertiser/{start,stop}.
func (h *RadioHandler) HandleAdvertiser(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "advertiser", h.deps.StartAdvertising, h.deps.StopAdvertising)
}

// HandleScanner handles POST /scanner/{start,stop}.
func (h *RadioHandler) HandleScanner(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "scanner", h.deps.StartScanning, h.deps.StopScanning)
}

func (h *RadioHandler) toggle(w http.ResponseWriter, r *http.Request, role string, start, stop func(context.Context) error) {
	op := "api." + role
	var fn func(context.Context) error
	switch action := r.PathValue("action"); action {
	case "start":
		fn = start
	case "stop":
		fn = stop
	default:
		writeError(w, WrapKind(op, ErrBadRequest, fmt.Errorf("unknown action %q", action)))
		return
	}
	if err := fn(r.Context()); err != nil {
		writeError(w, fmt.Errorf("%s: %w", op, err))
		return
	}
	h.logger.Info(r.Context(), "radio role toggled",
		logger.String("role", role),
		logger.String("action", r.PathValue("action")),
	)
	writeJSON(w, http.StatusOK, h.deps.RadioStatus())
}
