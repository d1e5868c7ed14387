package api

import (
	"fmt"
	"net/http"
	"time"
)

// ScansHandler serves peer summaries.
type ScansHandler struct {
	deps ScanDependencies
	now  func() time.Time
}

// NewScansHandler creates a new scans handler.
func NewScansHandler(deps ScanDependencies) *ScansHandler {
	return &ScansHandler{deps: deps, now: time.Now}
}

// HandleLive handles GET /scans with the registry's current snapshot.
func (h *ScansHandler) HandleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Snapshot())
}

// HandleHistory handles GET /scans/history?since=.
func (h *ScansHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	const op = "api.scan_history"
	since, err := parseSince(r, h.now())
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	scans, err := h.deps.ScansSince(r.Context(), since)
	if err != nil {
		writeError(w, fmt.Errorf("%s: %w", op, err))
		return
	}
	writeJSON(w, http.StatusOK, scans)
}
