package api

import (
	"fmt"
	"net/http"

	"github.com/okian/proxitrace/pkg/logger"
)

// DataHandler erases stored observations and exposures.
type DataHandler struct {
	deps   DataDependencies
	logger logger.Logger
}

// NewDataHandler creates a new data handler.
func NewDataHandler(deps DataDependencies, l logger.Logger) *DataHandler {
	return &DataHandler{deps: deps, logger: l}
}

// HandleDelete handles DELETE /data.
func (h *DataHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DeleteAllData(r.Context()); err != nil {
		writeError(w, fmt.Errorf("api.delete_data: %w", err))
		return
	}
	h.logger.Warn(r.Context(), "all data deleted via api")
	w.WriteHeader(http.StatusNoContent)
}
