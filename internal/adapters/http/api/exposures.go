package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
)

// ExposureHandler serves stored exposures and triggers detection and upload.
type ExposureHandler struct {
	deps   ExposureDependencies
	logger logger.Logger
	now    func() time.Time
}

// NewExposureHandler creates a new exposure handler.
func NewExposureHandler(deps ExposureDependencies, l logger.Logger) *ExposureHandler {
	return &ExposureHandler{deps: deps, logger: l, now: time.Now}
}

// HandleList handles GET /exposures?since=.
func (h *ExposureHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_exposures"
	since, err := parseSince(r, h.now())
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	events, err := h.deps.ExposuresSince(r.Context(), since)
	if err != nil {
		writeError(w, fmt.Errorf("%s: %w", op, err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleStartDetection handles POST /detections. The run continues after
// the response; 409 means one is already in flight.
func (h *ExposureHandler) HandleStartDetection(w http.ResponseWriter, r *http.Request) {
	const op = "api.start_detection"
	if _, err := h.deps.StartDetection(r.Context()); err != nil {
		writeError(w, fmt.Errorf("%s: %w", op, err))
		return
	}
	h.logger.Info(r.Context(), "detection started via api")
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "started"})
}

// uploadRequest is the body of POST /uploads.
type uploadRequest struct {
	Keys                []model.DiagnosisKey `json:"keys"`
	VerificationPayload string               `json:"verificationPayload"`
	// HMACSecret is base64 encoded.
	HMACSecret string `json:"hmacSecret"`
}

func (u uploadRequest) secret() ([]byte, error) {
	switch {
	case len(u.Keys) == 0:
		return nil, errors.New("missing keys")
	case u.VerificationPayload == "":
		return nil, errors.New("missing verificationPayload")
	}
	secret, err := base64.StdEncoding.DecodeString(u.HMACSecret)
	if err != nil || len(secret) == 0 {
		return nil, errors.New("hmacSecret must be non-empty base64")
	}
	return secret, nil
}

// HandleUpload handles POST /uploads and blocks until the key server answers.
func (h *ExposureHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "api.upload_keys"
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	secret, err := req.secret()
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.deps.UploadKeys(r.Context(), req.Keys, req.VerificationPayload, secret); err != nil {
		writeError(w, fmt.Errorf("%s: %w", op, err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "uploaded"})
}
