// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	service "github.com/okian/proxitrace/internal/app"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/exposure"
	"github.com/okian/proxitrace/pkg/logger"
)

// ScanDependencies serves live and stored scans.
type ScanDependencies interface {
	Snapshot() []model.ScanSummary
	ScansSince(ctx context.Context, since time.Time) ([]model.ScanSummary, error)
}

// ExposureDependencies serves exposures and starts detection and upload.
type ExposureDependencies interface {
	ExposuresSince(ctx context.Context, since time.Time) ([]model.ExposureEvent, error)
	StartDetection(ctx context.Context) (*exposure.Handle, error)
	UploadKeys(ctx context.Context, keys []model.DiagnosisKey, verificationPayload string, hmacSecret []byte) error
}

// RadioDependencies controls both radio roles.
type RadioDependencies interface {
	RadioStatus() service.RadioStatus
	StartAdvertising(ctx context.Context) error
	StopAdvertising(ctx context.Context) error
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
}

// DataDependencies erases stored data.
type DataDependencies interface {
	DeleteAllData(ctx context.Context) error
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	ScanDependencies
	ExposureDependencies
	RadioDependencies
	DataDependencies
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	scansHandler    *ScansHandler
	exposureHandler *ExposureHandler
	radioHandler    *RadioHandler
	dataHandler     *DataHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	l := logger.Get().Named("api")
	return &Server{
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(deps),
		scansHandler:    NewScansHandler(deps),
		exposureHandler: NewExposureHandler(deps, l),
		radioHandler:    NewRadioHandler(deps, l),
		dataHandler:     NewDataHandler(deps, l),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("GET /metrics", s.healthHandler.MetricsHandler())
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("GET /scans", MetricsMiddleware(s.scansHandler.HandleLive, "scans"))
	mux.HandleFunc("GET /scans/history", MetricsMiddleware(s.scansHandler.HandleHistory, "scans_history"))
	mux.HandleFunc("GET /exposures", MetricsMiddleware(s.exposureHandler.HandleList, "exposures"))
	mux.HandleFunc("POST /detections", MetricsMiddleware(s.exposureHandler.HandleStartDetection, "detections"))
	mux.HandleFunc("POST /uploads", MetricsMiddleware(s.exposureHandler.HandleUpload, "uploads"))
	mux.HandleFunc("GET /radio", MetricsMiddleware(s.radioHandler.HandleStatus, "radio"))
	mux.HandleFunc("POST /advertiser/{action}", MetricsMiddleware(s.radioHandler.HandleAdvertiser, "advertiser"))
	mux.HandleFunc("POST /scanner/{action}", MetricsMiddleware(s.radioHandler.HandleScanner, "scanner"))
	mux.HandleFunc("DELETE /data", MetricsMiddleware(s.dataHandler.HandleDelete, "data"))
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError derives the status from err.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

// parseSince reads the since query parameter: an RFC3339 time or a Go
// duration counted back from now. Absent means the beginning of time.
func parseSince(r *http.Request, now time.Time) (time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q; want RFC3339 or a positive duration", v)
	}
	return now.Add(-d), nil
}
