package model

import (
	"time"

	"github.com/google/uuid"
)

// ExposureEvent is a scored, per-date exposure. It is never mutated after creation.
type ExposureEvent struct {
	ID                      uuid.UUID       `json:"id"`
	Date                    time.Time       `json:"date"`
	Duration                float64         `json:"duration"`
	TotalRiskScore          int             `json:"total_risk_score"`
	TotalRiskScoreFullRange float64         `json:"total_risk_score_full_range"`
	TransmissionRiskLevel   int             `json:"transmission_risk_level"`
	AttenuationValue        int             `json:"attenuation_value"`
	AttenuationDurations    []int           `json:"attenuation_durations"`
	Window                  *ExposureWindow `json:"window,omitempty"`
}

// ExposureWindow is the per-scan breakdown attached by windowed scoring.
type ExposureWindow struct {
	ID                    uuid.UUID      `json:"id"`
	Date                  time.Time      `json:"date"`
	CalibrationConfidence int            `json:"calibration_confidence"`
	DiagnosisReportType   int            `json:"diagnosis_report_type"`
	Infectiousness        int            `json:"infectiousness"`
	ScanInstances         []ScanInstance `json:"scan_instances"`
	DaySummary            DaySummary     `json:"day_summary"`
}

// ScanInstance is one scan inside an exposure window.
type ScanInstance struct {
	MinimumAttenuation   int `json:"minimum_attenuation"`
	TypicalAttenuation   int `json:"typical_attenuation"`
	SecondsSinceLastScan int `json:"seconds_since_last_scan"`
}

// DaySummary aggregates one day of windowed detection.
type DaySummary struct {
	MaximumScore        float64 `json:"maximum_score"`
	ScoreSum            float64 `json:"score_sum"`
	WeightedDurationSum float64 `json:"weighted_duration_sum"`
}

// DayKey returns the UTC calendar date of t, used for per-date dedupe.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// DiagnosisKey is a temporary exposure key submitted for upload.
type DiagnosisKey struct {
	KeyData               []byte `json:"key"`
	RollingStartNumber    uint32 `json:"rollingStartNumber"`
	RollingPeriod         uint32 `json:"rollingPeriod"`
	TransmissionRiskLevel int    `json:"transmissionRisk"`
}

// Batch is the result of a key download: extracted files plus the remote names they came from.
type Batch struct {
	Names []string
	Files []string
	// Dir is the temporary directory holding Files, if any.
	Dir string
}
