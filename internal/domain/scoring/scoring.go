// Package scoring turns a detection summary plus a scoring configuration
// into a deduplicated list of exposure events.
//
// Two algorithms coexist and are selected by Configuration.Version:
// the legacy attenuation-bucket score (v1) and the windowed day-summary
// threshold (v2).
package scoring

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/domain/dedupe"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
)

// Summary is the detection summary returned by the matching framework.
type Summary struct {
	// AttenuationDurations are seconds spent per attenuation bucket: low, high, ...
	AttenuationDurations  []int `json:"attenuationDurations"`
	MatchedKeyCount       int   `json:"matchedKeyCount"`
	DaysSinceLastExposure int   `json:"daysSinceLastExposure"`
	MaximumRiskScore      int   `json:"maximumRiskScore"`
	DaySummaries          []Day `json:"daySummaries,omitempty"`
}

// Day is one day-level summary of windowed detection.
type Day struct {
	Date    time.Time        `json:"date"`
	Summary model.DaySummary `json:"daySummary"`
}

// ExposureInfo is one detailed legacy exposure record.
type ExposureInfo struct {
	Date                    time.Time `json:"date"`
	Duration                float64   `json:"duration"`
	TotalRiskScore          int       `json:"totalRiskScore"`
	TotalRiskScoreFullRange float64   `json:"totalRiskScoreFullRange"`
	TransmissionRiskLevel   int       `json:"transmissionRiskLevel"`
	AttenuationValue        int       `json:"attenuationValue"`
	AttenuationDurations    []int     `json:"attenuationDurations"`
}

// Window is one exposure window of windowed detection.
type Window struct {
	Date                  time.Time            `json:"date"`
	CalibrationConfidence int                  `json:"calibrationConfidence"`
	DiagnosisReportType   int                  `json:"diagnosisReportType"`
	Infectiousness        int                  `json:"infectiousness"`
	ScanInstances         []model.ScanInstance `json:"scanInstances"`
}

// Source fetches the detail records behind a summary. Scoring calls it
// only after the summary passes its thresholds.
type Source interface {
	ExposureInfo(ctx context.Context, s Summary) ([]ExposureInfo, error)
	ExposureWindows(ctx context.Context, s Summary) ([]Window, error)
}

// Scorer computes exposure events, honoring ctx for cancellation.
type Scorer interface {
	Score(ctx context.Context, cfg Configuration, s Summary, src Source) ([]model.ExposureEvent, error)
}

// Option applies a configuration option to the DefaultScorer.
type Option func(*DefaultScorer)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *DefaultScorer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(s *DefaultScorer) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// DefaultScorer implements Scorer with both algorithms.
type DefaultScorer struct {
	logger logger.Logger
	newID  func() uuid.UUID
}

// NewScorer creates a scorer.
func NewScorer(opts ...Option) *DefaultScorer {
	s := &DefaultScorer{newID: uuid.New}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("scoring")
	}
	return s
}

// Score dispatches on cfg.Version. A sub-threshold result is an empty
// list, not an error.
func (s *DefaultScorer) Score(ctx context.Context, cfg Configuration, sum Summary, src Source) ([]model.ExposureEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCancelled, err)
	}
	switch cfg.Version {
	case V1:
		return s.scoreLegacy(ctx, cfg, sum, src)
	case V2:
		return s.scoreWindowed(ctx, cfg, sum, src)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownConfiguration, cfg.Version)
	}
}

// LegacyScore is the v1 score in minutes:
// (low*factorLow + high*factorHigh) / 60. Missing buckets count as zero.
func LegacyScore(attenuationDurations []int, factorLow, factorHigh float64) float64 {
	var low, high float64
	if len(attenuationDurations) > 0 {
		low = float64(attenuationDurations[0])
	}
	if len(attenuationDurations) > 1 {
		high = float64(attenuationDurations[1])
	}
	return (low*factorLow + high*factorHigh) / secondsPerMinute
}

func (s *DefaultScorer) scoreLegacy(ctx context.Context, cfg Configuration, sum Summary, src Source) ([]model.ExposureEvent, error) {
	score := LegacyScore(sum.AttenuationDurations, cfg.FactorLow, cfg.FactorHigh)
	s.logger.Debug(ctx, "legacy summary scored",
		logger.Float64("score", score),
		logger.Int("trigger_threshold", cfg.TriggerThreshold),
		logger.Int("matched_keys", sum.MatchedKeyCount),
		logger.Int("days_since_last_exposure", sum.DaysSinceLastExposure),
	)
	if score < float64(cfg.TriggerThreshold) {
		return []model.ExposureEvent{}, nil
	}
	// Threshold is checked before the matched-key count; both must pass.
	if sum.MatchedKeyCount == 0 {
		return []model.ExposureEvent{}, nil
	}

	infos, err := src.ExposureInfo(ctx, sum)
	if err != nil {
		return nil, fmt.Errorf("exposure info: %w", err)
	}
	if infos == nil {
		return nil, fmt.Errorf("exposure info: %w", model.ErrNoData)
	}

	best := dedupe.KeepBest(infos,
		func(i ExposureInfo) string { return model.DayKey(i.Date) },
		func(c, cur ExposureInfo) bool { return c.TotalRiskScoreFullRange > cur.TotalRiskScoreFullRange },
	)

	events := make([]model.ExposureEvent, 0, len(best))
	for _, info := range best {
		events = append(events, model.ExposureEvent{
			ID:                      s.newID(),
			Date:                    info.Date,
			Duration:                info.Duration,
			TotalRiskScore:          info.TotalRiskScore,
			TotalRiskScoreFullRange: info.TotalRiskScoreFullRange,
			TransmissionRiskLevel:   info.TransmissionRiskLevel,
			AttenuationValue:        info.AttenuationValue,
			AttenuationDurations:    slices.Clone(info.AttenuationDurations),
		})
	}
	sortByDate(events)
	return events, nil
}

func (s *DefaultScorer) scoreWindowed(ctx context.Context, cfg Configuration, sum Summary, src Source) ([]model.ExposureEvent, error) {
	if len(sum.DaySummaries) == 0 {
		return []model.ExposureEvent{}, nil
	}

	days := make(map[string]Day, len(sum.DaySummaries))
	for _, d := range sum.DaySummaries {
		if int(d.Summary.MaximumScore) >= cfg.MinimumScore {
			days[model.DayKey(d.Date)] = d
		}
	}
	s.logger.Debug(ctx, "windowed summary filtered",
		logger.Int("days", len(sum.DaySummaries)),
		logger.Int("days_over_minimum", len(days)),
		logger.Int("minimum_score", cfg.MinimumScore),
	)
	if len(days) == 0 {
		return []model.ExposureEvent{}, nil
	}

	windows, err := src.ExposureWindows(ctx, sum)
	if err != nil {
		return nil, fmt.Errorf("exposure windows: %w", err)
	}
	if windows == nil {
		return nil, fmt.Errorf("exposure windows: %w", model.ErrNoData)
	}

	joined := make([]model.ExposureEvent, 0, len(windows))
	for _, w := range windows {
		day, ok := days[model.DayKey(w.Date)]
		if !ok {
			continue
		}
		joined = append(joined, model.ExposureEvent{
			ID:                   s.newID(),
			Date:                 w.Date,
			AttenuationDurations: []int{0},
			Window: &model.ExposureWindow{
				ID:                    s.newID(),
				Date:                  w.Date,
				CalibrationConfidence: w.CalibrationConfidence,
				DiagnosisReportType:   w.DiagnosisReportType,
				Infectiousness:        w.Infectiousness,
				ScanInstances:         slices.Clone(w.ScanInstances),
				DaySummary:            day.Summary,
			},
		})
	}

	events := dedupe.KeepBest(joined,
		func(e model.ExposureEvent) string { return model.DayKey(e.Date) },
		func(c, cur model.ExposureEvent) bool { return c.Window.Infectiousness > cur.Window.Infectiousness },
	)
	sortByDate(events)
	return events, nil
}

func sortByDate(events []model.ExposureEvent) {
	slices.SortStableFunc(events, func(a, b model.ExposureEvent) int {
		return a.Date.Compare(b.Date)
	})
}
