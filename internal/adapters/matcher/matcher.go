// Package matcher is a file-backed exposure-matching framework. Instead of
// matching keys on a device it reads precomputed detection results that
// ship inside the downloaded key batches.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/scoring"
	"github.com/okian/proxitrace/pkg/logger"
)

// ResultExt marks files holding a detection Result.
const ResultExt = ".json"

// Result is the on-disk detection result document.
type Result struct {
	Summary         scoring.Summary        `json:"summary"`
	ExposureInfo    []scoring.ExposureInfo `json:"exposureInfo,omitempty"`
	ExposureWindows []scoring.Window       `json:"exposureWindows,omitempty"`
}

// FileFramework aggregates every Result found among the detected files.
// Details from the most recent Detect call back ExposureInfo and
// ExposureWindows.
type FileFramework struct {
	logger logger.Logger

	mu   sync.Mutex
	last *Result
}

// New creates a file-backed framework.
func New(l logger.Logger) *FileFramework {
	if l == nil {
		l = logger.Get().Named("matcher")
	}
	return &FileFramework{logger: l}
}

// Detect reads the result documents among files and merges them. Other
// files (key exports and signatures) are ignored. Exposure info below the
// configuration's minimum risk score is discarded.
func (f *FileFramework) Detect(ctx context.Context, cfg scoring.Configuration, files []string) (*scoring.Summary, error) {
	merged := &Result{}
	read := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.EqualFold(filepath.Ext(path), ResultExt) {
			continue
		}
		r, err := readResult(path)
		if err != nil {
			return nil, err
		}
		merge(merged, r, cfg.MinimumRiskScore)
		read++
	}
	sort.SliceStable(merged.Summary.DaySummaries, func(i, j int) bool {
		return merged.Summary.DaySummaries[i].Date.Before(merged.Summary.DaySummaries[j].Date)
	})

	f.mu.Lock()
	f.last = merged
	f.mu.Unlock()

	f.logger.Debug(ctx, "detection results merged",
		logger.Int("files", len(files)),
		logger.Int("results", read),
		logger.Int("matched_keys", merged.Summary.MatchedKeyCount),
	)
	s := merged.Summary
	return &s, nil
}

// ExposureInfo implements scoring.Source. It returns nil before any Detect.
func (f *FileFramework) ExposureInfo(context.Context, scoring.Summary) ([]scoring.ExposureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil, nil
	}
	return append([]scoring.ExposureInfo{}, f.last.ExposureInfo...), nil
}

// ExposureWindows implements scoring.Source. It returns nil before any Detect.
func (f *FileFramework) ExposureWindows(context.Context, scoring.Summary) ([]scoring.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil, nil
	}
	return append([]scoring.Window{}, f.last.ExposureWindows...), nil
}

func readResult(path string) (Result, error) {
	data, err := os.ReadFile(path) //nolint:gosec // paths come from our own extraction directory
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", model.ErrDecodingFailed, filepath.Base(path), err)
	}
	return r, nil
}

func merge(into *Result, r Result, minimumRiskScore int) {
	s, add := &into.Summary, r.Summary

	for i, d := range add.AttenuationDurations {
		if i < len(s.AttenuationDurations) {
			s.AttenuationDurations[i] += d
		} else {
			s.AttenuationDurations = append(s.AttenuationDurations, d)
		}
	}
	if add.MatchedKeyCount > 0 {
		if s.MatchedKeyCount == 0 || add.DaysSinceLastExposure < s.DaysSinceLastExposure {
			s.DaysSinceLastExposure = add.DaysSinceLastExposure
		}
		s.MatchedKeyCount += add.MatchedKeyCount
	}
	s.MaximumRiskScore = max(s.MaximumRiskScore, add.MaximumRiskScore)

	for _, day := range add.DaySummaries {
		mergeDay(s, day)
	}
	for _, info := range r.ExposureInfo {
		if info.TotalRiskScore >= minimumRiskScore {
			into.ExposureInfo = append(into.ExposureInfo, info)
		}
	}
	into.ExposureWindows = append(into.ExposureWindows, r.ExposureWindows...)
}

func mergeDay(s *scoring.Summary, day scoring.Day) {
	key := model.DayKey(day.Date)
	for i := range s.DaySummaries {
		existing := &s.DaySummaries[i]
		if model.DayKey(existing.Date) != key {
			continue
		}
		existing.Summary.MaximumScore = max(existing.Summary.MaximumScore, day.Summary.MaximumScore)
		existing.Summary.ScoreSum += day.Summary.ScoreSum
		existing.Summary.WeightedDurationSum += day.Summary.WeightedDurationSum
		return
	}
	s.DaySummaries = append(s.DaySummaries, day)
}
