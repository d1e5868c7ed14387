package scoring_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/scoring"
	"github.com/okian/proxitrace/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

type fakeSource struct {
	infos      []scoring.ExposureInfo
	windows    []scoring.Window
	err        error
	infoCalls  int
	windowCall int
}

func (f *fakeSource) ExposureInfo(context.Context, scoring.Summary) ([]scoring.ExposureInfo, error) {
	f.infoCalls++
	return f.infos, f.err
}

func (f *fakeSource) ExposureWindows(context.Context, scoring.Summary) ([]scoring.Window, error) {
	f.windowCall++
	return f.windows, f.err
}

func day(d int) time.Time {
	return time.Date(2020, time.May, d, 12, 0, 0, 0, time.UTC)
}

func legacyConfig(threshold int) scoring.Configuration {
	cfg := scoring.DefaultConfiguration()
	cfg.Version = scoring.V1
	cfg.FactorLow = 1
	cfg.FactorHigh = 0
	cfg.TriggerThreshold = threshold
	return cfg
}

func TestLegacyScore(t *testing.T) {
	Convey("Given attenuation durations", t, func() {
		So(scoring.LegacyScore([]int{600, 300}, 1, 0.5), ShouldEqual, 12.5)
		So(scoring.LegacyScore([]int{600}, 1, 0.5), ShouldEqual, 10.0)
		So(scoring.LegacyScore(nil, 1, 0.5), ShouldEqual, 0.0)
	})
}

func TestScoreLegacy(t *testing.T) {
	Convey("Given a legacy scorer", t, func() {
		ctx := context.Background()
		scorer := scoring.NewScorer()
		summary := scoring.Summary{AttenuationDurations: []int{600, 0}, MatchedKeyCount: 2}
		src := &fakeSource{infos: []scoring.ExposureInfo{
			{Date: day(3), TotalRiskScoreFullRange: 5, Duration: 300},
			{Date: day(1), TotalRiskScoreFullRange: 4},
			{Date: day(3).Add(time.Hour), TotalRiskScoreFullRange: 9, Duration: 900},
		}}

		Convey("When the score equals the threshold", func() {
			events, err := scorer.Score(ctx, legacyConfig(10), summary, src)

			Convey("Then one event per date is kept, highest risk wins, sorted by date", func() {
				So(err, ShouldBeNil)
				So(events, ShouldHaveLength, 2)
				So(events[0].Date, ShouldEqual, day(1))
				So(events[1].TotalRiskScoreFullRange, ShouldEqual, 9.0)
				So(events[1].Duration, ShouldEqual, 900.0)
				So(events[0].ID, ShouldNotEqual, events[1].ID)
			})
		})

		Convey("When the score is below the threshold", func() {
			events, err := scorer.Score(ctx, legacyConfig(11), summary, src)

			Convey("Then the result is empty and details are never fetched", func() {
				So(err, ShouldBeNil)
				So(events, ShouldBeEmpty)
				So(src.infoCalls, ShouldEqual, 0)
			})
		})

		Convey("When no keys matched", func() {
			summary.MatchedKeyCount = 0
			events, err := scorer.Score(ctx, legacyConfig(10), summary, src)

			Convey("Then the result is empty", func() {
				So(err, ShouldBeNil)
				So(events, ShouldBeEmpty)
				So(src.infoCalls, ShouldEqual, 0)
			})
		})

		Convey("When two records tie on risk for a date", func() {
			src.infos = []scoring.ExposureInfo{
				{Date: day(2), TotalRiskScoreFullRange: 7, Duration: 1},
				{Date: day(2), TotalRiskScoreFullRange: 7, Duration: 2},
			}
			events, err := scorer.Score(ctx, legacyConfig(10), summary, src)

			Convey("Then the first one is kept", func() {
				So(err, ShouldBeNil)
				So(events, ShouldHaveLength, 1)
				So(events[0].Duration, ShouldEqual, 1.0)
			})
		})

		Convey("When the source returns nothing", func() {
			src.infos = nil
			_, err := scorer.Score(ctx, legacyConfig(10), summary, src)

			Convey("Then scoring reports no data", func() {
				So(errors.Is(err, model.ErrNoData), ShouldBeTrue)
			})
		})

		Convey("When the source fails", func() {
			src.err = model.ErrNetwork
			_, err := scorer.Score(ctx, legacyConfig(10), summary, src)

			Convey("Then the error is propagated", func() {
				So(errors.Is(err, model.ErrNetwork), ShouldBeTrue)
			})
		})
	})
}

func TestScoreWindowed(t *testing.T) {
	Convey("Given a windowed scorer", t, func() {
		ctx := context.Background()
		scorer := scoring.NewScorer()
		cfg := scoring.DefaultConfiguration()
		cfg.Version = scoring.V2
		cfg.MinimumScore = 900

		summary := scoring.Summary{DaySummaries: []scoring.Day{
			{Date: day(1), Summary: model.DaySummary{MaximumScore: 899}},
			{Date: day(2), Summary: model.DaySummary{MaximumScore: 900, ScoreSum: 1200}},
		}}
		src := &fakeSource{windows: []scoring.Window{
			{Date: day(1), Infectiousness: 2},
			{Date: day(2), Infectiousness: 1},
			{Date: day(2), Infectiousness: 2, ScanInstances: []model.ScanInstance{{MinimumAttenuation: 40}}},
			{Date: day(4), Infectiousness: 2},
		}}

		Convey("When scoring", func() {
			events, err := scorer.Score(ctx, cfg, summary, src)

			Convey("Then only days at or above the minimum produce events", func() {
				So(err, ShouldBeNil)
				So(events, ShouldHaveLength, 1)
				So(events[0].Date, ShouldEqual, day(2))
			})

			Convey("And the most infectious window is attached with its day summary", func() {
				w := events[0].Window
				So(w, ShouldNotBeNil)
				So(w.Infectiousness, ShouldEqual, 2)
				So(w.ScanInstances, ShouldHaveLength, 1)
				So(w.DaySummary.ScoreSum, ShouldEqual, 1200.0)
				So(events[0].Duration, ShouldEqual, 0.0)
				So(events[0].AttenuationDurations, ShouldResemble, []int{0})
			})
		})

		Convey("When every day is below the minimum", func() {
			cfg.MinimumScore = 901
			events, err := scorer.Score(ctx, cfg, summary, src)

			Convey("Then the result is empty and windows are never fetched", func() {
				So(err, ShouldBeNil)
				So(events, ShouldBeEmpty)
				So(src.windowCall, ShouldEqual, 0)
			})
		})

		Convey("When there are no day summaries", func() {
			events, err := scorer.Score(ctx, cfg, scoring.Summary{}, src)
			So(err, ShouldBeNil)
			So(events, ShouldBeEmpty)
		})

		Convey("When the source returns nothing", func() {
			src.windows = nil
			_, err := scorer.Score(ctx, cfg, summary, src)
			So(errors.Is(err, model.ErrNoData), ShouldBeTrue)
		})
	})
}

func TestScoreUnknownVersion(t *testing.T) {
	Convey("Given an unsupported configuration version", t, func() {
		cfg := scoring.DefaultConfiguration()
		cfg.Version = 7
		_, err := scoring.NewScorer().Score(context.Background(), cfg, scoring.Summary{}, &fakeSource{})
		So(errors.Is(err, scoring.ErrUnknownConfiguration), ShouldBeTrue)
	})

	Convey("Given a cancelled context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := scoring.NewScorer().Score(ctx, scoring.DefaultConfiguration(), scoring.Summary{}, &fakeSource{})
		So(errors.Is(err, model.ErrCancelled), ShouldBeTrue)
	})
}

func TestDecodeConfiguration(t *testing.T) {
	Convey("Given a partial configuration document", t, func() {
		cfg, err := scoring.DecodeConfiguration([]byte(`{"version":2,"minimumScore":1200}`))

		Convey("Then missing fields keep their defaults", func() {
			So(err, ShouldBeNil)
			So(cfg.Version, ShouldEqual, scoring.V2)
			So(cfg.MinimumScore, ShouldEqual, 1200)
			So(cfg.AttenuationDurationThresholds, ShouldResemble, []int{50, 70})
		})
	})

	Convey("Given a document without a version", t, func() {
		cfg, err := scoring.DecodeConfiguration([]byte(`{"triggerThreshold":5}`))
		So(err, ShouldBeNil)
		So(cfg.Version, ShouldEqual, scoring.V1)
		So(cfg.TriggerThreshold, ShouldEqual, 5)
	})

	Convey("Given malformed input", t, func() {
		_, err := scoring.DecodeConfiguration([]byte(`{`))
		So(errors.Is(err, model.ErrDecodingFailed), ShouldBeTrue)

		_, err = scoring.DecodeConfiguration([]byte(`{"version":9}`))
		So(errors.Is(err, scoring.ErrUnknownConfiguration), ShouldBeTrue)
	})
}
