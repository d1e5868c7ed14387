package matcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/proxitrace/internal/adapters/matcher"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/scoring"
	"github.com/okian/proxitrace/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

func day(d int) time.Time { return time.Date(2020, time.June, d, 0, 0, 0, 0, time.UTC) }

func writeResult(t *testing.T, dir, name string, r matcher.Result) string {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFileFramework(t *testing.T) {
	Convey("Given two batches with detection results and a key export", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		a := writeResult(t, dir, "a.json", matcher.Result{
			Summary: scoring.Summary{
				AttenuationDurations:  []int{600, 120},
				MatchedKeyCount:       2,
				DaysSinceLastExposure: 5,
				MaximumRiskScore:      4,
				DaySummaries:          []scoring.Day{{Date: day(3), Summary: model.DaySummary{MaximumScore: 500, ScoreSum: 500}}},
			},
			ExposureInfo: []scoring.ExposureInfo{
				{Date: day(3), TotalRiskScore: 4},
				{Date: day(4), TotalRiskScore: 1},
			},
		})
		b := writeResult(t, dir, "b.json", matcher.Result{
			Summary: scoring.Summary{
				AttenuationDurations:  []int{300, 60, 30},
				MatchedKeyCount:       1,
				DaysSinceLastExposure: 2,
				MaximumRiskScore:      7,
				DaySummaries: []scoring.Day{
					{Date: day(3), Summary: model.DaySummary{MaximumScore: 950, ScoreSum: 950}},
					{Date: day(1), Summary: model.DaySummary{MaximumScore: 100, ScoreSum: 100}},
				},
			},
			ExposureWindows: []scoring.Window{{Date: day(3), Infectiousness: 2}},
		})
		export := filepath.Join(dir, "export.bin")
		So(os.WriteFile(export, []byte("EK Export v1"), 0o600), ShouldBeNil)

		fw := matcher.New(nil)
		cfg := scoring.DefaultConfiguration()
		cfg.MinimumRiskScore = 2

		Convey("When detection runs", func() {
			s, err := fw.Detect(ctx, cfg, []string{export, a, b})
			So(err, ShouldBeNil)

			Convey("Then the summaries are merged", func() {
				So(s.AttenuationDurations, ShouldResemble, []int{900, 180, 30})
				So(s.MatchedKeyCount, ShouldEqual, 3)
				So(s.DaysSinceLastExposure, ShouldEqual, 2)
				So(s.MaximumRiskScore, ShouldEqual, 7)
				So(s.DaySummaries, ShouldHaveLength, 2)
				So(s.DaySummaries[0].Date, ShouldEqual, day(1))
				So(s.DaySummaries[1].Summary.MaximumScore, ShouldEqual, 950.0)
				So(s.DaySummaries[1].Summary.ScoreSum, ShouldEqual, 1450.0)
			})

			Convey("Then details are served with the risk floor applied", func() {
				infos, err := fw.ExposureInfo(ctx, *s)
				So(err, ShouldBeNil)
				So(infos, ShouldHaveLength, 1)
				So(infos[0].Date, ShouldEqual, day(3))

				windows, err := fw.ExposureWindows(ctx, *s)
				So(err, ShouldBeNil)
				So(windows, ShouldHaveLength, 1)
			})
		})

		Convey("When a result file is corrupt", func() {
			bad := filepath.Join(dir, "bad.json")
			So(os.WriteFile(bad, []byte("{"), 0o600), ShouldBeNil)
			_, err := fw.Detect(ctx, cfg, []string{a, bad})
			So(errors.Is(err, model.ErrDecodingFailed), ShouldBeTrue)
		})

		Convey("When nothing has been detected yet", func() {
			infos, err := fw.ExposureInfo(ctx, scoring.Summary{})
			So(err, ShouldBeNil)
			So(infos, ShouldBeNil)
		})

		Convey("When the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := fw.Detect(cctx, cfg, []string{a})
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}
