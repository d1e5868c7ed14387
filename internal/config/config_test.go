package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/proxitrace/internal/config"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.RotationInterval, convey.ShouldEqual, 15*time.Minute)
			convey.So(cfg.MissingAfter, convey.ShouldEqual, 60*time.Second)
			convey.So(cfg.RemoveAfter, convey.ShouldEqual, 108*time.Second)
			convey.So(cfg.MaxConnections, convey.ShouldEqual, 1)
			convey.So(cfg.SampleCap, convey.ShouldEqual, 2000)
			convey.So(cfg.ConnectTimeout, convey.ShouldEqual, 30*time.Second)
			convey.So(cfg.DBPath, convey.ShouldBeEmpty)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a valid config", t, func() {
		cfg := config.New()

		convey.Convey("When removal does not exceed the missing timeout", func() {
			cfg.RemoveAfter = cfg.MissingAfter
			convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the log format is unknown", func() {
			cfg.LogFormat = "xml"
			convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When scheduled detection has no key server", func() {
			cfg.DetectionInterval = time.Hour
			convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)

			cfg.KeyServerURL = "https://keys.example.org"
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("When an identifier is blank", func() {
			cfg.Identifiers = []string{"0a0b", " "}
			convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When no connections are allowed", func() {
			cfg.MaxConnections = 0
			convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
		})
	})
}
