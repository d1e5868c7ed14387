package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then it should be created successfully", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "proxitrace")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test_ns"),
				WithSubsystem("test_sub"),
				WithHistogramBuckets([]float64{1, 2, 3}),
				WithConstLabels(map[string]string{"device": "d1"}),
				WithPrometheusRegistry(registry),
			)
			manager.discoveryEvents.Inc()

			Convey("Then metric names carry the namespace and subsystem", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_ns_test_sub_discovery_events_total" {
						found = true
						So(f.GetMetric()[0].GetLabel()[0].GetValue(), ShouldEqual, "d1")
					}
				}
				So(found, ShouldBeTrue)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When recording proximity metrics", func() {
			before := testutil.ToFloat64(globalManager.connectAttempts)
			RecordConnectAttempt()
			RecordConnectAttempt()

			Convey("Then counters advance", func() {
				So(testutil.ToFloat64(globalManager.connectAttempts), ShouldEqual, before+2)
			})
		})

		Convey("When replacing per-state gauges", func() {
			UpdatePeersByState(map[string]int{"idle": 3, "connecting": 1})
			UpdatePeersByState(map[string]int{"idle": 2})

			Convey("Then stale states are cleared", func() {
				So(testutil.ToFloat64(globalManager.peersByState.WithLabelValues("idle")), ShouldEqual, 2)
				So(testutil.CollectAndCount(globalManager.peersByState), ShouldEqual, 1)
			})
		})

		Convey("When recording detection and queue metrics", func() {
			So(func() {
				RecordDetectionRun("success", 0.5)
				RecordExposuresDetected(2)
				RecordUpload("failure")
				UpdateQueueSize(10)
				UpdateQueueCapacity(100)
				RecordQueueEnqueueError("full")
				RecordHTTPRequest("scans", "GET", "200")
				RecordHTTPRequestDuration("scans", "GET", "200", 1.5)
				RecordErrorByComponent("registry", "radio")
			}, ShouldNotPanic)
		})

		Convey("When exposing the registry", func() {
			registry := GetRegistry()
			So(registry, ShouldNotBeNil)
			families, err := registry.Gather()
			So(err, ShouldBeNil)
			hasPrefix := false
			for _, f := range families {
				if strings.HasPrefix(f.GetName(), "proxitrace_core_") {
					hasPrefix = true
				}
			}
			So(hasPrefix, ShouldBeTrue)
		})
	})
}
