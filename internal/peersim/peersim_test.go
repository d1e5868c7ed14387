package peersim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/adapters/radio/mqttradio"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/proximity"
	"github.com/okian/proxitrace/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

type token struct{ done chan struct{} }

func doneToken() *token {
	t := &token{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return nil }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

// broker delivers every publish synchronously to the topic's subscriber.
type broker struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published map[string][][]byte
}

func newBroker() *broker {
	return &broker{handlers: map[string]mqtt.MessageHandler{}, published: map[string][][]byte{}}
}

func (b *broker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	data := payload.([]byte)
	b.mu.Lock()
	b.published[topic] = append(b.published[topic], data)
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(nil, message{topic: topic, payload: data})
	}
	return doneToken()
}

func (b *broker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return doneToken()
}

func (b *broker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return doneToken()
}

func (b *broker) Disconnect(uint) {}

func (b *broker) events(t *testing.T, topic string) []radio.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]radio.Event, 0, len(b.published[topic]))
	for _, raw := range b.published[topic] {
		ev, _, err := mqttradio.DecodeEvent(raw)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, ev)
	}
	return out
}

const (
	prefix       = mqttradio.DefaultTopicPrefix
	eventsTopic  = prefix + "/events"
	commandTopic = prefix + "/commands"
)

func TestGeneratePeers(t *testing.T) {
	Convey("Given a request for four peers, half Android", t, func() {
		peers, err := GeneratePeers(4, 0.5)
		So(err, ShouldBeNil)
		So(peers, ShouldHaveLength, 4)

		Convey("Then the first half advertise service data", func() {
			So(peers[0].Platform, ShouldEqual, model.PlatformAndroid)
			So(peers[1].Platform, ShouldEqual, model.PlatformAndroid)
			So(peers[2].Platform, ShouldEqual, model.PlatformIOS)
			So(peers[2].Name, ShouldStartWith, "iPhone")

			So(radio.ParseAdvertisement(peers[0].advertisement()).Identifier, ShouldEqual, peers[0].Identifier)
			So(radio.ParseAdvertisement(peers[3].advertisement()).Present, ShouldBeFalse)
		})

		Convey("Then identifiers and handles are unique hex", func() {
			seen := map[string]bool{}
			for _, p := range peers {
				So(p.Identifier, ShouldHaveLength, 32)
				So(seen[p.Identifier], ShouldBeFalse)
				seen[p.Identifier] = true
				So(p.RSSI, ShouldBeBetweenOrEqual, minRSSI, maxRSSI)
			}
		})
	})

	Convey("Given out of range inputs", t, func() {
		_, err := GeneratePeers(0, 0.5)
		So(errors.Is(err, ErrNoPeers), ShouldBeTrue)

		peers, err := GeneratePeers(3, 2)
		So(err, ShouldBeNil)
		for _, p := range peers {
			So(p.Platform, ShouldEqual, model.PlatformAndroid)
		}
	})
}

func TestDevice(t *testing.T) {
	Convey("Given a started device with one iOS peer", t, func() {
		ctx := context.Background()
		b := newBroker()
		p := Peer{Handle: "h1", Name: "iPhone 1", Identifier: "0a0b0c", Platform: model.PlatformIOS, RSSI: -60}
		dev := NewDevice(b, prefix, []Peer{p}, nil)
		So(dev.Start(ctx), ShouldBeNil)

		Convey("Then it reports the radio powered on", func() {
			evs := b.events(t, eventsTopic)
			So(evs, ShouldHaveLength, 1)
			So(evs[0].Kind, ShouldEqual, radio.EventStateChanged)
			So(evs[0].State, ShouldEqual, radio.StatePoweredOn)
		})

		Convey("When it announces before any scan", func() {
			So(dev.Announce(ctx), ShouldBeNil)
			So(b.events(t, eventsTopic), ShouldHaveLength, 1)
			So(dev.Stats().Rounds, ShouldEqual, int64(0))
		})

		Convey("When the node starts scanning", func() {
			cmd, _ := json.Marshal(mqttradio.Command{Op: mqttradio.OpScan})
			b.Publish(commandTopic, 1, false, cmd)
			So(dev.Scanning(), ShouldBeTrue)
			So(dev.Announce(ctx), ShouldBeNil)

			Convey("Then each peer is sighted with jittered signal", func() {
				evs := b.events(t, eventsTopic)
				So(evs, ShouldHaveLength, 2)
				So(evs[1].Kind, ShouldEqual, radio.EventDiscovered)
				So(string(evs[1].Handle), ShouldEqual, "h1")
				So(evs[1].Name, ShouldEqual, "iPhone 1")
				So(evs[1].RSSI, ShouldBeBetweenOrEqual, -60-rssiJitter, -60+rssiJitter)
				So(dev.Stats().Announced, ShouldEqual, int64(1))
			})
		})

		Convey("When the node walks the GATT chain", func() {
			So(dev.Handle(mqttradio.Command{Op: mqttradio.OpConnect, Handle: "h1"})[0].Kind, ShouldEqual, radio.EventConnected)

			svc := dev.Handle(mqttradio.Command{Op: mqttradio.OpDiscoverServices, Handle: "h1"})
			So(svc[0].Services, ShouldContain, radio.ServiceUUID)

			chars := dev.Handle(mqttradio.Command{Op: mqttradio.OpDiscoverCharacteristics, Handle: "h1"})
			So(chars[0].Characteristics, ShouldContain, radio.CharacteristicUUID)

			read := dev.Handle(mqttradio.Command{Op: mqttradio.OpReadCharacteristic, Handle: "h1"})
			So(read[0].Value, ShouldResemble, []byte{0x0a, 0x0b, 0x0c})
			So(dev.Stats().Reads, ShouldEqual, int64(1))

			So(dev.Handle(mqttradio.Command{Op: mqttradio.OpCancelConnection, Handle: "h1"})[0].Kind, ShouldEqual, radio.EventDisconnected)
		})

		Convey("When the node connects to an unknown handle", func() {
			evs := dev.Handle(mqttradio.Command{Op: mqttradio.OpConnect, Handle: "nope"})
			So(evs[0].Kind, ShouldEqual, radio.EventConnectFailed)
			So(evs[0].Err, ShouldNotBeNil)
		})

		Convey("When the node advertises", func() {
			dev.Handle(mqttradio.Command{Op: mqttradio.OpAdvertise, Value: "a1b2"})
			So(dev.Advertised(), ShouldEqual, "a1b2")
			dev.Handle(mqttradio.Command{Op: mqttradio.OpStopAdvertising})
			So(dev.Advertised(), ShouldBeEmpty)
		})

		Convey("When a malformed command arrives", func() {
			b.Publish(commandTopic, 1, false, []byte("{"))
			So(dev.Stats().Failed, ShouldEqual, int64(1))
			So(dev.Stats().Commands, ShouldEqual, int64(0))
		})

		Convey("When the device stops", func() {
			So(dev.Stop(ctx), ShouldBeNil)
			evs := b.events(t, eventsTopic)
			So(evs[len(evs)-1].State, ShouldEqual, radio.StatePoweredOff)
			b.mu.Lock()
			_, subscribed := b.handlers[commandTopic]
			b.mu.Unlock()
			So(subscribed, ShouldBeFalse)
		})
	})
}

func TestVerify(t *testing.T) {
	Convey("Given two peers and a node report", t, func() {
		peers := []Peer{
			{Identifier: "aa", Platform: model.PlatformAndroid},
			{Identifier: "bb", Platform: model.PlatformIOS},
		}

		Convey("When both are resolved correctly", func() {
			r := Verify(peers, []model.ScanSummary{
				{ResolvedIdentifier: "aa", Platform: model.PlatformAndroid},
				{ResolvedIdentifier: "bb", Platform: model.PlatformIOS},
				{Platform: model.PlatformUnknown},
			})
			So(r.OK(), ShouldBeTrue)
			So(r.Resolved, ShouldEqual, 2)
		})

		Convey("When one is missing and one has the wrong platform", func() {
			r := Verify(peers, []model.ScanSummary{{ResolvedIdentifier: "aa", Platform: model.PlatformIOS}})
			So(r.OK(), ShouldBeFalse)
			So(r.Missing, ShouldResemble, []string{"bb"})
			So(r.Mismatched, ShouldResemble, []string{"aa"})
		})
	})
}

func TestNodeClient(t *testing.T) {
	Convey("Given a node serving scans", t, func() {
		var status atomic.Int32
		status.Store(http.StatusOK)
		mux := http.NewServeMux()
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(int(status.Load()))
		})
		mux.HandleFunc("GET /scans", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode([]model.ScanSummary{{ResolvedIdentifier: "aa", Platform: model.PlatformAndroid}})
		})
		srv := httptest.NewServer(mux)
		Reset(srv.Close)
		c := newNodeClient(srv.URL+"/", time.Second)
		c.http.RetryMax = 0
		ctx := context.Background()

		So(c.health(ctx), ShouldBeNil)
		scans, err := c.scans(ctx)
		So(err, ShouldBeNil)
		So(scans, ShouldHaveLength, 1)
		So(scans[0].Platform, ShouldEqual, model.PlatformAndroid)

		Convey("And an unhealthy node is reported", func() {
			status.Store(http.StatusTeapot)
			So(c.health(ctx), ShouldNotBeNil)
		})
	})
}

func TestDeviceDrivesRegistry(t *testing.T) {
	Convey("Given a registry scanning through the MQTT bridge against simulated peers", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b := newBroker()
		bridge, err := mqttradio.New(ctx, b, mqttradio.WithInitialState(radio.StatePoweredOn))
		So(err, ShouldBeNil)

		peers, err := GeneratePeers(4, 0.5)
		So(err, ShouldBeNil)
		dev := NewDevice(b, prefix, peers, nil)
		So(dev.Start(ctx), ShouldBeNil)

		reg := proximity.NewRegistry(bridge, proximity.WithSweepInterval(10*time.Millisecond))
		done := make(chan error, 1)
		go func() { done <- reg.Run(ctx) }()
		So(reg.Start(ctx), ShouldBeNil)
		So(dev.Scanning(), ShouldBeTrue)

		deadline := time.Now().Add(3 * time.Second)
		var report Report
		for time.Now().Before(deadline) {
			So(dev.Announce(ctx), ShouldBeNil)
			report = Verify(peers, reg.Snapshot())
			if report.OK() {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		cancel()
		So(<-done, ShouldBeNil)
		So(bridge.Close(context.Background()), ShouldBeNil)

		Convey("Then every peer is resolved with its platform", func() {
			So(report.Missing, ShouldBeEmpty)
			So(report.Mismatched, ShouldBeEmpty)
			So(report.Resolved, ShouldEqual, 4)
			So(dev.Stats().Reads, ShouldBeGreaterThanOrEqualTo, 2)
		})
	})
}
