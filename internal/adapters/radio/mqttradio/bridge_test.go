package mqttradio_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/adapters/radio/mqttradio"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

type token struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { <-t.done; return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

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

type published struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	published    []published
	publishErr   error
	disconnected bool
}

func newTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string]mqtt.MessageHandler{}}
}

func (f *fakeTransport) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return doneToken(f.publishErr)
	}
	f.published = append(f.published, published{topic: topic, payload: payload.([]byte)})
	return doneToken(nil)
}

func (f *fakeTransport) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return doneToken(nil)
}

func (f *fakeTransport) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return doneToken(nil)
}

func (f *fakeTransport) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeTransport) emit(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(nil, message{topic: topic, payload: []byte(payload)})
}

func (f *fakeTransport) lastCommand() mqttradio.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmd mqttradio.Command
	So(json.Unmarshal(f.published[len(f.published)-1].payload, &cmd), ShouldBeNil)
	So(f.published[len(f.published)-1].topic, ShouldEqual, "test/commands")
	return cmd
}

func TestBridgeEvents(t *testing.T) {
	Convey("Given a bridge on a fake broker", t, func() {
		ctx := context.Background()
		tr := newTransport()
		b, err := mqttradio.New(ctx, tr, mqttradio.WithTopicPrefix("test"), mqttradio.WithBufferSize(2))
		So(err, ShouldBeNil)
		So(tr.handlers, ShouldContainKey, "test/events")

		Convey("When a discovery with service data arrives", func() {
			tr.emit("test/events", `{"kind":"discovered","handle":"h1","name":"Pixel","rssi":-61,
				"service_data":{"1440dd68-67e4-11ea-bc55-0242ac130003":"0a0b"}}`)
			ev := <-b.Events()

			Convey("Then it is delivered with a parsed advertisement", func() {
				So(ev.Kind, ShouldEqual, radio.EventDiscovered)
				So(ev.Handle, ShouldEqual, radio.Handle("h1"))
				So(ev.RSSI, ShouldEqual, -61)
				So(radio.ParseAdvertisement(ev.Advertisement), ShouldResemble, radio.ServiceData{Identifier: "0a0b", Present: true})
			})
		})

		Convey("When the peripheral side powers on", func() {
			tr.emit("test/events", `{"kind":"state_changed","role":"peripheral","state":"powered_on"}`)

			Convey("Then only the peripheral state changes", func() {
				So(b.Peripheral().State(), ShouldEqual, radio.StatePoweredOn)
				So(b.State(), ShouldEqual, radio.StateUnknown)
				So(<-b.Peripheral().StateChanges(), ShouldEqual, radio.StatePoweredOn)
				So(b.Events(), ShouldBeEmpty)
			})
		})

		Convey("When an unscoped state change arrives", func() {
			tr.emit("test/events", `{"kind":"state_changed","state":"unauthorized"}`)

			Convey("Then both sides see it", func() {
				So(b.State(), ShouldEqual, radio.StateUnauthorized)
				So(b.Peripheral().State(), ShouldEqual, radio.StateUnauthorized)
				ev := <-b.Events()
				So(ev.State, ShouldEqual, radio.StateUnauthorized)
			})
		})

		Convey("When malformed messages arrive", func() {
			tr.emit("test/events", `{"kind":"bogus","handle":"h1"}`)
			tr.emit("test/events", `not json`)
			tr.emit("test/events", `{"kind":"connected"}`)

			Convey("Then they are dropped", func() {
				So(b.Events(), ShouldBeEmpty)
			})
		})

		Convey("When consumers fall behind", func() {
			for i := 0; i < 3; i++ {
				tr.emit("test/events", `{"kind":"connected","handle":"h1"}`)
			}

			Convey("Then excess events are dropped instead of blocking", func() {
				So(len(b.Events()), ShouldEqual, 2)
				So(b.Dropped(), ShouldEqual, int64(1))
			})
		})

		Convey("When the bridge is closed", func() {
			So(b.Close(ctx), ShouldBeNil)
			So(b.Close(ctx), ShouldBeNil)

			Convey("Then channels close and commands fail", func() {
				_, open := <-b.Events()
				So(open, ShouldBeFalse)
				So(tr.disconnected, ShouldBeTrue)
				So(errors.Is(b.StopScan(ctx), mqttradio.ErrClosed), ShouldBeTrue)
				b.Deliver(ctx, radio.Event{Kind: radio.EventConnected, Handle: "h1"}, "")
			})
		})
	})
}

func TestBridgeCommands(t *testing.T) {
	Convey("Given a bridge on a fake broker", t, func() {
		ctx := context.Background()
		tr := newTransport()
		b, err := mqttradio.New(ctx, tr, mqttradio.WithTopicPrefix("test"))
		So(err, ShouldBeNil)

		Convey("When a read is requested", func() {
			So(b.ReadCharacteristic(ctx, "h1", radio.ServiceUUID, radio.CharacteristicUUID), ShouldBeNil)
			cmd := tr.lastCommand()
			So(cmd.Op, ShouldEqual, mqttradio.OpReadCharacteristic)
			So(cmd.Handle, ShouldEqual, "h1")
			So(*cmd.Service, ShouldEqual, radio.ServiceUUID)
			So(*cmd.Characteristic, ShouldEqual, radio.CharacteristicUUID)
		})

		Convey("When a scan is requested", func() {
			So(b.Scan(ctx, []uuid.UUID{radio.ServiceUUID}), ShouldBeNil)
			cmd := tr.lastCommand()
			So(cmd.Op, ShouldEqual, mqttradio.OpScan)
			So(cmd.Services, ShouldResemble, []uuid.UUID{radio.ServiceUUID})
		})

		Convey("When the peripheral advertises an identifier", func() {
			So(b.Peripheral().Advertise(ctx, radio.IdentifierPayload("0a0b")), ShouldBeNil)
			cmd := tr.lastCommand()
			So(cmd.Op, ShouldEqual, mqttradio.OpAdvertise)
			So(cmd.Value, ShouldEqual, "0a0b")
		})

		Convey("When the broker rejects a publish", func() {
			tr.publishErr = errors.New("not connected")
			err := b.Connect(ctx, "h1")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "connect")
		})
	})
}

func TestCodec(t *testing.T) {
	Convey("Given a characteristic read event", t, func() {
		ev := radio.Event{
			Kind:           radio.EventCharacteristicRead,
			Handle:         "h7",
			Service:        radio.ServiceUUID,
			Characteristic: radio.CharacteristicUUID,
			Value:          []byte{0xde, 0xad},
			Err:            errors.New("gatt: insufficient auth"),
		}

		Convey("When it is encoded and decoded", func() {
			data, err := mqttradio.EncodeEvent(ev, "")
			So(err, ShouldBeNil)
			back, role, err := mqttradio.DecodeEvent(data)

			Convey("Then every field survives", func() {
				So(err, ShouldBeNil)
				So(role, ShouldBeEmpty)
				So(back.Kind, ShouldEqual, ev.Kind)
				So(back.Handle, ShouldEqual, ev.Handle)
				So(back.Value, ShouldResemble, ev.Value)
				So(back.Service, ShouldEqual, ev.Service)
				So(back.Err.Error(), ShouldEqual, "gatt: insufficient auth")
			})
		})

		Convey("When the value is not hex", func() {
			_, _, err := mqttradio.DecodeEvent([]byte(`{"kind":"characteristic_read","handle":"h1","value":"zz"}`))
			So(errors.Is(err, model.ErrDecodingFailed), ShouldBeTrue)
		})
	})
}
