// Package mqttradio bridges the radio interfaces onto an MQTT broker. A
// device-side agent (or cmd/peer-sim) publishes radio events as JSON on
// <prefix>/events and executes the commands published on <prefix>/commands.
package mqttradio

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

// Transport is the subset of mqtt.Client the bridge uses.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Bridge implements radio.Central over MQTT. Peripheral returns the
// advertising side.
type Bridge struct {
	client Transport
	prefix string
	qos    byte
	logger logger.Logger

	centralState    atomic.Int32
	peripheralState atomic.Int32

	mu      sync.RWMutex
	closed  bool
	events  chan radio.Event
	states  chan radio.State
	dropped atomic.Int64
}

var (
	_ radio.Central    = (*Bridge)(nil)
	_ radio.Peripheral = peripheral{}
)

// Dial connects to broker and returns a subscribed bridge.
func Dial(ctx context.Context, broker, clientID string, opts ...Option) (*Bridge, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(clientID)
	co.SetAutoReconnect(true)
	co.SetOrderMatters(true)
	co.SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(co)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", broker, err)
	}
	b, err := New(ctx, client, opts...)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	b.logger.Info(ctx, "connected to MQTT broker", logger.String("broker", broker), logger.String("client_id", clientID))
	return b, nil
}

// New subscribes to the events topic on an already connected transport.
func New(ctx context.Context, client Transport, opts ...Option) (*Bridge, error) {
	o := options{prefix: DefaultTopicPrefix, qos: DefaultQoS, bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("mqttradio")
	}

	b := &Bridge{
		client: client,
		prefix: o.prefix,
		qos:    o.qos,
		logger: o.logger,
		events: make(chan radio.Event, o.bufferSize),
		states: make(chan radio.State, o.bufferSize),
	}
	b.centralState.Store(int32(o.initialState))
	b.peripheralState.Store(int32(o.initialState))

	if err := wait(ctx, client.Subscribe(b.EventsTopic(), b.qos, b.onMessage)); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.EventsTopic(), err)
	}
	return b, nil
}

// EventsTopic is where radio events arrive.
func (b *Bridge) EventsTopic() string { return b.prefix + "/events" }

// CommandsTopic is where radio commands are published.
func (b *Bridge) CommandsTopic() string { return b.prefix + "/commands" }

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx := context.Background()
	ev, role, err := DecodeEvent(msg.Payload())
	if err != nil {
		metrics.RecordErrorByComponent("mqttradio", "decode")
		b.logger.Warn(ctx, "dropping malformed radio event", logger.String("topic", msg.Topic()), logger.Error(err))
		return
	}
	b.Deliver(ctx, ev, role)
}

// Deliver routes one decoded event. State changes update the scoped role, or
// both roles when role is empty. Events are dropped rather than blocking the
// MQTT router when consumers fall behind.
func (b *Bridge) Deliver(ctx context.Context, ev radio.Event, role string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if ev.Kind == radio.EventStateChanged {
		if role != RolePeripheral {
			b.centralState.Store(int32(ev.State))
		}
		if role != RoleCentral {
			b.peripheralState.Store(int32(ev.State))
			select {
			case b.states <- ev.State:
			default:
				b.drop(ctx, ev)
			}
		}
		if role == RolePeripheral {
			return
		}
	}

	select {
	case b.events <- ev:
	default:
		b.drop(ctx, ev)
	}
}

func (b *Bridge) drop(ctx context.Context, ev radio.Event) {
	b.dropped.Add(1)
	metrics.RecordErrorByComponent("mqttradio", "buffer_full")
	b.logger.Warn(ctx, "radio event buffer full, dropping event",
		logger.String("kind", ev.Kind.String()),
		logger.String("handle", string(ev.Handle)),
	)
}

// Dropped reports how many events were discarded because a buffer was full.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// State implements radio.Central.
func (b *Bridge) State() radio.State { return radio.State(b.centralState.Load()) }

// Peripheral returns the advertising side of the bridge.
func (b *Bridge) Peripheral() radio.Peripheral { return peripheral{b} }

// peripheral shares the bridge's connection but reports its own state.
type peripheral struct{ b *Bridge }

func (p peripheral) State() radio.State { return radio.State(p.b.peripheralState.Load()) }

func (p peripheral) Advertise(ctx context.Context, pl radio.Payload) error {
	return p.b.Advertise(ctx, pl)
}

func (p peripheral) StopAdvertising(ctx context.Context) error { return p.b.StopAdvertising(ctx) }

func (p peripheral) StateChanges() <-chan radio.State { return p.b.states }

// Events implements radio.Central.
func (b *Bridge) Events() <-chan radio.Event { return b.events }

// Scan implements radio.Central.
func (b *Bridge) Scan(ctx context.Context, services []uuid.UUID) error {
	return b.send(ctx, Command{Op: OpScan, Services: services})
}

// StopScan implements radio.Central.
func (b *Bridge) StopScan(ctx context.Context) error {
	return b.send(ctx, Command{Op: OpStopScan})
}

// Connect implements radio.Central.
func (b *Bridge) Connect(ctx context.Context, h radio.Handle) error {
	return b.send(ctx, Command{Op: OpConnect, Handle: string(h)})
}

// CancelConnection implements radio.Central.
func (b *Bridge) CancelConnection(ctx context.Context, h radio.Handle) error {
	return b.send(ctx, Command{Op: OpCancelConnection, Handle: string(h)})
}

// DiscoverServices implements radio.Central.
func (b *Bridge) DiscoverServices(ctx context.Context, h radio.Handle, services []uuid.UUID) error {
	return b.send(ctx, Command{Op: OpDiscoverServices, Handle: string(h), Services: services})
}

// DiscoverCharacteristics implements radio.Central.
func (b *Bridge) DiscoverCharacteristics(ctx context.Context, h radio.Handle, service uuid.UUID, chars []uuid.UUID) error {
	return b.send(ctx, Command{
		Op:              OpDiscoverCharacteristics,
		Handle:          string(h),
		Service:         uuidPtr(service),
		Characteristics: chars,
	})
}

// ReadCharacteristic implements radio.Central.
func (b *Bridge) ReadCharacteristic(ctx context.Context, h radio.Handle, service, char uuid.UUID) error {
	return b.send(ctx, Command{
		Op:             OpReadCharacteristic,
		Handle:         string(h),
		Service:        uuidPtr(service),
		Characteristic: uuidPtr(char),
	})
}

// Advertise publishes p for the device to advertise.
func (b *Bridge) Advertise(ctx context.Context, p radio.Payload) error {
	return b.send(ctx, Command{
		Op:             OpAdvertise,
		Service:        uuidPtr(p.Service),
		Characteristic: uuidPtr(p.Characteristic),
		Value:          hex.EncodeToString(p.Value),
	})
}

// StopAdvertising asks the device to stop advertising.
func (b *Bridge) StopAdvertising(ctx context.Context) error {
	return b.send(ctx, Command{Op: OpStopAdvertising})
}

func (b *Bridge) send(ctx context.Context, cmd Command) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", cmd.Op, err)
	}
	if err := wait(ctx, b.client.Publish(b.CommandsTopic(), b.qos, false, data)); err != nil {
		return fmt.Errorf("publish %s command: %w", cmd.Op, err)
	}
	return nil
}

// Close unsubscribes, disconnects and closes the event channels.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.events)
	close(b.states)
	b.mu.Unlock()

	err := wait(ctx, b.client.Unsubscribe(b.EventsTopic()))
	b.client.Disconnect(250)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", b.EventsTopic(), err)
	}
	return nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
