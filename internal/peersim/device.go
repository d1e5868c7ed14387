package peersim

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/adapters/radio/mqttradio"
	"github.com/okian/proxitrace/pkg/logger"
)

var errUnknownPeripheral = errors.New("unknown peripheral")

// Device plays the radio stack behind the bridge. It answers commands from
// the node and announces its peers while the node is scanning.
type Device struct {
	client mqttradio.Transport
	prefix string
	logger logger.Logger

	peers map[radio.Handle]Peer
	order []radio.Handle

	mu         sync.Mutex
	scanning   bool
	advertised []byte

	rounds    atomic.Int64
	announced atomic.Int64
	commands  atomic.Int64
	reads     atomic.Int64
	failed    atomic.Int64
}

// NewDevice returns a device serving peers over client.
func NewDevice(client mqttradio.Transport, prefix string, peers []Peer, l logger.Logger) *Device {
	if l == nil {
		l = logger.Get().Named("peersim")
	}
	d := &Device{
		client: client,
		prefix: prefix,
		logger: l,
		peers:  make(map[radio.Handle]Peer, len(peers)),
	}
	for _, p := range peers {
		h := radio.Handle(p.Handle)
		d.peers[h] = p
		d.order = append(d.order, h)
	}
	return d
}

func (d *Device) eventsTopic() string   { return d.prefix + "/events" }
func (d *Device) commandsTopic() string { return d.prefix + "/commands" }

// Start subscribes to commands and reports both radio roles powered on.
func (d *Device) Start(ctx context.Context) error {
	if err := wait(ctx, d.client.Subscribe(d.commandsTopic(), mqttradio.DefaultQoS, d.onCommand)); err != nil {
		return fmt.Errorf("subscribe %s: %w", d.commandsTopic(), err)
	}
	return d.publish(ctx, radio.Event{Kind: radio.EventStateChanged, State: radio.StatePoweredOn})
}

// Stop reports the radio powered off and unsubscribes.
func (d *Device) Stop(ctx context.Context) error {
	perr := d.publish(ctx, radio.Event{Kind: radio.EventStateChanged, State: radio.StatePoweredOff})
	if err := wait(ctx, d.client.Unsubscribe(d.commandsTopic())); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", d.commandsTopic(), err)
	}
	return perr
}

// Scanning reports whether the node has asked for a scan.
func (d *Device) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// Advertised returns the identifier the node currently advertises, hex encoded.
func (d *Device) Advertised() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return hex.EncodeToString(d.advertised)
}

// Announce publishes one sighting per peer. It is a no-op unless the node
// is scanning.
func (d *Device) Announce(ctx context.Context) error {
	if !d.Scanning() {
		return nil
	}
	d.rounds.Add(1)
	for _, h := range d.order {
		if err := d.publish(ctx, d.peers[h].sighting()); err != nil {
			return err
		}
		d.announced.Add(1)
	}
	return nil
}

// Stats returns the current counters.
func (d *Device) Stats() Stats {
	return Stats{
		Rounds:    d.rounds.Load(),
		Announced: d.announced.Load(),
		Commands:  d.commands.Load(),
		Reads:     d.reads.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Device) onCommand(_ mqtt.Client, msg mqtt.Message) {
	ctx := context.Background()
	var cmd mqttradio.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		d.failed.Add(1)
		d.logger.Warn(ctx, "dropping malformed command", logger.Error(err))
		return
	}
	d.commands.Add(1)
	for _, ev := range d.Handle(cmd) {
		if err := d.publish(ctx, ev); err != nil {
			d.failed.Add(1)
			d.logger.Warn(ctx, "failed to publish reply",
				logger.String("op", cmd.Op),
				logger.String("kind", ev.Kind.String()),
				logger.Error(err),
			)
		}
	}
}

// Handle applies cmd and returns the events a radio stack would emit for it.
func (d *Device) Handle(cmd mqttradio.Command) []radio.Event {
	h := radio.Handle(cmd.Handle)
	switch cmd.Op {
	case mqttradio.OpScan:
		d.setScanning(true)
	case mqttradio.OpStopScan:
		d.setScanning(false)
	case mqttradio.OpAdvertise:
		v, err := hex.DecodeString(cmd.Value)
		if err != nil {
			d.failed.Add(1)
			return nil
		}
		d.mu.Lock()
		d.advertised = v
		d.mu.Unlock()
		d.logger.Info(context.Background(), "node advertising", logger.String("identifier", cmd.Value))
	case mqttradio.OpStopAdvertising:
		d.mu.Lock()
		d.advertised = nil
		d.mu.Unlock()
	case mqttradio.OpConnect:
		if _, ok := d.peers[h]; !ok {
			return []radio.Event{{Kind: radio.EventConnectFailed, Handle: h, Err: errUnknownPeripheral}}
		}
		return []radio.Event{{Kind: radio.EventConnected, Handle: h}}
	case mqttradio.OpCancelConnection:
		return []radio.Event{{Kind: radio.EventDisconnected, Handle: h}}
	case mqttradio.OpDiscoverServices:
		return []radio.Event{{Kind: radio.EventServicesDiscovered, Handle: h, Services: []uuid.UUID{radio.ServiceUUID}}}
	case mqttradio.OpDiscoverCharacteristics:
		return []radio.Event{{
			Kind:            radio.EventCharacteristicsDiscovered,
			Handle:          h,
			Service:         radio.ServiceUUID,
			Characteristics: []uuid.UUID{radio.CharacteristicUUID},
		}}
	case mqttradio.OpReadCharacteristic:
		p, ok := d.peers[h]
		if !ok {
			return []radio.Event{{Kind: radio.EventCharacteristicRead, Handle: h, Err: errUnknownPeripheral}}
		}
		d.reads.Add(1)
		return []radio.Event{{
			Kind:           radio.EventCharacteristicRead,
			Handle:         h,
			Service:        radio.ServiceUUID,
			Characteristic: radio.CharacteristicUUID,
			Value:          p.identifierBytes(),
		}}
	default:
		d.failed.Add(1)
	}
	return nil
}

func (d *Device) setScanning(v bool) {
	d.mu.Lock()
	d.scanning = v
	d.mu.Unlock()
}

func (d *Device) publish(ctx context.Context, ev radio.Event) error {
	data, err := mqttradio.EncodeEvent(ev, "")
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	return wait(ctx, d.client.Publish(d.eventsTopic(), mqttradio.DefaultQoS, false, data))
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
