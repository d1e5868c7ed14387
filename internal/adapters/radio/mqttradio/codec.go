package mqttradio

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/domain/model"
)

// Roles scope a state_changed message to one side of the radio.
const (
	RoleCentral    = "central"
	RolePeripheral = "peripheral"
)

// Command operations published on the commands topic.
const (
	OpScan                    = "scan"
	OpStopScan                = "stop_scan"
	OpConnect                 = "connect"
	OpCancelConnection        = "cancel_connection"
	OpDiscoverServices        = "discover_services"
	OpDiscoverCharacteristics = "discover_characteristics"
	OpReadCharacteristic      = "read_characteristic"
	OpAdvertise               = "advertise"
	OpStopAdvertising         = "stop_advertising"
)

// Message is the JSON shape of one event on the events topic. Byte values
// travel as hex.
type Message struct {
	Kind            string            `json:"kind"`
	Role            string            `json:"role,omitempty"`
	Handle          string            `json:"handle,omitempty"`
	Name            string            `json:"name,omitempty"`
	RSSI            int               `json:"rssi,omitempty"`
	LocalName       string            `json:"local_name,omitempty"`
	ServiceUUIDs    []uuid.UUID       `json:"service_uuids,omitempty"`
	ServiceData     map[string]string `json:"service_data,omitempty"`
	Services        []uuid.UUID       `json:"services,omitempty"`
	Service         *uuid.UUID        `json:"service,omitempty"`
	Characteristics []uuid.UUID       `json:"characteristics,omitempty"`
	Characteristic  *uuid.UUID        `json:"characteristic,omitempty"`
	Value           string            `json:"value,omitempty"`
	State           string            `json:"state,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Command is the JSON shape of one command on the commands topic.
type Command struct {
	Op              string      `json:"op"`
	Handle          string      `json:"handle,omitempty"`
	Services        []uuid.UUID `json:"services,omitempty"`
	Service         *uuid.UUID  `json:"service,omitempty"`
	Characteristics []uuid.UUID `json:"characteristics,omitempty"`
	Characteristic  *uuid.UUID  `json:"characteristic,omitempty"`
	Value           string      `json:"value,omitempty"`
}

// DecodeEvent parses one events-topic payload. The returned role is empty
// unless the message was a role-scoped state change.
func DecodeEvent(data []byte) (radio.Event, string, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return radio.Event{}, "", fmt.Errorf("%w: event: %w", model.ErrDecodingFailed, err)
	}
	kind := radio.ParseEventKind(m.Kind)
	if kind == 0 {
		return radio.Event{}, "", fmt.Errorf("%w: %w: %q", model.ErrDecodingFailed, ErrUnknownKind, m.Kind)
	}
	if kind != radio.EventStateChanged && m.Handle == "" {
		return radio.Event{}, "", fmt.Errorf("%w: %s event without handle", model.ErrDecodingFailed, m.Kind)
	}

	ev := radio.Event{
		Kind:            kind,
		Handle:          radio.Handle(m.Handle),
		Name:            m.Name,
		RSSI:            m.RSSI,
		Services:        m.Services,
		Characteristics: m.Characteristics,
	}
	if m.Service != nil {
		ev.Service = *m.Service
	}
	if m.Characteristic != nil {
		ev.Characteristic = *m.Characteristic
	}
	if m.Value != "" {
		v, err := hex.DecodeString(m.Value)
		if err != nil {
			return radio.Event{}, "", fmt.Errorf("%w: value: %w", model.ErrDecodingFailed, err)
		}
		ev.Value = v
	}
	if m.Error != "" {
		ev.Err = errors.New(m.Error)
	}

	switch kind {
	case radio.EventDiscovered:
		adv, err := decodeAdvertisement(m)
		if err != nil {
			return radio.Event{}, "", err
		}
		ev.Advertisement = adv
	case radio.EventStateChanged:
		ev.State = radio.ParseState(m.State)
	}
	return ev, m.Role, nil
}

func decodeAdvertisement(m Message) (radio.Advertisement, error) {
	adv := radio.Advertisement{LocalName: m.LocalName, ServiceUUIDs: m.ServiceUUIDs}
	if len(m.ServiceData) == 0 {
		return adv, nil
	}
	adv.ServiceData = make(map[uuid.UUID][]byte, len(m.ServiceData))
	for k, v := range m.ServiceData {
		id, err := uuid.Parse(k)
		if err != nil {
			return radio.Advertisement{}, fmt.Errorf("%w: service data key %q: %w", model.ErrDecodingFailed, k, err)
		}
		raw, err := hex.DecodeString(v)
		if err != nil {
			return radio.Advertisement{}, fmt.Errorf("%w: service data value: %w", model.ErrDecodingFailed, err)
		}
		adv.ServiceData[id] = raw
	}
	return adv, nil
}

// EncodeEvent renders ev for the events topic. It is the inverse of
// DecodeEvent and is used by simulators.
func EncodeEvent(ev radio.Event, role string) ([]byte, error) {
	m := Message{
		Kind:            ev.Kind.String(),
		Role:            role,
		Handle:          string(ev.Handle),
		Name:            ev.Name,
		RSSI:            ev.RSSI,
		Services:        ev.Services,
		Characteristics: ev.Characteristics,
		Value:           hex.EncodeToString(ev.Value),
	}
	if ev.Service != uuid.Nil {
		s := ev.Service
		m.Service = &s
	}
	if ev.Characteristic != uuid.Nil {
		c := ev.Characteristic
		m.Characteristic = &c
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	switch ev.Kind {
	case radio.EventDiscovered:
		m.LocalName = ev.Advertisement.LocalName
		m.ServiceUUIDs = ev.Advertisement.ServiceUUIDs
		if len(ev.Advertisement.ServiceData) > 0 {
			m.ServiceData = make(map[string]string, len(ev.Advertisement.ServiceData))
			for k, v := range ev.Advertisement.ServiceData {
				m.ServiceData[k.String()] = hex.EncodeToString(v)
			}
		}
	case radio.EventStateChanged:
		m.State = ev.State.String()
	}
	return json.Marshal(m)
}

func uuidPtr(u uuid.UUID) *uuid.UUID { return &u }
