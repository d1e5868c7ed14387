// Package radio declares the platform BLE collaborator consumed by the
// proximity layer: scanning and connecting as a central, advertising as a
// peripheral, and the events the radio stack delivers back.
package radio

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/domain/model"
)

// Fixed GATT layout for identifier exchange.
var (
	ServiceUUID        = uuid.MustParse("1440dd68-67e4-11ea-bc55-0242ac130003")
	CharacteristicUUID = uuid.MustParse("9472fbde-04ff-4fff-be1c-b9d3287e8f28")
)

// Handle is the platform's peripheral handle. It may be reused or
// invalidated by the radio stack, so it is never a record identity.
type Handle string

// State is the radio power/authorization state.
type State int

// Radio states.
const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// ParseState maps the String form back to a State.
func ParseState(v string) State {
	for s := StateUnknown; s <= StatePoweredOn; s++ {
		if strings.EqualFold(s.String(), v) {
			return s
		}
	}
	return StateUnknown
}

// Err returns nil when the radio is usable, otherwise the matching sentinel.
func (s State) Err() error {
	switch s {
	case StatePoweredOn:
		return nil
	case StateUnauthorized:
		return model.ErrRadioUnauthorized
	default:
		return fmt.Errorf("%w: %s", model.ErrRadioPoweredOff, s)
	}
}

// Payload is what the peripheral publishes: one read-only characteristic
// under one service.
type Payload struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	Value          []byte
}

// IdentifierPayload builds the advertised payload for id. Hex identifiers
// are published as their raw bytes; anything else verbatim.
func IdentifierPayload(id string) Payload {
	value, err := hex.DecodeString(id)
	if err != nil {
		value = []byte(id)
	}
	return Payload{Service: ServiceUUID, Characteristic: CharacteristicUUID, Value: value}
}

// Advertisement is the parsed advertisement data of a discovered peripheral.
type Advertisement struct {
	LocalName    string               `json:"local_name,omitempty"`
	ServiceUUIDs []uuid.UUID          `json:"service_uuids,omitempty"`
	ServiceData  map[uuid.UUID][]byte `json:"service_data,omitempty"`
}

// ServiceData is the typed result of looking for an identifier in the
// advertisement's service data.
type ServiceData struct {
	Identifier string
	Present    bool
}

// ParseAdvertisement extracts the identifier carried in service data.
// The entry under ServiceUUID wins; a lone entry under another UUID is
// accepted as well. Empty values count as absent.
func ParseAdvertisement(adv Advertisement) ServiceData {
	if v, ok := adv.ServiceData[ServiceUUID]; ok {
		if len(v) == 0 {
			return ServiceData{}
		}
		return ServiceData{Identifier: hex.EncodeToString(v), Present: true}
	}
	if len(adv.ServiceData) == 1 {
		for _, v := range adv.ServiceData {
			if len(v) > 0 {
				return ServiceData{Identifier: hex.EncodeToString(v), Present: true}
			}
		}
	}
	return ServiceData{}
}

// Central is the scanning side of the radio.
//
// Command methods return once the command is issued; outcomes arrive later
// on Events. Implementations must not deliver events synchronously from a
// command call.
type Central interface {
	State() State
	Scan(ctx context.Context, services []uuid.UUID) error
	StopScan(ctx context.Context) error
	Connect(ctx context.Context, h Handle) error
	CancelConnection(ctx context.Context, h Handle) error
	DiscoverServices(ctx context.Context, h Handle, services []uuid.UUID) error
	DiscoverCharacteristics(ctx context.Context, h Handle, service uuid.UUID, chars []uuid.UUID) error
	ReadCharacteristic(ctx context.Context, h Handle, service, char uuid.UUID) error
	Events() <-chan Event
}

// Peripheral is the advertising side of the radio.
type Peripheral interface {
	State() State
	// Advertise publishes p, replacing any payload currently advertised.
	Advertise(ctx context.Context, p Payload) error
	StopAdvertising(ctx context.Context) error
	StateChanges() <-chan State
}
