package radio

import (
	"fmt"

	"github.com/google/uuid"
)

// EventKind discriminates Event.
type EventKind int

// Event kinds.
const (
	EventDiscovered EventKind = iota + 1
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventCharacteristicRead
	EventStateChanged
)

var eventKindNames = map[EventKind]string{
	EventDiscovered:                "discovered",
	EventConnected:                 "connected",
	EventConnectFailed:             "connect_failed",
	EventDisconnected:              "disconnected",
	EventServicesDiscovered:        "services_discovered",
	EventCharacteristicsDiscovered: "characteristics_discovered",
	EventCharacteristicRead:        "characteristic_read",
	EventStateChanged:              "state_changed",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// ParseEventKind maps the String form back to a kind; zero when unknown.
func ParseEventKind(v string) EventKind {
	for k, n := range eventKindNames {
		if n == v {
			return k
		}
	}
	return 0
}

// Event is one radio-stack notification. Which fields are meaningful
// depends on Kind.
type Event struct {
	Kind   EventKind
	Handle Handle

	// Discovered
	Name          string
	RSSI          int
	Advertisement Advertisement

	// ServicesDiscovered / CharacteristicsDiscovered / CharacteristicRead
	Services        []uuid.UUID
	Service         uuid.UUID
	Characteristics []uuid.UUID
	Characteristic  uuid.UUID
	Value           []byte

	// StateChanged
	State State

	// Failure cause for any kind that can fail.
	Err error
}

// Discovered builds a discovery event.
func Discovered(h Handle, name string, rssi int, adv Advertisement) Event {
	return Event{Kind: EventDiscovered, Handle: h, Name: name, RSSI: rssi, Advertisement: adv}
}
