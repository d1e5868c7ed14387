// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PeerState is the connection state of a tracked peer.
type PeerState int

// Peer states. The zero value is Initial.
const (
	StateInitial PeerState = iota
	StateConnecting
	StateConnected
	StateReadingIdentifier
	StateDisconnected
	StateWaitingForRetry
	StateIdle
	StateMissing
	StateRemoved
)

var peerStateNames = []string{
	"initial",
	"connecting",
	"connected",
	"reading_identifier",
	"disconnected",
	"waiting_for_retry",
	"idle",
	"missing",
	"removed",
}

func (s PeerState) String() string {
	if s < 0 || int(s) >= len(peerStateNames) {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return peerStateNames[s]
}

// InConnectedPhase reports whether the peer holds or is acquiring a radio connection.
func (s PeerState) InConnectedPhase() bool {
	return s == StateConnecting || s == StateConnected || s == StateReadingIdentifier
}

// MarshalText implements encoding.TextMarshaler.
func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PeerState) UnmarshalText(b []byte) error {
	v, err := ParsePeerState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParsePeerState parses the String form of a state.
func ParsePeerState(v string) (PeerState, error) {
	for i, name := range peerStateNames {
		if strings.EqualFold(name, v) {
			return PeerState(i), nil
		}
	}
	return StateInitial, fmt.Errorf("%w: peer state %q", ErrDecodingFailed, v)
}

// Platform is a best-effort guess of the peer's operating system.
// Unknown is a legitimate terminal value.
type Platform int

// Platforms.
const (
	PlatformUnknown Platform = iota
	PlatformIOS
	PlatformAndroid
)

func (p Platform) String() string {
	switch p {
	case PlatformIOS:
		return "ios"
	case PlatformAndroid:
		return "android"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Platform) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Platform) UnmarshalText(b []byte) error {
	*p = ParsePlatform(string(b))
	return nil
}

// ParsePlatform maps a String form back to a Platform; anything else is Unknown.
func ParsePlatform(v string) Platform {
	switch strings.ToLower(v) {
	case "ios":
		return PlatformIOS
	case "android":
		return PlatformAndroid
	default:
		return PlatformUnknown
	}
}

// DisconnectedRSSI is reported for peers that exhausted their retries.
const DisconnectedRSSI = -200

// SignalSample is one received signal strength reading.
type SignalSample struct {
	RSSI int
	At   time.Time
}

// ScanSummary is an immutable snapshot of one tracked peer.
type ScanSummary struct {
	ID                 uuid.UUID `json:"id"`
	PeerID             uuid.UUID `json:"peer_id"`
	ResolvedIdentifier string    `json:"resolved_identifier,omitempty"`
	Platform           Platform  `json:"platform"`
	Timestamp          time.Time `json:"timestamp"`
	RSSI               int       `json:"rssi"`
	MedianRSSI         int       `json:"median_rssi"`
	State              PeerState `json:"state"`
}
