// Package peersim simulates the device side of the MQTT radio bridge: a
// population of nearby peers that advertise, accept connections and serve
// their identifier characteristic. It drives a running node end to end.
package peersim

import (
	"errors"
	"time"

	"github.com/okian/proxitrace/internal/adapters/radio/mqttradio"
	"github.com/okian/proxitrace/internal/domain/model"
)

// Defaults for a simulation run.
const (
	DefaultPeers        = 5
	DefaultAndroidShare = 0.5
	DefaultInterval     = time.Second
	DefaultDuration     = 30 * time.Second
	DefaultTimeout      = 10 * time.Second
	DefaultClientID     = "proxitrace-peer-sim"

	rssiJitter = 3
	minRSSI    = -95
	maxRSSI    = -45
)

// Error constants.
var (
	ErrNoPeers    = errors.New("peer count must be positive")
	ErrUnresolved = errors.New("some simulated peers were not resolved")
)

// Config holds the settings of one simulation run.
type Config struct {
	Broker      string // MQTT broker URL
	ClientID    string // MQTT client id
	TopicPrefix string // radio topic prefix shared with the node
	BaseURL     string // node HTTP address; empty skips health and verification

	Peers        int           // number of simulated peers
	AndroidShare float64       // fraction advertising their identifier in service data
	Interval     time.Duration // gap between advertisement rounds
	Duration     time.Duration // total run time
	Timeout      time.Duration // HTTP request timeout
	Strict       bool          // fail when verification finds unresolved peers
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Broker:       "tcp://localhost:1883",
		ClientID:     DefaultClientID,
		TopicPrefix:  mqttradio.DefaultTopicPrefix,
		Peers:        DefaultPeers,
		AndroidShare: DefaultAndroidShare,
		Interval:     DefaultInterval,
		Duration:     DefaultDuration,
		Timeout:      DefaultTimeout,
	}
}

// Peer is one simulated nearby device.
type Peer struct {
	Handle     string         `json:"handle"`
	Name       string         `json:"name"`
	Identifier string         `json:"identifier"`
	Platform   model.Platform `json:"platform"`
	RSSI       int            `json:"rssi"`
}

// Stats counts what the simulated device did.
type Stats struct {
	Rounds    int64
	Announced int64
	Commands  int64
	Reads     int64
	Failed    int64
}
