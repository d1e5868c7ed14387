// Package peer implements the per-peer connection state machine:
// discovery, connect, identifier read, idle, and the retry policy around it.
//
// A Connection is not safe for concurrent use. Its owner (the registry)
// serializes every call.
package peer

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/domain/model"
)

// Action is the radio command the owner should issue after a transition.
type Action int

// Actions.
const (
	ActionNone Action = iota
	ActionDiscoverServices
	ActionDiscoverCharacteristics
	ActionReadCharacteristic
	ActionCancelConnection
)

func (a Action) String() string {
	switch a {
	case ActionDiscoverServices:
		return "discover_services"
	case ActionDiscoverCharacteristics:
		return "discover_characteristics"
	case ActionReadCharacteristic:
		return "read_characteristic"
	case ActionCancelConnection:
		return "cancel_connection"
	default:
		return "none"
	}
}

// Discovery is one advertisement sighting routed to a connection.
type Discovery struct {
	Name string
	RSSI int
	// ServiceIdentifier is the identifier found in service data, empty when absent.
	ServiceIdentifier string
}

// Connection tracks one discovered peripheral.
type Connection struct {
	id       uuid.UUID
	handle   string
	policy   Policy
	samples  *Samples
	absorbed map[uuid.UUID]struct{}

	resolved string
	platform model.Platform

	firstSeen          time.Time
	lastSeen           time.Time
	lastConnectAttempt time.Time

	retries int
	updates int
	state   model.PeerState
	lastErr error
}

// New creates a connection for handle and applies the first discovery.
func New(handle string, d Discovery, now time.Time, policy Policy) *Connection {
	policy = policy.normalized()
	c := &Connection{
		id:        uuid.New(),
		handle:    handle,
		policy:    policy,
		samples:   NewSamples(policy.SampleCap),
		absorbed:  make(map[uuid.UUID]struct{}),
		firstSeen: now,
		state:     model.StateInitial,
	}
	c.Update(d, now)
	return c
}

func (c *Connection) ID() uuid.UUID                 { return c.id }
func (c *Connection) Handle() string                { return c.handle }
func (c *Connection) ResolvedIdentifier() string    { return c.resolved }
func (c *Connection) Platform() model.Platform      { return c.platform }
func (c *Connection) State() model.PeerState        { return c.state }
func (c *Connection) Retries() int                  { return c.retries }
func (c *Connection) Updates() int                  { return c.updates }
func (c *Connection) FirstSeen() time.Time          { return c.firstSeen }
func (c *Connection) LastSeen() time.Time           { return c.lastSeen }
func (c *Connection) LastConnectAttempt() time.Time { return c.lastConnectAttempt }
func (c *Connection) LastErr() error                { return c.lastErr }
func (c *Connection) Samples() *Samples             { return c.samples }

// Update applies a discovery sighting. It returns true when this sighting
// resolved the identifier from advertisement service data.
func (c *Connection) Update(d Discovery, now time.Time) bool {
	c.lastSeen = now
	c.updates++

	if strings.HasPrefix(d.Name, "iPhone") || strings.HasPrefix(d.Name, "iPad") {
		c.platform = model.PlatformIOS
	}

	c.samples.Push(model.SignalSample{RSSI: d.RSSI, At: now})

	if c.state == model.StateMissing {
		c.state = model.StateIdle
	}

	if c.resolved != "" || d.ServiceIdentifier == "" {
		return false
	}
	c.resolved = d.ServiceIdentifier
	c.platform = model.PlatformAndroid
	c.state = model.StateIdle
	return true
}

// IsReadyToConnect reports whether Connect would be accepted at now.
func (c *Connection) IsReadyToConnect(now time.Time) bool {
	switch c.state {
	case model.StateInitial, model.StateIdle:
		return c.updates >= c.policy.UpdatesNeeded && c.retries < c.policy.MaxRetries
	case model.StateWaitingForRetry:
		return now.Sub(c.lastConnectAttempt) > c.policy.RetryInterval && c.retries < c.policy.MaxRetries
	default:
		return false
	}
}

// Connect moves to Connecting. On any precondition failure the state is
// left unchanged.
func (c *Connection) Connect(now time.Time) error {
	switch c.state {
	case model.StateInitial, model.StateIdle, model.StateWaitingForRetry:
	default:
		return fmt.Errorf("%w: connect from %s", model.ErrInvalidTransition, c.state)
	}
	if !c.IsReadyToConnect(now) {
		return fmt.Errorf("%w: state %s, updates %d, retries %d", model.ErrNotReady, c.state, c.updates, c.retries)
	}
	c.state = model.StateConnecting
	c.lastConnectAttempt = now
	return nil
}

// DidConnect handles the platform connect callback.
func (c *Connection) DidConnect() Action {
	if c.state != model.StateConnecting {
		return ActionNone
	}
	c.state = model.StateConnected
	return ActionDiscoverServices
}

// DidDiscoverServices handles service discovery completion.
func (c *Connection) DidDiscoverServices(services []uuid.UUID, err error) Action {
	if c.state != model.StateConnected {
		return ActionNone
	}
	if err != nil {
		return c.Fail(fmt.Errorf("%w: %w", model.ErrNoServicesFound, err))
	}
	if !slices.Contains(services, c.policy.Service) {
		return c.Fail(model.ErrNoServicesFound)
	}
	return ActionDiscoverCharacteristics
}

// DidDiscoverCharacteristics handles characteristic discovery completion.
func (c *Connection) DidDiscoverCharacteristics(chars []uuid.UUID, err error) Action {
	if c.state != model.StateConnected {
		return ActionNone
	}
	if err != nil {
		return c.Fail(fmt.Errorf("%w: %w", model.ErrNoServicesFound, err))
	}
	if !slices.Contains(chars, c.policy.Characteristic) {
		return c.Fail(fmt.Errorf("%w: characteristic missing", model.ErrNoServicesFound))
	}
	c.state = model.StateReadingIdentifier
	return ActionReadCharacteristic
}

// DidRead handles the characteristic read. A non-empty value resolves the
// identifier; this exchange is only used by iOS-style peers.
func (c *Connection) DidRead(value []byte, err error) Action {
	if c.state != model.StateReadingIdentifier {
		return ActionNone
	}
	if err != nil {
		return c.Fail(fmt.Errorf("%w: %w", model.ErrReadFailed, err))
	}
	if len(value) == 0 {
		return c.Fail(fmt.Errorf("%w: empty value", model.ErrReadFailed))
	}
	if c.resolved == "" {
		c.resolved = hex.EncodeToString(value)
	}
	c.platform = model.PlatformIOS
	c.retries = 0
	c.lastErr = nil
	c.state = model.StateIdle
	return ActionCancelConnection
}

// Fail applies the failure path: count the retry and move to
// WaitingForRetry, or Disconnected once the cap is reached. It only applies
// to connected-phase states.
func (c *Connection) Fail(cause error) Action {
	if !c.state.InConnectedPhase() {
		return ActionNone
	}
	if cause == nil {
		cause = model.ErrConnectionFailed
	}
	c.retries++
	if c.retries >= c.policy.MaxRetries {
		c.state = model.StateDisconnected
		c.lastErr = fmt.Errorf("%w: %w", model.ErrConnectionExhausted, cause)
	} else {
		c.state = model.StateWaitingForRetry
		c.lastErr = fmt.Errorf("%w: %w", model.ErrConnectionFailed, cause)
	}
	return ActionCancelConnection
}

// DidDisconnect handles a disconnect callback. Losing the link during a
// connected phase is a failure; otherwise it is expected cleanup.
func (c *Connection) DidDisconnect(err error) Action {
	if !c.state.InConnectedPhase() {
		return ActionNone
	}
	if err == nil {
		err = fmt.Errorf("unexpected disconnect in %s", c.state)
	}
	c.Fail(err)
	return ActionNone
}

// ConnectTimedOut reports whether a connected-phase exchange started at
// LastConnectAttempt has outlived the policy's ConnectTimeout.
func (c *Connection) ConnectTimedOut(now time.Time) bool {
	return c.state.InConnectedPhase() && now.Sub(c.lastConnectAttempt) > c.policy.ConnectTimeout
}

// MarkMissing moves to Missing. It reports whether a radio connection must
// be cancelled. Disconnected and Removed are terminal and left unchanged.
func (c *Connection) MarkMissing() bool {
	if c.state == model.StateDisconnected || c.state == model.StateRemoved {
		return false
	}
	cleanup := c.state.InConnectedPhase()
	c.state = model.StateMissing
	return cleanup
}

// MarkRemoved moves to the terminal Removed state.
func (c *Connection) MarkRemoved() {
	c.state = model.StateRemoved
}

// Merge folds other into c when both carry the same resolved identifier.
// Samples and update counts are combined and the newer sighting wins.
// Merging a record that was already absorbed, directly or through another
// merge, is a no-op. It reports whether anything changed.
func (c *Connection) Merge(other *Connection) bool {
	if other == nil || other.id == c.id {
		return false
	}
	if c.resolved == "" || c.resolved != other.resolved {
		return false
	}
	if _, ok := c.absorbed[other.id]; ok {
		return false
	}
	if _, ok := other.absorbed[c.id]; ok {
		return false
	}

	c.absorbed[other.id] = struct{}{}
	for id := range other.absorbed {
		c.absorbed[id] = struct{}{}
	}

	c.updates += other.updates
	c.samples.Absorb(other.samples.Items())
	if other.lastSeen.After(c.lastSeen) {
		c.lastSeen = other.lastSeen
		c.handle = other.handle
	}
	if other.firstSeen.Before(c.firstSeen) {
		c.firstSeen = other.firstSeen
	}
	if c.platform == model.PlatformUnknown {
		c.platform = other.platform
	}
	return true
}

// Summary returns an immutable snapshot. Peers that exhausted their
// retries report the disconnected RSSI sentinel.
func (c *Connection) Summary() model.ScanSummary {
	rssi, median := 0, c.samples.Median()
	if last, ok := c.samples.Last(); ok {
		rssi = last.RSSI
	}
	if c.state == model.StateDisconnected {
		rssi, median = model.DisconnectedRSSI, model.DisconnectedRSSI
	}
	return model.ScanSummary{
		ID:                 uuid.New(),
		PeerID:             c.id,
		ResolvedIdentifier: c.resolved,
		Platform:           c.platform,
		Timestamp:          c.lastSeen,
		RSSI:               rssi,
		MedianRSSI:         median,
		State:              c.state,
	}
}
