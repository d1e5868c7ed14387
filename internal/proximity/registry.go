package proximity

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/peer"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDiscoverServices
	cmdDiscoverCharacteristics
	cmdRead
	cmdCancel
	cmdScan
)

// command is a radio call decided under the registry lock and issued after it.
type command struct {
	kind   commandKind
	handle radio.Handle
}

// Registry owns every known peer connection. All transitions run under one
// mutex; radio commands they produce are issued after it is released.
type Registry struct {
	central        radio.Central
	policy         peer.Policy
	clock          func() time.Time
	logger         logger.Logger
	sweepInterval  time.Duration
	missingAfter   time.Duration
	removeAfter    time.Duration
	maxConnections int

	mu           sync.Mutex
	peers        map[uuid.UUID]*peer.Connection
	byHandle     map[radio.Handle]uuid.UUID
	byIdentifier map[string]uuid.UUID
	wantScan     bool
	scanning     bool
}

// NewRegistry creates an empty registry over the given central.
func NewRegistry(c radio.Central, opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("registry")
	}
	return &Registry{
		central:        c,
		policy:         o.policy,
		clock:          o.clock,
		logger:         o.logger,
		sweepInterval:  o.sweepInterval,
		missingAfter:   o.missingAfter,
		removeAfter:    o.removeAfter,
		maxConnections: o.maxConnections,
		peers:          make(map[uuid.UUID]*peer.Connection),
		byHandle:       make(map[radio.Handle]uuid.UUID),
		byIdentifier:   make(map[string]uuid.UUID),
	}
}

// Start begins scanning. When the radio is unavailable the intent is kept
// and scanning resumes on the next PoweredOn state event.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.wantScan = true
	already := r.scanning
	r.mu.Unlock()
	if already {
		return nil
	}
	if err := r.central.State().Err(); err != nil {
		r.logger.Warn(ctx, "scanning deferred", logger.Error(err))
		return err
	}
	return r.scan(ctx)
}

func (r *Registry) scan(ctx context.Context) error {
	if err := r.central.Scan(ctx, []uuid.UUID{r.policy.Service}); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	r.mu.Lock()
	r.scanning = true
	r.mu.Unlock()
	r.logger.Info(ctx, "scanning started")
	return nil
}

// Stop halts scanning and clears the intent to scan.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.wantScan = false
	was := r.scanning
	r.scanning = false
	r.mu.Unlock()
	if !was {
		return nil
	}
	if err := r.central.StopScan(ctx); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	r.logger.Info(ctx, "scanning stopped")
	return nil
}

// Scanning reports whether the central is scanning.
func (r *Registry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Run consumes radio events and sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	events := r.central.Events()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrEventStreamClosed
			}
			r.HandleEvent(ctx, ev)
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// HandleEvent applies one radio event.
func (r *Registry) HandleEvent(ctx context.Context, ev radio.Event) {
	r.mu.Lock()
	cmds := r.applyLocked(ctx, ev)
	r.mu.Unlock()
	r.issue(ctx, cmds)
}

func (r *Registry) applyLocked(ctx context.Context, ev radio.Event) []command {
	if ev.Kind == radio.EventStateChanged {
		return r.stateChangedLocked(ctx, ev.State)
	}
	if ev.Kind == radio.EventDiscovered {
		return r.discoveredLocked(ev)
	}

	c := r.lookupLocked(ev.Handle)
	if c == nil {
		r.logger.Debug(ctx, "event for unknown peer",
			logger.String("kind", ev.Kind.String()),
			logger.String("handle", string(ev.Handle)),
		)
		return nil
	}

	retries := c.Retries()
	var action peer.Action
	switch ev.Kind {
	case radio.EventConnected:
		action = c.DidConnect()
	case radio.EventConnectFailed:
		cause := ev.Err
		if cause == nil {
			cause = model.ErrConnectionFailed
		}
		action = c.Fail(cause)
	case radio.EventDisconnected:
		action = c.DidDisconnect(ev.Err)
	case radio.EventServicesDiscovered:
		action = c.DidDiscoverServices(ev.Services, ev.Err)
	case radio.EventCharacteristicsDiscovered:
		action = c.DidDiscoverCharacteristics(ev.Characteristics, ev.Err)
	case radio.EventCharacteristicRead:
		wasResolved := c.ResolvedIdentifier() != ""
		action = c.DidRead(ev.Value, ev.Err)
		if !wasResolved && c.ResolvedIdentifier() != "" {
			r.logger.Debug(ctx, "identifier read",
				logger.String("peer", c.ID().String()),
				logger.String("identifier", c.ResolvedIdentifier()),
			)
			r.indexResolvedLocked(c)
		}
	default:
		return nil
	}

	if c.Retries() > retries {
		metrics.RecordConnectFailure(ev.Kind.String())
		r.logger.Debug(ctx, "connection attempt failed",
			logger.String("peer", c.ID().String()),
			logger.Int("retries", c.Retries()),
			logger.Error(c.LastErr()),
		)
	}
	if cmd, ok := commandFor(action, ev.Handle); ok {
		return []command{cmd}
	}
	return nil
}

func (r *Registry) stateChangedLocked(ctx context.Context, s radio.State) []command {
	if s != radio.StatePoweredOn {
		if r.scanning {
			r.logger.Warn(ctx, "scanning interrupted", logger.String("radio_state", s.String()))
		}
		r.scanning = false
		return nil
	}
	if r.wantScan && !r.scanning {
		return []command{{kind: cmdScan}}
	}
	return nil
}

func (r *Registry) discoveredLocked(ev radio.Event) []command {
	metrics.RecordDiscoveryEvent()
	now := r.clock()
	name := ev.Name
	if name == "" {
		name = ev.Advertisement.LocalName
	}
	d := peer.Discovery{
		Name:              name,
		RSSI:              ev.RSSI,
		ServiceIdentifier: radio.ParseAdvertisement(ev.Advertisement).Identifier,
	}

	c := r.lookupLocked(ev.Handle)
	if c == nil {
		c = peer.New(string(ev.Handle), d, now, r.policy)
		r.peers[c.ID()] = c
		r.byHandle[ev.Handle] = c.ID()
		if c.ResolvedIdentifier() != "" {
			r.indexResolvedLocked(c)
		}
		return nil
	}

	wasConnecting := c.State().InConnectedPhase()
	if !c.Update(d, now) {
		return nil
	}
	r.indexResolvedLocked(c)
	// Resolved passively while a connection was in flight; it is no longer needed.
	if wasConnecting {
		return []command{{kind: cmdCancel, handle: ev.Handle}}
	}
	return nil
}

func (r *Registry) lookupLocked(h radio.Handle) *peer.Connection {
	id, ok := r.byHandle[h]
	if !ok {
		return nil
	}
	return r.peers[id]
}

// indexResolvedLocked records c under its identifier, folding it into (or
// absorbing) the record already indexed there. The older record survives.
func (r *Registry) indexResolvedLocked(c *peer.Connection) {
	ident := c.ResolvedIdentifier()
	otherID, ok := r.byIdentifier[ident]
	other := r.peers[otherID]
	if !ok || other == nil || otherID == c.ID() {
		r.byIdentifier[ident] = c.ID()
		return
	}

	canonical, dup := other, c
	if c.FirstSeen().Before(other.FirstSeen()) {
		canonical, dup = c, other
	}
	if !canonical.Merge(dup) {
		return
	}
	delete(r.peers, dup.ID())
	for h, id := range r.byHandle {
		if id == dup.ID() {
			r.byHandle[h] = canonical.ID()
		}
	}
	r.byIdentifier[ident] = canonical.ID()
	metrics.RecordPeerMerge()
}

func (r *Registry) evictLocked(c *peer.Connection) {
	delete(r.peers, c.ID())
	for h, id := range r.byHandle {
		if id == c.ID() {
			delete(r.byHandle, h)
		}
	}
	if id, ok := r.byIdentifier[c.ResolvedIdentifier()]; ok && id == c.ID() {
		delete(r.byIdentifier, c.ResolvedIdentifier())
	}
	metrics.RecordPeerEvicted()
}

// Sweep ages out absent peers, fails connections whose callbacks never
// arrived and starts connections to ready ones.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.clock()
	radioReady := r.central.State() == radio.StatePoweredOn

	r.mu.Lock()
	var (
		cmds     []command
		inFlight int
		ready    []*peer.Connection
	)
	for _, c := range r.peers {
		absent := now.Sub(c.LastSeen())
		switch {
		case absent > r.removeAfter:
			if c.State().InConnectedPhase() {
				cmds = append(cmds, command{kind: cmdCancel, handle: radio.Handle(c.Handle())})
			}
			c.MarkRemoved()
			r.evictLocked(c)
			continue
		case absent > r.missingAfter && c.State() != model.StateMissing && c.State() != model.StateDisconnected:
			if c.MarkMissing() {
				cmds = append(cmds, command{kind: cmdCancel, handle: radio.Handle(c.Handle())})
			}
		case c.ConnectTimedOut(now):
			action := c.Fail(fmt.Errorf("%w after %s", model.ErrConnectTimeout, now.Sub(c.LastConnectAttempt())))
			metrics.RecordConnectFailure("timeout")
			r.logger.Debug(ctx, "connection attempt timed out",
				logger.String("peer", c.ID().String()),
				logger.Int("retries", c.Retries()),
			)
			if cmd, ok := commandFor(action, radio.Handle(c.Handle())); ok {
				cmds = append(cmds, cmd)
			}
		}

		if c.State().InConnectedPhase() {
			inFlight++
		}
		if c.ResolvedIdentifier() == "" && c.IsReadyToConnect(now) {
			ready = append(ready, c)
		}
	}

	if radioReady {
		slices.SortFunc(ready, func(a, b *peer.Connection) int {
			return b.LastSeen().Compare(a.LastSeen())
		})
		for _, c := range ready {
			if inFlight >= r.maxConnections {
				break
			}
			if err := c.Connect(now); err != nil {
				r.logger.Debug(ctx, "connect skipped", logger.Error(err))
				continue
			}
			inFlight++
			metrics.RecordConnectAttempt()
			cmds = append(cmds, command{kind: cmdConnect, handle: radio.Handle(c.Handle())})
		}
	}

	counts := make(map[string]int)
	for _, c := range r.peers {
		counts[c.State().String()]++
	}
	r.mu.Unlock()

	metrics.UpdatePeersByState(counts)
	r.issue(ctx, cmds)
}

// Snapshot returns summaries of every live peer, oldest first.
func (r *Registry) Snapshot() []model.ScanSummary {
	r.mu.Lock()
	conns := make([]*peer.Connection, 0, len(r.peers))
	for _, c := range r.peers {
		if c.State() != model.StateRemoved {
			conns = append(conns, c)
		}
	}
	slices.SortFunc(conns, func(a, b *peer.Connection) int {
		return a.FirstSeen().Compare(b.FirstSeen())
	})
	out := make([]model.ScanSummary, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Summary())
	}
	r.mu.Unlock()
	return out
}

func commandFor(a peer.Action, h radio.Handle) (command, bool) {
	switch a {
	case peer.ActionDiscoverServices:
		return command{kind: cmdDiscoverServices, handle: h}, true
	case peer.ActionDiscoverCharacteristics:
		return command{kind: cmdDiscoverCharacteristics, handle: h}, true
	case peer.ActionReadCharacteristic:
		return command{kind: cmdRead, handle: h}, true
	case peer.ActionCancelConnection:
		return command{kind: cmdCancel, handle: h}, true
	default:
		return command{}, false
	}
}

// issue runs commands outside the lock. A command that fails synchronously
// is fed back as the matching failure event.
func (r *Registry) issue(ctx context.Context, cmds []command) {
	for _, cmd := range cmds {
		var (
			err      error
			feedback radio.EventKind
		)
		switch cmd.kind {
		case cmdConnect:
			err = r.central.Connect(ctx, cmd.handle)
			feedback = radio.EventConnectFailed
		case cmdDiscoverServices:
			err = r.central.DiscoverServices(ctx, cmd.handle, []uuid.UUID{r.policy.Service})
			feedback = radio.EventServicesDiscovered
		case cmdDiscoverCharacteristics:
			err = r.central.DiscoverCharacteristics(ctx, cmd.handle, r.policy.Service, []uuid.UUID{r.policy.Characteristic})
			feedback = radio.EventCharacteristicsDiscovered
		case cmdRead:
			err = r.central.ReadCharacteristic(ctx, cmd.handle, r.policy.Service, r.policy.Characteristic)
			feedback = radio.EventCharacteristicRead
		case cmdCancel:
			if cerr := r.central.CancelConnection(ctx, cmd.handle); cerr != nil {
				r.logger.Debug(ctx, "cancel connection failed",
					logger.String("handle", string(cmd.handle)),
					logger.Error(cerr),
				)
			}
			continue
		case cmdScan:
			if serr := r.scan(ctx); serr != nil {
				r.logger.Error(ctx, "scan restart failed", logger.Error(serr))
				metrics.RecordErrorByComponent("registry", "scan")
			}
			continue
		}
		if err == nil {
			continue
		}
		metrics.RecordErrorByComponent("registry", "radio_command")
		r.HandleEvent(ctx, radio.Event{Kind: feedback, Handle: cmd.handle, Err: err})
	}
}
