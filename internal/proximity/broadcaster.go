// Package proximity runs the two radio roles: the Broadcaster advertises a
// rotating identifier and the Registry tracks discovered peers.
package proximity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/domain/identifier"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

// Broadcaster advertises the current identifier and rotates it on a timer.
// It is safe for concurrent use.
type Broadcaster struct {
	peripheral radio.Peripheral
	interval   time.Duration
	logger     logger.Logger

	mu          sync.Mutex
	ids         *identifier.Set
	shouldRun   bool
	advertising bool
	stopRotate  context.CancelFunc
	handlers    []func(id string)

	wg sync.WaitGroup
}

// NewBroadcaster creates a broadcaster over the given peripheral.
func NewBroadcaster(p radio.Peripheral, ids *identifier.Set, opts ...Option) *Broadcaster {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("broadcaster")
	}
	return &Broadcaster{
		peripheral: p,
		ids:        ids,
		interval:   o.rotationInterval,
		logger:     o.logger,
	}
}

// OnIdentifierChange registers fn to be called after every rotation.
func (b *Broadcaster) OnIdentifierChange(fn func(id string)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// Start begins advertising. When the radio is unavailable the intent is
// kept and advertising resumes on the next PoweredOn state.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	b.shouldRun = true
	if b.advertising {
		b.mu.Unlock()
		return nil
	}
	changed, err := b.startLocked(ctx)
	handlers := b.handlers
	b.mu.Unlock()

	if changed != "" {
		notify(handlers, changed)
	}
	return err
}

func (b *Broadcaster) startLocked(ctx context.Context) (string, error) {
	if err := b.peripheral.State().Err(); err != nil {
		b.logger.Warn(ctx, "advertising deferred", logger.Error(err))
		return "", err
	}

	var changed string
	current, ok := b.ids.Current()
	if !ok {
		current = b.ids.Rotate()
		changed = current
	}
	if err := b.peripheral.Advertise(ctx, radio.IdentifierPayload(current)); err != nil {
		return changed, fmt.Errorf("advertise: %w", err)
	}
	b.advertising = true

	rctx, cancel := context.WithCancel(context.Background())
	b.stopRotate = cancel
	b.wg.Add(1)
	go b.rotateLoop(rctx)

	b.logger.Info(ctx, "advertising started",
		logger.String("identifier", current),
		logger.Duration("rotation_interval", b.interval),
	)
	return changed, nil
}

// Stop halts advertising and clears the intent to run.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.shouldRun = false
	wasAdvertising := b.haltLocked()
	b.mu.Unlock()

	b.wg.Wait()
	if !wasAdvertising {
		return nil
	}
	if err := b.peripheral.StopAdvertising(ctx); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	b.logger.Info(ctx, "advertising stopped")
	return nil
}

func (b *Broadcaster) haltLocked() bool {
	if b.stopRotate != nil {
		b.stopRotate()
		b.stopRotate = nil
	}
	was := b.advertising
	b.advertising = false
	return was
}

// Advertising reports whether a payload is currently published.
func (b *Broadcaster) Advertising() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertising
}

// CurrentIdentifier returns the active identifier.
func (b *Broadcaster) CurrentIdentifier() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ids.Current()
}

// HandleRadioState reacts to peripheral power changes. Losing power stops
// the rotation; regaining it restarts advertising if still wanted.
func (b *Broadcaster) HandleRadioState(ctx context.Context, s radio.State) {
	b.mu.Lock()
	var (
		changed string
		err     error
	)
	switch {
	case s != radio.StatePoweredOn:
		if b.haltLocked() {
			b.logger.Warn(ctx, "advertising interrupted", logger.String("radio_state", s.String()))
		}
	case b.shouldRun && !b.advertising:
		changed, err = b.startLocked(ctx)
	}
	handlers := b.handlers
	b.mu.Unlock()

	if err != nil {
		b.logger.Error(ctx, "advertising restart failed", logger.Error(err))
		metrics.RecordErrorByComponent("broadcaster", "advertise")
	}
	if changed != "" {
		notify(handlers, changed)
	}
}

// Run forwards peripheral state changes to HandleRadioState until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	changes := b.peripheral.StateChanges()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-changes:
			if !ok {
				return ErrEventStreamClosed
			}
			b.HandleRadioState(ctx, s)
		}
	}
}

// Rotate picks a new identifier and, when advertising, republishes it.
func (b *Broadcaster) Rotate(ctx context.Context) error {
	b.mu.Lock()
	prev, _ := b.ids.Current()
	next := b.ids.Rotate()
	var err error
	if b.advertising {
		if aerr := b.peripheral.Advertise(ctx, radio.IdentifierPayload(next)); aerr != nil {
			err = fmt.Errorf("advertise: %w", aerr)
		}
	}
	handlers := b.handlers
	b.mu.Unlock()

	metrics.RecordIdentifierRotation()
	b.logger.Debug(ctx, "identifier rotated",
		logger.String("previous", prev),
		logger.String("current", next),
	)
	notify(handlers, next)
	return err
}

func (b *Broadcaster) rotateLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Rotate(ctx); err != nil {
				b.logger.Error(ctx, "rotation publish failed", logger.Error(err))
				metrics.RecordErrorByComponent("broadcaster", "rotate")
			}
		}
	}
}

func notify(handlers []func(string), id string) {
	for _, fn := range handlers {
		fn(id)
	}
}
