package proximity_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

// fakeCentral records issued commands. Outcomes are delivered by the test.
type fakeCentral struct {
	mu         sync.Mutex
	state      radio.State
	calls      []string
	connectErr error
	events     chan radio.Event
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{state: radio.StatePoweredOn, events: make(chan radio.Event, 16)}
}

func (f *fakeCentral) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return nil
}

func (f *fakeCentral) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCentral) setState(s radio.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeCentral) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCentral) Scan(context.Context, []uuid.UUID) error { return f.record("scan") }
func (f *fakeCentral) StopScan(context.Context) error          { return f.record("stop_scan") }

func (f *fakeCentral) Connect(_ context.Context, h radio.Handle) error {
	_ = f.record("connect:%s", h)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeCentral) CancelConnection(_ context.Context, h radio.Handle) error {
	return f.record("cancel:%s", h)
}

func (f *fakeCentral) DiscoverServices(_ context.Context, h radio.Handle, _ []uuid.UUID) error {
	return f.record("discover_services:%s", h)
}

func (f *fakeCentral) DiscoverCharacteristics(_ context.Context, h radio.Handle, _ uuid.UUID, _ []uuid.UUID) error {
	return f.record("discover_characteristics:%s", h)
}

func (f *fakeCentral) ReadCharacteristic(_ context.Context, h radio.Handle, _, _ uuid.UUID) error {
	return f.record("read:%s", h)
}

func (f *fakeCentral) Events() <-chan radio.Event { return f.events }

// fakePeripheral records published payloads.
type fakePeripheral struct {
	mu        sync.Mutex
	state     radio.State
	payloads  []radio.Payload
	stops     int
	stateCh   chan radio.State
	advertErr error
}

func newFakePeripheral(s radio.State) *fakePeripheral {
	return &fakePeripheral{state: s, stateCh: make(chan radio.State, 4)}
}

func (f *fakePeripheral) setState(s radio.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakePeripheral) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePeripheral) Advertise(_ context.Context, p radio.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advertErr != nil {
		return f.advertErr
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakePeripheral) StopAdvertising(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakePeripheral) StateChanges() <-chan radio.State { return f.stateCh }

func (f *fakePeripheral) Payloads() []radio.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]radio.Payload(nil), f.payloads...)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2020, time.May, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
