package service_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/adapters/repository"
	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/internal/domain/scoring"
	"github.com/okian/proxitrace/pkg/logger"
)

func init() {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

type fakeCentral struct {
	mu     sync.Mutex
	state  radio.State
	scans  int
	events chan radio.Event
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{state: radio.StatePoweredOn, events: make(chan radio.Event, 16)}
}

func (f *fakeCentral) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCentral) Scan(context.Context, []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return nil
}

func (f *fakeCentral) Scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeCentral) StopScan(context.Context) error                      { return nil }
func (f *fakeCentral) Connect(context.Context, radio.Handle) error          { return nil }
func (f *fakeCentral) CancelConnection(context.Context, radio.Handle) error { return nil }
func (f *fakeCentral) DiscoverServices(context.Context, radio.Handle, []uuid.UUID) error {
	return nil
}

func (f *fakeCentral) DiscoverCharacteristics(context.Context, radio.Handle, uuid.UUID, []uuid.UUID) error {
	return nil
}

func (f *fakeCentral) ReadCharacteristic(context.Context, radio.Handle, uuid.UUID, uuid.UUID) error {
	return nil
}

func (f *fakeCentral) Events() <-chan radio.Event { return f.events }

type fakePeripheral struct {
	mu       sync.Mutex
	state    radio.State
	payloads []radio.Payload
	states   chan radio.State
}

func newFakePeripheral(s radio.State) *fakePeripheral {
	return &fakePeripheral{state: s, states: make(chan radio.State, 4)}
}

func (f *fakePeripheral) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePeripheral) Advertise(_ context.Context, p radio.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakePeripheral) Payloads() []radio.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]radio.Payload(nil), f.payloads...)
}

func (f *fakePeripheral) StopAdvertising(context.Context) error { return nil }
func (f *fakePeripheral) StateChanges() <-chan radio.State      { return f.states }

// recordingStore keeps a copy of every persisted scan so tests can look
// after the service has closed the underlying store.
type recordingStore struct {
	repository.Store

	mu    sync.Mutex
	scans []model.ScanSummary
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: repository.NewMemoryStore()}
}

func (r *recordingStore) AppendScanSummary(ctx context.Context, s model.ScanSummary) error {
	r.mu.Lock()
	r.scans = append(r.scans, s)
	r.mu.Unlock()
	return r.Store.AppendScanSummary(ctx, s)
}

func (r *recordingStore) Recorded() []model.ScanSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ScanSummary(nil), r.scans...)
}

type fakeKeys struct {
	dir   string
	names []string

	mu      sync.Mutex
	uploads int
}

func (k *fakeKeys) DownloadBatches(_ context.Context, skip func(string) bool, progress *model.Progress) (model.Batch, error) {
	var batch model.Batch
	for _, n := range k.names {
		if skip(n) {
			continue
		}
		path := filepath.Join(k.dir, n+".bin")
		if err := os.WriteFile(path, []byte(n), 0o600); err != nil {
			return model.Batch{}, err
		}
		batch.Names = append(batch.Names, n)
		batch.Files = append(batch.Files, path)
	}
	progress.AddTotal(int64(len(batch.Names)))
	for range batch.Names {
		progress.Complete()
	}
	return batch, nil
}

func (k *fakeKeys) FetchConfiguration(context.Context) (scoring.Configuration, error) {
	cfg := scoring.DefaultConfiguration()
	cfg.FactorLow, cfg.FactorHigh, cfg.TriggerThreshold = 1, 0, 10
	return cfg, nil
}

func (k *fakeKeys) UploadDiagnosisKeys(context.Context, []model.DiagnosisKey, string, []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.uploads++
	return nil
}

func (k *fakeKeys) Uploads() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.uploads
}

type fakeFramework struct{}

func day(d int) time.Time { return time.Date(2020, time.June, d, 0, 0, 0, 0, time.UTC) }

func (fakeFramework) Detect(context.Context, scoring.Configuration, []string) (*scoring.Summary, error) {
	return &scoring.Summary{AttenuationDurations: []int{900, 0}, MatchedKeyCount: 2}, nil
}

func (fakeFramework) ExposureInfo(context.Context, scoring.Summary) ([]scoring.ExposureInfo, error) {
	return []scoring.ExposureInfo{
		{Date: day(3), TotalRiskScoreFullRange: 4},
		{Date: day(3), TotalRiskScoreFullRange: 9},
		{Date: day(1), TotalRiskScoreFullRange: 2},
	}, nil
}

func (fakeFramework) ExposureWindows(context.Context, scoring.Summary) ([]scoring.Window, error) {
	return nil, nil
}

// eventually polls cond until it holds or the deadline passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func android(h string, id byte) radio.Event {
	return radio.Discovered(radio.Handle(h), "", -60, radio.Advertisement{
		ServiceData: map[uuid.UUID][]byte{radio.ServiceUUID: {0x0a, id}},
	})
}
