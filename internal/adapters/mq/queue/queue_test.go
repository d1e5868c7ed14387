package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/okian/proxitrace/internal/domain/model"
)

func summary(rssi int) model.ScanSummary {
	return model.ScanSummary{RSSI: rssi, Timestamp: time.Unix(int64(-rssi), 0)}
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewInMemoryQueue[model.ScanSummary](WithCapacity(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if l := q.Len(); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
	if !q.Enqueue(ctx, summary(-40)) {
		t.Error("expected enqueue to succeed")
	}
	if l := q.Len(); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	got := <-q.Dequeue(ctx)
	if got.RSSI != -40 {
		t.Errorf("expected rssi -40, got %d", got.RSSI)
	}
	if l := q.Len(); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
	cancel()
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue[model.ScanSummary](WithCapacity(2))
	ctx := context.Background()

	if !q.Enqueue(ctx, summary(-40)) || !q.Enqueue(ctx, summary(-41)) {
		t.Fatal("expected enqueue to succeed")
	}
	if q.Enqueue(ctx, summary(-42)) {
		t.Error("expected enqueue to fail when full")
	}
	if l := q.Len(); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_CancelledEnqueue(t *testing.T) {
	q := NewInMemoryQueue[model.ScanSummary]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if q.Enqueue(ctx, summary(-40)) {
		t.Error("expected enqueue to fail with a cancelled context")
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	const (
		producers = 10
		perProd   = 100
	)
	q := NewInMemoryQueue[model.ScanSummary](WithCapacity(100))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perProd; j++ {
				for !q.Enqueue(ctx, summary(-id*perProd-j)) {
					time.Sleep(time.Millisecond)
				}
			}
		}(i)
	}

	var (
		mu       sync.Mutex
		consumed int
		cwg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for range q.Dequeue(ctx) {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	cwg.Wait()

	if consumed != producers*perProd {
		t.Errorf("expected %d consumed, got %d", producers*perProd, consumed)
	}
	if l := q.Len(); l != 0 {
		t.Errorf("expected final length 0, got %d", l)
	}
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewInMemoryQueue[model.ScanSummary](WithCapacity(10))
	ctx := context.Background()

	if !q.Enqueue(ctx, summary(-40)) || !q.Enqueue(ctx, summary(-41)) {
		t.Fatal("expected enqueue to succeed")
	}
	if q.IsClosed() {
		t.Error("expected queue to be open initially")
	}
	if err := q.Close(); err != nil {
		t.Errorf("expected close to succeed, got error: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed after Close()")
	}
	if q.Enqueue(ctx, summary(-42)) {
		t.Error("expected enqueue to fail after closing")
	}

	// Items queued before Close are still delivered, then the channel closes.
	var drained []int
	timeout := time.After(time.Second)
	ch := q.Dequeue(ctx)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				if len(drained) != 2 || drained[0] != -40 || drained[1] != -41 {
					t.Errorf("expected [-40 -41] drained, got %v", drained)
				}
				if err := q.Close(); err != nil {
					t.Errorf("expected second close to succeed, got error: %v", err)
				}
				return
			}
			drained = append(drained, s.RSSI)
		case <-timeout:
			t.Fatal("expected dequeue channel to be closed within timeout")
		}
	}
}
