package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"statagent/internal/kv"
	"statagent/internal/pool"
)

type fakeTransport struct {
	mu        sync.Mutex
	fail      error
	delivered []Payload
	attempts  chan Payload
	closed    bool
}

func newFakeTransport(fail error) *fakeTransport {
	return &fakeTransport{fail: fail, attempts: make(chan Payload, 16)}
}

func (f *fakeTransport) Deliver(_ context.Context, payload Payload) error {
	f.mu.Lock()
	fail := f.fail
	if fail == nil {
		f.delivered = append(f.delivered, payload)
	}
	f.mu.Unlock()
	f.attempts <- payload
	return fail
}

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeTransport) deliveredURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(f.delivered))
	for _, payload := range f.delivered {
		urls = append(urls, payload.URL)
	}
	return urls
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func waitAttempt(t *testing.T, transport *fakeTransport) Payload {
	t.Helper()
	select {
	case payload := <-transport.attempts:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for delivery attempt")
		return Payload{}
	}
}

// waitPending polls until the spool reaches want.
func waitPending(t *testing.T, spool *Spool, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for spool.Pending() != want {
		if time.Now().After(deadline) {
			t.Fatalf("spool pending = %d, want %d", spool.Pending(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRegistry(t *testing.T) *pool.Registry {
	t.Helper()
	registry := pool.NewRegistry(pool.WithLogger(testLogger()), pool.WithDefaultCore(1))
	t.Cleanup(registry.CloseAll)
	return registry
}

// TestCollector_SendDeliversOnPool verifies Send hands a copy of fields to the transport.
// Params: testing.T for assertions.
// Returns: none.
func TestCollector_SendDeliversOnPool(t *testing.T) {
	transport := newFakeTransport(nil)
	collector := NewCollector("main", transport, newTestRegistry(t), "tracker", nil, testLogger())

	fields := map[string]string{"k": "v"}
	collector.Send(context.Background(), fields, "http://c/api/countly/event.do")
	fields["k"] = "mutated"

	payload := waitAttempt(t, transport)
	if payload.Fields["k"] != "v" {
		t.Fatalf("payload shares caller map: %v", payload.Fields)
	}
	if payload.Created.IsZero() {
		t.Fatalf("payload creation time not set")
	}
}

// TestCollector_FailedDeliverySpooledAndDrained verifies failures are retried from the spool.
// Params: testing.T for assertions.
// Returns: none.
func TestCollector_FailedDeliverySpooledAndDrained(t *testing.T) {
	ctx := context.Background()
	spool, err := OpenSpool(ctx, kv.NewMemory(), "main", 0, 0, testLogger())
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	transport := newFakeTransport(errors.New("down"))
	collector := NewCollector("main", transport, newTestRegistry(t), "tracker", spool, testLogger())

	collector.Send(ctx, map[string]string{"n": "1"}, "u1")
	waitAttempt(t, transport)
	waitPending(t, spool, 1)
	collector.Send(ctx, map[string]string{"n": "2"}, "u2")
	waitAttempt(t, transport)
	waitPending(t, spool, 2)

	transport.setFail(nil)
	delivered, err := collector.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered != 2 || collector.Pending() != 0 {
		t.Fatalf("unexpected drain result: delivered=%d pending=%d", delivered, collector.Pending())
	}
	urls := transport.deliveredURLs()
	if len(urls) != 2 || urls[0] != "u1" || urls[1] != "u2" {
		t.Fatalf("unexpected redelivery order: %v", urls)
	}
}

// TestCollector_ClosedSpoolsWithoutDelivery verifies sends after Close go straight to the spool.
// Params: testing.T for assertions.
// Returns: none.
func TestCollector_ClosedSpoolsWithoutDelivery(t *testing.T) {
	ctx := context.Background()
	spool, err := OpenSpool(ctx, kv.NewMemory(), "main", 0, 0, testLogger())
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	transport := newFakeTransport(nil)
	collector := NewCollector("main", transport, newTestRegistry(t), "tracker", spool, testLogger())

	if err := collector.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	collector.Send(ctx, map[string]string{}, "u")
	if spool.Pending() != 1 {
		t.Fatalf("expected spooled payload, got %d", spool.Pending())
	}
	if len(transport.deliveredURLs()) != 0 {
		t.Fatalf("closed collector delivered payload")
	}
}

// TestMulti_FanOut verifies every collector receives each event.
// Params: testing.T for assertions.
// Returns: none.
func TestMulti_FanOut(t *testing.T) {
	registry := newTestRegistry(t)
	first := newFakeTransport(nil)
	second := newFakeTransport(nil)
	multi := NewMulti(
		NewCollector("a", first, registry, "tracker", nil, testLogger()),
		NewCollector("b", second, registry, "tracker", nil, testLogger()),
	)

	multi.SetDebug(true)
	multi.Send(context.Background(), map[string]string{"k": "v"}, "u")
	waitAttempt(t, first)
	waitAttempt(t, second)

	if err := multi.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !first.closed || !second.closed {
		t.Fatalf("transports not closed")
	}
}
