package traffic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	netio "github.com/shirou/gopsutil/v4/net"

	"statagent/internal/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestAccumulator_PullAndAcknowledge verifies completed-day selection and acknowledgement.
// Params: testing.T for assertions.
// Returns: none.
func TestAccumulator_PullAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	acc := NewAccumulator(kv.NewMemory(), nil, Config{}, testLogger())

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	must(acc.Add(ctx, "1000", "2024-01-02", Delta{TotalRx: 10, TotalTx: 1, WifiRx: 10, WifiTx: 1}))
	must(acc.Add(ctx, "1000", "2024-01-01", Delta{TotalRx: 5, MobileRx: 5}))
	must(acc.Add(ctx, "1000", "2024-01-01", Delta{TotalRx: 5, MobileRx: 5}))
	must(acc.Add(ctx, "1000", "2024-01-03", Delta{TotalRx: 99}))
	must(acc.Add(ctx, "2000", "2024-01-01", Delta{TotalRx: 7}))

	records, err := acc.PullUnposted(ctx, "1000", "2024-01-03")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("unexpected records: %+v", records)
	}
	first := records[0]
	if first.Date != "2024-01-01" || first.TotalRx != "10" || first.MobileRx != "10" || first.WifiTx != "0" {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if records[1].Date != "2024-01-02" || records[1].WifiRx != "10" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}

	if err := acc.Acknowledge(ctx, "1000", "2024-01-03"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	records, err = acc.PullUnposted(ctx, "1000", "2024-01-03")
	if err != nil {
		t.Fatalf("pull after ack: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records after ack, got %+v", records)
	}

	other, err := acc.PullUnposted(ctx, "2000", "2024-01-03")
	if err != nil {
		t.Fatalf("pull other owner: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("acknowledge must not touch other owners: %+v", other)
	}
}

// TestAccumulator_EmptyPull verifies empty stores yield no records.
// Params: testing.T for assertions.
// Returns: none.
func TestAccumulator_EmptyPull(t *testing.T) {
	acc := NewAccumulator(kv.NewMemory(), nil, Config{}, testLogger())
	records, err := acc.PullUnposted(context.Background(), "1000", "2024-01-03")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records: %+v", records)
	}
}

// TestAccumulator_DrainReportsOnce verifies concurrent drains hand each completed day to exactly one reporter.
// Params: testing.T for assertions.
// Returns: none.
func TestAccumulator_DrainReportsOnce(t *testing.T) {
	ctx := context.Background()
	acc := NewAccumulator(kv.NewMemory(), nil, Config{}, testLogger())
	if err := acc.Add(ctx, "1000", "2020-01-01", Delta{TotalRx: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}

	var (
		mu       sync.Mutex
		reported []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := acc.Drain(ctx, "1000", "2020-01-02", func(records []Record) error {
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				for _, record := range records {
					reported = append(reported, record.Date)
				}
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("drain: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(reported) != 1 || reported[0] != "2020-01-01" {
		t.Fatalf("expected one report of 2020-01-01, got %v", reported)
	}
}

// TestAccumulator_DrainKeepsWindowOnReportError verifies a failed report leaves days unposted.
// Params: testing.T for assertions.
// Returns: none.
func TestAccumulator_DrainKeepsWindowOnReportError(t *testing.T) {
	ctx := context.Background()
	acc := NewAccumulator(kv.NewMemory(), nil, Config{}, testLogger())
	if err := acc.Add(ctx, "1000", "2020-01-01", Delta{TotalRx: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}

	failure := errors.New("tracker gone")
	n, err := acc.Drain(ctx, "1000", "2020-01-02", func([]Record) error { return failure })
	if !errors.Is(err, failure) || n != 0 {
		t.Fatalf("expected report error, got n=%d err=%v", n, err)
	}

	n, err = acc.Drain(ctx, "1000", "2020-01-02", func([]Record) error { return nil })
	if err != nil || n != 1 {
		t.Fatalf("expected retried window, got n=%d err=%v", n, err)
	}
	n, err = acc.Drain(ctx, "1000", "2020-01-02", func([]Record) error {
		t.Fatalf("report must not run for an empty window")
		return nil
	})
	if err != nil || n != 0 {
		t.Fatalf("expected empty window, got n=%d err=%v", n, err)
	}
}

// TestAccumulator_BadgerPersistence verifies counters survive a store reopen.
// Params: testing.T for assertions.
// Returns: none.
func TestAccumulator_BadgerPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := kv.OpenBadger(dir)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	acc := NewAccumulator(store, nil, Config{}, testLogger())
	if err := acc.Add(ctx, "1000", "2024-01-01", Delta{TotalTx: 42}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := kv.OpenBadger(dir)
	if err != nil {
		t.Fatalf("reopen badger: %v", err)
	}
	defer reopened.Close()

	records, err := NewAccumulator(reopened, nil, Config{}, testLogger()).PullUnposted(ctx, "1000", "2024-01-02")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(records) != 1 || records[0].TotalTx != "42" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

type fakeDeltaSource struct {
	mu    sync.Mutex
	calls int
	delta Delta
	err   error
}

func (f *fakeDeltaSource) Sample(context.Context) (Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return Delta{}, f.err
	}
	return f.delta, nil
}

// TestAccumulator_StartSamplesIntoToday verifies the sampling loop writes today's counters.
// Params: testing.T for assertions.
// Returns: none.
func TestAccumulator_StartSamplesIntoToday(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	source := &fakeDeltaSource{delta: Delta{TotalRx: 3, WifiRx: 3}}
	acc := NewAccumulator(store, source, Config{Owner: "1000", Sample: 5 * time.Millisecond}, testLogger())
	acc.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

	if err := acc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := acc.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := acc.PullUnposted(ctx, "1000", "2024-01-02")
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if len(records) == 1 && records[0].TotalRx != "0" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sampling loop did not record traffic")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := acc.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := acc.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

// TestAccumulator_StartPrimeError verifies a failing first sample aborts Start.
// Params: testing.T for assertions.
// Returns: none.
func TestAccumulator_StartPrimeError(t *testing.T) {
	source := &fakeDeltaSource{err: errors.New("no counters")}
	acc := NewAccumulator(kv.NewMemory(), source, Config{Owner: "1000", Sample: time.Second}, testLogger())
	if err := acc.Start(context.Background()); err == nil {
		t.Fatalf("expected prime error")
	}
}

// TestSampler_ClassifiesInterfaces verifies positive deltas and NIC classification.
// Params: testing.T for assertions.
// Returns: none.
func TestSampler_ClassifiesInterfaces(t *testing.T) {
	round := 0
	snapshots := [][]netio.IOCountersStat{
		{
			{Name: "lo", BytesRecv: 1000, BytesSent: 1000},
			{Name: "wlan0", BytesRecv: 100, BytesSent: 10},
			{Name: "rmnet0", BytesRecv: 50, BytesSent: 5},
			{Name: "eth0", BytesRecv: 500, BytesSent: 500},
		},
		{
			{Name: "lo", BytesRecv: 9000, BytesSent: 9000},
			{Name: "wlan0", BytesRecv: 150, BytesSent: 30},
			{Name: "rmnet0", BytesRecv: 60, BytesSent: 6},
			{Name: "eth0", BytesRecv: 100, BytesSent: 501},
		},
	}

	sampler := NewSampler(Classes{Wifi: []string{"wlan*"}, Mobile: []string{"rmnet*"}, Exclude: []string{"lo*"}})
	sampler.readIOCounters = func(context.Context, bool) ([]netio.IOCountersStat, error) {
		out := snapshots[round]
		round++
		return out, nil
	}

	first, err := sampler.Sample(context.Background())
	if err != nil {
		t.Fatalf("first sample: %v", err)
	}
	if !first.IsZero() {
		t.Fatalf("priming sample must be zero: %+v", first)
	}

	delta, err := sampler.Sample(context.Background())
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}
	want := Delta{TotalRx: 60, TotalTx: 22, WifiRx: 50, WifiTx: 20, MobileRx: 10, MobileTx: 1}
	if delta != want {
		t.Fatalf("unexpected delta: %+v want %+v", delta, want)
	}
}
