package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"

	"statagent/internal/kv"
)

const (
	keyPrefix  = "traffic:"
	dateLayout = "2006-01-02"
)

// Record is one day of traffic counters rendered as strings.
type Record struct {
	Date     string
	TotalRx  string
	TotalTx  string
	MobileRx string
	MobileTx string
	WifiRx   string
	WifiTx   string
}

// Delta is a byte counter increment split by network class.
type Delta struct {
	TotalRx  uint64
	TotalTx  uint64
	MobileRx uint64
	MobileTx uint64
	WifiRx   uint64
	WifiTx   uint64
}

// IsZero reports whether the delta carries no bytes.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// dayCounters is the persisted form of one (owner, date) entry.
type dayCounters struct {
	TotalRx  uint64 `msgpack:"total_rx"`
	TotalTx  uint64 `msgpack:"total_tx"`
	MobileRx uint64 `msgpack:"mobile_rx"`
	MobileTx uint64 `msgpack:"mobile_tx"`
	WifiRx   uint64 `msgpack:"wifi_rx"`
	WifiTx   uint64 `msgpack:"wifi_tx"`
	Posted   bool   `msgpack:"posted"`
}

// Config tunes background sampling.
type Config struct {
	// Owner keys counters written by the sampling loop.
	Owner string
	// Sample is the sampling interval; zero disables the loop.
	Sample time.Duration
}

// Accumulator persists daily traffic counters per owner in a kv.Store.
// All reads and writes are serialized by one mutex.
type Accumulator struct {
	store   kv.Store
	sampler DeltaSource
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// DeltaSource produces byte increments since the previous call.
type DeltaSource interface {
	Sample(ctx context.Context) (Delta, error)
}

// NewAccumulator creates an accumulator.
// Params: store persistence; sampler optional delta source; cfg loop settings; logger diagnostics.
// Returns: accumulator.
func NewAccumulator(store kv.Store, sampler DeltaSource, cfg Config, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		store:   store,
		sampler: sampler,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "traffic")),
		now:     time.Now,
	}
}

// Add increments counters of one owner and day.
// Params: ctx store context; owner and date key; delta increment.
// Returns: store or decode error.
func (a *Accumulator) Add(ctx context.Context, owner, date string, delta Delta) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := dayKey(owner, date)
	counters, _, err := a.load(ctx, key)
	if err != nil {
		return err
	}
	counters.TotalRx += delta.TotalRx
	counters.TotalTx += delta.TotalTx
	counters.MobileRx += delta.MobileRx
	counters.MobileTx += delta.MobileTx
	counters.WifiRx += delta.WifiRx
	counters.WifiTx += delta.WifiTx
	return a.save(ctx, key, counters)
}

// PullUnposted returns unposted records for completed days strictly before date, oldest first.
// Params: ctx store context; owner key; date current day in YYYY-MM-DD.
// Returns: records or store error.
func (a *Accumulator) PullUnposted(ctx context.Context, owner, date string) ([]Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	days, err := a.unposted(ctx, owner, date)
	if err != nil {
		return nil, err
	}
	return records(days), nil
}

// Acknowledge marks every unposted day strictly before date as posted.
// Params: ctx store context; owner key; date current day.
// Returns: store error.
func (a *Accumulator) Acknowledge(ctx context.Context, owner, date string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	days, err := a.unposted(ctx, owner, date)
	if err != nil {
		return err
	}
	return a.markPosted(ctx, owner, days)
}

// Drain pulls unposted completed days, hands them to report and acknowledges them, all under one lock.
// Concurrent drains of the same owner never report a day twice.
// Params: ctx store context; owner key; date current day; report called only with a non-empty window.
// Returns: number of reported days; report or store error leaves the window unposted.
func (a *Accumulator) Drain(ctx context.Context, owner, date string, report func([]Record) error) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	days, err := a.unposted(ctx, owner, date)
	if err != nil || len(days) == 0 {
		return 0, err
	}
	if err := report(records(days)); err != nil {
		return 0, err
	}
	if err := a.markPosted(ctx, owner, days); err != nil {
		return 0, err
	}
	return len(days), nil
}

// markPosted flags days as posted; caller holds a.mu.
func (a *Accumulator) markPosted(ctx context.Context, owner string, days []storedDay) error {
	for _, day := range days {
		day.counters.Posted = true
		if err := a.save(ctx, dayKey(owner, day.date), day.counters); err != nil {
			return err
		}
	}
	return nil
}

func records(days []storedDay) []Record {
	out := make([]Record, 0, len(days))
	for _, day := range days {
		out = append(out, day.record())
	}
	return out
}

type storedDay struct {
	date     string
	counters dayCounters
}

func (d storedDay) record() Record {
	format := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return Record{
		Date:     d.date,
		TotalRx:  format(d.counters.TotalRx),
		TotalTx:  format(d.counters.TotalTx),
		MobileRx: format(d.counters.MobileRx),
		MobileTx: format(d.counters.MobileTx),
		WifiRx:   format(d.counters.WifiRx),
		WifiTx:   format(d.counters.WifiTx),
	}
}

// unposted scans the owner prefix for unposted days before date.
// Params: ctx store context; owner key; date exclusive upper bound.
// Returns: days sorted by date; caller holds a.mu.
func (a *Accumulator) unposted(ctx context.Context, owner, date string) ([]storedDay, error) {
	prefix := keyPrefix + owner + ":"
	pairs, err := a.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan traffic of %q: %w", owner, err)
	}

	keys := lo.Keys(pairs)
	sort.Strings(keys)

	days := make([]storedDay, 0, len(keys))
	for _, key := range keys {
		raw := pairs[key]
		day := strings.TrimPrefix(key, prefix)
		if day >= date {
			continue
		}
		var counters dayCounters
		if err := msgpack.Unmarshal([]byte(raw), &counters); err != nil {
			a.logger.Warn("skip unreadable traffic entry", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		if counters.Posted {
			continue
		}
		days = append(days, storedDay{date: day, counters: counters})
	}
	return days, nil
}

// load reads one day entry.
// Returns: counters, presence flag, error.
func (a *Accumulator) load(ctx context.Context, key string) (dayCounters, bool, error) {
	raw, err := a.store.GetString(ctx, key, "")
	if err != nil {
		return dayCounters{}, false, fmt.Errorf("read %q: %w", key, err)
	}
	if raw == "" {
		return dayCounters{}, false, nil
	}
	var counters dayCounters
	if err := msgpack.Unmarshal([]byte(raw), &counters); err != nil {
		return dayCounters{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return counters, true, nil
}

// save writes one day entry.
func (a *Accumulator) save(ctx context.Context, key string, counters dayCounters) error {
	raw, err := msgpack.Marshal(counters)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := a.store.SaveString(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Start launches the sampling loop when a sampler and interval are configured.
// A second Start while running is a no-op.
// Params: ctx parent lifecycle.
// Returns: error from the priming sample.
func (a *Accumulator) Start(ctx context.Context) error {
	if a.sampler == nil || a.cfg.Sample <= 0 {
		return nil
	}

	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.cancel != nil {
		return nil
	}

	if _, err := a.sampler.Sample(ctx); err != nil {
		return fmt.Errorf("prime traffic sampler: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(loopCtx, a.done)
	return nil
}

// loop samples deltas and adds them to today's counters.
func (a *Accumulator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.Sample)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sampleOnce(ctx)
		}
	}
}

// sampleOnce records one sampler delta for today.
func (a *Accumulator) sampleOnce(ctx context.Context) {
	delta, err := a.sampler.Sample(ctx)
	if err != nil {
		a.logger.Warn("traffic sample failed", slog.String("error", err.Error()))
		return
	}
	if delta.IsZero() {
		return
	}
	today := a.now().Format(dateLayout)
	if err := a.Add(ctx, a.cfg.Owner, today, delta); err != nil {
		a.logger.Warn("traffic add failed", slog.String("error", err.Error()))
	}
}

// Shutdown stops the sampling loop and waits for it.
// Params: none.
// Returns: always nil.
func (a *Accumulator) Shutdown() error {
	a.loopMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func dayKey(owner, date string) string {
	return keyPrefix + owner + ":" + date
}
