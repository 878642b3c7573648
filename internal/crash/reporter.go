package crash

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"

	"statagent/internal/kv"
	"statagent/internal/stat"
)

const pendingPrefix = "crash:"

// Report is one captured failure.
type Report struct {
	Error     string `msgpack:"error"`
	Position  string `msgpack:"position"`
	Content   string `msgpack:"content"`
	Timestamp string `msgpack:"timestamp"`
	Fatal     bool   `msgpack:"fatal"`
}

// Reporter sends exception events to the crash endpoint.
// Reports captured before the endpoint is known are persisted and flushed by SetReport.
type Reporter struct {
	tracker stat.Tracker
	store   kv.Store
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	url    string
	params map[string]string
	seq    uint64
}

// NewReporter creates a crash reporter.
// Params: tracker delivery; store persistence for early reports; logger diagnostics.
// Returns: reporter.
func NewReporter(tracker stat.Tracker, store kv.Store, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{tracker: tracker, store: store, logger: logger, now: time.Now}
}

// SetReport sets the crash endpoint and attached parameters, then flushes persisted reports.
func (r *Reporter) SetReport(url string, params map[string]string) {
	r.mu.Lock()
	r.url = url
	r.params = params
	r.mu.Unlock()

	if err := r.flush(context.Background()); err != nil {
		r.logger.Warn("flush pending crash reports failed", slog.String("error", err.Error()))
	}
}

// Report sends one exception event, or persists it while no endpoint is configured.
// Params: ctx delivery context; report captured failure (empty timestamp means now).
// Returns: persistence error.
func (r *Reporter) Report(ctx context.Context, report Report) error {
	if report.Timestamp == "" {
		report.Timestamp = r.now().Format(stat.TimeLayout)
	}

	r.mu.Lock()
	url, params := r.url, r.params
	if url == "" {
		r.seq++
		key := fmt.Sprintf("%s%020d:%06d", pendingPrefix, r.now().UnixNano(), r.seq)
		r.mu.Unlock()
		return r.persist(ctx, key, report)
	}
	r.mu.Unlock()

	r.send(ctx, url, params, report)
	return nil
}

// ReportPanic reports a recovered worker panic; it matches pool.PanicHandler.
func (r *Reporter) ReportPanic(poolName string, recovered any, stack []byte) {
	report := Report{
		Error:    fmt.Sprintf("%T", recovered),
		Position: poolName,
		Content:  fmt.Sprintf("%v\n%s", recovered, stack),
	}
	if err := r.Report(context.Background(), report); err != nil {
		r.logger.Error("crash report failed", slog.String("pool", poolName), slog.String("error", err.Error()))
	}
}

func (r *Reporter) send(ctx context.Context, url string, params map[string]string, report Report) {
	fatal := "0"
	if report.Fatal {
		fatal = "1"
	}
	event := stat.NewException(report.Error, report.Position, report.Content, report.Timestamp, fatal).Build()
	r.tracker.Send(ctx, lo.Assign(params, event.Fields), url)
}

func (r *Reporter) persist(ctx context.Context, key string, report Report) error {
	raw, err := msgpack.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode crash report: %w", err)
	}
	if err := r.store.SaveString(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("save crash report: %w", err)
	}
	return nil
}

// flush sends persisted reports oldest first and deletes them.
func (r *Reporter) flush(ctx context.Context) error {
	r.mu.Lock()
	url, params := r.url, r.params
	r.mu.Unlock()
	if url == "" {
		return nil
	}

	entries, err := r.store.Scan(ctx, pendingPrefix)
	if err != nil {
		return fmt.Errorf("scan crash reports: %w", err)
	}
	keys := lo.Keys(entries)
	sort.Strings(keys)

	for _, key := range keys {
		var report Report
		if err := msgpack.Unmarshal([]byte(entries[key]), &report); err != nil {
			r.logger.Warn("discard corrupt crash report", slog.String("key", key), slog.String("error", err.Error()))
		} else {
			r.send(ctx, url, params, report)
		}
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete crash report %s: %w", key, err)
		}
	}
	return nil
}
