package stat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"statagent/internal/session"
	"statagent/internal/traffic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentEvent struct {
	fields map[string]string
	url    string
}

type fakeTracker struct {
	mu     sync.Mutex
	sent   []sentEvent
	debug  bool
	closed int
	delay  time.Duration
}

func (f *fakeTracker) Send(_ context.Context, fields map[string]string, url string) {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{fields: fields, url: url})
	f.mu.Unlock()
}

func (f *fakeTracker) SetDebug(debug bool) {
	f.mu.Lock()
	f.debug = debug
	f.mu.Unlock()
}

func (f *fakeTracker) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTracker) events() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeTracker) byURLSuffix(suffix string) []sentEvent {
	var out []sentEvent
	for _, e := range f.events() {
		if len(e.url) >= len(suffix) && e.url[len(e.url)-len(suffix):] == suffix {
			out = append(out, e)
		}
	}
	return out
}

type fakeParams struct {
	common map[string]string
	device map[string]string
	calls  int
}

func (f *fakeParams) CommonParams(context.Context) (map[string]string, error) {
	f.calls++
	return f.common, nil
}

func (f *fakeParams) DeviceParams(context.Context) map[string]string {
	return f.device
}

type fakeSessions struct {
	mu      sync.Mutex
	onTick  func(session.Tick)
	started []string
	stopped []string
	shut    int
	final   *session.Tick
}

func (f *fakeSessions) Subscribe(onTick func(session.Tick)) {
	f.mu.Lock()
	f.onTick = onTick
	f.mu.Unlock()
}

func (f *fakeSessions) OnStart(page string) {
	f.mu.Lock()
	f.started = append(f.started, page)
	f.mu.Unlock()
}

func (f *fakeSessions) OnStop(page string) {
	f.mu.Lock()
	f.stopped = append(f.stopped, page)
	f.mu.Unlock()
}

func (f *fakeSessions) Shutdown() {
	f.mu.Lock()
	f.shut++
	final := f.final
	f.mu.Unlock()
	if final != nil {
		f.tick(*final)
	}
}

func (f *fakeSessions) tick(t session.Tick) {
	f.mu.Lock()
	cb := f.onTick
	f.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

type fakeTraffic struct {
	records []traffic.Record
	pulled  []string
	acked   []string
	started int
	shut    int
}

func (f *fakeTraffic) Start(context.Context) error {
	f.started++
	return nil
}

func (f *fakeTraffic) Drain(_ context.Context, owner, date string, report func([]traffic.Record) error) (int, error) {
	f.pulled = append(f.pulled, owner+"/"+date)
	if len(f.records) == 0 {
		return 0, nil
	}
	if err := report(f.records); err != nil {
		return 0, err
	}
	f.acked = append(f.acked, owner+"/"+date)
	return len(f.records), nil
}

func (f *fakeTraffic) Shutdown() error {
	f.shut++
	return nil
}

type fakeCrash struct {
	url    string
	params map[string]string
}

func (f *fakeCrash) SetReport(url string, params map[string]string) {
	f.url = url
	f.params = params
}
