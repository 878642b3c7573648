package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tick is one session transition reported to subscribers.
// Begin and End are "1" or "0"; Duration is whole seconds since the last tick.
type Tick struct {
	SessionID  string
	Begin      string
	Duration   string
	End        string
	ActivityID string
}

// Config tunes the session tracker.
type Config struct {
	// Heartbeat is the interval of duration ticks for the active session.
	Heartbeat time.Duration
	// Timeout is how long a stopped session may be resumed before it ends.
	Timeout time.Duration
}

// Tracker keeps one active session and emits ticks on page transitions and heartbeats.
type Tracker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	onTick   func(Tick)
	id       string
	page     string
	visible  int
	lastTick time.Time
	stopped  time.Time
	closed   bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewTracker creates a tracker with no active session.
// Params: cfg heartbeat and timeout; logger for diagnostics.
// Returns: tracker.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "session")),
		now:    time.Now,
		newID:  uuid.NewString,
		done:   make(chan struct{}),
	}
}

// Subscribe sets the tick callback, replacing any previous one.
func (t *Tracker) Subscribe(onTick func(Tick)) {
	t.mu.Lock()
	t.onTick = onTick
	t.mu.Unlock()
}

// OnStart records a page becoming visible.
// A new session begins unless the previous one stopped within the timeout.
// Params: page page name.
// Returns: none.
func (t *Tracker) OnStart(page string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	now := t.now()
	var ticks []Tick
	if t.id != "" && t.visible == 0 && now.Sub(t.stopped) >= t.cfg.Timeout {
		ticks = append(ticks, t.endLocked(now))
	}

	t.page = page
	t.visible++
	if t.id == "" {
		t.id = t.newID()
		t.lastTick = now
		ticks = append(ticks, Tick{SessionID: t.id, Begin: "1", Duration: "0", End: "0", ActivityID: page})
	}
	cb := t.onTick
	t.mu.Unlock()

	t.emit(cb, ticks)
}

// OnStop records a page becoming hidden and reports the elapsed duration.
// Params: page page name.
// Returns: none.
func (t *Tracker) OnStop(page string) {
	t.mu.Lock()
	if t.closed || t.id == "" {
		t.mu.Unlock()
		return
	}

	now := t.now()
	if t.visible > 0 {
		t.visible--
	}
	if t.visible == 0 {
		t.stopped = now
	}
	tick := t.durationLocked(now, page)
	cb := t.onTick
	t.mu.Unlock()

	t.emit(cb, []Tick{tick})
}

// Run emits heartbeat ticks until ctx ends or Shutdown is called.
// Params: ctx lifecycle.
// Returns: nil on stop.
func (t *Tracker) Run(ctx context.Context) error {
	interval := t.cfg.Heartbeat
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-ticker.C:
			t.Heartbeat()
		}
	}
}

// Heartbeat emits a duration tick for a visible session and ends one idle past the timeout.
// Params: none.
// Returns: none.
func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	if t.closed || t.id == "" {
		t.mu.Unlock()
		return
	}

	now := t.now()
	var tick Tick
	switch {
	case t.visible > 0:
		tick = t.durationLocked(now, t.page)
	case now.Sub(t.stopped) >= t.cfg.Timeout:
		tick = t.endLocked(now)
	default:
		t.mu.Unlock()
		return
	}
	cb := t.onTick
	t.mu.Unlock()

	t.emit(cb, []Tick{tick})
}

// Shutdown ends the active session and stops the heartbeat loop.
// Params: none.
// Returns: none.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var ticks []Tick
	if t.id != "" {
		ticks = append(ticks, t.endLocked(t.now()))
	}
	cb := t.onTick
	t.mu.Unlock()

	t.doneOnce.Do(func() { close(t.done) })
	t.emit(cb, ticks)
}

// SessionID returns the active session id, empty when none.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// durationLocked builds a duration tick and advances the tick clock.
func (t *Tracker) durationLocked(now time.Time, page string) Tick {
	elapsed := now.Sub(t.lastTick)
	t.lastTick = now
	return Tick{SessionID: t.id, Begin: "0", Duration: seconds(elapsed), End: "0", ActivityID: page}
}

// endLocked builds an end tick and clears the session.
func (t *Tracker) endLocked(now time.Time) Tick {
	elapsed := time.Duration(0)
	if t.visible > 0 {
		elapsed = now.Sub(t.lastTick)
	}
	tick := Tick{SessionID: t.id, Begin: "0", Duration: seconds(elapsed), End: "1", ActivityID: t.page}
	t.id = ""
	t.visible = 0
	return tick
}

// emit delivers ticks outside the lock.
func (t *Tracker) emit(cb func(Tick), ticks []Tick) {
	if cb == nil {
		return
	}
	for _, tick := range ticks {
		t.logger.Debug("session tick",
			slog.String("session", tick.SessionID),
			slog.String("begin", tick.Begin),
			slog.String("end", tick.End),
		)
		cb(tick)
	}
}

func seconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(int64(d/time.Second), 10)
}
