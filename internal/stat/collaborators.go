package stat

import (
	"context"

	"statagent/internal/session"
	"statagent/internal/traffic"
)

// Tracker delivers one merged field map to a collector URL.
// Delivery failures stay inside the tracker.
type Tracker interface {
	Send(ctx context.Context, fields map[string]string, url string)
	SetDebug(debug bool)
	Close() error
}

// ParamSource produces the common and device parameter snapshots.
type ParamSource interface {
	CommonParams(ctx context.Context) (map[string]string, error)
	DeviceParams(ctx context.Context) map[string]string
}

// SessionTracker turns page visibility transitions into session ticks.
type SessionTracker interface {
	Subscribe(onTick func(session.Tick))
	OnStart(page string)
	OnStop(page string)
	Shutdown()
}

// TrafficAccumulator buffers daily traffic counters per owner.
type TrafficAccumulator interface {
	Start(ctx context.Context) error
	// Drain reports unposted completed days before date and acknowledges them atomically.
	Drain(ctx context.Context, owner, date string, report func([]traffic.Record) error) (int, error)
	Shutdown() error
}

// CrashReporter receives the exception endpoint and the parameters attached to crash reports.
type CrashReporter interface {
	SetReport(url string, params map[string]string)
}
