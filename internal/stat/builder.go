package stat

import (
	"log/slog"
	"maps"
	"strconv"
	"time"

	"statagent/internal/session"
	"statagent/internal/traffic"
)

const (
	// TimeLayout formats timestamps carried in event fields.
	TimeLayout = "2006-01-02 15:04:05"
	// DateLayout formats traffic day keys.
	DateLayout = "2006-01-02"

	fieldTimestamp = "timestamp"
	appViewAction  = "Vistor"
)

// Builder accumulates the fields of one event before dispatch.
// It stays reusable after Build.
type Builder struct {
	kind   Kind
	fields map[string]string
	logger *slog.Logger
}

// Event is the frozen output of Builder.Build.
type Event struct {
	Kind   Kind
	Fields map[string]string
}

// Get returns one field value.
func (e Event) Get(key string) string {
	return e.Fields[key]
}

// Launch carries LAUNCHER event inputs.
type Launch struct {
	ExitCode    string
	ExitVersion string
	IsNew       bool
	LaunchTime  string
}

// NewBuilder creates an empty builder for kind.
// Params: kind event kind.
// Returns: builder.
func NewBuilder(kind Kind) *Builder {
	return &Builder{kind: kind, fields: make(map[string]string), logger: slog.Default()}
}

// WithLogger sets the logger used for malformed-field warnings.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Kind returns the event kind.
func (b *Builder) Kind() Kind { return b.kind }

// Set stores one field. An empty key is logged and ignored.
// Params: key field name; value field value.
// Returns: the builder for chaining.
func (b *Builder) Set(key, value string) *Builder {
	if key == "" {
		b.logger.Warn("event field ignored: empty key", slog.String("kind", b.kind.String()))
		return b
	}
	b.fields[key] = value
	return b
}

// SetAll merges fields, overwriting existing keys. A nil map is a no-op.
// Params: fields map to merge.
// Returns: the builder for chaining.
func (b *Builder) SetAll(fields map[string]string) *Builder {
	for key, value := range fields {
		b.Set(key, value)
	}
	return b
}

// Get returns one field value.
func (b *Builder) Get(key string) string {
	return b.fields[key]
}

// Build returns a copy of the builder state.
func (b *Builder) Build() Event {
	return Event{Kind: b.kind, Fields: maps.Clone(b.fields)}
}

// NewDevice creates a DEVICE builder; the device snapshot is merged at dispatch.
func NewDevice() *Builder {
	return NewBuilder(KindDevice)
}

// NewAppView creates a page-view EVENT builder.
// Params: view page name.
// Returns: builder.
func NewAppView(view string) *Builder {
	return NewBuilder(KindEvent).
		Set("view", view).
		Set("action", appViewAction).
		Set(fieldTimestamp, currentTime())
}

// NewEvent creates a generic EVENT builder.
// Params: user id, view, action, target, and optional numeric result.
// Returns: builder.
func NewEvent(user, view, action, target string, result *int64) *Builder {
	return NewBuilder(KindEvent).
		Set("userId", user).
		Set("view", view).
		Set("action", action).
		Set("target", target).
		Set("result", formatOptional(result)).
		Set(fieldTimestamp, currentTime())
}

// NewTiming creates a TIMING builder. It carries no timestamp of its own.
// Params: view page name; idle optional idle time.
// Returns: builder.
func NewTiming(view string, idle *int64) *Builder {
	return NewBuilder(KindTiming).
		Set("view", view).
		Set("idleTime", formatOptional(idle))
}

// NewException creates an EXCEPTION builder with a caller supplied timestamp.
// Params: error name, position, content, timestamp, fatal flag string.
// Returns: builder.
func NewException(errorName, position, content, timestamp, fatal string) *Builder {
	return NewBuilder(KindException).
		Set("error", errorName).
		Set("position", position).
		Set("content", content).
		Set(fieldTimestamp, timestamp).
		Set("fatal", fatal)
}

// NewLaunch creates a LAUNCHER builder.
// Params: launch inputs.
// Returns: builder with isNew encoded as "1" or "0".
func NewLaunch(launch Launch) *Builder {
	isNew := "0"
	if launch.IsNew {
		isNew = "1"
	}
	return NewBuilder(KindLauncher).
		Set("exitCode", launch.ExitCode).
		Set("exitVersion", launch.ExitVersion).
		Set("launchTime", launch.LaunchTime).
		Set(fieldTimestamp, currentTime()).
		Set("isNew", isNew)
}

// NewSession creates a SESSION builder from one session tick.
func NewSession(tick session.Tick) *Builder {
	return NewBuilder(KindSession).
		Set("sessionId", tick.SessionID).
		Set("beginSession", tick.Begin).
		Set("sessionDuration", tick.Duration).
		Set("endSession", tick.End).
		Set("activityId", tick.ActivityID).
		Set(fieldTimestamp, currentTime())
}

// NewTraffic creates a TRAFFIC builder from one daily record.
func NewTraffic(record traffic.Record) *Builder {
	return NewBuilder(KindTraffic).
		Set("date", record.Date).
		Set("totalRx", record.TotalRx).
		Set("totalTx", record.TotalTx).
		Set("mobileRx", record.MobileRx).
		Set("mobileTx", record.MobileTx).
		Set("wifiRx", record.WifiRx).
		Set("wifiTx", record.WifiTx).
		Set(fieldTimestamp, currentTime())
}

func formatOptional(value *int64) string {
	if value == nil {
		return ""
	}
	return strconv.FormatInt(*value, 10)
}

func currentTime() string {
	return time.Now().Format(TimeLayout)
}
