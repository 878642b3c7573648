package stat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"statagent/internal/kv"
	"statagent/internal/pool"
	"statagent/internal/session"
	"statagent/internal/traffic"
)

var (
	// ErrUninitialized is returned when the agent is used before Init.
	ErrUninitialized = errors.New("stat agent is not initialized")
	// ErrDestroyed is returned when the agent is used after Destroy.
	ErrDestroyed = errors.New("stat agent is destroyed")
	// ErrUnknownKind is returned for builders carrying an undeclared kind.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Persisted keys read and written by the agent.
const (
	KeyIsNewUser   = "IS_NEW_USER"
	KeyExitCode    = "EXIT_CODE"
	KeyExitVersion = "EXIT_VERSION"
)

const defaultDrainTimeout = 10 * time.Second

// State is the agent lifecycle state.
type State int

const (
	StateUninit State = iota
	StateInitializing
	StateReady
	StateDestroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Deps are the collaborators the agent calls.
// Crash and Pools are optional.
type Deps struct {
	Tracker  Tracker
	Params   ParamSource
	Sessions SessionTracker
	Traffic  TrafficAccumulator
	Store    kv.Store
	Crash    CrashReporter
	Pools    *pool.Registry
	Logger   *slog.Logger
}

// Options tune agent behavior.
type Options struct {
	// ServerURL is the collector base; empty uses DefaultServerURL.
	ServerURL string
	// OwnerID keys traffic records.
	OwnerID string
	// Pool names the worker pool running start-of-day dispatch; empty runs inline.
	Pool  string
	Debug bool
	// StartOfDay, when shared, limits device and launch dispatch to one agent per process.
	StartOfDay *StartOfDay
	// DrainTimeout bounds how long Destroy waits for queued dispatches; zero uses defaultDrainTimeout.
	DrainTimeout time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Agent composes events with common parameters and hands them to the tracker.
type Agent struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	destroying bool
	common     map[string]string
}

// NewAgent validates collaborators and creates an uninitialized agent.
// Params: deps collaborators; opts settings.
// Returns: agent or error for missing collaborators.
func NewAgent(deps Deps, opts Options) (*Agent, error) {
	switch {
	case deps.Tracker == nil:
		return nil, fmt.Errorf("new stat agent: tracker is required")
	case deps.Params == nil:
		return nil, fmt.Errorf("new stat agent: param source is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("new stat agent: session tracker is required")
	case deps.Traffic == nil:
		return nil, fmt.Errorf("new stat agent: traffic accumulator is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("new stat agent: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if strings.TrimSpace(opts.ServerURL) == "" {
		opts.ServerURL = DefaultServerURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}

	return &Agent{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With(slog.String("component", "stat")),
	}, nil
}

// State returns the lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ServerURL returns the collector base URL.
func (a *Agent) ServerURL() string { return a.opts.ServerURL }

// CommonParams returns a copy of the common parameter snapshot.
func (a *Agent) CommonParams() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.common)
}

// Init snapshots common parameters and runs start-of-day work once.
// Later calls are no-ops.
// Params: ctx for snapshot and start-of-day calls.
// Returns: snapshot or traffic start error; ErrDestroyed after Destroy.
func (a *Agent) Init(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateDestroyed:
		a.mu.Unlock()
		return ErrDestroyed
	case StateInitializing, StateReady:
		a.mu.Unlock()
		return nil
	}
	a.state = StateInitializing
	a.mu.Unlock()

	common, err := a.deps.Params.CommonParams(ctx)
	if err != nil {
		a.setState(StateUninit)
		return fmt.Errorf("snapshot common params: %w", err)
	}

	a.mu.Lock()
	a.common = maps.Clone(common)
	a.mu.Unlock()

	a.deps.Tracker.SetDebug(a.opts.Debug)

	if a.opts.StartOfDay.claim() {
		if err := a.RunOn(ctx, a.opts.Pool, func(ctx context.Context) {
			if err := a.SendDevice(ctx); err != nil {
				a.logger.Warn("send device failed", slog.String("error", err.Error()))
			}
			if err := a.SendLaunch(ctx); err != nil {
				a.logger.Warn("send launch failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			a.logger.Warn("start-of-day dispatch skipped", slog.String("error", err.Error()))
		}
	} else {
		a.logger.Debug("start-of-day already dispatched by this process")
	}

	a.deps.Sessions.Subscribe(a.onTick)

	if err := a.deps.Traffic.Start(ctx); err != nil {
		a.setState(StateUninit)
		return fmt.Errorf("start traffic tracking: %w", err)
	}

	if a.deps.Crash != nil {
		a.deps.Crash.SetReport(a.opts.ServerURL+routes[KindException], a.CommonParams())
	}

	a.setState(StateReady)
	a.logger.Info("stat agent ready", slog.String("server", a.opts.ServerURL))
	return nil
}

// setState updates the lifecycle state unless the agent was destroyed.
func (a *Agent) setState(state State) {
	a.mu.Lock()
	if a.state != StateDestroyed {
		a.state = state
	}
	a.mu.Unlock()
}

// usable checks the lifecycle state for dispatch.
// Returns: nil when initializing or ready.
func (a *Agent) usable() error {
	switch a.State() {
	case StateInitializing, StateReady:
		return nil
	case StateDestroyed:
		return ErrDestroyed
	default:
		return ErrUninitialized
	}
}

// Send merges common parameters, builder fields, and kind extras, then hands the result to the tracker.
// Later merges win. Delivery errors never come back through Send.
// Params: ctx dispatch context; b event builder.
// Returns: lifecycle or unknown kind error.
func (a *Agent) Send(ctx context.Context, b *Builder) error {
	if b == nil {
		return fmt.Errorf("send event: nil builder")
	}
	if err := a.usable(); err != nil {
		return fmt.Errorf("send %s: %w", b.Kind(), err)
	}
	route, err := b.Kind().Route()
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	event := b.Build()
	fields := lo.Assign(
		a.CommonParams(),
		map[string]string{fieldTimestamp: a.opts.Now().Format(TimeLayout)},
		event.Fields,
		a.extras(ctx, event),
	)

	a.deps.Tracker.Send(ctx, fields, a.opts.ServerURL+route)
	a.logger.Debug("event dispatched", slog.String("kind", event.Kind.String()), slog.Int("fields", len(fields)))
	return nil
}

// extras returns kind-specific fields merged last.
// Params: ctx for device snapshot; event being dispatched.
// Returns: extra fields, possibly empty.
func (a *Agent) extras(ctx context.Context, event Event) map[string]string {
	switch event.Kind {
	case KindDevice:
		return a.deps.Params.DeviceParams(ctx)
	case KindSession:
		if event.Get("beginSession") == "1" {
			return a.deps.Params.DeviceParams(ctx)
		}
	}
	return nil
}

// SendDevice dispatches a DEVICE event.
func (a *Agent) SendDevice(ctx context.Context) error {
	return a.Send(ctx, NewDevice().WithLogger(a.logger))
}

// SendLaunch dispatches a LAUNCHER event from persisted launch state.
// The first launch, with no stored new-user flag, reports isNew=1 and stores false.
// Params: ctx store and dispatch context.
// Returns: dispatch error.
func (a *Agent) SendLaunch(ctx context.Context) error {
	if err := a.usable(); err != nil {
		return fmt.Errorf("send %s: %w", KindLauncher, err)
	}
	store := a.deps.Store
	isNew := false

	present, err := store.Contains(ctx, KeyIsNewUser)
	if err != nil {
		a.logger.Warn("read new-user flag failed", slog.String("error", err.Error()))
	}
	switch {
	case err != nil:
	case !present:
		isNew = true
		if saveErr := store.SaveBool(ctx, KeyIsNewUser, false); saveErr != nil {
			a.logger.Warn("store new-user flag failed", slog.String("error", saveErr.Error()))
		}
	default:
		isNew, err = store.GetBool(ctx, KeyIsNewUser, false)
		if err != nil {
			a.logger.Warn("read new-user flag failed", slog.String("error", err.Error()))
		}
	}

	exitCode := a.readString(ctx, KeyExitCode)
	exitVersion := a.readString(ctx, KeyExitVersion)

	return a.Send(ctx, NewLaunch(Launch{
		ExitCode:    exitCode,
		ExitVersion: exitVersion,
		IsNew:       isNew,
		LaunchTime:  a.opts.Now().Format(TimeLayout),
	}).WithLogger(a.logger))
}

// readString reads one persisted string, logging failures.
func (a *Agent) readString(ctx context.Context, key string) string {
	value, err := a.deps.Store.GetString(ctx, key, "")
	if err != nil {
		a.logger.Warn("read persisted value failed", slog.String("key", key), slog.String("error", err.Error()))
		return ""
	}
	return value
}

// RecordExit persists the exit code and running app version for the next launch event.
// Params: ctx store context; code process exit code.
// Returns: store error.
func (a *Agent) RecordExit(ctx context.Context, code string) error {
	if err := a.deps.Store.SaveString(ctx, KeyExitCode, code); err != nil {
		return fmt.Errorf("record exit code: %w", err)
	}
	version := a.CommonParams()["appVersion"]
	if err := a.deps.Store.SaveString(ctx, KeyExitVersion, version); err != nil {
		return fmt.Errorf("record exit version: %w", err)
	}
	return nil
}

// SendTraffic dispatches one TRAFFIC event per unposted completed day, then acknowledges the window.
// The accumulator holds the window for the whole call, so concurrent callers never report a day twice.
// Acknowledgement follows dispatch hand-off, not confirmed delivery.
// Params: ctx accumulator and dispatch context.
// Returns: lifecycle or accumulator error.
func (a *Agent) SendTraffic(ctx context.Context) error {
	if err := a.usable(); err != nil {
		return fmt.Errorf("send traffic: %w", err)
	}

	today := a.opts.Now().Format(DateLayout)
	days, err := a.deps.Traffic.Drain(ctx, a.opts.OwnerID, today, func(records []traffic.Record) error {
		for _, record := range records {
			if err := a.Send(ctx, NewTraffic(record).WithLogger(a.logger)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("report traffic: %w", err)
	}
	if days > 0 {
		a.logger.Info("traffic reported", slog.Int("days", days))
	}
	return nil
}

// onTick dispatches a SESSION event for one session tick.
func (a *Agent) onTick(tick session.Tick) {
	if err := a.Send(context.Background(), NewSession(tick).WithLogger(a.logger)); err != nil {
		a.logger.Warn("session tick dropped", slog.String("session", tick.SessionID), slog.String("error", err.Error()))
	}
}

// OnActivityResume forwards an activity start to the session tracker.
func (a *Agent) OnActivityResume(page string) { a.deps.Sessions.OnStart(page) }

// OnActivityPause forwards an activity stop to the session tracker.
func (a *Agent) OnActivityPause(page string) { a.deps.Sessions.OnStop(page) }

// OnFragmentResume forwards a fragment start to the session tracker.
func (a *Agent) OnFragmentResume(page string) { a.deps.Sessions.OnStart(page) }

// OnFragmentPause forwards a fragment stop to the session tracker.
func (a *Agent) OnFragmentPause(page string) { a.deps.Sessions.OnStop(page) }

// SetDebug toggles tracker debug mode.
func (a *Agent) SetDebug(debug bool) {
	a.deps.Tracker.SetDebug(debug)
}

// RunOn runs task on the named pool, or inline when name is empty or no registry is wired.
// Params: ctx used for inline runs; name pool name; task body.
// Returns: submission error.
func (a *Agent) RunOn(ctx context.Context, name string, task func(context.Context)) error {
	if name == "" || a.deps.Pools == nil {
		task(ctx)
		return nil
	}
	if err := a.deps.Pools.Get(name).Submit(task); err != nil {
		return fmt.Errorf("run on pool %q: %w", name, err)
	}
	return nil
}

// Destroy stops session and traffic tracking, drains the worker pools, then closes the tracker.
// Deliveries queued before Destroy, including the final session tick, run against an open tracker.
// The agent cannot be initialized again.
// Params: none.
// Returns: joined close errors.
func (a *Agent) Destroy() error {
	a.mu.Lock()
	if a.state == StateDestroyed || a.destroying {
		a.mu.Unlock()
		return nil
	}
	a.destroying = true
	a.mu.Unlock()

	var errs []error
	// The session end tick is still dispatched here.
	a.deps.Sessions.Shutdown()
	if err := a.deps.Traffic.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown traffic: %w", err))
	}

	if a.deps.Pools != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.DrainTimeout)
		if err := a.deps.Pools.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain pools: %w", err))
		}
		cancel()
	}

	a.mu.Lock()
	a.state = StateDestroyed
	a.mu.Unlock()

	if err := a.deps.Tracker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tracker: %w", err))
	}
	a.logger.Info("stat agent destroyed")
	return errors.Join(errs...)
}
