package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"statagent/internal/config"
	"statagent/internal/crash"
	"statagent/internal/device"
	"statagent/internal/ingest"
	"statagent/internal/kv"
	"statagent/internal/pool"
	"statagent/internal/session"
	"statagent/internal/stat"
	"statagent/internal/tracker"
	"statagent/internal/traffic"
)

const (
	shutdownTimeout = 10 * time.Second
	exitCodeClean   = "0"
)

// Engine owns the stat agent and every collaborator built from config.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store    kv.Store
	pools    *pool.Registry
	tracker  *tracker.Multi
	crash    *crash.Reporter
	params   *device.Source
	sessions *session.Tracker
	traffic  stat.TrafficAccumulator
	holder   *stat.Holder
	ingest   *ingest.Server

	startOfDay *stat.StartOfDay
}

// Option configures an Engine.
type Option func(*Engine)

// WithStartOfDay shares a process-wide guard so a rebuilt engine skips device and launch dispatch.
func WithStartOfDay(guard *stat.StartOfDay) Option {
	return func(e *Engine) {
		e.startOfDay = guard
	}
}

type runner interface {
	run(context.Context) error
}

type runnerFunc func(context.Context) error

func (f runnerFunc) run(ctx context.Context) error { return f(ctx) }

// NewFromConfig builds the store, pools, collectors, and agent collaborators.
// The agent itself is initialized by Run.
// Params: ctx build context; cfg validated config; logger root logger; opts optional settings.
// Returns: engine or build error with partially built resources released.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	store, err := kv.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		store:  store,
		holder: &stat.Holder{},
		pools: pool.NewRegistry(
			pool.WithLogger(logger.With(slog.String("component", "pool"))),
			pool.WithDefaultCore(cfg.Pools.DefaultCore),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, named := range cfg.Pools.Named {
		e.pools.Build(named.Name, named.Core)
	}

	if err := e.buildTracker(ctx); err != nil {
		e.release()
		return nil, err
	}

	e.crash = crash.NewReporter(e.tracker, store, logger.With(slog.String("component", "crash")))
	e.pools.SetPanicHandler(e.crash.ReportPanic)

	e.params = device.NewSource(device.Identity{
		AppID:      cfg.App.AppID,
		AppVersion: cfg.App.AppVersion,
		ChannelID:  cfg.App.ChannelID,
		DeviceID:   cfg.App.DeviceID,
		SDKVersion: cfg.App.SDKVersion,
	}, store, logger)

	e.sessions = session.NewTracker(session.Config{
		Heartbeat: cfg.Session.Heartbeat.Duration,
		Timeout:   cfg.Session.Timeout.Duration,
	}, logger)

	e.traffic = disabledTraffic{}
	if cfg.Traffic.Enabled {
		sampler := traffic.NewSampler(traffic.Classes{
			Wifi:    cfg.Traffic.Wifi,
			Mobile:  cfg.Traffic.Mobile,
			Exclude: cfg.Traffic.Exclude,
		})
		e.traffic = traffic.NewAccumulator(store, sampler, traffic.Config{
			Owner:  cfg.App.OwnerID,
			Sample: cfg.Traffic.Sample.Duration,
		}, logger)
	}

	if cfg.Ingest.Enabled {
		handler := ingest.NewHandler(e.resolveAgent, logger.With(slog.String("component", "ingest")))
		server, err := ingest.NewServer(cfg.Ingest.Listen, handler, logger)
		if err != nil {
			e.release()
			return nil, fmt.Errorf("init ingest server: %w", err)
		}
		e.ingest = server
	}

	return e, nil
}

// buildTracker creates one collector per [[collector]] section.
func (e *Engine) buildTracker(ctx context.Context) error {
	collectors := make([]*tracker.Collector, 0, len(e.cfg.Collector))
	for _, collectorCfg := range e.cfg.Collector {
		collectorLogger := e.logger.With(slog.String("collector", collectorCfg.Name))
		transport, err := tracker.NewTransport(collectorCfg, collectorLogger)
		if err != nil {
			for _, built := range collectors {
				_ = built.Close()
			}
			return fmt.Errorf("init collector %s: %w", collectorCfg.Name, err)
		}

		var spool *tracker.Spool
		if e.cfg.Spool.Enabled {
			spool, err = tracker.OpenSpool(ctx, e.store, collectorCfg.Name, e.cfg.Spool.MaxEvents, e.cfg.Spool.MaxAge.Duration, collectorLogger)
			if err != nil {
				_ = transport.Close()
				for _, built := range collectors {
					_ = built.Close()
				}
				return fmt.Errorf("open spool %s: %w", collectorCfg.Name, err)
			}
		}

		collectors = append(collectors, tracker.NewCollector(collectorCfg.Name, transport, e.pools, collectorCfg.Pool, spool, e.logger))
	}
	e.tracker = tracker.NewMulti(collectors...)
	return nil
}

// newAgent wires the collaborators into a stat agent.
func (e *Engine) newAgent() (*stat.Agent, error) {
	return stat.NewAgent(stat.Deps{
		Tracker:  e.tracker,
		Params:   e.params,
		Sessions: e.sessions,
		Traffic:  e.traffic,
		Store:    e.store,
		Crash:    e.crash,
		Pools:    e.pools,
		Logger:   e.logger,
	}, stat.Options{
		ServerURL:  e.cfg.Stat.ServerURL,
		OwnerID:    e.cfg.App.OwnerID,
		Pool:       e.cfg.Stat.Pool,
		Debug:      e.cfg.Stat.Debug,
		StartOfDay: e.startOfDay,
	})
}

// resolveAgent exposes the initialized agent to the ingest API.
func (e *Engine) resolveAgent() (ingest.Agent, error) {
	agent, err := e.holder.Get()
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Agent returns the initialized agent.
// Returns: stat.ErrUninitialized before Run initialized it.
func (e *Engine) Agent() (*stat.Agent, error) {
	return e.holder.Get()
}

// Run initializes the agent, runs background loops until ctx ends, then tears everything down.
// Params: ctx lifecycle context.
// Returns: init error; nil on graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	agent, err := e.holder.InitInstance(ctx, e.newAgent)
	if err != nil {
		e.release()
		return err
	}

	runners := []runner{
		runnerFunc(e.sessions.Run),
		runnerFunc(func(ctx context.Context) error {
			e.tracker.RunRetry(ctx, e.cfg.Spool.Retry.Duration)
			return nil
		}),
	}
	if e.cfg.Traffic.Enabled {
		runners = append(runners, runnerFunc(func(ctx context.Context) error {
			return e.reportTraffic(ctx, agent)
		}))
	}
	if e.ingest != nil {
		runners = append(runners, runnerFunc(e.ingest.Run))
	}

	var wg sync.WaitGroup
	wg.Add(len(runners))
	for _, r := range runners {
		go func(activeRunner runner) {
			defer wg.Done()
			if err := activeRunner.run(ctx); err != nil {
				e.logger.Error("runner stopped with error", slog.String("error", err.Error()))
			}
		}(r)
	}

	<-ctx.Done()
	wg.Wait()
	return e.shutdown(agent)
}

// reportTraffic sends completed days at start and then every send interval.
func (e *Engine) reportTraffic(ctx context.Context, agent *stat.Agent) error {
	send := func() {
		if err := agent.SendTraffic(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("traffic report failed", slog.String("error", err.Error()))
		}
	}
	send()

	ticker := time.NewTicker(e.cfg.Traffic.Send.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send()
		}
	}
}

// shutdown records a clean exit, destroys the agent, drains pools, and closes the store.
func (e *Engine) shutdown(agent *stat.Agent) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := agent.RecordExit(ctx, exitCodeClean); err != nil {
		errs = append(errs, err)
	}
	if err := agent.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy agent: %w", err))
	}
	if err := e.pools.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain pools: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("engine shutdown incomplete", slog.String("error", err.Error()))
	}
	if pending := e.tracker.Pending(); pending > 0 {
		e.logger.Info("undelivered events kept in spool", slog.Uint64("pending", pending))
	}
	return nil
}

// release frees resources when the agent never started.
func (e *Engine) release() {
	if e.ingest != nil {
		_ = e.ingest.Close()
	}
	if e.tracker != nil {
		_ = e.tracker.Close()
	}
	e.pools.CloseAll()
	_ = e.store.Close()
}

// disabledTraffic stands in for the accumulator when traffic tracking is off.
type disabledTraffic struct{}

func (disabledTraffic) Start(context.Context) error { return nil }

func (disabledTraffic) Drain(context.Context, string, string, func([]traffic.Record) error) (int, error) {
	return 0, nil
}

func (disabledTraffic) Shutdown() error { return nil }
