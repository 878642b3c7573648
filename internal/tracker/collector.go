package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync/atomic"
	"time"

	"statagent/internal/config"
	"statagent/internal/pool"
)

// Collector hands payloads to a pool worker for delivery and spools failures.
type Collector struct {
	name      string
	transport Transport
	pools     *pool.Registry
	poolName  string
	spool     *Spool
	logger    *slog.Logger
	now       func() time.Time

	debug  atomic.Bool
	closed atomic.Bool
}

// NewCollector creates a collector over one transport.
// Params: name collector label; transport wire delivery; pools worker registry; poolName delivery pool; spool optional retry storage; logger diagnostics.
// Returns: collector.
func NewCollector(
	name string,
	transport Transport,
	pools *pool.Registry,
	poolName string,
	spool *Spool,
	logger *slog.Logger,
) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		name:      name,
		transport: transport,
		pools:     pools,
		poolName:  poolName,
		spool:     spool,
		logger:    logger.With(slog.String("collector", name)),
		now:       time.Now,
	}
}

// NewTransport builds the transport selected by cfg.Kind.
// Params: cfg validated collector settings; logger diagnostics.
// Returns: transport or error for unknown kinds.
func NewTransport(cfg config.CollectorConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPTransport(&http.Client{Timeout: cfg.Timeout.Duration}, cfg.Encoding, cfg.Gzip)
	case "grpc":
		return NewGRPCTransport(cfg.Addr, cfg.Timeout.Duration, logger), nil
	case "log":
		return NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unsupported collector kind %q", cfg.Kind)
	}
}

// Name returns the collector label.
func (c *Collector) Name() string { return c.name }

// Send schedules one delivery and never blocks on the network.
// Params: ctx caller context (delivery itself runs on the pool context); fields merged event; url collector endpoint.
// Returns: none; failures are logged and spooled.
func (c *Collector) Send(ctx context.Context, fields map[string]string, url string) {
	payload := Payload{URL: url, Fields: maps.Clone(fields), Created: c.now()}
	if c.debug.Load() {
		c.logger.Debug("stat send", slog.String("url", url), slog.Any("fields", payload.Fields))
	}

	if c.closed.Load() {
		c.park(ctx, payload, errors.New("collector closed"))
		return
	}

	err := c.pools.Get(c.poolName).Submit(func(poolCtx context.Context) {
		c.deliver(poolCtx, payload)
	})
	if err != nil {
		c.park(ctx, payload, err)
	}
}

// deliver sends one payload and parks it on failure.
func (c *Collector) deliver(ctx context.Context, payload Payload) {
	if err := c.transport.Deliver(ctx, payload); err != nil {
		c.park(context.WithoutCancel(ctx), payload, err)
		return
	}
	if c.debug.Load() {
		c.logger.Debug("stat delivered", slog.String("url", payload.URL))
	}
}

// park stores an undelivered payload or drops it when no spool is configured.
func (c *Collector) park(ctx context.Context, payload Payload, cause error) {
	if c.spool == nil {
		c.logger.Warn("stat delivery failed; dropped",
			slog.String("url", payload.URL),
			slog.String("error", cause.Error()),
		)
		return
	}
	if err := c.spool.Enqueue(ctx, payload); err != nil {
		c.logger.Warn("stat delivery failed; spool rejected payload",
			slog.String("url", payload.URL),
			slog.String("error", cause.Error()),
			slog.String("spool_error", err.Error()),
		)
		return
	}
	c.logger.Warn("stat delivery failed; spooled",
		slog.String("url", payload.URL),
		slog.String("error", cause.Error()),
	)
}

// Drain redelivers spooled payloads.
// Params: ctx lifecycle context.
// Returns: delivered count and the error that stopped draining.
func (c *Collector) Drain(ctx context.Context) (int, error) {
	if c.spool == nil {
		return 0, nil
	}
	return c.spool.Drain(ctx, c.transport.Deliver)
}

// Pending returns the spooled payload count.
func (c *Collector) Pending() uint64 {
	if c.spool == nil {
		return 0
	}
	return c.spool.Pending()
}

// RunRetry drains the spool every interval until ctx is canceled.
// Params: ctx lifecycle context; interval retry period.
// Returns: none.
func (c *Collector) RunRetry(ctx context.Context, interval time.Duration) {
	if c.spool == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.spool.Pending() == 0 {
				continue
			}
			delivered, err := c.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("spool retry stopped",
					slog.Int("delivered", delivered),
					slog.String("error", err.Error()),
				)
				continue
			}
			if delivered > 0 {
				c.logger.Info("spool retry delivered", slog.Int("delivered", delivered))
			}
		}
	}
}

// SetDebug toggles per-event debug logging.
func (c *Collector) SetDebug(debug bool) { c.debug.Store(debug) }

// Close stops accepting deliveries and closes the transport.
// Returns: transport close error.
func (c *Collector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close collector %s: %w", c.name, err)
	}
	return nil
}
