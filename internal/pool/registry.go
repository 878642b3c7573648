package pool

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
)

// Registry maps pool names to live pools.
// Lookups and insert-if-absent run inside one critical section per call.
type Registry struct {
	mu          sync.Mutex
	pools       map[string]*Pool
	defaultCore int
	logger      *slog.Logger
	onPanic     PanicHandler
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger handed to every pool.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDefaultCore overrides the core size used by Get.
// Params: core worker count; values below 1 keep the parallelism based default.
// Returns: option.
func WithDefaultCore(core int) Option {
	return func(r *Registry) {
		if core > 0 {
			r.defaultCore = core
		}
	}
}

// WithPanicHandler sets the callback that receives recovered task panics.
func WithPanicHandler(handler PanicHandler) Option {
	return func(r *Registry) {
		r.onPanic = handler
	}
}

// NewRegistry creates an empty registry.
// Params: opts optional settings.
// Returns: registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pools:       make(map[string]*Pool),
		defaultCore: runtime.NumCPU() + 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPanicHandler replaces the panic callback of every pool, including pools built earlier.
func (r *Registry) SetPanicHandler(handler PanicHandler) {
	r.mu.Lock()
	r.onPanic = handler
	r.mu.Unlock()
}

// reportPanic forwards a recovered panic to the handler current at panic time.
func (r *Registry) reportPanic(pool string, recovered any, stack []byte) {
	r.mu.Lock()
	handler := r.onPanic
	r.mu.Unlock()
	if handler != nil {
		handler(pool, recovered, stack)
	}
}

// Get returns the pool for name, creating it with the default size policy.
// A shut down, terminated, or closed pool is replaced.
// Params: name pool key.
// Returns: live pool.
func (r *Registry) Get(name string) *Pool {
	core := r.defaultCore
	return r.obtain(name, core, 2*core-1)
}

// Build returns the pool for name, creating it with an explicit core size when absent or stale.
// A live pool is returned as is, whatever its size.
// Params: name pool key; core worker count.
// Returns: live pool.
func (r *Registry) Build(name string, core int) *Pool {
	if core < 1 {
		core = 1
	}
	return r.obtain(name, core, 2*core+1)
}

// obtain performs insert-if-absent with stale replacement.
// Params: name pool key; core and max worker bounds for a new pool.
// Returns: live pool.
func (r *Registry) obtain(name string, core, max int) *Pool {
	r.mu.Lock()
	current, ok := r.pools[name]
	if ok && !current.stale() {
		r.mu.Unlock()
		return current
	}
	created := newPool(name, core, max, r.logger, r.reportPanic)
	r.pools[name] = created
	r.mu.Unlock()

	if ok {
		current.Close(false)
		r.logger.Debug("pool replaced", slog.String("pool", name), slog.Int("core", core))
	} else {
		r.logger.Debug("pool created", slog.String("pool", name), slog.Int("core", core))
	}
	return created
}

// Clear removes the named entry without shutting the pool down.
// Params: name pool key.
// Returns: none.
func (r *Registry) Clear(name string) {
	r.mu.Lock()
	delete(r.pools, name)
	r.mu.Unlock()
}

// CloseAll gracefully closes every registered pool and empties the registry.
// Params: none.
// Returns: none.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	for _, p := range pools {
		p.Close(false)
	}
}

// Shutdown closes every pool like CloseAll and waits for queued tasks to drain.
// Params: ctx bounds the wait.
// Returns: ctx error when the wait is cut short.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	for _, p := range pools {
		p.Close(false)
	}
	for _, p := range pools {
		if err := p.AwaitTermination(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every entry without shutting pools down.
// Callers that still hold pools from before Reset must close them.
// Params: none.
// Returns: none.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Names returns sorted registered pool names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}
