package stat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Holder owns the process agent instance with a once-only init contract.
type Holder struct {
	mu    sync.Mutex
	agent *Agent
}

// InitInstance builds and initializes the agent on the first successful call.
// Later calls return the existing agent without running factory.
// Params: ctx init context; factory constructs the agent.
// Returns: live agent or construction/init error.
func (h *Holder) InitInstance(ctx context.Context, factory func() (*Agent, error)) (*Agent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.agent != nil {
		return h.agent, nil
	}

	agent, err := factory()
	if err != nil {
		return nil, fmt.Errorf("build stat agent: %w", err)
	}
	if err := agent.Init(ctx); err != nil {
		return nil, fmt.Errorf("init stat agent: %w", err)
	}
	h.agent = agent
	return agent, nil
}

// Get returns the initialized agent.
// Returns: ErrUninitialized before InitInstance succeeded.
func (h *Holder) Get() (*Agent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agent == nil {
		return nil, ErrUninitialized
	}
	return h.agent, nil
}

// StartOfDay marks the device and launch dispatch as done for the whole process.
// Share one guard between agents rebuilt on reload so they do not report a second launch.
type StartOfDay struct {
	done atomic.Bool
}

// claim reports whether the caller runs start-of-day work; a nil guard always does.
func (s *StartOfDay) claim() bool {
	return s == nil || s.done.CompareAndSwap(false, true)
}
