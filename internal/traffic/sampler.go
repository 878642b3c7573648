package traffic

import (
	"context"
	"fmt"
	"sync"

	netio "github.com/shirou/gopsutil/v4/net"

	"statagent/internal/match"
)

// Classes holds interface wildcard lists.
type Classes struct {
	Wifi    []string
	Mobile  []string
	Exclude []string
}

// Sampler converts cumulative per-NIC counters into classified deltas.
type Sampler struct {
	wifi    match.Set
	mobile  match.Set
	exclude match.Set

	readIOCounters func(context.Context, bool) ([]netio.IOCountersStat, error)

	mu     sync.Mutex
	primed bool
	prev   map[string]netio.IOCountersStat
}

// NewSampler creates a sampler reading host interface counters.
// Params: classes wildcard lists for wifi, mobile and excluded NICs.
// Returns: sampler.
func NewSampler(classes Classes) *Sampler {
	return &Sampler{
		wifi:           match.CompileSet(classes.Wifi),
		mobile:         match.CompileSet(classes.Mobile),
		exclude:        match.CompileSet(classes.Exclude),
		readIOCounters: netio.IOCountersWithContext,
	}
}

// Sample returns bytes moved since the previous call.
// The first call only primes the baseline and returns a zero delta.
// Params: ctx for cancellation.
// Returns: delta or counter read error.
func (s *Sampler) Sample(ctx context.Context) (Delta, error) {
	stats, err := s.readIOCounters(ctx, true)
	if err != nil {
		return Delta{}, fmt.Errorf("read net counters: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var delta Delta
	current := make(map[string]netio.IOCountersStat, len(stats))
	for _, stat := range stats {
		if s.exclude.Any(stat.Name) {
			continue
		}
		current[stat.Name] = stat

		prev, ok := s.prev[stat.Name]
		if !s.primed || !ok {
			continue
		}
		rx := positiveDelta(stat.BytesRecv, prev.BytesRecv)
		tx := positiveDelta(stat.BytesSent, prev.BytesSent)

		delta.TotalRx += rx
		delta.TotalTx += tx
		switch {
		case s.wifi.Any(stat.Name):
			delta.WifiRx += rx
			delta.WifiTx += tx
		case s.mobile.Any(stat.Name):
			delta.MobileRx += rx
			delta.MobileTx += tx
		}
	}

	s.prev = current
	s.primed = true
	return delta, nil
}

// positiveDelta returns current-previous, or zero after a counter reset.
func positiveDelta(current, previous uint64) uint64 {
	if current < previous {
		return 0
	}
	return current - previous
}
