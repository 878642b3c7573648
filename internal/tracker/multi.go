package tracker

import (
	"context"
	"errors"
	"time"
)

// Multi fans every event out to all configured collectors.
type Multi struct {
	collectors []*Collector
}

// NewMulti groups collectors behind one tracker.
func NewMulti(collectors ...*Collector) *Multi {
	return &Multi{collectors: collectors}
}

// Collectors returns the grouped collectors.
func (m *Multi) Collectors() []*Collector { return m.collectors }

func (m *Multi) Send(ctx context.Context, fields map[string]string, url string) {
	for _, collector := range m.collectors {
		collector.Send(ctx, fields, url)
	}
}

func (m *Multi) SetDebug(debug bool) {
	for _, collector := range m.collectors {
		collector.SetDebug(debug)
	}
}

// RunRetry starts one spool retry loop per collector and waits for all of them.
func (m *Multi) RunRetry(ctx context.Context, interval time.Duration) {
	done := make(chan struct{}, len(m.collectors))
	for _, collector := range m.collectors {
		go func(c *Collector) {
			defer func() { done <- struct{}{} }()
			c.RunRetry(ctx, interval)
		}(collector)
	}
	for range m.collectors {
		<-done
	}
}

// Pending sums spooled payloads across collectors.
func (m *Multi) Pending() uint64 {
	var total uint64
	for _, collector := range m.collectors {
		total += collector.Pending()
	}
	return total
}

// Close closes every collector.
// Returns: joined close errors.
func (m *Multi) Close() error {
	var errs []error
	for _, collector := range m.collectors {
		if err := collector.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
