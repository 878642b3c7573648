package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"

	"statagent/internal/kv"
)

const spoolPrefix = "spool:"

var errSpoolFull = errors.New("spool limits reached; rejecting new payload")

// Spool persists undelivered payloads for one collector in the key-value store.
// Keys sort in enqueue order: spool:<collector>:<unix nanos>:<sequence>.
type Spool struct {
	mu sync.Mutex

	store     kv.Store
	prefix    string
	maxEvents uint64
	maxAge    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	pending uint64
	seq     uint64
}

// OpenSpool restores the pending count of an existing spool.
// Params: ctx store context; store backing kv store; collector spool owner; maxEvents/maxAge limits (0 disables).
// Returns: spool or store scan error.
func OpenSpool(
	ctx context.Context,
	store kv.Store,
	collector string,
	maxEvents uint64,
	maxAge time.Duration,
	logger *slog.Logger,
) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spool := &Spool{
		store:     store,
		prefix:    spoolPrefix + collector + ":",
		maxEvents: maxEvents,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
	}

	entries, err := store.Scan(ctx, spool.prefix)
	if err != nil {
		return nil, fmt.Errorf("scan spool %s: %w", collector, err)
	}
	spool.pending = uint64(len(entries))
	return spool, nil
}

// Enqueue appends one payload if the event limit allows.
// Params: ctx store context; payload undelivered event.
// Returns: nil, errSpoolFull, or encode/store error.
func (s *Spool) Enqueue(ctx context.Context, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxEvents > 0 && s.pending >= s.maxEvents {
		return errSpoolFull
	}

	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode spool entry: %w", err)
	}

	s.seq++
	key := fmt.Sprintf("%s%020d:%010d", s.prefix, s.now().UnixNano(), s.seq)
	if err := s.store.SaveString(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("save spool entry: %w", err)
	}
	s.pending++
	return nil
}

// Pending returns the number of stored payloads.
func (s *Spool) Pending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Drain redelivers stored payloads oldest first and stops at the first failure.
// Entries older than maxAge and undecodable entries are discarded.
// Params: ctx lifecycle context; deliver send function.
// Returns: delivered count and the delivery error that stopped the drain.
func (s *Spool) Drain(ctx context.Context, deliver func(context.Context, Payload) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.store.Scan(ctx, s.prefix)
	if err != nil {
		return 0, fmt.Errorf("scan spool: %w", err)
	}
	keys := lo.Keys(entries)
	sort.Strings(keys)

	delivered := 0
	now := s.now()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		var payload Payload
		if err := msgpack.Unmarshal([]byte(entries[key]), &payload); err != nil {
			s.logger.Warn("discard corrupt spool entry", slog.String("key", key), slog.String("error", err.Error()))
			s.remove(ctx, key)
			continue
		}
		if s.maxAge > 0 && now.Sub(payload.Created) >= s.maxAge {
			s.logger.Warn("discard expired spool entry", slog.String("key", key), slog.String("url", payload.URL))
			s.remove(ctx, key)
			continue
		}

		if err := deliver(ctx, payload); err != nil {
			return delivered, err
		}
		s.remove(ctx, key)
		delivered++
	}
	return delivered, nil
}

// remove deletes one entry and keeps the pending count in step.
func (s *Spool) remove(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn("delete spool entry failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if s.pending > 0 {
		s.pending--
	}
}
