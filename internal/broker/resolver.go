package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ordersync/internal/domain"
	"ordersync/internal/util"
)

// CachedResolver memoises instrument lookups and retries transient lookup
// failures. Not-found answers are returned immediately and are not cached.
type CachedResolver struct {
	next     InstrumentResolver
	attempts int
	delay    time.Duration
	log      *slog.Logger

	mu    sync.RWMutex
	cache map[string]domain.Instrument
}

// NewCachedResolver wraps next. attempts below one is treated as one.
func NewCachedResolver(next InstrumentResolver, attempts int, delay time.Duration, log *slog.Logger) *CachedResolver {
	if attempts < 1 {
		attempts = 1
	}
	return &CachedResolver{
		next:     next,
		attempts: attempts,
		delay:    delay,
		log:      log,
		cache:    make(map[string]domain.Instrument),
	}
}

// ResolveInstrument implements InstrumentResolver.
func (r *CachedResolver) ResolveInstrument(ctx context.Context, classCode, symbol string) (domain.Instrument, error) {
	key := domain.DataName(classCode, symbol)

	r.mu.RLock()
	inst, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return inst, nil
	}

	err := util.Retry(ctx, r.attempts, r.delay, func() error {
		var err error
		inst, err = r.next.ResolveInstrument(ctx, classCode, symbol)
		if errors.Is(err, domain.ErrInstrumentNotFound) {
			return util.Permanent(err)
		}
		if err != nil {
			r.log.Warn("instrument lookup failed", "instrument", key, "error", err)
		}
		return err
	})
	if err != nil {
		return domain.Instrument{}, err
	}

	r.mu.Lock()
	r.cache[key] = inst
	r.mu.Unlock()
	return inst, nil
}
