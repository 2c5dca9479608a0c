package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// pauseUntilKey is the Redis key the cache stores the Apify-health
// pause_until watermark under. Postgres remains authoritative; Redis is a
// read-through cache so that worker loops do not hit the database on every
// claim attempt while the breaker is open.
const pauseUntilKey = "pipeline:apify:pause_until"

// PauseCache is a read-through cache for the scraping-provider circuit
// breaker's pause_until watermark. Redis is optional: when no Redis client is
// configured, Cached and Set work on the in-process copy only.
type PauseCache struct {
	client *redis.Client
	mu     sync.RWMutex
	local  *time.Time
}

// NewPauseCache builds a cache backed by the given Redis client. A nil
// client is valid; the cache then keeps only the in-process copy.
func NewPauseCache(client *redis.Client) *PauseCache {
	return &PauseCache{client: client}
}

// Cached returns the last known pause_until watermark, preferring Redis and
// falling back to an in-process copy if Redis is unreachable or unset. A nil
// return means "no cached pause is known", not "the breaker is closed";
// callers still consult Postgres before trusting a cache miss.
func (p *PauseCache) Cached(ctx context.Context) *time.Time {
	if p.client != nil {
		raw, err := p.client.Get(ctx, pauseUntilKey).Result()
		if err == nil {
			if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				return &t
			}
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.local == nil {
		return nil
	}
	t := *p.local
	return &t
}

// Set updates the cache with a new pause_until watermark, or clears it when
// until is nil (the breaker has closed) or already in the past.
func (p *PauseCache) Set(ctx context.Context, until *time.Time) {
	p.mu.Lock()
	if until != nil && !until.After(time.Now()) {
		p.local = nil
	} else {
		p.local = until
	}
	p.mu.Unlock()

	if p.client == nil {
		return
	}
	if until == nil {
		p.client.Del(ctx, pauseUntilKey)
		return
	}
	ttl := time.Until(*until)
	if ttl <= 0 {
		p.client.Del(ctx, pauseUntilKey)
		return
	}
	p.client.Set(ctx, pauseUntilKey, until.Format(time.RFC3339Nano), ttl)
}

// IsPaused reports whether the cache believes the breaker is currently
// paused, i.e. the cached pause_until is in the future.
func (p *PauseCache) IsPaused(ctx context.Context, now time.Time) bool {
	until := p.Cached(ctx)
	return until != nil && now.Before(*until)
}

// String implements fmt.Stringer for diagnostic logging.
func (p *PauseCache) String() string {
	if p.client == nil {
		return "PauseCache(no-redis)"
	}
	return fmt.Sprintf("PauseCache(%s)", p.client.Options().Addr)
}
