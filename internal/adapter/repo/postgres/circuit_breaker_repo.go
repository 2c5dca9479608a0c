package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/adapter/observability"
	"github.com/feedpulse/signalpipe/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// CircuitBreakerRepo implements domain.CircuitBreakerStore over the
// singleton apify_health row (id=1), with an optional observability.PauseCache
// read-through layer so worker loops don't hit Postgres on every claim
// attempt while paused.
type CircuitBreakerRepo struct {
	Pool  PgxPool
	Cache *observability.PauseCache
}

// NewCircuitBreakerRepo constructs a CircuitBreakerRepo. cache may be nil.
func NewCircuitBreakerRepo(p PgxPool, cache *observability.PauseCache) *CircuitBreakerRepo {
	return &CircuitBreakerRepo{Pool: p, Cache: cache}
}

// RecordSuccess clears the failure streak and any active pause.
func (r *CircuitBreakerRepo) RecordSuccess(ctx domain.Context) error {
	tracer := otel.Tracer("repo.circuit_breaker")
	ctx, span := tracer.Start(ctx, "circuit_breaker.RecordSuccess")
	defer span.End()

	q := `
		UPDATE apify_health
		SET consecutive_failures = 0, pause_until = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = 1`
	if _, err := r.Pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("op=circuit_breaker.record_success: %w", err)
	}
	if r.Cache != nil {
		r.Cache.Set(ctx, nil)
	}
	observability.RecordCircuitBreakerState("apify", false)
	return nil
}

// RecordFailure increments the failure streak and, once it reaches
// triggerN, opens the breaker for cooldownHours.
func (r *CircuitBreakerRepo) RecordFailure(ctx domain.Context, errMsg string, triggerN int, cooldownHours float64) error {
	tracer := otel.Tracer("repo.circuit_breaker")
	ctx, span := tracer.Start(ctx, "circuit_breaker.RecordFailure")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "UPDATE"), attribute.String("db.sql.table", "apify_health"))

	if triggerN < 1 {
		triggerN = 1
	}
	if cooldownHours < 0 {
		cooldownHours = 0
	}

	incQ := `
		UPDATE apify_health
		SET consecutive_failures = consecutive_failures + 1, last_error = $1, updated_at = NOW()
		WHERE id = 1
		RETURNING consecutive_failures`
	var failures int
	if err := r.Pool.QueryRow(ctx, incQ, truncate(errMsg, 1000)).Scan(&failures); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=circuit_breaker.record_failure: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=circuit_breaker.record_failure: %w", err)
	}

	if failures < triggerN {
		return nil
	}

	pauseQ := `
		UPDATE apify_health
		SET pause_until = NOW() + ($1 * interval '1 hour'), consecutive_failures = 0, updated_at = NOW()
		WHERE id = 1
		RETURNING pause_until`
	var pauseUntil time.Time
	if err := r.Pool.QueryRow(ctx, pauseQ, cooldownHours).Scan(&pauseUntil); err != nil {
		return fmt.Errorf("op=circuit_breaker.record_failure.pause: %w", err)
	}
	if r.Cache != nil {
		r.Cache.Set(ctx, &pauseUntil)
	}
	observability.RecordCircuitBreakerState("apify", true)
	return nil
}

// GetPauseUntil returns the current pause watermark, consulting the cache
// first and falling through to Postgres on a miss.
func (r *CircuitBreakerRepo) GetPauseUntil(ctx domain.Context) (*time.Time, error) {
	tracer := otel.Tracer("repo.circuit_breaker")
	ctx, span := tracer.Start(ctx, "circuit_breaker.GetPauseUntil")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "apify_health"))

	if r.Cache != nil {
		if cached := r.Cache.Cached(ctx); cached != nil {
			return cached, nil
		}
	}

	var pauseUntil *time.Time
	if err := r.Pool.QueryRow(ctx, `SELECT pause_until FROM apify_health WHERE id = 1`).Scan(&pauseUntil); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=circuit_breaker.get_pause_until: %w", err)
	}
	if r.Cache != nil && pauseUntil != nil {
		r.Cache.Set(ctx, pauseUntil)
	}
	return pauseUntil, nil
}
