package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// FeedRepo implements domain.FeedRepository and domain.FeederPairMetricStore
// over subscribers/feeds/feeders/feeder_pair_metrics.
type FeedRepo struct{ Pool PgxPool }

// NewFeedRepo constructs a FeedRepo with the given pool.
func NewFeedRepo(p PgxPool) *FeedRepo { return &FeedRepo{Pool: p} }

// ActiveSubscribers lists every subscriber with active=true, for the
// scheduler's per-tenant sweep.
func (r *FeedRepo) ActiveSubscribers(ctx domain.Context) ([]domain.Subscriber, error) {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.ActiveSubscribers")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "subscribers"))

	rows, err := r.Pool.Query(ctx, `SELECT id, name, spreadsheet_id, active, created_at FROM subscribers WHERE active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=feed.active_subscribers: %w", err)
	}
	defer rows.Close()
	var out []domain.Subscriber
	for rows.Next() {
		var s domain.Subscriber
		if err := rows.Scan(&s.ID, &s.Name, &s.SpreadsheetID, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=feed.active_subscribers.scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=feed.active_subscribers.rows: %w", err)
	}
	return out, nil
}

// FeedsBySubscriber lists the feeds owned by one subscriber.
func (r *FeedRepo) FeedsBySubscriber(ctx domain.Context, subscriberID int64) ([]domain.Feed, error) {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.FeedsBySubscriber")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT id, subscriber_id, mode, created_at FROM feeds WHERE subscriber_id = $1 ORDER BY id`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("op=feed.feeds_by_subscriber: %w", err)
	}
	defer rows.Close()
	var out []domain.Feed
	for rows.Next() {
		var f domain.Feed
		if err := rows.Scan(&f.ID, &f.SubscriberID, &f.Mode, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=feed.feeds_by_subscriber.scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=feed.feeds_by_subscriber.rows: %w", err)
	}
	return out, nil
}

// Feeders lists the handles tracked under one feed, anchor first.
func (r *FeedRepo) Feeders(ctx domain.Context, feedID int64) ([]domain.Feeder, error) {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.Feeders")
	defer span.End()

	q := `
		SELECT id, feed_id, handle, role, status, created_at
		FROM feeders
		WHERE feed_id = $1
		ORDER BY (role = 'anchor') DESC, id ASC`
	rows, err := r.Pool.Query(ctx, q, feedID)
	if err != nil {
		return nil, fmt.Errorf("op=feed.feeders: %w", err)
	}
	defer rows.Close()
	var out []domain.Feeder
	for rows.Next() {
		var f domain.Feeder
		if err := rows.Scan(&f.ID, &f.FeedID, &f.Handle, &f.Role, &f.Status, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=feed.feeders.scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=feed.feeders.rows: %w", err)
	}
	return out, nil
}

// AllFeeds lists every feed, or every feed for one subscriber when
// subscriberID is non-nil; used by the retention sweep and diagnostics.
func (r *FeedRepo) AllFeeds(ctx domain.Context, subscriberID *int64) ([]domain.Feed, error) {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.AllFeeds")
	defer span.End()

	var rows pgx.Rows
	var err error
	if subscriberID != nil {
		rows, err = r.Pool.Query(ctx, `SELECT id, subscriber_id, mode, created_at FROM feeds WHERE subscriber_id = $1 ORDER BY id`, *subscriberID)
	} else {
		rows, err = r.Pool.Query(ctx, `SELECT id, subscriber_id, mode, created_at FROM feeds ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("op=feed.all_feeds: %w", err)
	}
	defer rows.Close()
	var out []domain.Feed
	for rows.Next() {
		var f domain.Feed
		if err := rows.Scan(&f.ID, &f.SubscriberID, &f.Mode, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=feed.all_feeds.scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=feed.all_feeds.rows: %w", err)
	}
	return out, nil
}

// ReconcileFeeders brings feeders in line with the configured handle list:
// missing handles are inserted active, handles no longer present are marked
// inactive rather than deleted, preserving their historical post rows.
func (r *FeedRepo) ReconcileFeeders(ctx domain.Context, feedID int64, handles []string) error {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.ReconcileFeeders")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "UPSERT"), attribute.String("db.sql.table", "feeders"))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=feed.reconcile_feeders.begin: %w", err)
	}
	defer tx.Rollback(ctx)

	wanted := make(map[string]struct{}, len(handles))
	for i, h := range handles {
		wanted[h] = struct{}{}
		role := ""
		if i == 0 {
			role = "anchor"
		}
		q := `
			INSERT INTO feeders (feed_id, handle, role, status, created_at)
			VALUES ($1, $2, $3, 'active', NOW())
			ON CONFLICT (feed_id, handle)
			DO UPDATE SET role = EXCLUDED.role, status = 'active'`
		if _, err := tx.Exec(ctx, q, feedID, h, role); err != nil {
			return fmt.Errorf("op=feed.reconcile_feeders.upsert: %w", err)
		}
	}

	rows, err := tx.Query(ctx, `SELECT handle FROM feeders WHERE feed_id = $1 AND status = 'active'`, feedID)
	if err != nil {
		return fmt.Errorf("op=feed.reconcile_feeders.list: %w", err)
	}
	var stale []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return fmt.Errorf("op=feed.reconcile_feeders.list.scan: %w", err)
		}
		if _, ok := wanted[h]; !ok {
			stale = append(stale, h)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("op=feed.reconcile_feeders.list.rows: %w", err)
	}
	rows.Close()

	for _, h := range stale {
		if _, err := tx.Exec(ctx, `UPDATE feeders SET status = 'inactive' WHERE feed_id = $1 AND handle = $2`, feedID, h); err != nil {
			return fmt.Errorf("op=feed.reconcile_feeders.remove: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=feed.reconcile_feeders.commit: %w", err)
	}
	return nil
}

// ResolveFeeder resolves the feed owning (subscriberID, handle) and, when a
// matching feeders row exists, its feeder id. A handle with no feeders row
// (legacy data predating the feeders table) still resolves a feed id through
// the subscriber's single feed.
func (r *FeedRepo) ResolveFeeder(ctx domain.Context, subscriberID int64, handle string) (int64, *int64, error) {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.ResolveFeeder")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "feeders"))

	q := `
		SELECT f.feed_id, f.id
		FROM feeders f
		JOIN feeds d ON d.id = f.feed_id
		WHERE d.subscriber_id = $1 AND f.handle = $2
		ORDER BY (f.status = 'active') DESC, f.id ASC
		LIMIT 1`
	var feedID int64
	var feederID int64
	err := r.Pool.QueryRow(ctx, q, subscriberID, handle).Scan(&feedID, &feederID)
	if err == nil {
		return feedID, &feederID, nil
	}
	if err != pgx.ErrNoRows {
		return 0, nil, fmt.Errorf("op=feed.resolve_feeder: %w", err)
	}

	fallbackQ := `SELECT id FROM feeds WHERE subscriber_id = $1 ORDER BY id LIMIT 1`
	if err := r.Pool.QueryRow(ctx, fallbackQ, subscriberID).Scan(&feedID); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil, fmt.Errorf("op=feed.resolve_feeder: %w", domain.ErrNotFound)
		}
		return 0, nil, fmt.Errorf("op=feed.resolve_feeder.fallback: %w", err)
	}
	return feedID, nil, nil
}

// TopByRelationScore returns the strongest non-anchor feeder relations for
// the rival_pulling_ahead / feeder_surge alert rules.
func (r *FeedRepo) TopByRelationScore(ctx domain.Context, feedID int64, windowDays int, since time.Time, limit int) ([]domain.FeederPairMetric, error) {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.TopByRelationScore")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "feeder_pair_metrics"))

	q := `
		SELECT feed_id, feeder_id, window_days, velocity_delta, perf_delta, relation_score, sample_size, computed_at
		FROM feeder_pair_metrics
		WHERE feed_id = $1 AND window_days = $2 AND computed_at >= $3
		ORDER BY relation_score DESC
		LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, feedID, windowDays, since, limit)
	if err != nil {
		return nil, fmt.Errorf("op=feed.top_by_relation_score: %w", err)
	}
	defer rows.Close()
	var out []domain.FeederPairMetric
	for rows.Next() {
		var m domain.FeederPairMetric
		if err := rows.Scan(&m.FeedID, &m.FeederID, &m.WindowDays, &m.VelocityDelta, &m.PerfDelta, &m.RelationScore, &m.SampleSize, &m.ComputedAt); err != nil {
			return nil, fmt.Errorf("op=feed.top_by_relation_score.scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=feed.top_by_relation_score.rows: %w", err)
	}
	return out, nil
}
