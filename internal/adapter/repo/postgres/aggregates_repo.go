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

// WindowSummary is the baseline time-decay-weighted velocity for a
// (feed, checkpoint, lookback) window.
type WindowSummary struct {
	TotalRows     int
	BaseVelocity  float64
	SourceStartAt *time.Time
	SourceEndAt   *time.Time
}

// GroupedMetric is one signal_type/signal_key row's adoption stats within a window.
type GroupedMetric struct {
	SignalKey     string
	SampleSize    int
	AvgVelocity   float64
	SourceStartAt *time.Time
	SourceEndAt   *time.Time
}

// AggregatesRepo implements domain.SignalAggregateStore over
// signal_aggregates, and exposes the raw weighted-summary queries the
// aggregator usecase composes into SignalAggregate rows.
type AggregatesRepo struct{ Pool PgxPool }

// NewAggregatesRepo constructs an AggregatesRepo with the given pool.
func NewAggregatesRepo(p PgxPool) *AggregatesRepo { return &AggregatesRepo{Pool: p} }

const decayWeightedVelocitySQL = `
	COALESCE(
		SUM(velocity_value * (1.0 / (1.0 + GREATEST(0.0, EXTRACT(EPOCH FROM (NOW() - checkpoint_at)) / 86400.0))))
		/
		NULLIF(SUM(1.0 / (1.0 + GREATEST(0.0, EXTRACT(EPOCH FROM (NOW() - checkpoint_at)) / 86400.0))), 0),
		0
	)`

// WindowSummary computes the time-decay-weighted baseline velocity for a
// (feed, checkpoint) window, used as the velocity_delta zero-point.
func (r *AggregatesRepo) WindowSummary(ctx domain.Context, feedID int64, checkpoint string, lookbackDays int) (WindowSummary, error) {
	tracer := otel.Tracer("repo.aggregates")
	ctx, span := tracer.Start(ctx, "aggregates.WindowSummary")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_checkpoint_metrics"))

	q := fmt.Sprintf(`
		SELECT COUNT(*) AS total_rows, %s AS base_velocity, MIN(checkpoint_at), MAX(checkpoint_at)
		FROM post_checkpoint_metrics
		WHERE feed_id=$1 AND checkpoint=$2
		  AND checkpoint_at >= NOW() - ($3 * interval '1 day')
		  AND velocity_value IS NOT NULL`, decayWeightedVelocitySQL)
	row := r.Pool.QueryRow(ctx, q, feedID, checkpoint, lookbackDays)
	var s WindowSummary
	if err := row.Scan(&s.TotalRows, &s.BaseVelocity, &s.SourceStartAt, &s.SourceEndAt); err != nil {
		return WindowSummary{}, fmt.Errorf("op=aggregates.window_summary: %w", err)
	}
	return s, nil
}

// GroupedByMediaType returns adoption stats grouped by media type, joined
// against posts_core for the fallback type when the metric row lacks one.
func (r *AggregatesRepo) GroupedByMediaType(ctx domain.Context, feedID int64, checkpoint string, lookbackDays int) ([]GroupedMetric, error) {
	tracer := otel.Tracer("repo.aggregates")
	ctx, span := tracer.Start(ctx, "aggregates.GroupedByMediaType")
	defer span.End()

	q := fmt.Sprintf(`
		SELECT COALESCE(pc.media_type, core.media_type, 'Unknown') AS signal_key,
		       COUNT(*) AS n, %s AS avg_velocity,
		       MIN(pc.checkpoint_at), MAX(pc.checkpoint_at)
		FROM post_checkpoint_metrics pc
		LEFT JOIN posts_core core
		  ON core.subscriber_id = pc.subscriber_id AND core.handle = pc.handle AND core.post_url = pc.post_url
		WHERE pc.feed_id=$1 AND pc.checkpoint=$2
		  AND pc.checkpoint_at >= NOW() - ($3 * interval '1 day')
		  AND pc.velocity_value IS NOT NULL
		GROUP BY COALESCE(pc.media_type, core.media_type, 'Unknown')
		HAVING COUNT(*) >= 2
		ORDER BY n DESC`, toVelocitySQL("pc.velocity_value", "pc.checkpoint_at"))
	return r.scanGrouped(ctx, q, feedID, checkpoint, lookbackDays)
}

// GroupedByVelocityTag returns adoption stats grouped by velocity tag.
func (r *AggregatesRepo) GroupedByVelocityTag(ctx domain.Context, feedID int64, checkpoint string, lookbackDays int) ([]GroupedMetric, error) {
	tracer := otel.Tracer("repo.aggregates")
	ctx, span := tracer.Start(ctx, "aggregates.GroupedByVelocityTag")
	defer span.End()

	q := fmt.Sprintf(`
		SELECT COALESCE(velocity_tag, 'none') AS signal_key, COUNT(*) AS n, %s AS avg_velocity,
		       MIN(checkpoint_at), MAX(checkpoint_at)
		FROM post_checkpoint_metrics
		WHERE feed_id=$1 AND checkpoint=$2
		  AND checkpoint_at >= NOW() - ($3 * interval '1 day')
		  AND velocity_value IS NOT NULL
		GROUP BY COALESCE(velocity_tag, 'none')
		HAVING COUNT(*) >= 2
		ORDER BY n DESC`, decayWeightedVelocitySQL)
	return r.scanGrouped(ctx, q, feedID, checkpoint, lookbackDays)
}

func toVelocitySQL(valueCol, atCol string) string {
	return fmt.Sprintf(`COALESCE(
		SUM(%s * (1.0 / (1.0 + GREATEST(0.0, EXTRACT(EPOCH FROM (NOW() - %s)) / 86400.0))))
		/
		NULLIF(SUM(1.0 / (1.0 + GREATEST(0.0, EXTRACT(EPOCH FROM (NOW() - %s)) / 86400.0))), 0),
		0
	)`, valueCol, atCol, atCol)
}

func (r *AggregatesRepo) scanGrouped(ctx domain.Context, q string, args ...any) ([]GroupedMetric, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=aggregates.grouped: %w", err)
	}
	defer rows.Close()
	var out []GroupedMetric
	for rows.Next() {
		var g GroupedMetric
		if err := rows.Scan(&g.SignalKey, &g.SampleSize, &g.AvgVelocity, &g.SourceStartAt, &g.SourceEndAt); err != nil {
			return nil, fmt.Errorf("op=aggregates.grouped.scan: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=aggregates.grouped.rows: %w", err)
	}
	return out, nil
}

// Replace wholesale-replaces the signal_aggregates rows for (feed, window).
func (r *AggregatesRepo) Replace(ctx domain.Context, feedID int64, windowKey string, rows []domain.SignalAggregate) error {
	tracer := otel.Tracer("repo.aggregates")
	ctx, span := tracer.Start(ctx, "aggregates.Replace")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "DELETE+INSERT"), attribute.String("db.sql.table", "signal_aggregates"))

	if _, err := r.Pool.Exec(ctx, `DELETE FROM signal_aggregates WHERE feed_id=$1 AND window_key=$2`, feedID, windowKey); err != nil {
		return fmt.Errorf("op=aggregates.replace.delete: %w", err)
	}
	q := `
		INSERT INTO signal_aggregates (
			feed_id, signal_type, signal_key, window_key, adoption_rate, velocity_delta,
			saturation_score, confidence, sample_size, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`
	for _, a := range rows {
		if _, err := r.Pool.Exec(ctx, q, feedID, a.SignalType, a.SignalKey, windowKey, a.AdoptionRate, a.VelocityDelta, a.SaturationScore, a.Confidence, a.SampleSize); err != nil {
			return fmt.Errorf("op=aggregates.replace.insert: %w", err)
		}
	}
	return nil
}

// TopSaturated returns the single highest-saturation aggregate meeting the
// confidence/saturation thresholds, for the sector_fatigue alert rule.
func (r *AggregatesRepo) TopSaturated(ctx domain.Context, feedID int64, windowKey string, minSaturation, minConfidence float64, since time.Time) (*domain.SignalAggregate, error) {
	tracer := otel.Tracer("repo.aggregates")
	ctx, span := tracer.Start(ctx, "aggregates.TopSaturated")
	defer span.End()

	q := `
		SELECT signal_type, signal_key, adoption_rate, velocity_delta, saturation_score, confidence, sample_size, updated_at
		FROM signal_aggregates
		WHERE feed_id=$1 AND window_key=$2
		  AND saturation_score >= $3 AND confidence >= $4
		  AND updated_at >= $5
		ORDER BY saturation_score DESC
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, feedID, windowKey, minSaturation, minConfidence, since)
	var a domain.SignalAggregate
	a.FeedID = feedID
	a.WindowKey = windowKey
	if err := row.Scan(&a.SignalType, &a.SignalKey, &a.AdoptionRate, &a.VelocityDelta, &a.SaturationScore, &a.Confidence, &a.SampleSize, &a.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=aggregates.top_saturated: %w", err)
	}
	return &a, nil
}
