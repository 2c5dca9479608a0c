package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// CheckpointMetricsRepo implements domain.CheckpointMetricsStore over
// post_checkpoint_metrics.
type CheckpointMetricsRepo struct{ Pool PgxPool }

// NewCheckpointMetricsRepo constructs a CheckpointMetricsRepo with the given pool.
func NewCheckpointMetricsRepo(p PgxPool) *CheckpointMetricsRepo { return &CheckpointMetricsRepo{Pool: p} }

// Upsert writes the derived metric row for a (post, checkpoint) pair.
func (r *CheckpointMetricsRepo) Upsert(ctx domain.Context, m domain.CheckpointMetric) error {
	tracer := otel.Tracer("repo.checkpoint_metrics")
	ctx, span := tracer.Start(ctx, "checkpoint_metrics.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "UPSERT"), attribute.String("db.sql.table", "post_checkpoint_metrics"))

	q := `
		INSERT INTO post_checkpoint_metrics (
			feed_id, feeder_id, subscriber_id, handle, post_url, media_type, checkpoint, checkpoint_at,
			stage_label, metric_value, velocity_value, velocity_tag, late_bloomer, velocity_percentile, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (subscriber_id, handle, post_url, checkpoint)
		DO UPDATE SET
			feed_id = EXCLUDED.feed_id,
			feeder_id = EXCLUDED.feeder_id,
			media_type = EXCLUDED.media_type,
			checkpoint_at = NOW(),
			stage_label = EXCLUDED.stage_label,
			metric_value = EXCLUDED.metric_value,
			velocity_value = EXCLUDED.velocity_value,
			velocity_tag = EXCLUDED.velocity_tag,
			late_bloomer = EXCLUDED.late_bloomer,
			velocity_percentile = EXCLUDED.velocity_percentile`
	_, err := r.Pool.Exec(ctx, q,
		m.FeedID, m.FeederID, m.SubscriberID, m.Handle, m.PostURL, m.MediaType, m.Checkpoint,
		m.StageLabel, m.MetricValue, m.VelocityValue, string(m.VelocityTag), m.LateBloomer, m.VelocityPercentile)
	if err != nil {
		return fmt.Errorf("op=checkpoint_metrics.upsert: %w", err)
	}
	return nil
}

// Get loads the stored metric row for a (post, checkpoint) pair.
func (r *CheckpointMetricsRepo) Get(ctx domain.Context, subscriberID int64, handle, postURL string, c domain.Checkpoint) (*domain.CheckpointMetric, error) {
	tracer := otel.Tracer("repo.checkpoint_metrics")
	ctx, span := tracer.Start(ctx, "checkpoint_metrics.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_checkpoint_metrics"))

	q := `
		SELECT feed_id, feeder_id, media_type, checkpoint_at, stage_label, metric_value, velocity_value,
		       velocity_tag, late_bloomer, velocity_percentile
		FROM post_checkpoint_metrics
		WHERE subscriber_id=$1 AND handle=$2 AND post_url=$3 AND checkpoint=$4`
	row := r.Pool.QueryRow(ctx, q, subscriberID, handle, postURL, c)
	m := domain.CheckpointMetric{SubscriberID: subscriberID, Handle: handle, PostURL: postURL, Checkpoint: c}
	var tag string
	if err := row.Scan(&m.FeedID, &m.FeederID, &m.MediaType, &m.CheckpointAt, &m.StageLabel, &m.MetricValue, &m.VelocityValue, &tag, &m.LateBloomer, &m.VelocityPercentile); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=checkpoint_metrics.get: %w", err)
	}
	m.VelocityTag = domain.VelocityTag(tag)
	return &m, nil
}

// SignalsRepo implements domain.SignalStore over post_signals,
// last-write-wins via ON CONFLICT DO UPDATE.
type SignalsRepo struct{ Pool PgxPool }

// NewSignalsRepo constructs a SignalsRepo with the given pool.
func NewSignalsRepo(p PgxPool) *SignalsRepo { return &SignalsRepo{Pool: p} }

// Upsert writes the current user-visible classification for a post.
func (r *SignalsRepo) Upsert(ctx domain.Context, s domain.PostSignal) error {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "UPSERT"), attribute.String("db.sql.table", "post_signals"))

	q := `
		INSERT INTO post_signals (
			subscriber_id, handle, post_url, velocity_tag, late_bloomer, velocity_stage,
			velocity_percentile, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (subscriber_id, handle, post_url)
		DO UPDATE SET
			velocity_tag = EXCLUDED.velocity_tag,
			late_bloomer = EXCLUDED.late_bloomer,
			velocity_stage = EXCLUDED.velocity_stage,
			velocity_percentile = EXCLUDED.velocity_percentile,
			updated_at = NOW()`
	_, err := r.Pool.Exec(ctx, q, s.SubscriberID, s.Handle, s.PostURL, string(s.VelocityTag), s.LateBloomer, s.VelocityStage, s.VelocityPercentile)
	if err != nil {
		return fmt.Errorf("op=signals.upsert: %w", err)
	}
	return nil
}

// Get loads the stored classification for a post.
func (r *SignalsRepo) Get(ctx domain.Context, subscriberID int64, handle, postURL string) (*domain.PostSignal, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_signals"))

	q := `
		SELECT velocity_tag, late_bloomer, velocity_stage, velocity_percentile, updated_at
		FROM post_signals
		WHERE subscriber_id=$1 AND handle=$2 AND post_url=$3`
	row := r.Pool.QueryRow(ctx, q, subscriberID, handle, postURL)
	s := domain.PostSignal{SubscriberID: subscriberID, Handle: handle, PostURL: postURL}
	var tag string
	if err := row.Scan(&tag, &s.LateBloomer, &s.VelocityStage, &s.VelocityPercentile, &s.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=signals.get: %w", err)
	}
	s.VelocityTag = domain.VelocityTag(tag)
	return &s, nil
}

// HotPost is a joined post_signals/posts_core row for the embeddings and
// repair_velocity CLI modes, which both need caption text and the post's
// current tag without going through the narrow SignalStore/PostRepository
// ports one row at a time.
type HotPost struct {
	SubscriberID int64
	FeederID     *int64
	Handle       string
	PostURL      string
	MediaType    string
	Caption      string
	VelocityTag  domain.VelocityTag
	LateBloomer  bool
}

// HotSignals lists posts currently tagged 🔥 or 🚀, optionally scoped to one
// subscriber, for embedding generation.
func (r *SignalsRepo) HotSignals(ctx domain.Context, subscriberID *int64, limit int) ([]HotPost, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.HotSignals")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_signals"))

	q := `
		SELECT s.subscriber_id, c.feeder_id, s.handle, s.post_url, c.media_type, c.caption, s.velocity_tag, s.late_bloomer
		FROM post_signals s
		JOIN posts_core c ON c.subscriber_id = s.subscriber_id AND c.handle = s.handle AND c.post_url = s.post_url
		WHERE s.velocity_tag IN ('🔥', '🚀')
		  AND ($1::bigint IS NULL OR s.subscriber_id = $1)
		ORDER BY s.updated_at DESC
		LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, subscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=signals.hot_signals: %w", err)
	}
	defer rows.Close()

	var out []HotPost
	for rows.Next() {
		var p HotPost
		var tag string
		if err := rows.Scan(&p.SubscriberID, &p.FeederID, &p.Handle, &p.PostURL, &p.MediaType, &p.Caption, &tag, &p.LateBloomer); err != nil {
			return nil, fmt.Errorf("op=signals.hot_signals.scan: %w", err)
		}
		p.VelocityTag = domain.VelocityTag(tag)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=signals.hot_signals.rows: %w", err)
	}
	return out, nil
}

// AllSignalsForRepair lists every post_signals row for repair_velocity, which
// re-derives stage labels/tags from scratch and reprojects them.
func (r *SignalsRepo) AllSignalsForRepair(ctx domain.Context, subscriberID *int64) ([]domain.PostSignal, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.AllSignalsForRepair")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_signals"))

	q := `
		SELECT subscriber_id, handle, post_url, velocity_tag, late_bloomer, velocity_stage, velocity_percentile, updated_at
		FROM post_signals
		WHERE $1::bigint IS NULL OR subscriber_id = $1`
	rows, err := r.Pool.Query(ctx, q, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("op=signals.all_for_repair: %w", err)
	}
	defer rows.Close()

	var out []domain.PostSignal
	for rows.Next() {
		var s domain.PostSignal
		var tag string
		if err := rows.Scan(&s.SubscriberID, &s.Handle, &s.PostURL, &tag, &s.LateBloomer, &s.VelocityStage, &s.VelocityPercentile, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=signals.all_for_repair.scan: %w", err)
		}
		s.VelocityTag = domain.VelocityTag(tag)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=signals.all_for_repair.rows: %w", err)
	}
	return out, nil
}
