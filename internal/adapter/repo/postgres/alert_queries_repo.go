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

// AlertQueriesRepo holds the analytical, per-alert-rule SQL the alert engine
// usecase composes into candidates. These queries fall outside
// domain.AlertCandidateStore's narrow port; like AggregatesRepo's raw read
// helpers, they're called against the concrete type. The checkpoint set is
// d1/d3/d7/d21 with no posting-time stage, so momentum_drop compares d1 to
// d3 and personal_record and format_win use d1 as the earliest-observed
// baseline.
type AlertQueriesRepo struct{ Pool PgxPool }

// NewAlertQueriesRepo constructs an AlertQueriesRepo with the given pool.
func NewAlertQueriesRepo(p PgxPool) *AlertQueriesRepo { return &AlertQueriesRepo{Pool: p} }

// VelocitySpikeRow is one post currently at or above its media-type/checkpoint
// 80th-percentile velocity, or independently tagged at <=20th percentile.
type VelocitySpikeRow struct {
	FeederID   *int64
	Handle     string
	PostURL    string
	Tag        string
	Stage      string
	Percentile string
	Velocity   float64
	At         time.Time
}

// VelocitySpikeCandidates finds posts hot relative to their own cohort
// threshold since hotSince.
func (r *AlertQueriesRepo) VelocitySpikeCandidates(ctx domain.Context, feedID int64, hotSince time.Time, limit int) ([]VelocitySpikeRow, error) {
	tracer := otel.Tracer("repo.alert_queries")
	ctx, span := tracer.Start(ctx, "alert_queries.VelocitySpikeCandidates")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_checkpoint_metrics"))

	q := `
		WITH thresholds AS (
		  SELECT COALESCE(pcm.media_type, core.media_type, 'Unknown') AS media_type,
		         pcm.checkpoint,
		         percentile_cont(0.80) WITHIN GROUP (ORDER BY pcm.velocity_value) AS p80
		  FROM post_checkpoint_metrics pcm
		  LEFT JOIN posts_core core
		    ON core.subscriber_id = pcm.subscriber_id AND core.handle = pcm.handle AND core.post_url = pcm.post_url
		  WHERE pcm.feed_id=$1
		    AND pcm.checkpoint_at >= NOW() - INTERVAL '30 days'
		    AND pcm.velocity_value IS NOT NULL
		  GROUP BY COALESCE(pcm.media_type, core.media_type, 'Unknown'), pcm.checkpoint
		),
		latest AS (
		  SELECT DISTINCT ON (pcm.feeder_id, pcm.post_url)
		    pcm.feeder_id, pcm.handle, pcm.post_url, pcm.checkpoint, pcm.checkpoint_at,
		    COALESCE(pcm.media_type, core.media_type, 'Unknown') AS media_type,
		    pcm.velocity_value,
		    COALESCE(ps.velocity_tag, pcm.velocity_tag) AS velocity_tag,
		    COALESCE(ps.velocity_stage, UPPER(pcm.checkpoint)) AS velocity_stage,
		    COALESCE(ps.velocity_percentile, pcm.velocity_percentile) AS velocity_percentile
		  FROM post_checkpoint_metrics pcm
		  LEFT JOIN posts_core core
		    ON core.subscriber_id = pcm.subscriber_id AND core.handle = pcm.handle AND core.post_url = pcm.post_url
		  LEFT JOIN post_signals ps
		    ON ps.subscriber_id = pcm.subscriber_id AND ps.handle = pcm.handle AND ps.post_url = pcm.post_url
		  WHERE pcm.feed_id=$1
		    AND pcm.checkpoint_at > $2
		    AND pcm.velocity_value IS NOT NULL
		  ORDER BY pcm.feeder_id, pcm.post_url, pcm.checkpoint_at DESC
		)
		SELECT l.feeder_id, l.handle, l.post_url, l.velocity_tag, l.velocity_stage, l.velocity_percentile, l.velocity_value, l.checkpoint_at
		FROM latest l
		LEFT JOIN thresholds t ON t.media_type = l.media_type AND t.checkpoint = l.checkpoint
		WHERE (t.p80 IS NOT NULL AND l.velocity_value >= t.p80)
		   OR (l.velocity_percentile ~ '^[0-9]{1,3}%$' AND regexp_replace(l.velocity_percentile, '[^0-9]', '', 'g')::INT <= 20)
		ORDER BY l.checkpoint_at DESC, l.velocity_value DESC
		LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, feedID, hotSince, limit)
	if err != nil {
		return nil, fmt.Errorf("op=alert_queries.velocity_spike: %w", err)
	}
	defer rows.Close()
	var out []VelocitySpikeRow
	for rows.Next() {
		var row VelocitySpikeRow
		if err := rows.Scan(&row.FeederID, &row.Handle, &row.PostURL, &row.Tag, &row.Stage, &row.Percentile, &row.Velocity, &row.At); err != nil {
			return nil, fmt.Errorf("op=alert_queries.velocity_spike.scan: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MomentumDropRow pairs a post's d1 and d3 velocity values.
type MomentumDropRow struct {
	FeederID *int64
	Handle   string
	PostURL  string
	V1, V3   float64
}

// MomentumDrop finds posts whose d3 velocity fell to 60% or less of their d1
// velocity between its d1 and d3 observations.
func (r *AlertQueriesRepo) MomentumDrop(ctx domain.Context, feedID int64, limit int) ([]MomentumDropRow, error) {
	tracer := otel.Tracer("repo.alert_queries")
	ctx, span := tracer.Start(ctx, "alert_queries.MomentumDrop")
	defer span.End()

	q := `
		WITH d1 AS (
		  SELECT feeder_id, handle, post_url, velocity_value AS v1
		  FROM post_checkpoint_metrics WHERE feed_id=$1 AND checkpoint='d1'
		),
		d3 AS (
		  SELECT feeder_id, post_url, velocity_value AS v3
		  FROM post_checkpoint_metrics WHERE feed_id=$1 AND checkpoint='d3'
		)
		SELECT d1.feeder_id, d1.handle, d1.post_url, d1.v1, d3.v3
		FROM d1 JOIN d3 ON d1.feeder_id IS NOT DISTINCT FROM d3.feeder_id AND d1.post_url = d3.post_url
		WHERE d1.v1 > 0 AND d3.v3 > 0 AND d3.v3 <= d1.v1 * 0.6
		ORDER BY (d1.v1 - d3.v3) DESC
		LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=alert_queries.momentum_drop: %w", err)
	}
	defer rows.Close()
	var out []MomentumDropRow
	for rows.Next() {
		var row MomentumDropRow
		if err := rows.Scan(&row.FeederID, &row.Handle, &row.PostURL, &row.V1, &row.V3); err != nil {
			return nil, fmt.Errorf("op=alert_queries.momentum_drop.scan: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PersonalRecordRow is a feeder's single highest d1 metric value in the window.
type PersonalRecordRow struct {
	FeederID    *int64
	Handle      string
	PostURL     string
	MetricValue float64
}

// PersonalRecord finds the highest d1 metric_value per feeder in the last 30
// days, measured at d1, the earliest observed checkpoint.
func (r *AlertQueriesRepo) PersonalRecord(ctx domain.Context, feedID int64) (*PersonalRecordRow, error) {
	tracer := otel.Tracer("repo.alert_queries")
	ctx, span := tracer.Start(ctx, "alert_queries.PersonalRecord")
	defer span.End()

	q := `
		WITH recent_window AS (
		  SELECT feeder_id, handle, post_url, metric_value,
		         ROW_NUMBER() OVER (PARTITION BY feeder_id ORDER BY metric_value DESC) AS rk
		  FROM post_checkpoint_metrics
		  WHERE feed_id=$1 AND checkpoint='d1'
		    AND checkpoint_at >= NOW() - INTERVAL '30 days'
		    AND metric_value IS NOT NULL
		)
		SELECT feeder_id, handle, post_url, metric_value
		FROM recent_window WHERE rk=1
		ORDER BY metric_value DESC
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, feedID)
	var out PersonalRecordRow
	if err := row.Scan(&out.FeederID, &out.Handle, &out.PostURL, &out.MetricValue); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=alert_queries.personal_record: %w", err)
	}
	return &out, nil
}

// FormatWinRow is the (feeder, media_type) group with the highest average
// velocity over the lookback window.
type FormatWinRow struct {
	FeederID    *int64
	Handle      string
	MediaType   string
	AvgVelocity float64
	SampleSize  int
}

// FormatWin finds the (feeder, media_type) group with the highest average
// velocity across the early d1/d3 checkpoints in the last 14 days, requiring
// at least 3 samples. Week-old d7 observations are excluded; this is an
// early-format signal.
func (r *AlertQueriesRepo) FormatWin(ctx domain.Context, feedID int64) (*FormatWinRow, error) {
	tracer := otel.Tracer("repo.alert_queries")
	ctx, span := tracer.Start(ctx, "alert_queries.FormatWin")
	defer span.End()

	q := `
		SELECT pcm.feeder_id, pcm.handle, COALESCE(core.media_type, 'Unknown') AS media_type,
		       AVG(pcm.velocity_value) AS avg_velocity, COUNT(*) AS n
		FROM post_checkpoint_metrics pcm
		LEFT JOIN posts_core core
		  ON core.subscriber_id = pcm.subscriber_id AND core.handle = pcm.handle AND core.post_url = pcm.post_url
		WHERE pcm.feed_id=$1
		  AND pcm.checkpoint IN ('d1','d3')
		  AND pcm.checkpoint_at >= NOW() - INTERVAL '14 days'
		  AND pcm.velocity_value IS NOT NULL
		GROUP BY pcm.feeder_id, pcm.handle, COALESCE(core.media_type, 'Unknown')
		HAVING COUNT(*) >= 3
		ORDER BY avg_velocity DESC
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, feedID)
	var out FormatWinRow
	if err := row.Scan(&out.FeederID, &out.Handle, &out.MediaType, &out.AvgVelocity, &out.SampleSize); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=alert_queries.format_win: %w", err)
	}
	return &out, nil
}

// TimingGap finds the day of week with the fewest posts in the last 28 days.
func (r *AlertQueriesRepo) TimingGap(ctx domain.Context, subscriberID int64) (dayOfWeek int, count int, found bool, err error) {
	tracer := otel.Tracer("repo.alert_queries")
	ctx, span := tracer.Start(ctx, "alert_queries.TimingGap")
	defer span.End()

	q := `
		SELECT EXTRACT(DOW FROM posted_at)::INT AS dow, COUNT(*) AS n
		FROM posts_core
		WHERE subscriber_id=$1 AND posted_at >= NOW() - INTERVAL '28 days'
		GROUP BY EXTRACT(DOW FROM posted_at)
		ORDER BY n ASC
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, subscriberID)
	if err := row.Scan(&dayOfWeek, &count); err != nil {
		if err == pgx.ErrNoRows {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("op=alert_queries.timing_gap: %w", err)
	}
	return dayOfWeek, count, true, nil
}

// BreakoutRow is the single highest-velocity post observed since a watermark.
type BreakoutRow struct {
	FeederID   *int64
	Handle     string
	PostURL    string
	Percentile string
	Velocity   float64
}

// BreakoutPost finds the single highest-velocity post observed since since.
func (r *AlertQueriesRepo) BreakoutPost(ctx domain.Context, feedID int64, since time.Time) (*BreakoutRow, error) {
	tracer := otel.Tracer("repo.alert_queries")
	ctx, span := tracer.Start(ctx, "alert_queries.BreakoutPost")
	defer span.End()

	q := `
		SELECT pcm.feeder_id, pcm.handle, pcm.post_url,
		       COALESCE(ps.velocity_percentile, pcm.velocity_percentile) AS velocity_percentile,
		       pcm.velocity_value
		FROM post_checkpoint_metrics pcm
		LEFT JOIN post_signals ps
		  ON ps.subscriber_id = pcm.subscriber_id AND ps.handle = pcm.handle AND ps.post_url = pcm.post_url
		WHERE pcm.feed_id=$1 AND pcm.checkpoint_at > $2 AND pcm.velocity_value IS NOT NULL
		ORDER BY pcm.velocity_value DESC, pcm.checkpoint_at DESC
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, feedID, since)
	var out BreakoutRow
	if err := row.Scan(&out.FeederID, &out.Handle, &out.PostURL, &out.Percentile, &out.Velocity); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=alert_queries.breakout_post: %w", err)
	}
	return &out, nil
}

// SectorWaveRow is a media type's hot-rate among recently observed posts.
type SectorWaveRow struct {
	MediaType string
	SampleN   int
	HotRate   float64
}

// SectorWave finds the media type with the highest share of p80-hot posts
// among posts observed in the last 7 days since a watermark, requiring at
// least 5 samples.
func (r *AlertQueriesRepo) SectorWave(ctx domain.Context, feedID int64, since time.Time) (*SectorWaveRow, error) {
	tracer := otel.Tracer("repo.alert_queries")
	ctx, span := tracer.Start(ctx, "alert_queries.SectorWave")
	defer span.End()

	q := `
		WITH thresholds AS (
		  SELECT COALESCE(pcm.media_type, core.media_type, 'Unknown') AS media_type, pcm.checkpoint,
		         percentile_cont(0.80) WITHIN GROUP (ORDER BY pcm.velocity_value) AS p80
		  FROM post_checkpoint_metrics pcm
		  LEFT JOIN posts_core core
		    ON core.subscriber_id = pcm.subscriber_id AND core.handle = pcm.handle AND core.post_url = pcm.post_url
		  WHERE pcm.feed_id=$1 AND pcm.checkpoint_at >= NOW() - INTERVAL '30 days' AND pcm.velocity_value IS NOT NULL
		  GROUP BY COALESCE(pcm.media_type, core.media_type, 'Unknown'), pcm.checkpoint
		),
		recent AS (
		  SELECT DISTINCT ON (pcm.feeder_id, pcm.post_url)
		    COALESCE(pcm.media_type, core.media_type, 'Unknown') AS media_type, pcm.checkpoint, pcm.velocity_value
		  FROM post_checkpoint_metrics pcm
		  LEFT JOIN posts_core core
		    ON core.subscriber_id = pcm.subscriber_id AND core.handle = pcm.handle AND core.post_url = pcm.post_url
		  WHERE pcm.feed_id=$1 AND pcm.checkpoint_at >= NOW() - INTERVAL '7 days'
		    AND pcm.checkpoint_at > $2 AND pcm.velocity_value IS NOT NULL
		  ORDER BY pcm.feeder_id, pcm.post_url, pcm.checkpoint_at DESC
		)
		SELECT r.media_type, COUNT(*) AS n,
		       AVG(CASE WHEN t.p80 IS NOT NULL AND r.velocity_value >= t.p80 THEN 1 ELSE 0 END) AS hot_rate
		FROM recent r
		LEFT JOIN thresholds t ON t.media_type = r.media_type AND t.checkpoint = r.checkpoint
		GROUP BY r.media_type
		HAVING COUNT(*) >= 5
		ORDER BY hot_rate DESC, n DESC
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, feedID, since)
	var out SectorWaveRow
	if err := row.Scan(&out.MediaType, &out.SampleN, &out.HotRate); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=alert_queries.sector_wave: %w", err)
	}
	return &out, nil
}
