package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/domain"
)

// BackfillLegacyFeedIDs resolves and fills null feed_id/feeder_id columns on
// post_checkpoint_metrics left over from schemas that predate the
// feed/feeder hierarchy. Runs at process boot, before any queue claim; a
// no-op once every row already carries both ids.
func (r *FeedRepo) BackfillLegacyFeedIDs(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.feed")
	ctx, span := tracer.Start(ctx, "feed.BackfillLegacyFeedIDs")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT+UPDATE"), attribute.String("db.sql.table", "post_checkpoint_metrics"))

	rows, err := r.Pool.Query(ctx, `
		SELECT DISTINCT subscriber_id, handle
		FROM post_checkpoint_metrics
		WHERE feed_id IS NULL OR feeder_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("op=feed.backfill.select: %w", err)
	}
	type legacyPair struct {
		subscriberID int64
		handle       string
	}
	var pairs []legacyPair
	for rows.Next() {
		var p legacyPair
		if err := rows.Scan(&p.subscriberID, &p.handle); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=feed.backfill.scan: %w", err)
		}
		pairs = append(pairs, p)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return 0, fmt.Errorf("op=feed.backfill.rows: %w", rowsErr)
	}

	backfilled := 0
	for _, p := range pairs {
		feedID, feederID, err := r.ResolveFeeder(ctx, p.subscriberID, p.handle)
		if err != nil {
			return backfilled, fmt.Errorf("op=feed.backfill.resolve subscriber=%d handle=%s: %w", p.subscriberID, p.handle, err)
		}
		tag, err := r.Pool.Exec(ctx, `
			UPDATE post_checkpoint_metrics
			SET feed_id = $1, feeder_id = $2
			WHERE subscriber_id = $3 AND handle = $4 AND (feed_id IS NULL OR feeder_id IS NULL)`,
			feedID, feederID, p.subscriberID, p.handle)
		if err != nil {
			return backfilled, fmt.Errorf("op=feed.backfill.update subscriber=%d handle=%s: %w", p.subscriberID, p.handle, err)
		}
		backfilled += int(tag.RowsAffected())
	}
	return backfilled, nil
}
