package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// PostsRepo implements domain.PostRepository over posts_core and
// post_snapshots.
type PostsRepo struct{ Pool PgxPool }

// NewPostsRepo constructs a PostsRepo with the given pool.
func NewPostsRepo(p PgxPool) *PostsRepo { return &PostsRepo{Pool: p} }

// UpsertCore writes the immutable provenance row, refreshing mutable
// display fields on every re-scan. posted_at is preserved once set.
func (r *PostsRepo) UpsertCore(ctx domain.Context, p domain.PostCore) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.UpsertCore")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "posts_core"))

	q := `
		INSERT INTO posts_core (
			subscriber_id, handle, post_url, media_type, duration_seconds, posted_at,
			caption, tags, mentions, media_urls, last_scanned_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW(), NOW())
		ON CONFLICT (subscriber_id, handle, post_url)
		DO UPDATE SET
			media_type = EXCLUDED.media_type,
			duration_seconds = EXCLUDED.duration_seconds,
			posted_at = COALESCE(posts_core.posted_at, EXCLUDED.posted_at),
			caption = EXCLUDED.caption,
			tags = EXCLUDED.tags,
			mentions = EXCLUDED.mentions,
			media_urls = EXCLUDED.media_urls,
			last_scanned_at = NOW(),
			updated_at = NOW()`
	_, err := r.Pool.Exec(ctx, q, p.SubscriberID, p.Handle, p.PostURL, p.MediaType, p.DurationSec, p.PostedAt, p.Caption, p.Tags, p.Mentions, p.MediaURLs)
	if err != nil {
		return fmt.Errorf("op=posts.upsert_core: %w", err)
	}
	return nil
}

// GetSnapshot returns the stored checkpoint triples for a post.
func (r *PostsRepo) GetSnapshot(ctx domain.Context, subscriberID int64, handle, postURL string) (domain.PostSnapshot, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.GetSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_snapshots"))

	q := `
		SELECT media_type,
		       d1_at, d1_views, d1_likes, d1_comments,
		       d3_at, d3_views, d3_likes, d3_comments,
		       d7_at, d7_views, d7_likes, d7_comments,
		       d21_at, d21_views, d21_likes, d21_comments
		FROM post_snapshots
		WHERE subscriber_id=$1 AND handle=$2 AND post_url=$3`
	row := r.Pool.QueryRow(ctx, q, subscriberID, handle, postURL)
	s := domain.PostSnapshot{SubscriberID: subscriberID, Handle: handle, PostURL: postURL}
	var mediaType *string
	var d1At, d3At, d7At, d21At *time.Time
	err := row.Scan(
		&mediaType,
		&d1At, &s.D1.Views, &s.D1.Likes, &s.D1.Comments,
		&d3At, &s.D3.Views, &s.D3.Likes, &s.D3.Comments,
		&d7At, &s.D7.Views, &s.D7.Likes, &s.D7.Comments,
		&d21At, &s.D21.Views, &s.D21.Likes, &s.D21.Comments,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PostSnapshot{}, fmt.Errorf("op=posts.get_snapshot: %w", domain.ErrNotFound)
		}
		return domain.PostSnapshot{}, fmt.Errorf("op=posts.get_snapshot: %w", err)
	}
	if mediaType != nil {
		s.MediaType = *mediaType
	}
	if d1At != nil {
		s.D1.At = *d1At
	}
	if d3At != nil {
		s.D3.At = *d3At
	}
	if d7At != nil {
		s.D7.At = *d7At
	}
	if d21At != nil {
		s.D21.At = *d21At
	}
	return s, nil
}

var checkpointColumns = map[domain.Checkpoint][4]string{
	domain.CheckpointD1:  {"d1_at", "d1_views", "d1_likes", "d1_comments"},
	domain.CheckpointD3:  {"d3_at", "d3_views", "d3_likes", "d3_comments"},
	domain.CheckpointD7:  {"d7_at", "d7_views", "d7_likes", "d7_comments"},
	domain.CheckpointD21: {"d21_at", "d21_views", "d21_likes", "d21_comments"},
}

// MergeSnapshot upserts the checkpoint triple for a post. The row is
// created on the first checkpoint observed and the checkpoint's `at`
// column is overwritten on every merge, recording the latest observation
// time rather than the first.
func (r *PostsRepo) MergeSnapshot(ctx domain.Context, subscriberID int64, handle, postURL string, c domain.Checkpoint, triple domain.CheckpointTriple, mediaType string) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.MergeSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "UPSERT"), attribute.String("db.sql.table", "post_snapshots"))

	cols, ok := checkpointColumns[c]
	if !ok {
		return fmt.Errorf("op=posts.merge_snapshot: %w: unknown checkpoint %q", domain.ErrInvalidArgument, c)
	}
	atCol, vCol, lCol, cCol := cols[0], cols[1], cols[2], cols[3]

	insertQ := `
		INSERT INTO post_snapshots (subscriber_id, handle, post_url, media_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (subscriber_id, handle, post_url) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, insertQ, subscriberID, handle, postURL, mediaType); err != nil {
		return fmt.Errorf("op=posts.merge_snapshot.insert: %w", err)
	}

	updateQ := fmt.Sprintf(`
		UPDATE post_snapshots
		SET media_type = COALESCE(media_type, $4),
		    %s = NOW(),
		    %s = $5,
		    %s = $6,
		    %s = $7,
		    updated_at = NOW()
		WHERE subscriber_id=$1 AND handle=$2 AND post_url=$3`, atCol, vCol, lCol, cCol)
	if _, err := r.Pool.Exec(ctx, updateQ, subscriberID, handle, postURL, mediaType, triple.Views, triple.Likes, triple.Comments); err != nil {
		return fmt.Errorf("op=posts.merge_snapshot.update: %w", err)
	}
	return nil
}

// CohortPool returns every snapshot row for (subscriber, handle) with a
// non-empty triple at checkpoint c, then applies the bidirectional
// substring media-type match in Go, where "reel" vs "video_reel" style
// variants are easier to keep loose than in SQL.
func (r *PostsRepo) CohortPool(ctx domain.Context, subscriberID int64, handle, mediaType string, c domain.Checkpoint) ([]domain.PostSnapshot, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.CohortPool")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_snapshots"))

	cols, ok := checkpointColumns[c]
	if !ok {
		return nil, fmt.Errorf("op=posts.cohort_pool: %w: unknown checkpoint %q", domain.ErrInvalidArgument, c)
	}
	vCol, lCol, cCol := cols[1], cols[2], cols[3]

	q := fmt.Sprintf(`
		SELECT media_type, %s, %s, %s
		FROM post_snapshots
		WHERE subscriber_id=$1 AND handle=$2
		  AND (%s IS NOT NULL OR %s IS NOT NULL OR %s IS NOT NULL)`, vCol, lCol, cCol, vCol, lCol, cCol)
	rows, err := r.Pool.Query(ctx, q, subscriberID, handle)
	if err != nil {
		return nil, fmt.Errorf("op=posts.cohort_pool: %w", err)
	}
	defer rows.Close()

	wantType := strings.ToLower(mediaType)
	var out []domain.PostSnapshot
	for rows.Next() {
		var rowMediaType *string
		triple := domain.CheckpointTriple{}
		if err := rows.Scan(&rowMediaType, &triple.Views, &triple.Likes, &triple.Comments); err != nil {
			return nil, fmt.Errorf("op=posts.cohort_pool.scan: %w", err)
		}
		rowType := ""
		if rowMediaType != nil {
			rowType = strings.ToLower(*rowMediaType)
		}
		if wantType != "" && rowType != "" && !strings.Contains(rowType, wantType) && !strings.Contains(wantType, rowType) {
			continue
		}
		snap := domain.PostSnapshot{SubscriberID: subscriberID, Handle: handle}
		if rowMediaType != nil {
			snap.MediaType = *rowMediaType
		}
		switch c {
		case domain.CheckpointD1:
			snap.D1 = triple
		case domain.CheckpointD3:
			snap.D3 = triple
		case domain.CheckpointD7:
			snap.D7 = triple
		case domain.CheckpointD21:
			snap.D21 = triple
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=posts.cohort_pool.rows: %w", err)
	}
	return out, nil
}
