package postgres

import (
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// EmbeddingsRepo implements domain.PostEmbeddingStore over post_embeddings,
// backed by the pgvector extension for nearest-neighbor similarity reads.
type EmbeddingsRepo struct{ Pool PgxPool }

// NewEmbeddingsRepo constructs an EmbeddingsRepo with the given pool.
func NewEmbeddingsRepo(p PgxPool) *EmbeddingsRepo { return &EmbeddingsRepo{Pool: p} }

// Upsert writes the stored vector for one (post, signal_type) pair.
func (r *EmbeddingsRepo) Upsert(ctx domain.Context, e domain.PostEmbedding) error {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "UPSERT"), attribute.String("db.sql.table", "post_embeddings"))

	q := `
		INSERT INTO post_embeddings (
			subscriber_id, feeder_id, handle, post_url, model, signal_type, text, embedding, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (subscriber_id, handle, post_url, signal_type)
		DO UPDATE SET model = EXCLUDED.model, text = EXCLUDED.text, embedding = EXCLUDED.embedding, updated_at = NOW()`
	_, err := r.Pool.Exec(ctx, q, e.SubscriberID, e.FeederID, e.Handle, e.PostURL, e.Model, e.SignalType, e.Text, pgvector.NewVector(e.Embedding))
	if err != nil {
		return fmt.Errorf("op=embeddings.upsert: %w", err)
	}
	return nil
}

// RecentBySignalType returns the most recent embeddings of one signal type
// for a feed, for the visual-mimicry cosine-similarity comparison. The feed
// scope is resolved via feeders.feed_id, so the join walks
// post_embeddings -> feeders on feeder_id.
func (r *EmbeddingsRepo) RecentBySignalType(ctx domain.Context, feedID int64, signalType string, since time.Time, limit int) ([]domain.PostEmbedding, error) {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.RecentBySignalType")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_embeddings"))

	q := `
		SELECT pe.subscriber_id, pe.feeder_id, pe.handle, pe.post_url, pe.model, pe.signal_type, pe.text, pe.embedding, pe.updated_at
		FROM post_embeddings pe
		JOIN feeders f ON f.id = pe.feeder_id
		WHERE f.feed_id = $1 AND pe.signal_type = $2 AND pe.updated_at >= $3
		ORDER BY pe.updated_at DESC
		LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, feedID, signalType, since, limit)
	if err != nil {
		return nil, fmt.Errorf("op=embeddings.recent_by_signal_type: %w", err)
	}
	defer rows.Close()

	var out []domain.PostEmbedding
	for rows.Next() {
		var e domain.PostEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.SubscriberID, &e.FeederID, &e.Handle, &e.PostURL, &e.Model, &e.SignalType, &e.Text, &vec, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=embeddings.recent_by_signal_type.scan: %w", err)
		}
		e.Embedding = vec.Slice()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=embeddings.recent_by_signal_type.rows: %w", err)
	}
	return out, nil
}
