package postgres

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/feedpulse/signalpipe/internal/domain"
)

//go:generate mockery --config=.mockery.yml

// RunLogRepo implements domain.RunLogStore over run_log, the per-invocation
// audit trail.
type RunLogRepo struct{ Pool PgxPool }

// NewRunLogRepo constructs a RunLogRepo with the given pool.
func NewRunLogRepo(p PgxPool) *RunLogRepo { return &RunLogRepo{Pool: p} }

// Start inserts a started run row and returns its id.
func (r *RunLogRepo) Start(ctx domain.Context, runType string) (string, error) {
	tracer := otel.Tracer("repo.run_log")
	ctx, span := tracer.Start(ctx, "run_log.Start")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "run_log"))

	id := ulid.Make().String()
	q := `INSERT INTO run_log (id, run_type, status, started_at) VALUES ($1, $2, 'running', NOW())`
	if _, err := r.Pool.Exec(ctx, q, id, runType); err != nil {
		return "", fmt.Errorf("op=run_log.start: %w", err)
	}
	return id, nil
}

// Finish marks a run row terminal with a status and free-form detail.
func (r *RunLogRepo) Finish(ctx domain.Context, id, status, detail string) error {
	tracer := otel.Tracer("repo.run_log")
	ctx, span := tracer.Start(ctx, "run_log.Finish")
	defer span.End()

	q := `UPDATE run_log SET status = $2, detail = $3, finished_at = NOW() WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, status, truncate(detail, 4000)); err != nil {
		return fmt.Errorf("op=run_log.finish: %w", err)
	}
	return nil
}

// DeleteOlderThan purges finished run rows past the retention cutoff,
// returning the number of rows removed.
func (r *RunLogRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.run_log")
	ctx, span := tracer.Start(ctx, "run_log.DeleteOlderThan")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "DELETE"), attribute.String("db.sql.table", "run_log"))

	tag, err := r.Pool.Exec(ctx, `DELETE FROM run_log WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=run_log.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}
