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

// QueueRepo implements domain.QueueStore over the run_queue (handle jobs)
// and post_queue (post-checkpoint jobs) tables: explicit ReadCommitted
// transactions, an otel span per operation, and SELECT ... FOR UPDATE
// SKIP LOCKED claims so concurrent workers never hand out the same row.
type QueueRepo struct{ Pool PgxPool }

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool) *QueueRepo { return &QueueRepo{Pool: p} }

// EnqueueHandle inserts a pending handle job. A partial unique index on
// run_queue (subscriber_id, handle) WHERE status IN ('pending','retry')
// makes re-enqueues of an already-queued handle a no-op.
func (r *QueueRepo) EnqueueHandle(ctx domain.Context, subscriberID int64, spreadsheetID, handle string, runType domain.RunType) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.EnqueueHandle")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "run_queue"))

	q := `
		INSERT INTO run_queue (subscriber_id, spreadsheet_id, handle, run_type, status, attempt, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, NOW(), NOW(), NOW())
		ON CONFLICT DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, subscriberID, spreadsheetID, handle, runType); err != nil {
		return fmt.Errorf("op=queue.enqueue_handle: %w", err)
	}
	return nil
}

// EnqueuePostCheckpoints inserts the d3/d7/d21 rows for a newly ingested
// post.
func (r *QueueRepo) EnqueuePostCheckpoints(ctx domain.Context, subscriberID int64, handle, postURL string, postedAt time.Time) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.EnqueuePostCheckpoints")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "post_queue"))

	type row struct {
		checkpoint    domain.Checkpoint
		runAt         time.Time
		requiresD7Hot bool
	}
	rows := []row{
		{domain.CheckpointD3, postedAt.AddDate(0, 0, 3), false},
		{domain.CheckpointD7, postedAt.AddDate(0, 0, 7), false},
		{domain.CheckpointD21, postedAt.AddDate(0, 0, 21), true},
	}
	q := `
		INSERT INTO post_queue (
			subscriber_id, handle, post_url, checkpoint, requires_d7_hot,
			next_run_at, status, attempt, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, NOW(), NOW())
		ON CONFLICT (subscriber_id, handle, post_url, checkpoint) DO NOTHING`
	for _, rr := range rows {
		if _, err := r.Pool.Exec(ctx, q, subscriberID, handle, postURL, rr.checkpoint, rr.requiresD7Hot, rr.runAt); err != nil {
			return fmt.Errorf("op=queue.enqueue_post_checkpoints: %w", err)
		}
	}
	return nil
}

func (r *QueueRepo) table(kind domain.QueueKind) string {
	if kind == domain.QueueHandle {
		return "run_queue"
	}
	return "post_queue"
}

// FetchNext atomically claims the single oldest ready job of kind using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never contend.
func (r *QueueRepo) FetchNext(ctx domain.Context, kind domain.QueueKind) (*domain.QueueJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.FetchNext")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", r.table(kind)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=queue.fetch_next.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var job domain.QueueJob
	job.Kind = kind
	var err2 error
	if kind == domain.QueueHandle {
		q := `
			SELECT id, subscriber_id, COALESCE(spreadsheet_id,''), handle, run_type, status, attempt, next_run_at, COALESCE(last_error,''), created_at
			FROM run_queue
			WHERE status IN ('pending','retry') AND next_run_at <= NOW()
			ORDER BY next_run_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`
		row := tx.QueryRow(ctx, q)
		err2 = row.Scan(&job.ID, &job.SubscriberID, &job.SpreadsheetID, &job.Handle, &job.RunType, &job.Status, &job.Attempt, &job.NextRunAt, &job.LastError, &job.CreatedAt)
	} else {
		q := `
			SELECT id, subscriber_id, handle, post_url, checkpoint, requires_d7_hot, status, attempt, next_run_at, COALESCE(last_error,''), created_at
			FROM post_queue
			WHERE status IN ('pending','retry') AND next_run_at <= NOW()
			ORDER BY next_run_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`
		row := tx.QueryRow(ctx, q)
		err2 = row.Scan(&job.ID, &job.SubscriberID, &job.Handle, &job.PostURL, &job.Checkpoint, &job.RequiresD7Hot, &job.Status, &job.Attempt, &job.NextRunAt, &job.LastError, &job.CreatedAt)
	}
	if err2 != nil {
		if err2 == pgx.ErrNoRows {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("op=queue.fetch_next.commit_empty: %w", err)
			}
			committed = true
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.fetch_next.scan: %w", err2)
	}

	updateQ := fmt.Sprintf(`UPDATE %s SET status='running', updated_at=NOW() WHERE id=$1`, r.table(kind))
	if _, err := tx.Exec(ctx, updateQ, job.ID); err != nil {
		return nil, fmt.Errorf("op=queue.fetch_next.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=queue.fetch_next.commit: %w", err)
	}
	committed = true
	job.Status = domain.JobRunning
	return &job, nil
}

// FetchNextPostBatch claims an anchor post job, then claims sibling
// post_queue rows sharing (subscriber_id, handle, checkpoint), up to n jobs
// in all, so a single scraper batch call can cover them atomically.
func (r *QueueRepo) FetchNextPostBatch(ctx domain.Context, n int) ([]domain.QueueJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.FetchNextPostBatch")
	defer span.End()
	span.SetAttributes(attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "post_queue"))

	if n <= 0 {
		n = 1
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=queue.fetch_batch.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	anchorQ := `
		SELECT id, subscriber_id, handle, checkpoint
		FROM post_queue
		WHERE status IN ('pending','retry') AND next_run_at <= NOW()
		ORDER BY next_run_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`
	var anchorID, subscriberID int64
	var handle string
	var checkpoint domain.Checkpoint
	if err := tx.QueryRow(ctx, anchorQ).Scan(&anchorID, &subscriberID, &handle, &checkpoint); err != nil {
		if err == pgx.ErrNoRows {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("op=queue.fetch_batch.commit_empty: %w", err)
			}
			committed = true
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.fetch_batch.anchor: %w", err)
	}

	siblingsQ := `
		SELECT id, subscriber_id, handle, post_url, checkpoint, requires_d7_hot, status, attempt, next_run_at, COALESCE(last_error,''), created_at
		FROM post_queue
		WHERE subscriber_id=$1 AND handle=$2 AND checkpoint=$3
		  AND status IN ('pending','retry') AND next_run_at <= NOW()
		ORDER BY id ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, siblingsQ, subscriberID, handle, checkpoint, n)
	if err != nil {
		return nil, fmt.Errorf("op=queue.fetch_batch.siblings: %w", err)
	}
	var jobs []domain.QueueJob
	var ids []int64
	for rows.Next() {
		var j domain.QueueJob
		j.Kind = domain.QueuePost
		if err := rows.Scan(&j.ID, &j.SubscriberID, &j.Handle, &j.PostURL, &j.Checkpoint, &j.RequiresD7Hot, &j.Status, &j.Attempt, &j.NextRunAt, &j.LastError, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=queue.fetch_batch.scan: %w", err)
		}
		j.Status = domain.JobRunning
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.fetch_batch.rows: %w", err)
	}

	if len(ids) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("op=queue.fetch_batch.commit_empty: %w", err)
		}
		committed = true
		return nil, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE post_queue SET status='running', updated_at=NOW() WHERE id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("op=queue.fetch_batch.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=queue.fetch_batch.commit: %w", err)
	}
	committed = true
	return jobs, nil
}

// MarkSuccess transitions a job to done.
func (r *QueueRepo) MarkSuccess(ctx domain.Context, jobID int64) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkSuccess")
	defer span.End()

	for _, table := range []string{"run_queue", "post_queue"} {
		tag, err := r.Pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status='done', last_error=NULL, updated_at=NOW() WHERE id=$1`, table), jobID)
		if err != nil {
			return fmt.Errorf("op=queue.mark_success: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return nil
}

// MarkRetry transitions a job to retry. consumesAttempt distinguishes a
// genuine failure (increments attempt) from a circuit-breaker-induced pause
// (rescheduled without counting against the retry budget).
func (r *QueueRepo) MarkRetry(ctx domain.Context, jobID int64, nextRunAt time.Time, lastErr string, consumesAttempt bool) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkRetry")
	defer span.End()

	attemptExpr := "attempt"
	if consumesAttempt {
		attemptExpr = "attempt + 1"
	}
	for _, table := range []string{"run_queue", "post_queue"} {
		q := fmt.Sprintf(`UPDATE %s SET status='retry', attempt=%s, next_run_at=$2, last_error=$3, updated_at=NOW() WHERE id=$1`, table, attemptExpr)
		tag, err := r.Pool.Exec(ctx, q, jobID, nextRunAt, truncate(lastErr, 1000))
		if err != nil {
			return fmt.Errorf("op=queue.mark_retry: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return nil
}

// MarkFailed transitions a job to terminal failed.
func (r *QueueRepo) MarkFailed(ctx domain.Context, jobID int64, lastErr string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkFailed")
	defer span.End()

	for _, table := range []string{"run_queue", "post_queue"} {
		tag, err := r.Pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status='failed', last_error=$2, updated_at=NOW() WHERE id=$1`, table), jobID, truncate(lastErr, 1000))
		if err != nil {
			return fmt.Errorf("op=queue.mark_failed: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return nil
}

// MarkSkipped transitions a post job to skipped, the D21 gate outcome when
// a post never reached the "hot" D7 tag.
func (r *QueueRepo) MarkSkipped(ctx domain.Context, jobID int64, reason string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkSkipped")
	defer span.End()

	_, err := r.Pool.Exec(ctx, `UPDATE post_queue SET status='skipped', last_error=$2, updated_at=NOW() WHERE id=$1`, jobID, truncate(reason, 1000))
	if err != nil {
		return fmt.Errorf("op=queue.mark_skipped: %w", err)
	}
	return nil
}
