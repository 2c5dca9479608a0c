package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService runs the retention sweeps: the run_log audit trail ages out
// on a day cutoff, while signal/post data ages out on a month cutoff since
// posts remain relevant to cohort comparisons far longer than a single
// run's audit record.
type CleanupService struct {
	Pool                  *pgxpool.Pool
	RunLogRetentionDays   int
	SignalRetentionMonths int
}

// NewCleanupService creates a new cleanup service, applying defensive
// floors against misconfigured zero/negative retention values.
func NewCleanupService(pool *pgxpool.Pool, runLogRetentionDays, signalRetentionMonths int) *CleanupService {
	if runLogRetentionDays <= 0 {
		runLogRetentionDays = 90
	}
	if signalRetentionMonths <= 0 {
		signalRetentionMonths = 12
	}
	return &CleanupService{Pool: pool, RunLogRetentionDays: runLogRetentionDays, SignalRetentionMonths: signalRetentionMonths}
}

// CleanupOldData removes run_log rows past the day cutoff and signal/post
// rows past the month cutoff, in a single transaction.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	runLogCutoff := time.Now().AddDate(0, 0, -s.RunLogRetentionDays)
	signalCutoff := time.Now().AddDate(0, -s.SignalRetentionMonths, 0)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deletedRunLogs, err := execCount(ctx, tx, `DELETE FROM run_log WHERE finished_at IS NOT NULL AND finished_at < $1`, runLogCutoff)
	if err != nil {
		return fmt.Errorf("cleanup delete run_log: %w", err)
	}

	deletedSnapshots, err := execCount(ctx, tx, `DELETE FROM post_snapshots WHERE updated_at < $1`, signalCutoff)
	if err != nil {
		return fmt.Errorf("cleanup delete post_snapshots: %w", err)
	}

	deletedMetrics, err := execCount(ctx, tx, `DELETE FROM post_checkpoint_metrics WHERE checkpoint_at < $1`, signalCutoff)
	if err != nil {
		return fmt.Errorf("cleanup delete post_checkpoint_metrics: %w", err)
	}

	deletedSignals, err := execCount(ctx, tx, `DELETE FROM post_signals WHERE updated_at < $1`, signalCutoff)
	if err != nil {
		return fmt.Errorf("cleanup delete post_signals: %w", err)
	}

	deletedCore, err := execCount(ctx, tx, `
		DELETE FROM posts_core
		WHERE last_scanned_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM post_snapshots s
			WHERE s.subscriber_id = posts_core.subscriber_id
			  AND s.handle = posts_core.handle
			  AND s.post_url = posts_core.post_url
		)`, signalCutoff)
	if err != nil {
		return fmt.Errorf("cleanup delete posts_core: %w", err)
	}

	deletedEmbeddings, err := execCount(ctx, tx, `DELETE FROM post_embeddings WHERE updated_at < $1`, signalCutoff)
	if err != nil {
		return fmt.Errorf("cleanup delete post_embeddings: %w", err)
	}

	// Unselected alert candidates expire after a week; selected/sent rows are
	// left for the spreadsheet projection and external consumers to retain.
	alertCutoff := time.Now().AddDate(0, 0, -7)
	deletedAlerts, err := execCount(ctx, tx, `DELETE FROM alert_candidates WHERE status = 'candidate' AND created_at < $1`, alertCutoff)
	if err != nil {
		return fmt.Errorf("cleanup delete alert_candidates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("retention sweep completed",
		slog.Int64("deleted_run_logs", deletedRunLogs),
		slog.Int64("deleted_post_snapshots", deletedSnapshots),
		slog.Int64("deleted_checkpoint_metrics", deletedMetrics),
		slog.Int64("deleted_post_signals", deletedSignals),
		slog.Int64("deleted_posts_core", deletedCore),
		slog.Int64("deleted_post_embeddings", deletedEmbeddings),
		slog.Int64("deleted_expired_alert_candidates", deletedAlerts),
		slog.Time("run_log_cutoff", runLogCutoff),
		slog.Time("signal_cutoff", signalCutoff),
		slog.Time("alert_cutoff", alertCutoff),
	)

	return nil
}

func execCount(ctx context.Context, tx pgx.Tx, sql string, args ...any) (int64, error) {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial retention sweep failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic retention sweep failed", slog.Any("error", err))
			}
		}
	}
}
