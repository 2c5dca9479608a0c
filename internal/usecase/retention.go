package usecase

import (
	"fmt"
	"time"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/domain"
)

// RetentionSweeper runs the `retention` CLI mode: the signal/post/alert data
// sweep and the run_log audit trail sweep, both driven off the same
// configured cutoffs.
type RetentionSweeper struct {
	Cleanup *postgres.CleanupService
	RunLogs domain.RunLogStore
}

// NewRetentionSweeper constructs a RetentionSweeper over its collaborating
// services.
func NewRetentionSweeper(cleanup *postgres.CleanupService, runLogs domain.RunLogStore) *RetentionSweeper {
	return &RetentionSweeper{Cleanup: cleanup, RunLogs: runLogs}
}

// Run deletes data past its retention cutoff: post/signal/embedding/alert
// tables via CleanupOldData, and run_log rows via the narrow RunLogStore
// port (idempotent alongside CleanupOldData's own run_log sweep).
func (s *RetentionSweeper) Run(ctx domain.Context, runLogRetentionDays int) error {
	if err := s.Cleanup.CleanupOldData(ctx); err != nil {
		return fmt.Errorf("op=retention.run.cleanup: %w", err)
	}

	if runLogRetentionDays <= 0 {
		runLogRetentionDays = 90
	}
	cutoff := time.Now().AddDate(0, 0, -runLogRetentionDays)
	if _, err := s.RunLogs.DeleteOlderThan(ctx, cutoff); err != nil {
		return fmt.Errorf("op=retention.run.run_logs: %w", err)
	}
	return nil
}
