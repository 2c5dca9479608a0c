package projection

import (
	"log/slog"

	"github.com/feedpulse/signalpipe/internal/domain"
)

// LoggingProjector is a domain.SpreadsheetProjector for deployments with no
// spreadsheet backend configured: it records the calls it would have made
// and succeeds, so every mode stays runnable without credentials.
type LoggingProjector struct{}

// New constructs a LoggingProjector.
func New() *LoggingProjector { return &LoggingProjector{} }

// EnsureHeader logs the header row that would be ensured.
func (p *LoggingProjector) EnsureHeader(_ domain.Context, spreadsheetID string, headers []string) error {
	slog.Info("projection ensure_header", slog.String("spreadsheet_id", spreadsheetID), slog.Int("header_count", len(headers)))
	return nil
}

// UpsertRows logs the row batch that would be upserted.
func (p *LoggingProjector) UpsertRows(_ domain.Context, spreadsheetID string, rows []map[string]string) error {
	slog.Info("projection upsert_rows", slog.String("spreadsheet_id", spreadsheetID), slog.Int("row_count", len(rows)))
	return nil
}

// SortByPostedAtDesc logs the sort that would be applied.
func (p *LoggingProjector) SortByPostedAtDesc(_ domain.Context, spreadsheetID string) error {
	slog.Info("projection sort_by_posted_at_desc", slog.String("spreadsheet_id", spreadsheetID))
	return nil
}
