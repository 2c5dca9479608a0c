package usecase

import (
	"fmt"
	"log/slog"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/config"
	"github.com/feedpulse/signalpipe/internal/domain"
)

// stageCheckpoints maps a stored velocity_stage label back to the
// checkpoint it was derived from, so a repair pass can re-run the
// classifier against the checkpoint that actually produced the stored
// snapshot triple. D1 and D2 both come from the d1 checkpoint.
var stageCheckpoints = map[string]domain.Checkpoint{
	"D1": domain.CheckpointD1, "D2": domain.CheckpointD1,
	"D3": domain.CheckpointD3, "D7": domain.CheckpointD7, "D21": domain.CheckpointD21,
}

// VelocityRepairer re-derives every stored post signal's stage label and
// velocity tag from its current snapshot and cohort, for the
// `repair_velocity` CLI mode, then reprojects the repaired rows to each
// subscriber's spreadsheet.
type VelocityRepairer struct {
	Signals    *postgres.SignalsRepo
	Lifecycle  *Lifecycle
	Feeds      domain.FeedRepository
	Projector  domain.SpreadsheetProjector
	Headers    []string
}

// NewVelocityRepairer constructs a VelocityRepairer over its collaborating
// ports.
func NewVelocityRepairer(signals *postgres.SignalsRepo, lifecycle *Lifecycle, feeds domain.FeedRepository, projector domain.SpreadsheetProjector, sheetHeadersEnv string) *VelocityRepairer {
	return &VelocityRepairer{Signals: signals, Lifecycle: lifecycle, Feeds: feeds, Projector: projector, Headers: config.SheetHeaderList(sheetHeadersEnv)}
}

// Run re-derives stage labels and velocity tags for every stored post
// signal, optionally scoped to one subscriber, and reprojects the repaired
// rows to the spreadsheet per subscriber. It returns the count of signals
// repaired.
func (r *VelocityRepairer) Run(ctx domain.Context, subscriberID *int64) (int, error) {
	signals, err := r.Signals.AllSignalsForRepair(ctx, subscriberID)
	if err != nil {
		return 0, fmt.Errorf("op=repair_velocity.run.list: %w", err)
	}

	subs, err := r.Feeds.ActiveSubscribers(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=repair_velocity.run.subscribers: %w", err)
	}
	spreadsheetByID := make(map[int64]string, len(subs))
	for _, s := range subs {
		spreadsheetByID[s.ID] = s.SpreadsheetID
	}

	rowsBySpreadsheet := make(map[string][]map[string]string)
	repaired := 0
	for _, s := range signals {
		checkpoint, ok := stageCheckpoints[s.VelocityStage]
		if !ok {
			slog.Warn("repair_velocity: unrecognized stage label, skipping", slog.String("stage", s.VelocityStage), slog.String("post_url", s.PostURL))
			continue
		}

		snapshot, err := r.Lifecycle.Posts.GetSnapshot(ctx, s.SubscriberID, s.Handle, s.PostURL)
		if err != nil {
			if err == domain.ErrNotFound {
				continue
			}
			return repaired, fmt.Errorf("op=repair_velocity.run.snapshot: %w", err)
		}

		result, err := r.Lifecycle.Classifier.Classify(ctx, s.SubscriberID, s.Handle, snapshot.MediaType, checkpoint, snapshot)
		if err != nil {
			return repaired, fmt.Errorf("op=repair_velocity.run.classify: %w", err)
		}

		signal := domain.PostSignal{
			SubscriberID: s.SubscriberID, Handle: s.Handle, PostURL: s.PostURL,
			VelocityTag: result.Tag, LateBloomer: result.LateBloomer,
			VelocityStage: s.VelocityStage, VelocityPercentile: result.Percentile,
		}
		if err := r.Lifecycle.Signals.Upsert(ctx, signal); err != nil {
			return repaired, fmt.Errorf("op=repair_velocity.run.upsert: %w", err)
		}
		repaired++

		spreadsheetID := spreadsheetByID[s.SubscriberID]
		if spreadsheetID == "" {
			continue
		}
		velocityCell := ""
		if result.Tag != "" && result.Tag != domain.TagInsufficientData {
			velocityCell = result.Tag.String(result.LateBloomer)
		}
		rowsBySpreadsheet[spreadsheetID] = append(rowsBySpreadsheet[spreadsheetID], map[string]string{
			"handle":              s.Handle,
			"post_url":            s.PostURL,
			"velocity":            velocityCell,
			"velocity_stage":      s.VelocityStage,
			"velocity_percentile": result.Percentile,
		})
	}

	for spreadsheetID, rows := range rowsBySpreadsheet {
		if err := r.Projector.EnsureHeader(ctx, spreadsheetID, r.Headers); err != nil {
			return repaired, fmt.Errorf("op=repair_velocity.run.ensure_header: %w", err)
		}
		if err := r.Projector.UpsertRows(ctx, spreadsheetID, rows); err != nil {
			return repaired, fmt.Errorf("op=repair_velocity.run.upsert_rows: %w", err)
		}
		if err := r.Projector.SortByPostedAtDesc(ctx, spreadsheetID); err != nil {
			return repaired, fmt.Errorf("op=repair_velocity.run.sort: %w", err)
		}
	}

	return repaired, nil
}
