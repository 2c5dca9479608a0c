package usecase

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/feedpulse/signalpipe/internal/adapter/observability"
	"github.com/feedpulse/signalpipe/internal/domain"
	"github.com/feedpulse/signalpipe/pkg/sanitize"
)

// Worker drains the handle-queue and post-queue, consulting the circuit
// breaker before every claim and resolving post-queue batches as a unit.
type Worker struct {
	Queue     domain.QueueStore
	Breaker   domain.CircuitBreakerStore
	Scraper   domain.ScraperClient
	Feeds     domain.FeedRepository
	Lifecycle *Lifecycle
	Retry     domain.RetryPolicy

	// Projector mirrors freshly classified rows to the subscriber's
	// spreadsheet after each job; nil disables projection.
	Projector    domain.SpreadsheetProjector
	SheetHeaders []string

	CircuitTriggerN      int
	CircuitCooldownHours float64
	BatchSize            int
	IdleInterval         time.Duration
}

// RunLoop drains the handle-queue then the post-queue, repeating until ctx is
// canceled. When a full pass finds nothing to do, it sleeps IdleInterval
// before trying again.
func (w *Worker) RunLoop(ctx domain.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processedHandle := w.drainHandleQueue(ctx)
		processedPost := w.drainPostQueue(ctx)
		if processedHandle || processedPost {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.IdleInterval):
		}
	}
}

func (w *Worker) drainHandleQueue(ctx domain.Context) bool {
	processed := false
	for {
		job, err := w.Queue.FetchNext(ctx, domain.QueueHandle)
		if err != nil {
			slog.Error("fetch handle job failed", slog.Any("error", err))
			return processed
		}
		if job == nil {
			return processed
		}
		processed = true
		observability.StartProcessingJob("handle")
		w.runHandleJob(ctx, *job)
	}
}

func (w *Worker) drainPostQueue(ctx domain.Context) bool {
	processed := false
	for {
		jobs, err := w.Queue.FetchNextPostBatch(ctx, w.BatchSize)
		if err != nil {
			slog.Error("fetch post batch failed", slog.Any("error", err))
			return processed
		}
		if len(jobs) == 0 {
			return processed
		}
		processed = true
		for range jobs {
			observability.StartProcessingJob("post")
		}
		w.runPostBatch(ctx, jobs)
	}
}

// checkBreaker returns the pause deadline when the circuit breaker is
// currently open, nil otherwise.
func (w *Worker) checkBreaker(ctx domain.Context) *time.Time {
	pauseUntil, err := w.Breaker.GetPauseUntil(ctx)
	if err != nil {
		slog.Error("circuit breaker read failed", slog.Any("error", err))
		return nil
	}
	if pauseUntil != nil && pauseUntil.After(time.Now()) {
		return pauseUntil
	}
	return nil
}

func (w *Worker) bounceForPause(ctx domain.Context, jobID int64, kind string, pauseUntil time.Time) {
	if err := w.Queue.MarkRetry(ctx, jobID, pauseUntil, "circuit breaker open", false); err != nil {
		slog.Error("mark retry (circuit breaker) failed", slog.Any("error", err))
		return
	}
	observability.RetryJob(kind, "circuit_breaker")
}

func (w *Worker) runHandleJob(ctx domain.Context, job domain.QueueJob) {
	if pauseUntil := w.checkBreaker(ctx); pauseUntil != nil {
		w.bounceForPause(ctx, job.ID, "handle", *pauseUntil)
		return
	}

	posts, err := w.runScraperShape(ctx, job.RunType, job.Handle)
	if err != nil {
		w.handleScraperFailure(ctx, job.ID, job.Attempt, "handle", err)
		return
	}
	if err := w.Breaker.RecordSuccess(ctx); err != nil {
		slog.Error("record circuit breaker success failed", slog.Any("error", err))
	}

	feedID, feederID, err := w.Feeds.ResolveFeeder(ctx, job.SubscriberID, job.Handle)
	if err != nil {
		w.handleJobFailure(ctx, job.ID, job.Attempt, "handle", err)
		return
	}

	now := time.Now()
	rows := make([]map[string]string, 0, len(posts))
	for _, sp := range posts {
		if sp.PostURL == "" || sp.PostedAt.IsZero() {
			continue
		}
		metric, err := w.Lifecycle.IngestPost(ctx, feedID, feederID, job.SubscriberID, job.Handle, sp, now)
		if err != nil {
			w.handleJobFailure(ctx, job.ID, job.Attempt, "handle", err)
			return
		}
		rows = append(rows, projectionRow(sp, metric, now))
	}

	if err := w.Queue.MarkSuccess(ctx, job.ID); err != nil {
		slog.Error("mark handle job success failed", slog.Any("error", err))
		return
	}
	observability.CompleteJob("handle")
	w.project(ctx, job.SpreadsheetID, rows)
}

func (w *Worker) runScraperShape(ctx domain.Context, runType domain.RunType, handle string) ([]domain.ScrapedPost, error) {
	if runType == domain.RunTypeWeekly {
		return w.Scraper.RunWeekly(ctx, handle)
	}
	return w.Scraper.RunDaily(ctx, handle)
}

// runPostBatch resolves the D21 gate for gated jobs independently, then
// fires one batched scrape for whatever remains and applies each result.
func (w *Worker) runPostBatch(ctx domain.Context, jobs []domain.QueueJob) {
	if pauseUntil := w.checkBreaker(ctx); pauseUntil != nil {
		for _, j := range jobs {
			w.bounceForPause(ctx, j.ID, "post", *pauseUntil)
		}
		return
	}

	var toScrape []domain.QueueJob
	var urls []string
	for _, j := range jobs {
		if j.Checkpoint == domain.CheckpointD21 && j.RequiresD7Hot {
			hot, d7, err := w.Lifecycle.EvaluateD21Gate(ctx, j.SubscriberID, j.Handle, j.PostURL)
			if err != nil {
				w.handleJobFailure(ctx, j.ID, j.Attempt, "post", err)
				continue
			}
			if !hot {
				if err := w.Lifecycle.SkipD21(ctx, j.ID, j.SubscriberID, j.Handle, j.PostURL, d7); err != nil {
					slog.Error("skip d21 failed", slog.Any("error", err))
					continue
				}
				observability.SkipJob(string(domain.CheckpointD21))
				continue
			}
		}
		toScrape = append(toScrape, j)
		urls = append(urls, j.PostURL)
	}
	if len(toScrape) == 0 {
		return
	}

	items, err := w.Scraper.RunPostURLBatch(ctx, urls)
	if err != nil {
		if rerr := w.Breaker.RecordFailure(ctx, sanitize.SanitizeError(err), w.CircuitTriggerN, w.CircuitCooldownHours); rerr != nil {
			slog.Error("record circuit breaker failure failed", slog.Any("error", rerr))
		}
		for _, j := range toScrape {
			w.handleJobFailure(ctx, j.ID, j.Attempt, "post", err)
		}
		return
	}
	if err := w.Breaker.RecordSuccess(ctx); err != nil {
		slog.Error("record circuit breaker success failed", slog.Any("error", err))
	}

	feedID, feederID, err := w.Feeds.ResolveFeeder(ctx, toScrape[0].SubscriberID, toScrape[0].Handle)
	if err != nil {
		for _, j := range toScrape {
			w.handleJobFailure(ctx, j.ID, j.Attempt, "post", err)
		}
		return
	}

	now := time.Now()
	rows := make([]map[string]string, 0, len(toScrape))
	for _, j := range toScrape {
		sp, ok := items[j.PostURL]
		if !ok {
			w.handleJobFailure(ctx, j.ID, j.Attempt, "post", errors.New("post missing from scrape batch response"))
			continue
		}
		ageHours := float64(j.Checkpoint.Days()) * 24
		if !sp.PostedAt.IsZero() {
			ageHours = time.Since(sp.PostedAt).Hours()
		}
		metric, err := w.Lifecycle.ApplyScrape(ctx, feedID, feederID, j.SubscriberID, j.Handle, j.Checkpoint, sp, ageHours)
		if err != nil {
			w.handleJobFailure(ctx, j.ID, j.Attempt, "post", err)
			continue
		}
		if err := w.Queue.MarkSuccess(ctx, j.ID); err != nil {
			slog.Error("mark post job success failed", slog.Any("error", err))
			continue
		}
		observability.CompleteJob("post")
		rows = append(rows, projectionRow(sp, metric, now))
	}
	if len(rows) > 0 && w.Projector != nil {
		w.project(ctx, w.spreadsheetFor(ctx, toScrape[0].SubscriberID), rows)
	}
}

// project pushes rows to the subscriber's spreadsheet. Projection failures
// are logged, never retried: the store is the source of truth and the next
// scrape rewrites the same rows.
func (w *Worker) project(ctx domain.Context, spreadsheetID string, rows []map[string]string) {
	if w.Projector == nil || spreadsheetID == "" || len(rows) == 0 || len(w.SheetHeaders) == 0 {
		return
	}
	if err := w.Projector.EnsureHeader(ctx, spreadsheetID, w.SheetHeaders); err != nil {
		slog.Error("projection ensure header failed", slog.String("spreadsheet_id", spreadsheetID), slog.Any("error", err))
		return
	}
	if err := w.Projector.UpsertRows(ctx, spreadsheetID, rows); err != nil {
		slog.Error("projection upsert failed", slog.String("spreadsheet_id", spreadsheetID), slog.Any("error", err))
		return
	}
	if err := w.Projector.SortByPostedAtDesc(ctx, spreadsheetID); err != nil {
		slog.Error("projection sort failed", slog.String("spreadsheet_id", spreadsheetID), slog.Any("error", err))
	}
}

// spreadsheetFor resolves a subscriber's spreadsheet id. Post-queue jobs
// don't carry one the way handle jobs do, so batch resolution goes through
// the subscriber roster.
func (w *Worker) spreadsheetFor(ctx domain.Context, subscriberID int64) string {
	subs, err := w.Feeds.ActiveSubscribers(ctx)
	if err != nil {
		slog.Error("subscriber lookup for projection failed", slog.Any("error", err))
		return ""
	}
	for _, s := range subs {
		if s.ID == subscriberID {
			return s.SpreadsheetID
		}
	}
	return ""
}

const sheetTimeLayout = "2006-01-02 15:04"

// projectionRow renders one spreadsheet row from a scraped post and its
// derived checkpoint metric, keyed by header column name. Header columns
// this map doesn't carry are left empty on appended rows and keep their
// current values on rewritten rows.
func projectionRow(sp domain.ScrapedPost, m domain.CheckpointMetric, scannedAt time.Time) map[string]string {
	scanned := scannedAt.UTC().Format(sheetTimeLayout)
	row := map[string]string{
		"post_url":            sp.PostURL,
		"posted_at":           sp.PostedAt.UTC().Format(sheetTimeLayout),
		"handle":              m.Handle,
		"media_type":          m.MediaType,
		"velocity_percentile": m.VelocityPercentile,
		"velocity_stage":      m.StageLabel,
		"caption":             sp.Caption,
		"hashtags":            strings.Join(sp.Tags, ", "),
		"caption_mentions":    strings.Join(sp.Mentions, ", "),
		"scanned_at":          scanned,
		"last_updated_at":     scanned,
	}
	if m.VelocityTag != "" && m.VelocityTag != domain.TagInsufficientData {
		row["velocity"] = m.VelocityTag.String(m.LateBloomer)
	}
	if sp.Views != nil {
		row["views"] = strconv.FormatInt(*sp.Views, 10)
	}
	if sp.Likes != nil {
		row["likes"] = strconv.FormatInt(*sp.Likes, 10)
	}
	if sp.Comments != nil {
		row["comments"] = strconv.FormatInt(*sp.Comments, 10)
	}
	if sp.DurationSec != nil {
		row["duration_seconds"] = strconv.FormatFloat(*sp.DurationSec, 'f', -1, 64)
	}
	return row
}

// handleScraperFailure bounces or terminally fails a job after a scraper
// error, additionally recording the failure against the circuit breaker.
func (w *Worker) handleScraperFailure(ctx domain.Context, jobID int64, attempt int, kind string, err error) {
	if rerr := w.Breaker.RecordFailure(ctx, sanitize.SanitizeError(err), w.CircuitTriggerN, w.CircuitCooldownHours); rerr != nil {
		slog.Error("record circuit breaker failure failed", slog.Any("error", rerr))
	}
	w.handleJobFailure(ctx, jobID, attempt, kind, err)
}

// handleJobFailure retries a job against the fixed backoff schedule, or
// marks it terminally failed once the schedule is exhausted.
func (w *Worker) handleJobFailure(ctx domain.Context, jobID int64, attempt int, kind string, err error) {
	msg := sanitize.SanitizeError(err)
	nextRunAt, ok := w.Retry.NextRunAt(time.Now(), attempt)
	if !ok {
		if merr := w.Queue.MarkFailed(ctx, jobID, msg); merr != nil {
			slog.Error("mark job failed failed", slog.Any("error", merr))
			return
		}
		observability.FailJob(kind)
		return
	}
	if merr := w.Queue.MarkRetry(ctx, jobID, nextRunAt, msg, true); merr != nil {
		slog.Error("mark job retry failed", slog.Any("error", merr))
		return
	}
	observability.RetryJob(kind, "error")
}
