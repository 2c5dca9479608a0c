package domain

import "time"

// QueueStore is the durable dual-queue port: the handle-queue and the
// post-queue share these operations.
//
//go:generate mockery --name=QueueStore --with-expecter --filename=queue_store_mock.go
type QueueStore interface {
	// EnqueueHandle inserts a pending handle job; (subscriber, handle)
	// conflicts among pending|retry rows are no-ops. spreadsheetID rides
	// along so the worker can project scraped rows without another lookup.
	EnqueueHandle(ctx Context, subscriberID int64, spreadsheetID, handle string, runType RunType) error
	// EnqueuePostCheckpoints inserts the d3/d7/d21 rows for a newly ingested post.
	EnqueuePostCheckpoints(ctx Context, subscriberID int64, handle, postURL string, postedAt time.Time) error
	// FetchNext atomically claims the single oldest ready job of kind.
	FetchNext(ctx Context, kind QueueKind) (*QueueJob, error)
	// FetchNextPostBatch claims up to n post-queue jobs sharing
	// (subscriber, handle, checkpoint); may return fewer than n.
	FetchNextPostBatch(ctx Context, n int) ([]QueueJob, error)
	// MarkSuccess transitions a job to done.
	MarkSuccess(ctx Context, jobID int64) error
	// MarkRetry transitions a job to retry with the given next_run_at and error.
	MarkRetry(ctx Context, jobID int64, nextRunAt time.Time, lastErr string, consumesAttempt bool) error
	// MarkFailed transitions a job to terminal failed.
	MarkFailed(ctx Context, jobID int64, lastErr string) error
	// MarkSkipped transitions a post job to skipped (the D21 gate).
	MarkSkipped(ctx Context, jobID int64, reason string) error
}

// PostRepository persists post core records, snapshots, and serves the
// velocity classifier's cohort pool query.
//
//go:generate mockery --name=PostRepository --with-expecter --filename=post_repository_mock.go
type PostRepository interface {
	// UpsertCore inserts the post core row. On a key conflict it overwrites
	// media type, duration, caption, tags, mentions and media URLs with the
	// new values and keeps an already stored posted_at.
	UpsertCore(ctx Context, p PostCore) error
	// GetSnapshot returns the stored checkpoint triples for a post.
	GetSnapshot(ctx Context, subscriberID int64, handle, postURL string) (PostSnapshot, error)
	// MergeSnapshot upserts the (views, likes, comments) triple for a checkpoint.
	MergeSnapshot(ctx Context, subscriberID int64, handle, postURL string, c Checkpoint, triple CheckpointTriple, mediaType string) error
	// CohortPool returns every snapshot row for (subscriber, handle) whose
	// media_type loosely matches mediaType and whose checkpoint triple is non-empty.
	CohortPool(ctx Context, subscriberID int64, handle, mediaType string, c Checkpoint) ([]PostSnapshot, error)
}

// CheckpointMetricsStore is the idempotent per-(post,checkpoint) metric store.
//
//go:generate mockery --name=CheckpointMetricsStore --with-expecter --filename=checkpoint_metrics_store_mock.go
type CheckpointMetricsStore interface {
	Upsert(ctx Context, m CheckpointMetric) error
	Get(ctx Context, subscriberID int64, handle, postURL string, c Checkpoint) (*CheckpointMetric, error)
}

// SignalStore is the post_signals last-write-wins store.
//
//go:generate mockery --name=SignalStore --with-expecter --filename=signal_store_mock.go
type SignalStore interface {
	Upsert(ctx Context, s PostSignal) error
	Get(ctx Context, subscriberID int64, handle, postURL string) (*PostSignal, error)
}

// CircuitBreakerStore is the durable Apify-health singleton.
//
//go:generate mockery --name=CircuitBreakerStore --with-expecter --filename=circuit_breaker_store_mock.go
type CircuitBreakerStore interface {
	RecordSuccess(ctx Context) error
	RecordFailure(ctx Context, errMsg string, triggerN int, cooldownHours float64) error
	GetPauseUntil(ctx Context) (*time.Time, error)
}

// ScraperClient is the fire-and-poll wrapper over the external provider.
//
//go:generate mockery --name=ScraperClient --with-expecter --filename=scraper_client_mock.go
type ScraperClient interface {
	// RunDaily fires the "daily" query shape for a handle and returns normalized posts.
	RunDaily(ctx Context, handle string) ([]ScrapedPost, error)
	// RunWeekly fires the "weekly" query shape (profile-detail refresh).
	RunWeekly(ctx Context, handle string) ([]ScrapedPost, error)
	// RunDetails fires the "details" query shape for a single handle.
	RunDetails(ctx Context, handle string) ([]ScrapedPost, error)
	// RunPostURLBatch fires the batched "post_url" query shape for up to N URLs.
	RunPostURLBatch(ctx Context, postURLs []string) (map[string]ScrapedPost, error)
}

// SignalAggregateStore rebuilds and reads signal aggregates.
//
//go:generate mockery --name=SignalAggregateStore --with-expecter --filename=signal_aggregate_store_mock.go
type SignalAggregateStore interface {
	// Replace wholesale-replaces the rows for (feed_id, window_key).
	Replace(ctx Context, feedID int64, windowKey string, rows []SignalAggregate) error
	TopSaturated(ctx Context, feedID int64, windowKey string, minSaturation, minConfidence float64, since time.Time) (*SignalAggregate, error)
}

// AlertCandidateStore persists alert candidates with the 24h dedupe contract.
//
//go:generate mockery --name=AlertCandidateStore --with-expecter --filename=alert_candidate_store_mock.go
type AlertCandidateStore interface {
	// RecentTypes returns the alert_type set already emitted for feedID within the window.
	RecentTypes(ctx Context, feedID int64, since time.Time) (map[string]struct{}, error)
	// Upsert inserts a candidate; conflicts (by dedupe key or by the 24h identity window) are no-ops.
	Upsert(ctx Context, c AlertCandidate) (inserted bool, err error)
	GetEngineState(ctx Context, feedID int64) (AlertEngineState, error)
	MarkScan(ctx Context, feedID int64, hotScanAt, patternScanAt time.Time) error
}

// SpreadsheetProjector projects post-signal state to the user-facing
// spreadsheet: idempotent ensure-header, row upsert keyed by post_url, and
// a one-shot newest-first sort.
//
//go:generate mockery --name=SpreadsheetProjector --with-expecter --filename=spreadsheet_projector_mock.go
type SpreadsheetProjector interface {
	EnsureHeader(ctx Context, spreadsheetID string, headers []string) error
	UpsertRows(ctx Context, spreadsheetID string, rows []map[string]string) error
	SortByPostedAtDesc(ctx Context, spreadsheetID string) error
}

// EmbeddingsClient is the out-of-scope single text→vector collaborator.
//
//go:generate mockery --name=EmbeddingsClient --with-expecter --filename=embeddings_client_mock.go
type EmbeddingsClient interface {
	Embed(ctx Context, text string) ([]float32, error)
}

// PostEmbeddingStore persists and queries stored embeddings for visual-mimicry detection.
//
//go:generate mockery --name=PostEmbeddingStore --with-expecter --filename=post_embedding_store_mock.go
type PostEmbeddingStore interface {
	Upsert(ctx Context, e PostEmbedding) error
	RecentBySignalType(ctx Context, feedID int64, signalType string, since time.Time, limit int) ([]PostEmbedding, error)
}

// FeedRepository resolves subscribers, feeds and feeders for the scheduler and alert engine.
//
//go:generate mockery --name=FeedRepository --with-expecter --filename=feed_repository_mock.go
type FeedRepository interface {
	ActiveSubscribers(ctx Context) ([]Subscriber, error)
	FeedsBySubscriber(ctx Context, subscriberID int64) ([]Feed, error)
	Feeders(ctx Context, feedID int64) ([]Feeder, error)
	AllFeeds(ctx Context, subscriberID *int64) ([]Feed, error)
	ReconcileFeeders(ctx Context, feedID int64, handles []string) error
	// ResolveFeeder resolves the owning feed and feeder row (if any) for a
	// (subscriber, handle) pair, for attaching feed/feeder identity to
	// checkpoint metrics and alert candidates. feederID is nil for legacy
	// rows with no matching feeders entry.
	ResolveFeeder(ctx Context, subscriberID int64, handle string) (feedID int64, feederID *int64, err error)
}

// FeederPairMetricStore stores per-anchor-feed competitive metrics.
//
//go:generate mockery --name=FeederPairMetricStore --with-expecter --filename=feeder_pair_metric_store_mock.go
type FeederPairMetricStore interface {
	TopByRelationScore(ctx Context, feedID int64, windowDays int, since time.Time, limit int) ([]FeederPairMetric, error)
}

// RunLogStore records per-invocation audit rows.
//
//go:generate mockery --name=RunLogStore --with-expecter --filename=run_log_store_mock.go
type RunLogStore interface {
	Start(ctx Context, runType string) (string, error)
	Finish(ctx Context, id, status, detail string) error
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}
