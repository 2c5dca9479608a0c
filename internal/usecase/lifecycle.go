package usecase

import (
	"fmt"
	"time"

	"github.com/feedpulse/signalpipe/internal/domain"
)

// Lifecycle assigns posts to checkpoint stages, merges scraped snapshots,
// drives the velocity classifier, and enforces the D21 gate.
type Lifecycle struct {
	Posts      domain.PostRepository
	Metrics    domain.CheckpointMetricsStore
	Signals    domain.SignalStore
	Queue      domain.QueueStore
	Classifier *Classifier
}

// NewLifecycle constructs a Lifecycle usecase over its collaborating ports.
func NewLifecycle(posts domain.PostRepository, metrics domain.CheckpointMetricsStore, signals domain.SignalStore, queue domain.QueueStore, classifier *Classifier) *Lifecycle {
	return &Lifecycle{Posts: posts, Metrics: metrics, Signals: signals, Queue: queue, Classifier: classifier}
}

// AssignCheckpoint resolves the non-forced checkpoint from a post's age.
// Forced checkpoints (d3/d7/d21) always come from the post-queue job
// instead of this function.
func AssignCheckpoint(ageHours float64) domain.Checkpoint {
	switch {
	case ageHours < 48:
		return domain.CheckpointD1
	case ageHours < 168:
		return domain.CheckpointD3
	case ageHours < 504:
		return domain.CheckpointD7
	default:
		return domain.CheckpointD21
	}
}

// StageLabel renders the user-visible stage label for a checkpoint. D2
// means "d1 snapshot, age >= 24h" per the glossary.
func StageLabel(c domain.Checkpoint, ageHours float64) string {
	switch c {
	case domain.CheckpointD1:
		if ageHours < 24 {
			return "D1"
		}
		return "D2"
	case domain.CheckpointD3:
		return "D3"
	case domain.CheckpointD7:
		return "D7"
	case domain.CheckpointD21:
		return "D21"
	default:
		return ""
	}
}

// ApplyScrape merges a scraped checkpoint triple into the post's snapshot,
// re-runs the velocity classifier against the refreshed snapshot, and writes
// the derived checkpoint metric and the last-write-wins post signal. The
// stored metric is returned so callers can project it.
func (l *Lifecycle) ApplyScrape(ctx domain.Context, feedID int64, feederID *int64, subscriberID int64, handle string, checkpoint domain.Checkpoint, sp domain.ScrapedPost, ageHours float64) (domain.CheckpointMetric, error) {
	triple := domain.CheckpointTriple{Views: sp.Views, Likes: sp.Likes, Comments: sp.Comments}
	if err := l.Posts.MergeSnapshot(ctx, subscriberID, handle, sp.PostURL, checkpoint, triple, sp.MediaType); err != nil {
		return domain.CheckpointMetric{}, fmt.Errorf("op=lifecycle.apply_scrape.merge: %w", err)
	}

	snapshot, err := l.Posts.GetSnapshot(ctx, subscriberID, handle, sp.PostURL)
	if err != nil {
		return domain.CheckpointMetric{}, fmt.Errorf("op=lifecycle.apply_scrape.snapshot: %w", err)
	}
	mediaType := snapshot.MediaType
	if mediaType == "" {
		mediaType = sp.MediaType
	}

	result, err := l.Classifier.Classify(ctx, subscriberID, handle, mediaType, checkpoint, snapshot)
	if err != nil {
		return domain.CheckpointMetric{}, fmt.Errorf("op=lifecycle.apply_scrape.classify: %w", err)
	}

	stage := StageLabel(checkpoint, ageHours)
	metric := domain.CheckpointMetric{
		FeedID: feedID, FeederID: feederID, SubscriberID: subscriberID, Handle: handle, PostURL: sp.PostURL,
		MediaType: mediaType, Checkpoint: checkpoint, MetricValue: result.MetricValue, VelocityValue: result.VelocityValue,
		VelocityTag: result.Tag, LateBloomer: result.LateBloomer, VelocityPercentile: result.Percentile, StageLabel: stage,
	}
	if err := l.Metrics.Upsert(ctx, metric); err != nil {
		return domain.CheckpointMetric{}, fmt.Errorf("op=lifecycle.apply_scrape.metric_upsert: %w", err)
	}

	signal := domain.PostSignal{
		SubscriberID: subscriberID, Handle: handle, PostURL: sp.PostURL,
		VelocityTag: result.Tag, LateBloomer: result.LateBloomer, VelocityStage: stage, VelocityPercentile: result.Percentile,
	}
	if err := l.Signals.Upsert(ctx, signal); err != nil {
		return domain.CheckpointMetric{}, fmt.Errorf("op=lifecycle.apply_scrape.signal_upsert: %w", err)
	}
	return metric, nil
}

// IngestPost writes a newly observed post's core provenance, applies its
// age-resolved checkpoint, and enqueues its future d3/d7/d21 checkpoint jobs.
func (l *Lifecycle) IngestPost(ctx domain.Context, feedID int64, feederID *int64, subscriberID int64, handle string, sp domain.ScrapedPost, now time.Time) (domain.CheckpointMetric, error) {
	core := domain.PostCore{
		SubscriberID: subscriberID, Handle: handle, PostURL: sp.PostURL, FeederID: feederID,
		MediaType: sp.MediaType, PostedAt: sp.PostedAt, Caption: sp.Caption, Tags: sp.Tags,
		Mentions: sp.Mentions, MediaURLs: sp.MediaURLs, DurationSec: sp.DurationSec,
	}
	if err := l.Posts.UpsertCore(ctx, core); err != nil {
		return domain.CheckpointMetric{}, fmt.Errorf("op=lifecycle.ingest_post.upsert_core: %w", err)
	}

	ageHours := now.Sub(sp.PostedAt).Hours()
	checkpoint := AssignCheckpoint(ageHours)
	metric, err := l.ApplyScrape(ctx, feedID, feederID, subscriberID, handle, checkpoint, sp, ageHours)
	if err != nil {
		return domain.CheckpointMetric{}, err
	}
	if err := l.Queue.EnqueuePostCheckpoints(ctx, subscriberID, handle, sp.PostURL, sp.PostedAt); err != nil {
		return domain.CheckpointMetric{}, fmt.Errorf("op=lifecycle.ingest_post.enqueue_checkpoints: %w", err)
	}
	return metric, nil
}

// EvaluateD21Gate re-derives the D7 classification from the post's existing
// snapshot to decide whether a scheduled d21 checkpoint job should proceed.
// It consumes no scrape and makes no writes.
func (l *Lifecycle) EvaluateD21Gate(ctx domain.Context, subscriberID int64, handle, postURL string) (hot bool, d7 ClassificationResult, err error) {
	snapshot, err := l.Posts.GetSnapshot(ctx, subscriberID, handle, postURL)
	if err != nil {
		if err == domain.ErrNotFound {
			return false, ClassificationResult{Tag: domain.TagInsufficientData}, nil
		}
		return false, ClassificationResult{}, fmt.Errorf("op=lifecycle.evaluate_d21_gate.snapshot: %w", err)
	}
	result, err := l.Classifier.Classify(ctx, subscriberID, handle, snapshot.MediaType, domain.CheckpointD7, snapshot)
	if err != nil {
		return false, ClassificationResult{}, fmt.Errorf("op=lifecycle.evaluate_d21_gate.classify: %w", err)
	}
	return result.Tag.IsHot(), result, nil
}

// SkipD21 records the gate-miss outcome: the post-queue job transitions to
// skipped (no d21 snapshot is ever written) while the post signal is
// rewritten from the D7 classification so the user-visible label stays
// current, keeping the D7 stage and percentile it was derived from.
func (l *Lifecycle) SkipD21(ctx domain.Context, jobID int64, subscriberID int64, handle, postURL string, d7 ClassificationResult) error {
	signal := domain.PostSignal{
		SubscriberID: subscriberID, Handle: handle, PostURL: postURL,
		VelocityTag: d7.Tag, LateBloomer: d7.LateBloomer, VelocityStage: "D7", VelocityPercentile: d7.Percentile,
	}
	if err := l.Signals.Upsert(ctx, signal); err != nil {
		return fmt.Errorf("op=lifecycle.skip_d21.signal_upsert: %w", err)
	}
	if err := l.Queue.MarkSkipped(ctx, jobID, "d21 gate: d7 tag not hot"); err != nil {
		return fmt.Errorf("op=lifecycle.skip_d21.mark_skipped: %w", err)
	}
	return nil
}
