package usecase

import (
	"time"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/domain"
)

// aggregateWindows are the checkpoint windows the rebuild runs over.
var aggregateWindows = []domain.Checkpoint{domain.CheckpointD1, domain.CheckpointD3, domain.CheckpointD7, domain.CheckpointD21}

// Aggregator rebuilds per-feed signal aggregates from checkpoint metrics:
// rows grouped by media type and by velocity tag, each scored against the
// (feed, window) baseline, replacing the prior window wholesale.
type Aggregator struct {
	Feeds       domain.FeedRepository
	Aggregates  *postgres.AggregatesRepo
	LookbackDays int
}

// NewAggregator constructs an Aggregator. lookbackDays bounds how far back
// the weighted-velocity queries look.
func NewAggregator(feeds domain.FeedRepository, aggregates *postgres.AggregatesRepo, lookbackDays int) *Aggregator {
	return &Aggregator{Feeds: feeds, Aggregates: aggregates, LookbackDays: lookbackDays}
}

// RunAll rebuilds aggregates across every checkpoint window for every feed,
// or for one subscriber's feeds when subscriberID is set.
func (a *Aggregator) RunAll(ctx domain.Context, subscriberID *int64) error {
	feeds, err := a.Feeds.AllFeeds(ctx, subscriberID)
	if err != nil {
		return err
	}
	for _, feed := range feeds {
		for _, window := range aggregateWindows {
			if err := a.RunFeedWindow(ctx, feed.ID, window); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunFeedWindow rebuilds the signal_aggregates rows for one (feed, window)
// pair: rows grouped by media type and rows grouped by velocity tag, each
// compared with the window's baseline summary and carrying a saturation
// score and confidence derived from sample size.
func (a *Aggregator) RunFeedWindow(ctx domain.Context, feedID int64, window domain.Checkpoint) error {
	summary, err := a.Aggregates.WindowSummary(ctx, feedID, string(window), a.LookbackDays)
	if err != nil {
		return err
	}

	var rows []domain.SignalAggregate
	now := time.Now()

	byMediaType, err := a.Aggregates.GroupedByMediaType(ctx, feedID, string(window), a.LookbackDays)
	if err != nil {
		return err
	}
	for _, g := range byMediaType {
		rows = append(rows, buildAggregate(feedID, "media_type", g, summary, now))
	}

	byTag, err := a.Aggregates.GroupedByVelocityTag(ctx, feedID, string(window), a.LookbackDays)
	if err != nil {
		return err
	}
	for _, g := range byTag {
		rows = append(rows, buildAggregate(feedID, "velocity_tag", g, summary, now))
	}

	return a.Aggregates.Replace(ctx, feedID, string(window), rows)
}

// buildAggregate derives adoption rate, velocity delta against the window
// baseline, a saturation score, and a confidence score from sample size, for
// one grouped row. Confidence is min(1, n/15) for media_type groups and
// min(1, n/12) for velocity_tag groups; saturation_score is
// clamp01(adoption_rate * (1.0 if velocity_delta<=0 else 0.5)): a group that
// is both common and no longer accelerating is saturated, while one still
// accelerating is only half-weighted however common it is.
func buildAggregate(feedID int64, signalType string, g postgres.GroupedMetric, summary postgres.WindowSummary, now time.Time) domain.SignalAggregate {
	adoption := 0.0
	if summary.TotalRows > 0 {
		adoption = float64(g.SampleSize) / float64(summary.TotalRows)
	}
	velocityDelta := g.AvgVelocity - summary.BaseVelocity

	saturationFactor := 0.5
	if velocityDelta <= 0 {
		saturationFactor = 1.0
	}
	saturation := clamp01(adoption * saturationFactor)
	confidenceDivisor := 15.0
	if signalType == "velocity_tag" {
		confidenceDivisor = 12.0
	}
	confidence := clamp01(float64(g.SampleSize) / confidenceDivisor)

	return domain.SignalAggregate{
		FeedID:          feedID,
		SignalType:      signalType,
		SignalKey:       g.SignalKey,
		AdoptionRate:    adoption,
		VelocityDelta:   velocityDelta,
		SaturationScore: saturation,
		Confidence:      confidence,
		SampleSize:      g.SampleSize,
		UpdatedAt:       now,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
