package usecase

import (
	"fmt"
	"log/slog"

	"github.com/feedpulse/signalpipe/internal/domain"
)

// Scheduler enumerates subscribers and their feeders for `schedule
// --run_type`, reconciling feeder rosters before enqueuing handle-queue
// work.
type Scheduler struct {
	Feeds domain.FeedRepository
	Queue domain.QueueStore
}

// NewScheduler constructs a Scheduler over its collaborating ports.
func NewScheduler(feeds domain.FeedRepository, queue domain.QueueStore) *Scheduler {
	return &Scheduler{Feeds: feeds, Queue: queue}
}

// Run enumerates active subscribers, reconciles each feed's feeder roster,
// and enqueues one handle job per active feeder for the given run type.
func (s *Scheduler) Run(ctx domain.Context, runType domain.RunType) (enqueued int, err error) {
	subs, err := s.Feeds.ActiveSubscribers(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=scheduler.run.active_subscribers: %w", err)
	}

	for _, sub := range subs {
		feeds, err := s.Feeds.FeedsBySubscriber(ctx, sub.ID)
		if err != nil {
			slog.Error("feeds lookup failed", slog.Int64("subscriber_id", sub.ID), slog.Any("error", err))
			continue
		}
		for _, feed := range feeds {
			feeders, err := s.Feeds.Feeders(ctx, feed.ID)
			if err != nil {
				slog.Error("feeders lookup failed", slog.Int64("feed_id", feed.ID), slog.Any("error", err))
				continue
			}
			handles := make([]string, 0, len(feeders))
			for _, f := range feeders {
				if f.Status == domain.FeederActive {
					handles = append(handles, f.Handle)
				}
			}
			if err := s.Feeds.ReconcileFeeders(ctx, feed.ID, handles); err != nil {
				slog.Error("reconcile feeders failed", slog.Int64("feed_id", feed.ID), slog.Any("error", err))
				continue
			}
			for _, handle := range handles {
				if err := s.Queue.EnqueueHandle(ctx, sub.ID, sub.SpreadsheetID, handle, runType); err != nil {
					slog.Error("enqueue handle failed", slog.Int64("subscriber_id", sub.ID), slog.String("handle", handle), slog.Any("error", err))
					continue
				}
				enqueued++
			}
		}
	}
	return enqueued, nil
}
