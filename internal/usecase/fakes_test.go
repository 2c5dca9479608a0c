package usecase

import (
	"sort"
	"time"

	"github.com/feedpulse/signalpipe/internal/domain"
)

// fakeMetricsStore is an in-memory domain.CheckpointMetricsStore.
type fakeMetricsStore struct {
	rows map[string]domain.CheckpointMetric
}

func newFakeMetricsStore() *fakeMetricsStore {
	return &fakeMetricsStore{rows: make(map[string]domain.CheckpointMetric)}
}

func metricKey(subscriberID int64, handle, postURL string, c domain.Checkpoint) string {
	return handle + "|" + postURL + "|" + string(c)
}

func (f *fakeMetricsStore) Upsert(ctx domain.Context, m domain.CheckpointMetric) error {
	f.rows[metricKey(m.SubscriberID, m.Handle, m.PostURL, m.Checkpoint)] = m
	return nil
}

func (f *fakeMetricsStore) Get(ctx domain.Context, subscriberID int64, handle, postURL string, c domain.Checkpoint) (*domain.CheckpointMetric, error) {
	row, ok := f.rows[metricKey(subscriberID, handle, postURL, c)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &row, nil
}

// fakeSignalStore is an in-memory domain.SignalStore.
type fakeSignalStore struct {
	rows map[string]domain.PostSignal
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{rows: make(map[string]domain.PostSignal)}
}

func signalKey(subscriberID int64, handle, postURL string) string {
	return handle + "|" + postURL
}

func (f *fakeSignalStore) Upsert(ctx domain.Context, s domain.PostSignal) error {
	s.UpdatedAt = time.Now()
	f.rows[signalKey(s.SubscriberID, s.Handle, s.PostURL)] = s
	return nil
}

func (f *fakeSignalStore) Get(ctx domain.Context, subscriberID int64, handle, postURL string) (*domain.PostSignal, error) {
	row, ok := f.rows[signalKey(subscriberID, handle, postURL)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &row, nil
}

// fakeQueueStore is an in-memory domain.QueueStore sufficient to exercise
// the lifecycle and worker usecases without a database.
type fakeQueueStore struct {
	nextID  int64
	jobs    []*domain.QueueJob
	enqueuedHandles []struct {
		SubscriberID  int64
		SpreadsheetID string
		Handle        string
		RunType       domain.RunType
	}
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{}
}

func (f *fakeQueueStore) EnqueueHandle(ctx domain.Context, subscriberID int64, spreadsheetID, handle string, runType domain.RunType) error {
	for _, j := range f.jobs {
		if j.Kind == domain.QueueHandle && j.SubscriberID == subscriberID && j.Handle == handle &&
			(j.Status == domain.JobPending || j.Status == domain.JobRetry) {
			return nil
		}
	}
	f.nextID++
	f.jobs = append(f.jobs, &domain.QueueJob{
		ID: f.nextID, Kind: domain.QueueHandle, SubscriberID: subscriberID, SpreadsheetID: spreadsheetID,
		Handle: handle, RunType: runType, Status: domain.JobPending, NextRunAt: time.Now(),
	})
	f.enqueuedHandles = append(f.enqueuedHandles, struct {
		SubscriberID  int64
		SpreadsheetID string
		Handle        string
		RunType       domain.RunType
	}{subscriberID, spreadsheetID, handle, runType})
	return nil
}

func (f *fakeQueueStore) EnqueuePostCheckpoints(ctx domain.Context, subscriberID int64, handle, postURL string, postedAt time.Time) error {
	shapes := []struct {
		c       domain.Checkpoint
		offset  time.Duration
		gated   bool
	}{
		{domain.CheckpointD3, 3 * 24 * time.Hour, false},
		{domain.CheckpointD7, 7 * 24 * time.Hour, false},
		{domain.CheckpointD21, 21 * 24 * time.Hour, true},
	}
	for _, shape := range shapes {
		exists := false
		for _, j := range f.jobs {
			if j.Kind == domain.QueuePost && j.SubscriberID == subscriberID && j.Handle == handle &&
				j.PostURL == postURL && j.Checkpoint == shape.c {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		f.nextID++
		f.jobs = append(f.jobs, &domain.QueueJob{
			ID: f.nextID, Kind: domain.QueuePost, SubscriberID: subscriberID, Handle: handle,
			PostURL: postURL, Checkpoint: shape.c, RequiresD7Hot: shape.gated,
			Status: domain.JobPending, NextRunAt: postedAt.Add(shape.offset),
		})
	}
	return nil
}

func (f *fakeQueueStore) FetchNext(ctx domain.Context, kind domain.QueueKind) (*domain.QueueJob, error) {
	var candidates []*domain.QueueJob
	for _, j := range f.jobs {
		if j.Kind == kind && (j.Status == domain.JobPending || j.Status == domain.JobRetry) && !j.NextRunAt.After(time.Now()) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].NextRunAt.Equal(candidates[j].NextRunAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].NextRunAt.Before(candidates[j].NextRunAt)
	})
	claimed := candidates[0]
	claimed.Status = domain.JobRunning
	cp := *claimed
	return &cp, nil
}

func (f *fakeQueueStore) FetchNextPostBatch(ctx domain.Context, n int) ([]domain.QueueJob, error) {
	var ready []*domain.QueueJob
	for _, j := range f.jobs {
		if j.Kind == domain.QueuePost && (j.Status == domain.JobPending || j.Status == domain.JobRetry) && !j.NextRunAt.After(time.Now()) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].NextRunAt.Equal(ready[j].NextRunAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].NextRunAt.Before(ready[j].NextRunAt)
	})
	anchor := ready[0]
	var batch []domain.QueueJob
	for _, j := range ready {
		if j.SubscriberID == anchor.SubscriberID && j.Handle == anchor.Handle && j.Checkpoint == anchor.Checkpoint {
			j.Status = domain.JobRunning
			batch = append(batch, *j)
			if len(batch) >= n {
				break
			}
		}
	}
	return batch, nil
}

func (f *fakeQueueStore) findJob(id int64) *domain.QueueJob {
	for _, j := range f.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (f *fakeQueueStore) MarkSuccess(ctx domain.Context, jobID int64) error {
	if j := f.findJob(jobID); j != nil {
		j.Status = domain.JobDone
	}
	return nil
}

func (f *fakeQueueStore) MarkRetry(ctx domain.Context, jobID int64, nextRunAt time.Time, lastErr string, consumesAttempt bool) error {
	if j := f.findJob(jobID); j != nil {
		j.Status = domain.JobRetry
		j.NextRunAt = nextRunAt
		j.LastError = lastErr
		if consumesAttempt {
			j.Attempt++
		}
	}
	return nil
}

func (f *fakeQueueStore) MarkFailed(ctx domain.Context, jobID int64, lastErr string) error {
	if j := f.findJob(jobID); j != nil {
		j.Status = domain.JobFailed
		j.LastError = lastErr
	}
	return nil
}

func (f *fakeQueueStore) MarkSkipped(ctx domain.Context, jobID int64, reason string) error {
	if j := f.findJob(jobID); j != nil {
		j.Status = domain.JobSkipped
		j.LastError = reason
	}
	return nil
}

// fakeCircuitBreaker is an in-memory domain.CircuitBreakerStore.
type fakeCircuitBreaker struct {
	consecutiveFailures int
	pauseUntil          *time.Time
	lastError           string
}

func (f *fakeCircuitBreaker) RecordSuccess(ctx domain.Context) error {
	f.consecutiveFailures = 0
	f.pauseUntil = nil
	f.lastError = ""
	return nil
}

func (f *fakeCircuitBreaker) RecordFailure(ctx domain.Context, errMsg string, triggerN int, cooldownHours float64) error {
	f.consecutiveFailures++
	f.lastError = errMsg
	if f.consecutiveFailures >= triggerN {
		until := time.Now().Add(time.Duration(cooldownHours * float64(time.Hour)))
		f.pauseUntil = &until
		f.consecutiveFailures = 0
	}
	return nil
}

func (f *fakeCircuitBreaker) GetPauseUntil(ctx domain.Context) (*time.Time, error) {
	return f.pauseUntil, nil
}

// fakeFeedRepo is an in-memory domain.FeedRepository.
type fakeFeedRepo struct {
	subscribers     []domain.Subscriber
	feedsBySub      map[int64][]domain.Feed
	feedersByFeed   map[int64][]domain.Feeder
	reconciled      map[int64][]string
	defaultFeedID   int64
	defaultFeederID *int64
}

func (f *fakeFeedRepo) ActiveSubscribers(ctx domain.Context) ([]domain.Subscriber, error) {
	return f.subscribers, nil
}

func (f *fakeFeedRepo) FeedsBySubscriber(ctx domain.Context, subscriberID int64) ([]domain.Feed, error) {
	return f.feedsBySub[subscriberID], nil
}

func (f *fakeFeedRepo) Feeders(ctx domain.Context, feedID int64) ([]domain.Feeder, error) {
	return f.feedersByFeed[feedID], nil
}

func (f *fakeFeedRepo) AllFeeds(ctx domain.Context, subscriberID *int64) ([]domain.Feed, error) {
	var out []domain.Feed
	for _, feeds := range f.feedsBySub {
		for _, feed := range feeds {
			if subscriberID == nil || feed.SubscriberID == *subscriberID {
				out = append(out, feed)
			}
		}
	}
	return out, nil
}

func (f *fakeFeedRepo) ReconcileFeeders(ctx domain.Context, feedID int64, handles []string) error {
	if f.reconciled == nil {
		f.reconciled = make(map[int64][]string)
	}
	f.reconciled[feedID] = handles
	return nil
}

func (f *fakeFeedRepo) ResolveFeeder(ctx domain.Context, subscriberID int64, handle string) (int64, *int64, error) {
	return f.defaultFeedID, f.defaultFeederID, nil
}

// fakeScraperClient is an in-memory domain.ScraperClient.
type fakeScraperClient struct {
	dailyPosts   map[string][]domain.ScrapedPost
	weeklyPosts  map[string][]domain.ScrapedPost
	dailyErr     error
	batchResults map[string]domain.ScrapedPost
	batchErr     error
}

func (f *fakeScraperClient) RunDaily(ctx domain.Context, handle string) ([]domain.ScrapedPost, error) {
	if f.dailyErr != nil {
		return nil, f.dailyErr
	}
	return f.dailyPosts[handle], nil
}

func (f *fakeScraperClient) RunWeekly(ctx domain.Context, handle string) ([]domain.ScrapedPost, error) {
	return f.weeklyPosts[handle], nil
}

func (f *fakeScraperClient) RunDetails(ctx domain.Context, handle string) ([]domain.ScrapedPost, error) {
	return nil, nil
}

func (f *fakeScraperClient) RunPostURLBatch(ctx domain.Context, postURLs []string) (map[string]domain.ScrapedPost, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.batchResults, nil
}

// fakeProjector is an in-memory domain.SpreadsheetProjector recording calls.
type fakeProjector struct {
	ensuredHeaders []string
	upserted       []struct {
		SpreadsheetID string
		Rows          []map[string]string
	}
	sorted []string
}

func (f *fakeProjector) EnsureHeader(ctx domain.Context, spreadsheetID string, headers []string) error {
	f.ensuredHeaders = append(f.ensuredHeaders, spreadsheetID)
	return nil
}

func (f *fakeProjector) UpsertRows(ctx domain.Context, spreadsheetID string, rows []map[string]string) error {
	f.upserted = append(f.upserted, struct {
		SpreadsheetID string
		Rows          []map[string]string
	}{spreadsheetID, rows})
	return nil
}

func (f *fakeProjector) SortByPostedAtDesc(ctx domain.Context, spreadsheetID string) error {
	f.sorted = append(f.sorted, spreadsheetID)
	return nil
}
