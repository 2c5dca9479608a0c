package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/signalpipe/internal/domain"
)

func newTestWorker() (*Worker, *fakeQueueStore, *fakeCircuitBreaker, *fakeScraperClient, *fakeFeedRepo) {
	queue := newFakeQueueStore()
	breaker := &fakeCircuitBreaker{}
	scraper := &fakeScraperClient{}
	feeds := &fakeFeedRepo{defaultFeedID: 1}
	posts := newFakePostRepo()
	metrics := newFakeMetricsStore()
	signals := newFakeSignalStore()
	lifecycle := NewLifecycle(posts, metrics, signals, queue, NewClassifier(posts))

	w := &Worker{
		Queue: queue, Breaker: breaker, Scraper: scraper, Feeds: feeds, Lifecycle: lifecycle,
		Retry:                domain.RetryPolicy{Slots: []time.Duration{15 * time.Minute, 15 * time.Minute}},
		CircuitTriggerN:      3,
		CircuitCooldownHours: 1,
		BatchSize:            5,
		IdleInterval:         time.Millisecond,
	}
	return w, queue, breaker, scraper, feeds
}

func TestWorker_CircuitBreakerPauseBouncesJobWithoutConsumingAttempt(t *testing.T) {
	w, queue, breaker, _, _ := newTestWorker()
	ctx := context.Background()

	pauseUntil := time.Now().Add(30 * time.Minute)
	breaker.pauseUntil = &pauseUntil

	job := domain.QueueJob{ID: 1, Kind: domain.QueueHandle, SubscriberID: 1, Handle: "h", Attempt: 2, Status: domain.JobRunning}
	queue.jobs = append(queue.jobs, &job)

	w.runHandleJob(ctx, job)

	got := queue.findJob(1)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobRetry, got.Status)
	assert.Equal(t, 2, got.Attempt, "pause bounce must not consume the attempt budget")
	assert.WithinDuration(t, pauseUntil, got.NextRunAt, time.Second)
}

func TestWorker_HandleJobSuccess_IngestsPostsAndMarksDone(t *testing.T) {
	w, queue, _, scraper, _ := newTestWorker()
	ctx := context.Background()

	likes := int64(42)
	scraper.dailyPosts = map[string][]domain.ScrapedPost{
		"creator": {{PostURL: "https://x/1", MediaType: "image", PostedAt: time.Now().Add(-time.Hour), Likes: &likes}},
	}

	job := domain.QueueJob{ID: 5, Kind: domain.QueueHandle, SubscriberID: 1, Handle: "creator", RunType: domain.RunTypeDaily, Status: domain.JobRunning}
	queue.jobs = append(queue.jobs, &job)

	w.runHandleJob(ctx, job)

	got := queue.findJob(5)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobDone, got.Status)

	// ingesting the post should have enqueued its d3/d7/d21 checkpoint jobs.
	postJobs := 0
	for _, j := range queue.jobs {
		if j.Kind == domain.QueuePost {
			postJobs++
		}
	}
	assert.Equal(t, 3, postJobs)
}

func TestWorker_HandleJobFailure_RetriesWithBackoffAndTripsBreaker(t *testing.T) {
	w, queue, breaker, scraper, _ := newTestWorker()
	ctx := context.Background()
	scraper.dailyErr = errors.New("upstream 500")

	job := domain.QueueJob{ID: 7, Kind: domain.QueueHandle, SubscriberID: 1, Handle: "creator", Attempt: 0, Status: domain.JobRunning}
	queue.jobs = append(queue.jobs, &job)

	w.runHandleJob(ctx, job)

	got := queue.findJob(7)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobRetry, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, 1, breaker.consecutiveFailures)
}

func TestWorker_HandleJobFailure_TerminalAfterBackoffExhausted(t *testing.T) {
	w, queue, _, scraper, _ := newTestWorker()
	ctx := context.Background()
	scraper.dailyErr = errors.New("upstream 500")

	// attempt already equals len(Retry.Slots) -> schedule exhausted.
	job := domain.QueueJob{ID: 8, Kind: domain.QueueHandle, SubscriberID: 1, Handle: "creator", Attempt: 2, Status: domain.JobRunning}
	queue.jobs = append(queue.jobs, &job)

	w.runHandleJob(ctx, job)

	got := queue.findJob(8)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobFailed, got.Status)
}

func TestWorker_PostBatch_D21GateSkipsWithoutScraping(t *testing.T) {
	w, queue, _, _, _ := newTestWorker()
	ctx := context.Background()

	// no snapshot exists for this post -> classifier returns insufficient
	// data -> not hot -> gate must skip, never touching the scraper.
	job := domain.QueueJob{
		ID: 20, Kind: domain.QueuePost, SubscriberID: 1, Handle: "h", PostURL: "https://x/gate",
		Checkpoint: domain.CheckpointD21, RequiresD7Hot: true, Status: domain.JobRunning,
	}
	queue.jobs = append(queue.jobs, &job)

	w.runPostBatch(ctx, []domain.QueueJob{job})

	got := queue.findJob(20)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobSkipped, got.Status)
}

func TestWorker_PostBatch_MissingURLInResponseRetries(t *testing.T) {
	w, queue, _, scraper, _ := newTestWorker()
	ctx := context.Background()

	job := domain.QueueJob{
		ID: 21, Kind: domain.QueuePost, SubscriberID: 1, Handle: "h", PostURL: "https://x/missing",
		Checkpoint: domain.CheckpointD3, Status: domain.JobRunning,
	}
	queue.jobs = append(queue.jobs, &job)
	scraper.batchResults = map[string]domain.ScrapedPost{} // response omits the URL

	w.runPostBatch(ctx, []domain.QueueJob{job})

	got := queue.findJob(21)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobRetry, got.Status)
}

func TestWorker_PostBatch_ScraperFailureTripsBreakerAndRetriesAll(t *testing.T) {
	w, queue, breaker, scraper, _ := newTestWorker()
	ctx := context.Background()
	scraper.batchErr = errors.New("batch timeout")

	jobs := []domain.QueueJob{
		{ID: 30, Kind: domain.QueuePost, SubscriberID: 1, Handle: "h", PostURL: "https://x/a", Checkpoint: domain.CheckpointD3, Status: domain.JobRunning},
		{ID: 31, Kind: domain.QueuePost, SubscriberID: 1, Handle: "h", PostURL: "https://x/b", Checkpoint: domain.CheckpointD3, Status: domain.JobRunning},
	}
	for i := range jobs {
		queue.jobs = append(queue.jobs, &jobs[i])
	}

	w.runPostBatch(ctx, jobs)

	for _, id := range []int64{30, 31} {
		got := queue.findJob(id)
		require.NotNil(t, got)
		assert.Equal(t, domain.JobRetry, got.Status)
	}
	assert.Equal(t, 1, breaker.consecutiveFailures)
}

func TestWorker_HandleJobSuccess_ProjectsRowsToSpreadsheet(t *testing.T) {
	w, queue, _, scraper, _ := newTestWorker()
	projector := &fakeProjector{}
	w.Projector = projector
	w.SheetHeaders = []string{"post_url", "posted_at", "handle", "velocity"}
	ctx := context.Background()

	likes := int64(42)
	scraper.dailyPosts = map[string][]domain.ScrapedPost{
		"creator": {{PostURL: "https://x/1", MediaType: "image", PostedAt: time.Now().Add(-time.Hour), Likes: &likes}},
	}

	job := domain.QueueJob{ID: 40, Kind: domain.QueueHandle, SubscriberID: 1, SpreadsheetID: "sheet-1", Handle: "creator", RunType: domain.RunTypeDaily, Status: domain.JobRunning}
	queue.jobs = append(queue.jobs, &job)

	w.runHandleJob(ctx, job)

	require.Len(t, projector.ensuredHeaders, 1)
	require.Len(t, projector.upserted, 1)
	assert.Equal(t, "sheet-1", projector.upserted[0].SpreadsheetID)
	require.Len(t, projector.upserted[0].Rows, 1)
	assert.Equal(t, "https://x/1", projector.upserted[0].Rows[0]["post_url"])
	assert.Equal(t, []string{"sheet-1"}, projector.sorted)
}

func TestWorker_HandleJob_NoSpreadsheetSkipsProjection(t *testing.T) {
	w, queue, _, scraper, _ := newTestWorker()
	projector := &fakeProjector{}
	w.Projector = projector
	w.SheetHeaders = []string{"post_url"}
	ctx := context.Background()

	likes := int64(7)
	scraper.dailyPosts = map[string][]domain.ScrapedPost{
		"creator": {{PostURL: "https://x/2", MediaType: "image", PostedAt: time.Now().Add(-time.Hour), Likes: &likes}},
	}

	job := domain.QueueJob{ID: 41, Kind: domain.QueueHandle, SubscriberID: 1, Handle: "creator", RunType: domain.RunTypeDaily, Status: domain.JobRunning}
	queue.jobs = append(queue.jobs, &job)

	w.runHandleJob(ctx, job)

	assert.Empty(t, projector.ensuredHeaders)
	assert.Empty(t, projector.upserted)
	got := queue.findJob(41)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobDone, got.Status)
}

func TestProjectionRow_RendersMetricAndScrapeFields(t *testing.T) {
	views := int64(1200)
	likes := int64(90)
	sp := domain.ScrapedPost{
		PostURL: "https://x/3", MediaType: "video",
		PostedAt: time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC),
		Views:    &views, Likes: &likes,
		Tags: []string{"a", "b"},
	}
	m := domain.CheckpointMetric{
		Handle: "creator", MediaType: "video", Checkpoint: domain.CheckpointD1,
		VelocityTag: domain.TagFire, VelocityPercentile: "11%", StageLabel: "D1",
	}
	row := projectionRow(sp, m, time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))

	assert.Equal(t, "https://x/3", row["post_url"])
	assert.Equal(t, "2026-07-01 09:30", row["posted_at"])
	assert.Equal(t, "🔥", row["velocity"])
	assert.Equal(t, "11%", row["velocity_percentile"])
	assert.Equal(t, "D1", row["velocity_stage"])
	assert.Equal(t, "1200", row["views"])
	assert.Equal(t, "90", row["likes"])
	assert.Equal(t, "a, b", row["hashtags"])

	// the sentinel tag renders as an empty velocity cell.
	m.VelocityTag = domain.TagInsufficientData
	m.VelocityPercentile = ""
	row = projectionRow(sp, m, time.Now())
	assert.Equal(t, "", row["velocity"])
}
