package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/domain"
)

// fakeAlertQueries is an in-memory usecase.AlertQueries double: each field
// holds the canned row(s) a rule's query should return, nil meaning "no
// candidate found" the same way a ErrNoRows miss does against Postgres.
type fakeAlertQueries struct {
	velocitySpike []postgres.VelocitySpikeRow
	momentumDrop  []postgres.MomentumDropRow
	personalRecord *postgres.PersonalRecordRow
	formatWin      *postgres.FormatWinRow
	sectorWave     *postgres.SectorWaveRow
	breakoutPost   *postgres.BreakoutRow
	timingGapDOW   int
	timingGapCount int
	timingGapFound bool
}

func (f *fakeAlertQueries) VelocitySpikeCandidates(ctx domain.Context, feedID int64, hotSince time.Time, limit int) ([]postgres.VelocitySpikeRow, error) {
	return f.velocitySpike, nil
}

func (f *fakeAlertQueries) MomentumDrop(ctx domain.Context, feedID int64, limit int) ([]postgres.MomentumDropRow, error) {
	return f.momentumDrop, nil
}

func (f *fakeAlertQueries) PersonalRecord(ctx domain.Context, feedID int64) (*postgres.PersonalRecordRow, error) {
	return f.personalRecord, nil
}

func (f *fakeAlertQueries) FormatWin(ctx domain.Context, feedID int64) (*postgres.FormatWinRow, error) {
	return f.formatWin, nil
}

func (f *fakeAlertQueries) SectorWave(ctx domain.Context, feedID int64, since time.Time) (*postgres.SectorWaveRow, error) {
	return f.sectorWave, nil
}

func (f *fakeAlertQueries) BreakoutPost(ctx domain.Context, feedID int64, since time.Time) (*postgres.BreakoutRow, error) {
	return f.breakoutPost, nil
}

func (f *fakeAlertQueries) TimingGap(ctx domain.Context, subscriberID int64) (int, int, bool, error) {
	return f.timingGapDOW, f.timingGapCount, f.timingGapFound, nil
}

// fakeFeederPairStore is an in-memory domain.FeederPairMetricStore.
type fakeFeederPairStore struct {
	pairs []domain.FeederPairMetric
}

func (f *fakeFeederPairStore) TopByRelationScore(ctx domain.Context, feedID int64, windowDays int, since time.Time, limit int) ([]domain.FeederPairMetric, error) {
	return f.pairs, nil
}

// fakePostEmbeddingStore is an in-memory domain.PostEmbeddingStore.
type fakePostEmbeddingStore struct {
	recent []domain.PostEmbedding
}

func (f *fakePostEmbeddingStore) Upsert(ctx domain.Context, e domain.PostEmbedding) error { return nil }

func (f *fakePostEmbeddingStore) RecentBySignalType(ctx domain.Context, feedID int64, signalType string, since time.Time, limit int) ([]domain.PostEmbedding, error) {
	return f.recent, nil
}

// fakeSignalAggregateStore is an in-memory domain.SignalAggregateStore.
type fakeSignalAggregateStore struct {
	replaced map[string][]domain.SignalAggregate
	topSat   *domain.SignalAggregate
}

func (f *fakeSignalAggregateStore) Replace(ctx domain.Context, feedID int64, windowKey string, rows []domain.SignalAggregate) error {
	if f.replaced == nil {
		f.replaced = make(map[string][]domain.SignalAggregate)
	}
	f.replaced[windowKey] = rows
	return nil
}

func (f *fakeSignalAggregateStore) TopSaturated(ctx domain.Context, feedID int64, windowKey string, minSaturation, minConfidence float64, since time.Time) (*domain.SignalAggregate, error) {
	return f.topSat, nil
}

// fakeAlertCandidateStore is an in-memory domain.AlertCandidateStore that
// rejects a candidate repeating an already inserted (feed, alert_type, title).
type fakeAlertCandidateStore struct {
	state    map[int64]domain.AlertEngineState
	inserted []domain.AlertCandidate
	recentTypes map[int64]map[string]struct{}
}

func newFakeAlertCandidateStore() *fakeAlertCandidateStore {
	return &fakeAlertCandidateStore{
		state:       make(map[int64]domain.AlertEngineState),
		recentTypes: make(map[int64]map[string]struct{}),
	}
}

func (f *fakeAlertCandidateStore) RecentTypes(ctx domain.Context, feedID int64, since time.Time) (map[string]struct{}, error) {
	if set, ok := f.recentTypes[feedID]; ok {
		return set, nil
	}
	return map[string]struct{}{}, nil
}

func (f *fakeAlertCandidateStore) Upsert(ctx domain.Context, c domain.AlertCandidate) (bool, error) {
	for _, existing := range f.inserted {
		if existing.FeedID == c.FeedID && existing.AlertType == c.AlertType && existing.Title == c.Title {
			return false, nil
		}
	}
	f.inserted = append(f.inserted, c)
	return true, nil
}

func (f *fakeAlertCandidateStore) GetEngineState(ctx domain.Context, feedID int64) (domain.AlertEngineState, error) {
	return f.state[feedID], nil
}

func (f *fakeAlertCandidateStore) MarkScan(ctx domain.Context, feedID int64, hotScanAt, patternScanAt time.Time) error {
	f.state[feedID] = domain.AlertEngineState{FeedID: feedID, LastHotScanAt: &hotScanAt, LastPatternScanAt: &patternScanAt}
	return nil
}

// newTestAlertEngine builds an AlertEngine wired to fakes, overridable per test.
func newTestAlertEngine(queries *fakeAlertQueries, pairs *fakeFeederPairStore, embeddings *fakePostEmbeddingStore, alerts *fakeAlertCandidateStore, aggregates *fakeSignalAggregateStore) *AlertEngine {
	return NewAlertEngine(nil, pairs, embeddings, alerts, aggregates, queries, 3)
}

func marketFeed(id int64) domain.Feed {
	return domain.Feed{ID: id, SubscriberID: 1, Mode: domain.FeedModeMarket}
}

func anchorFeed(id int64) domain.Feed {
	return domain.Feed{ID: id, SubscriberID: 1, Mode: domain.FeedModeAnchor}
}

func TestAlertEngine_VelocitySpike(t *testing.T) {
	queries := &fakeAlertQueries{velocitySpike: []postgres.VelocitySpikeRow{
		{FeederID: ptr(int64(7)), Handle: "acct", PostURL: "u1", Tag: "🔥", Stage: "D3", Percentile: "11%", Velocity: 100},
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	n, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "velocity_spike", alerts.inserted[0].AlertType)
	assert.Equal(t, int64(7), *alerts.inserted[0].FeederID)
}

func TestAlertEngine_MomentumDrop(t *testing.T) {
	queries := &fakeAlertQueries{momentumDrop: []postgres.MomentumDropRow{
		{FeederID: ptr(int64(2)), Handle: "acct", PostURL: "u2", V1: 100, V3: 50},
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	_, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "momentum_drop", alerts.inserted[0].AlertType)
	assert.Contains(t, alerts.inserted[0].Body, "50%")
}

func TestAlertEngine_PersonalRecord(t *testing.T) {
	queries := &fakeAlertQueries{personalRecord: &postgres.PersonalRecordRow{
		FeederID: ptr(int64(3)), Handle: "acct", PostURL: "u3", MetricValue: 9000,
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	_, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "personal_record", alerts.inserted[0].AlertType)
}

func TestAlertEngine_FormatWin(t *testing.T) {
	queries := &fakeAlertQueries{formatWin: &postgres.FormatWinRow{
		FeederID: ptr(int64(4)), Handle: "acct", MediaType: "video", AvgVelocity: 500, SampleSize: 5,
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	_, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "format_win", alerts.inserted[0].AlertType)
}

func TestAlertEngine_SectorFatigue(t *testing.T) {
	queries := &fakeAlertQueries{}
	aggregates := &fakeSignalAggregateStore{topSat: &domain.SignalAggregate{
		FeedID: 1, SignalKey: "video", AdoptionRate: 0.6, VelocityDelta: -5, SaturationScore: 0.7, Confidence: 0.8,
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, aggregates)

	_, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "sector_fatigue", alerts.inserted[0].AlertType)
	assert.InDelta(t, 0.8, alerts.inserted[0].ConfidenceScore, 1e-9)
}

func TestAlertEngine_SectorWave(t *testing.T) {
	queries := &fakeAlertQueries{sectorWave: &postgres.SectorWaveRow{MediaType: "reel", SampleN: 6, HotRate: 0.5}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	_, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "sector_wave", alerts.inserted[0].AlertType)
}

func TestAlertEngine_BreakoutPost(t *testing.T) {
	queries := &fakeAlertQueries{breakoutPost: &postgres.BreakoutRow{
		FeederID: ptr(int64(9)), Handle: "acct", PostURL: "u9", Percentile: "2%", Velocity: 1000,
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	_, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "breakout_post", alerts.inserted[0].AlertType)
}

// TestAlertEngine_VisualMimicry plants two embeddings from different feeders
// whose cosine similarity clears the 0.93 threshold, and one pair below it,
// and expects only the over-threshold cross-feeder pair to surface, pointing
// at the later-posted feeder.
func TestAlertEngine_VisualMimicry(t *testing.T) {
	feederA, feederB := int64(1), int64(2)
	embeddings := &fakePostEmbeddingStore{recent: []domain.PostEmbedding{
		{FeederID: &feederA, Handle: "alpha", PostURL: "pa", Embedding: []float32{1, 0, 0}},
		{FeederID: &feederB, Handle: "beta", PostURL: "pb", Embedding: []float32{0.99, 0.05, 0}},
		{FeederID: &feederB, Handle: "beta", PostURL: "pb2", Embedding: []float32{0, 1, 0}},
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(&fakeAlertQueries{}, &fakeFeederPairStore{}, embeddings, alerts, &fakeSignalAggregateStore{})

	_, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, "visual_mimicry", alerts.inserted[0].AlertType)
	assert.Equal(t, "competitive", alerts.inserted[0].AlertCategory)
	assert.Equal(t, &feederB, alerts.inserted[0].FeederID)
}

func TestAlertEngine_VisualMimicry_SameFeederIgnored(t *testing.T) {
	feederA := int64(1)
	embeddings := &fakePostEmbeddingStore{recent: []domain.PostEmbedding{
		{FeederID: &feederA, Handle: "alpha", PostURL: "pa", Embedding: []float32{1, 0, 0}},
		{FeederID: &feederA, Handle: "alpha", PostURL: "pa2", Embedding: []float32{1, 0, 0}},
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(&fakeAlertQueries{}, &fakeFeederPairStore{}, embeddings, alerts, &fakeSignalAggregateStore{})

	n, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, alerts.inserted)
}

// TestAlertEngine_CompetitiveGatedByAnchorMode verifies that circle_leader
// and timing_gap never fire for a market-mode feed, even when their source
// data would otherwise qualify.
func TestAlertEngine_CompetitiveGatedByAnchorMode(t *testing.T) {
	pairs := &fakeFeederPairStore{pairs: []domain.FeederPairMetric{
		{FeedID: 1, FeederID: 5, VelocityDelta: 12, PerfDelta: 3, RelationScore: 0.9, SampleSize: 10},
	}}
	queries := &fakeAlertQueries{timingGapFound: true, timingGapDOW: 2, timingGapCount: 1}
	alerts := newFakeAlertCandidateStore()

	market := newTestAlertEngine(queries, pairs, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})
	n, err := market.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	for _, c := range alerts.inserted {
		assert.NotEqual(t, "circle_leader", c.AlertType)
		assert.NotEqual(t, "timing_gap", c.AlertType)
	}
}

func TestAlertEngine_CompetitiveOnlyForAnchorFeeds(t *testing.T) {
	pairs := &fakeFeederPairStore{pairs: []domain.FeederPairMetric{
		{FeedID: 2, FeederID: 5, VelocityDelta: 12, PerfDelta: 3, RelationScore: 0.9, SampleSize: 10},
		{FeedID: 2, FeederID: 6, VelocityDelta: 2, PerfDelta: 1, RelationScore: 0.2, SampleSize: 1},
	}}
	queries := &fakeAlertQueries{timingGapFound: true, timingGapDOW: 2, timingGapCount: 1}
	alerts := newFakeAlertCandidateStore()

	engine := newTestAlertEngine(queries, pairs, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})
	n, err := engine.RunFeed(context.Background(), anchorFeed(2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var types []string
	for _, c := range alerts.inserted {
		types = append(types, c.AlertType)
	}
	assert.Contains(t, types, "circle_leader")
	assert.Contains(t, types, "timing_gap")
}

// TestAlertEngine_CircleLeaderRequiresSampleSize checks the sample_size >= 4
// gate: a pair below the floor never becomes circle_leader even in anchor mode.
func TestAlertEngine_CircleLeaderRequiresSampleSize(t *testing.T) {
	pairs := &fakeFeederPairStore{pairs: []domain.FeederPairMetric{
		{FeedID: 2, FeederID: 5, VelocityDelta: 12, PerfDelta: 3, RelationScore: 0.9, SampleSize: 3},
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(&fakeAlertQueries{}, pairs, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	n, err := engine.RunFeed(context.Background(), anchorFeed(2))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestAlertEngine_SuppressesRecentTypes checks that an alert_type already
// emitted for the feed within the last 24h is never regenerated, via the
// recent-types set each stream consults.
func TestAlertEngine_SuppressesRecentTypes(t *testing.T) {
	queries := &fakeAlertQueries{
		velocitySpike: []postgres.VelocitySpikeRow{{FeederID: ptr(int64(1)), Handle: "a", PostURL: "u", Tag: "🔥"}},
		personalRecord: &postgres.PersonalRecordRow{FeederID: ptr(int64(1)), Handle: "a", PostURL: "u2", MetricValue: 10},
	}
	alerts := newFakeAlertCandidateStore()
	alerts.recentTypes[1] = map[string]struct{}{"velocity_spike": {}}

	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})
	n, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "personal_record", alerts.inserted[0].AlertType)
}

// TestAlertEngine_DedupeAcrossScans exercises scenario 6: two scans of the
// same feed, both qualifying the same rule with the same title, must yield
// exactly one alert_candidates row, enforced here by the fake store's
// (feed, alert_type, title) uniqueness check mirroring the Postgres adapter.
func TestAlertEngine_DedupeAcrossScans(t *testing.T) {
	queries := &fakeAlertQueries{velocitySpike: []postgres.VelocitySpikeRow{
		{FeederID: ptr(int64(1)), Handle: "acct", PostURL: "u1", Tag: "🔥"},
	}}
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	n1, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	n2, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)

	assert.Equal(t, 1, n1)
	assert.Equal(t, 0, n2)
	assert.Len(t, alerts.inserted, 1)
}

// TestAlertEngine_PrioritySortAndTruncation stacks five qualifying rules
// against MaxPerFeed=3 and checks the survivors are exactly the three with
// the highest priority() score, in descending order.
func TestAlertEngine_PrioritySortAndTruncation(t *testing.T) {
	queries := &fakeAlertQueries{
		velocitySpike: []postgres.VelocitySpikeRow{{FeederID: ptr(int64(1)), Handle: "a", PostURL: "u1", Tag: "🔥"}}, // impact .9
		momentumDrop: []postgres.MomentumDropRow{{FeederID: ptr(int64(2)), Handle: "b", PostURL: "u2", V1: 100, V3: 50}}, // impact .78
		personalRecord: &postgres.PersonalRecordRow{FeederID: ptr(int64(3)), Handle: "c", PostURL: "u3", MetricValue: 5}, // impact .86
		formatWin: &postgres.FormatWinRow{FeederID: ptr(int64(4)), Handle: "d", MediaType: "video", AvgVelocity: 1, SampleSize: 3}, // impact .72
	}
	aggregates := &fakeSignalAggregateStore{topSat: &domain.SignalAggregate{FeedID: 1, SignalKey: "video", Confidence: 0.8}} // impact .8
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(queries, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, aggregates)
	engine.MaxPerFeed = 3

	n, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, alerts.inserted, 3)

	types := []string{alerts.inserted[0].AlertType, alerts.inserted[1].AlertType, alerts.inserted[2].AlertType}
	assert.Equal(t, []string{"velocity_spike", "personal_record", "momentum_drop"}, types)

	for i := 1; i < len(alerts.inserted); i++ {
		assert.GreaterOrEqual(t, alerts.inserted[i-1].PriorityScore, alerts.inserted[i].PriorityScore)
	}
}

// TestAlertEngine_NoCandidatesStillAdvancesWatermarks checks that a feed with
// no qualifying rule still records its scan watermarks, so a later scan's
// RecentTypes/patternSince windows are anchored correctly.
func TestAlertEngine_NoCandidatesStillAdvancesWatermarks(t *testing.T) {
	alerts := newFakeAlertCandidateStore()
	engine := newTestAlertEngine(&fakeAlertQueries{}, &fakeFeederPairStore{}, &fakePostEmbeddingStore{}, alerts, &fakeSignalAggregateStore{})

	n, err := engine.RunFeed(context.Background(), marketFeed(1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	state, ok := alerts.state[1]
	require.True(t, ok)
	assert.NotNil(t, state.LastHotScanAt)
	assert.NotNil(t, state.LastPatternScanAt)
}

func ptr[T any](v T) *T { return &v }
