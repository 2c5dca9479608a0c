package usecase

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/feedpulse/signalpipe/internal/adapter/observability"
	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/domain"
)

var alertUIColors = map[string]string{
	"velocity":     "#CCFF00",
	"competitive":  "#FF2D8A",
	"intelligence": "#39A8FF",
}

var dayOfWeekNames = map[int]string{
	0: "Sunday", 1: "Monday", 2: "Tuesday", 3: "Wednesday",
	4: "Thursday", 5: "Friday", 6: "Saturday",
}

// candidate is the pre-persistence shape of a generated alert, carrying its
// five weighted sub-scores so priority can be computed before the caller
// attaches feed identity and stores it.
type candidate struct {
	FeederID      *int64
	UITab         string
	AlertCategory string
	AlertUrgency  string
	AlertFamily   string
	AlertType     string
	Impact        float64
	Confidence    float64
	Freshness     float64
	Novelty       float64
	Actionability float64
	Title         string
	Body          string
	Payload       map[string]any
}

// priority is the fixed weighted ranking applied to every candidate:
// 0.35 impact + 0.25 confidence + 0.20 freshness + 0.10 novelty + 0.10 actionability.
func (c candidate) priority() float64 {
	return c.Impact*0.35 + c.Confidence*0.25 + c.Freshness*0.20 + c.Novelty*0.10 + c.Actionability*0.10
}

func (c candidate) toDomain(feedID int64) domain.AlertCandidate {
	return domain.AlertCandidate{
		FeedID:             feedID,
		FeederID:           c.FeederID,
		UITab:              c.UITab,
		AlertCategory:      c.AlertCategory,
		AlertColor:         alertUIColors[c.AlertCategory],
		AlertUrgency:       c.AlertUrgency,
		AlertFamily:        c.AlertFamily,
		AlertType:          c.AlertType,
		PriorityScore:      c.priority(),
		ImpactScore:        c.Impact,
		ConfidenceScore:    c.Confidence,
		FreshnessScore:     c.Freshness,
		NoveltyScore:       c.Novelty,
		ActionabilityScore: c.Actionability,
		Title:              c.Title,
		Body:               c.Body,
		Payload:            c.Payload,
		Status:             "candidate",
	}
}

// AlertQueries is the analytical-read surface the alert engine composes into
// candidates, narrowed from *postgres.AlertQueriesRepo so the engine's rule
// logic can be exercised against a fake in tests instead of a live pool.
type AlertQueries interface {
	VelocitySpikeCandidates(ctx domain.Context, feedID int64, hotSince time.Time, limit int) ([]postgres.VelocitySpikeRow, error)
	MomentumDrop(ctx domain.Context, feedID int64, limit int) ([]postgres.MomentumDropRow, error)
	PersonalRecord(ctx domain.Context, feedID int64) (*postgres.PersonalRecordRow, error)
	FormatWin(ctx domain.Context, feedID int64) (*postgres.FormatWinRow, error)
	SectorWave(ctx domain.Context, feedID int64, since time.Time) (*postgres.SectorWaveRow, error)
	BreakoutPost(ctx domain.Context, feedID int64, since time.Time) (*postgres.BreakoutRow, error)
	TimingGap(ctx domain.Context, subscriberID int64) (dayOfWeek int, count int, found bool, err error)
}

// AlertEngine scans every feed for the ten alert rule types and persists the
// top-scoring candidates per feed, subject to 24h per-type dedupe.
type AlertEngine struct {
	Feeds      domain.FeedRepository
	Pairs      domain.FeederPairMetricStore
	Embeddings domain.PostEmbeddingStore
	Alerts     domain.AlertCandidateStore
	Aggregates domain.SignalAggregateStore
	Queries    AlertQueries
	MaxPerFeed int
}

// NewAlertEngine constructs an AlertEngine over its collaborating ports.
func NewAlertEngine(feeds domain.FeedRepository, pairs domain.FeederPairMetricStore, embeddings domain.PostEmbeddingStore, alerts domain.AlertCandidateStore, aggregates domain.SignalAggregateStore, queries AlertQueries, maxPerFeed int) *AlertEngine {
	if maxPerFeed <= 0 {
		maxPerFeed = 3
	}
	return &AlertEngine{Feeds: feeds, Pairs: pairs, Embeddings: embeddings, Alerts: alerts, Aggregates: aggregates, Queries: queries, MaxPerFeed: maxPerFeed}
}

// RunAll scans every feed for subscriberID, or every feed in the system when
// subscriberID is nil, and returns the number of candidates created per feed.
func (e *AlertEngine) RunAll(ctx domain.Context, subscriberID *int64) (map[int64]int, error) {
	feeds, err := e.Feeds.AllFeeds(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	created := make(map[int64]int, len(feeds))
	for _, feed := range feeds {
		n, err := e.RunFeed(ctx, feed)
		if err != nil {
			return created, fmt.Errorf("op=alert_engine.run_feed feed_id=%d: %w", feed.ID, err)
		}
		created[feed.ID] = n
	}
	return created, nil
}

// RunFeed scans one feed, persists up to MaxPerFeed top candidates by
// priority, and advances the feed's scan watermarks.
func (e *AlertEngine) RunFeed(ctx domain.Context, feed domain.Feed) (int, error) {
	scanStartedAt := time.Now()
	state, err := e.Alerts.GetEngineState(ctx, feed.ID)
	if err != nil {
		return 0, err
	}
	hotSince := scanStartedAt.Add(-24 * time.Hour)
	if state.LastHotScanAt != nil {
		hotSince = *state.LastHotScanAt
	}
	patternSince := scanStartedAt.Add(-24 * time.Hour)
	if state.LastPatternScanAt != nil {
		patternSince = *state.LastPatternScanAt
	}

	recent, err := e.Alerts.RecentTypes(ctx, feed.ID, scanStartedAt.Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}

	var candidates []candidate
	velocity, err := e.velocityCandidates(ctx, feed.ID, recent, hotSince)
	if err != nil {
		return 0, err
	}
	candidates = append(candidates, velocity...)

	intel, err := e.intelligenceCandidates(ctx, feed.ID, recent, patternSince)
	if err != nil {
		return 0, err
	}
	candidates = append(candidates, intel...)

	if feed.Mode == domain.FeedModeAnchor {
		competitive, err := e.competitiveCandidates(ctx, feed, recent, patternSince)
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, competitive...)
	}

	if len(candidates) == 0 {
		if err := e.Alerts.MarkScan(ctx, feed.ID, scanStartedAt, scanStartedAt); err != nil {
			return 0, err
		}
		return 0, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].priority() > candidates[j].priority() })
	if len(candidates) > e.MaxPerFeed {
		candidates = candidates[:e.MaxPerFeed]
	}

	n := 0
	for _, c := range candidates {
		inserted, err := e.Alerts.Upsert(ctx, c.toDomain(feed.ID))
		if err != nil {
			return n, err
		}
		if inserted {
			n++
			observability.ObserveAlertCandidate(c.AlertType)
		}
	}
	if err := e.Alerts.MarkScan(ctx, feed.ID, scanStartedAt, scanStartedAt); err != nil {
		return n, err
	}
	return n, nil
}

// velocityCandidates covers velocity_spike, momentum_drop, personal_record,
// and format_win: candidates sourced purely from this feed's own
// checkpoint-metric history.
func (e *AlertEngine) velocityCandidates(ctx domain.Context, feedID int64, recent map[string]struct{}, hotSince time.Time) ([]candidate, error) {
	var out []candidate

	if _, seen := recent["velocity_spike"]; !seen {
		rows, err := e.Queries.VelocitySpikeCandidates(ctx, feedID, hotSince, 10)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			row := rows[0]
			tag := row.Tag
			if tag == "" {
				tag = "🔥"
			}
			stage := row.Stage
			if stage == "" {
				stage = "latest"
			}
			percentile := row.Percentile
			if percentile == "" {
				percentile = "n/a"
			}
			out = append(out, candidate{
				FeederID: row.FeederID, UITab: "flags", AlertCategory: "velocity", AlertUrgency: "now",
				AlertFamily: "velocity", AlertType: "velocity_spike",
				Impact: 0.9, Confidence: 0.8, Freshness: 0.95, Novelty: 0.75, Actionability: 0.9,
				Title: fmt.Sprintf("Velocity spike on %s", row.Handle),
				Body:  fmt.Sprintf("%s at %s (%s). Act in next 12h.", tag, stage, percentile),
				Payload: map[string]any{"post_url": row.PostURL, "handle": row.Handle},
			})
		}
	}

	if _, seen := recent["momentum_drop"]; !seen {
		rows, err := e.Queries.MomentumDrop(ctx, feedID, 3)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			row := rows[0]
			dropPct := int(math.Round(((row.V1 - row.V3) / row.V1) * 100))
			out = append(out, candidate{
				FeederID: row.FeederID, UITab: "flags", AlertCategory: "velocity", AlertUrgency: "today",
				AlertFamily: "velocity", AlertType: "momentum_drop",
				Impact: 0.78, Confidence: 0.85, Freshness: 0.82, Novelty: 0.7, Actionability: 0.7,
				Title: fmt.Sprintf("Momentum drop on %s", row.Handle),
				Body:  fmt.Sprintf("Velocity fell %d%% from D1 to D3. Rework format before boosting.", dropPct),
				Payload: map[string]any{"post_url": row.PostURL, "handle": row.Handle, "drop_pct": dropPct},
			})
		}
	}

	if _, seen := recent["personal_record"]; !seen {
		row, err := e.Queries.PersonalRecord(ctx, feedID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			out = append(out, candidate{
				FeederID: row.FeederID, UITab: "flags", AlertCategory: "velocity", AlertUrgency: "today",
				AlertFamily: "velocity", AlertType: "personal_record",
				Impact: 0.86, Confidence: 0.8, Freshness: 0.75, Novelty: 0.8, Actionability: 0.65,
				Title: fmt.Sprintf("Personal record on %s", row.Handle),
				Body:  "Highest D1 metric in 30 days. Replicate this format in next 48h.",
				Payload: map[string]any{"post_url": row.PostURL, "handle": row.Handle, "metric_value": row.MetricValue},
			})
		}
	}

	if _, seen := recent["format_win"]; !seen {
		row, err := e.Queries.FormatWin(ctx, feedID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			mediaType := row.MediaType
			if mediaType == "" {
				mediaType = "mixed"
			}
			out = append(out, candidate{
				FeederID: row.FeederID, UITab: "flags", AlertCategory: "velocity", AlertUrgency: "today",
				AlertFamily: "velocity", AlertType: "format_win",
				Impact: 0.72, Confidence: 0.7, Freshness: 0.68, Novelty: 0.7, Actionability: 0.8,
				Title: fmt.Sprintf("Format win on %s", row.Handle),
				Body:  fmt.Sprintf("%s is leading on recent velocity.", mediaType),
				Payload: map[string]any{"handle": row.Handle, "media_type": row.MediaType, "avg_velocity": row.AvgVelocity},
			})
		}
	}

	return out, nil
}

// intelligenceCandidates covers sector_fatigue, sector_wave, breakout_post,
// and visual_mimicry: candidates sourced from signal aggregates and stored
// embeddings.
func (e *AlertEngine) intelligenceCandidates(ctx domain.Context, feedID int64, recent map[string]struct{}, patternSince time.Time) ([]candidate, error) {
	var out []candidate

	if _, seen := recent["sector_fatigue"]; !seen {
		if sat, err := e.sectorFatigue(ctx, feedID, patternSince); err != nil {
			return nil, err
		} else if sat != nil {
			out = append(out, *sat)
		}
	}

	if _, seen := recent["sector_wave"]; !seen {
		wave, err := e.Queries.SectorWave(ctx, feedID, patternSince)
		if err != nil {
			return nil, err
		}
		if wave != nil {
			hotRate := int(math.Round(wave.HotRate * 100))
			mediaType := wave.MediaType
			if mediaType == "" {
				mediaType = "mixed format"
			}
			out = append(out, candidate{
				UITab: "flags", AlertCategory: "intelligence", AlertUrgency: "today",
				AlertFamily: "intelligence", AlertType: "sector_wave",
				Impact: 0.84, Confidence: 0.7, Freshness: 0.7, Novelty: 0.8, Actionability: 0.8,
				Title: fmt.Sprintf("Sector wave in %s", mediaType),
				Body:  fmt.Sprintf("%d%% of recent posts are high-velocity in this format. Prioritize this next.", hotRate),
				Payload: map[string]any{"media_type": wave.MediaType, "hot_rate": hotRate},
			})
		}
	}

	if _, seen := recent["breakout_post"]; !seen {
		row, err := e.Queries.BreakoutPost(ctx, feedID, patternSince)
		if err != nil {
			return nil, err
		}
		if row != nil {
			percentile := row.Percentile
			if percentile == "" {
				percentile = "n/a"
			}
			out = append(out, candidate{
				FeederID: row.FeederID, UITab: "flags", AlertCategory: "intelligence", AlertUrgency: "now",
				AlertFamily: "intelligence", AlertType: "breakout_post",
				Impact: 0.88, Confidence: 0.75, Freshness: 0.92, Novelty: 0.78, Actionability: 0.86,
				Title: fmt.Sprintf("Breakout post on %s", row.Handle),
				Body:  fmt.Sprintf("Rocket signal at %s. Reverse engineer and test quickly.", percentile),
				Payload: map[string]any{"handle": row.Handle, "post_url": row.PostURL},
			})
		}
	}

	if _, seen := recent["visual_mimicry"]; !seen {
		if mim, err := e.visualMimicry(ctx, feedID); err != nil {
			return nil, err
		} else if mim != nil {
			out = append(out, *mim)
		}
	}

	return out, nil
}

func (e *AlertEngine) sectorFatigue(ctx domain.Context, feedID int64, patternSince time.Time) (*candidate, error) {
	agg, err := e.Aggregates.TopSaturated(ctx, feedID, string(domain.CheckpointD3), 0.5, 0.5, patternSince)
	if err != nil || agg == nil {
		return nil, err
	}
	c := candidate{
		UITab: "flags", AlertCategory: "intelligence", AlertUrgency: "today",
		AlertFamily: "intelligence", AlertType: "sector_fatigue",
		Impact: 0.8, Confidence: agg.Confidence, Freshness: 0.68, Novelty: 0.78, Actionability: 0.82,
		Title: fmt.Sprintf("Format fatigue in %s", agg.SignalKey),
		Body:  "Adoption is high but return is flattening. Rotate to a fresher format now.",
		Payload: map[string]any{
			"signal_key": agg.SignalKey, "adoption_rate": agg.AdoptionRate,
			"velocity_delta": agg.VelocityDelta, "saturation_score": agg.SaturationScore,
		},
	}
	if c.Confidence <= 0 {
		c.Confidence = 0.6
	}
	return &c, nil
}

func (e *AlertEngine) visualMimicry(ctx domain.Context, feedID int64) (*candidate, error) {
	embeddings, err := e.Embeddings.RecentBySignalType(ctx, feedID, "performance_semantic", time.Now().Add(-7*24*time.Hour), 60)
	if err != nil {
		return nil, err
	}
	var best *domain.PostEmbedding
	var bestOther *domain.PostEmbedding
	bestSim := -1.0
	for i := range embeddings {
		for j := i + 1; j < len(embeddings); j++ {
			a, b := embeddings[i], embeddings[j]
			if a.FeederID != nil && b.FeederID != nil && *a.FeederID == *b.FeederID {
				continue
			}
			sim := cosineSimilarity(a.Embedding, b.Embedding)
			if sim >= 0.93 && sim > bestSim {
				bestSim = sim
				aCopy, bCopy := a, b
				best = &aCopy
				bestOther = &bCopy
			}
		}
	}
	if best == nil || bestOther == nil {
		return nil, nil
	}
	return &candidate{
		FeederID: bestOther.FeederID, UITab: "flags", AlertCategory: "competitive", AlertUrgency: "today",
		AlertFamily: "competitive", AlertType: "visual_mimicry",
		Impact: 0.77, Confidence: 0.7, Freshness: 0.72, Novelty: 0.8, Actionability: 0.82,
		Title: fmt.Sprintf("Possible mimicry: %s", bestOther.Handle),
		Body:  fmt.Sprintf("Pattern similarity with %s is high (%.3f). Differentiate your next creative.", best.Handle, bestSim),
		Payload: map[string]any{
			"source_handle": best.Handle, "mimic_handle": bestOther.Handle,
			"source_post": best.PostURL, "mimic_post": bestOther.PostURL,
			"similarity": math.Round(bestSim*10000) / 10000,
		},
	}, nil
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// 0 when either has no magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom <= 0 {
		return 0
	}
	return dot / denom
}

// competitiveCandidates covers circle_leader and timing_gap, anchor-mode
// only, comparing non-anchor feeders against the anchor.
func (e *AlertEngine) competitiveCandidates(ctx domain.Context, feed domain.Feed, recent map[string]struct{}, patternSince time.Time) ([]candidate, error) {
	var out []candidate

	if _, seen := recent["circle_leader"]; !seen {
		pairs, err := e.Pairs.TopByRelationScore(ctx, feed.ID, 30, patternSince, 5)
		if err != nil {
			return nil, err
		}
		for _, pair := range pairs {
			if pair.SampleSize < 4 {
				continue
			}
			out = append(out, candidate{
				FeederID: &pair.FeederID, UITab: "flags", AlertCategory: "competitive", AlertUrgency: "today",
				AlertFamily: "competitive", AlertType: "circle_leader",
				Impact: 0.82, Confidence: 0.72, Freshness: 0.65, Novelty: 0.7, Actionability: 0.75,
				Title: "A feeder is leading your circle",
				Body:  fmt.Sprintf("7-day velocity delta vs anchor: %.2f.", pair.VelocityDelta),
				Payload: map[string]any{"velocity_delta": pair.VelocityDelta, "perf_delta": pair.PerfDelta},
			})
			break
		}
	}

	if _, seen := recent["timing_gap"]; !seen {
		dow, _, found, err := e.Queries.TimingGap(ctx, feed.SubscriberID)
		if err != nil {
			return nil, err
		}
		if found {
			name := dayOfWeekNames[dow]
			if name == "" {
				name = "Unknown day"
			}
			out = append(out, candidate{
				UITab: "flags", AlertCategory: "competitive", AlertUrgency: "today",
				AlertFamily: "competitive", AlertType: "timing_gap",
				Impact: 0.68, Confidence: 0.72, Freshness: 0.6, Novelty: 0.75, Actionability: 0.8,
				Title: "Posting lane is open",
				Body:  fmt.Sprintf("%s has the lowest activity in your feed. Test a post there.", name),
				Payload: map[string]any{"day_of_week": dow},
			})
		}
	}

	return out, nil
}
