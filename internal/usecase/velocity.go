// Package usecase implements the pipeline's core business logic: post
// lifecycle checkpointing, cohort-relative velocity classification, signal
// aggregation, alert candidate generation, scheduling, the dual-queue
// worker loop, embeddings, retention, and the repair_velocity mode.
package usecase

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/feedpulse/signalpipe/internal/adapter/observability"
	"github.com/feedpulse/signalpipe/internal/domain"
)

const (
	minCohortD1      = 12
	minCohortOther   = 20
	percentileRocket = 5
	percentileFire   = 15
	percentileCheck  = 35
)

// Classifier ranks a post's metric-per-day against a same-account,
// same-media-type, same-stage peer pool and maps the resulting dense-rank
// percentile to a fixed tag.
type Classifier struct {
	Posts domain.PostRepository
}

// NewClassifier constructs a Classifier over the given post repository.
func NewClassifier(posts domain.PostRepository) *Classifier {
	return &Classifier{Posts: posts}
}

// ClassificationResult is the classifier's output for one checkpoint,
// before the caller (post lifecycle) attaches feed/feeder identity and
// persists it as a domain.CheckpointMetric.
type ClassificationResult struct {
	MetricValue   *float64
	VelocityValue *float64
	Tag           domain.VelocityTag
	LateBloomer   bool
	Percentile    string // e.g. "11%", empty when insufficient data
}

// metricValue selects the media-type-aware metric M:
// video/reel uses views, sidecar/carousel uses likes+2*comments, everything
// else (image/other) uses likes.
func metricValue(mediaType string, triple domain.CheckpointTriple) *float64 {
	mt := strings.ToLower(mediaType)
	switch {
	case strings.Contains(mt, "video") || strings.Contains(mt, "reel"):
		if triple.Views == nil {
			return nil
		}
		v := float64(*triple.Views)
		return &v
	case strings.Contains(mt, "sidecar") || strings.Contains(mt, "carousel"):
		if triple.Likes == nil && triple.Comments == nil {
			return nil
		}
		var likes, comments int64
		if triple.Likes != nil {
			likes = *triple.Likes
		}
		if triple.Comments != nil {
			comments = *triple.Comments
		}
		v := float64(likes + 2*comments)
		return &v
	default:
		if triple.Likes == nil {
			return nil
		}
		v := float64(*triple.Likes)
		return &v
	}
}

func minCohortSize(c domain.Checkpoint) int {
	if c == domain.CheckpointD1 {
		return minCohortD1
	}
	return minCohortOther
}

// densePercentile implements the dense-rank percentile mapping: sort unique
// pool values descending, find the post's rank as the 1-based index of the
// first unique value <= mpd, then map to [1,100] via
// p = round(1 + (r-1)*99/(U-1)), with a 50% sentinel for a singleton pool.
func densePercentile(pool []float64, mpd float64) int {
	uniq := make([]float64, 0, len(pool))
	seen := make(map[float64]struct{}, len(pool))
	for _, v := range pool {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		uniq = append(uniq, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(uniq)))

	u := len(uniq)
	if u == 1 {
		return 50
	}
	rank := u
	for i, v := range uniq {
		if v <= mpd {
			rank = i + 1
			break
		}
	}
	p := 1.0 + float64(rank-1)*99.0/float64(u-1)
	return int(math.Round(p))
}

func mapTag(percentile int) domain.VelocityTag {
	switch {
	case percentile <= percentileRocket:
		return domain.TagRocket
	case percentile <= percentileFire:
		return domain.TagFire
	case percentile <= percentileCheck:
		return domain.TagCheck
	default:
		return domain.TagSleep
	}
}

// classifyOne runs the cohort-pool lookup and dense-rank percentile mapping
// for a single checkpoint triple, with no late-bloomer consideration.
func (c *Classifier) classifyOne(ctx domain.Context, subscriberID int64, handle, mediaType string, checkpoint domain.Checkpoint, triple domain.CheckpointTriple) (ClassificationResult, error) {
	mVal := metricValue(mediaType, triple)
	if mVal == nil {
		return ClassificationResult{Tag: domain.TagInsufficientData}, nil
	}
	mpd := *mVal / float64(checkpoint.Days())

	pool, err := c.Posts.CohortPool(ctx, subscriberID, handle, mediaType, checkpoint)
	if err != nil {
		return ClassificationResult{}, err
	}
	if len(pool) < minCohortSize(checkpoint) {
		return ClassificationResult{MetricValue: mVal, VelocityValue: &mpd, Tag: domain.TagInsufficientData}, nil
	}

	poolMPDs := make([]float64, 0, len(pool))
	for _, snap := range pool {
		t := snap.Triple(checkpoint)
		if v := metricValue(snap.MediaType, t); v != nil {
			poolMPDs = append(poolMPDs, *v/float64(checkpoint.Days()))
		}
	}
	if len(poolMPDs) < minCohortSize(checkpoint) {
		return ClassificationResult{MetricValue: mVal, VelocityValue: &mpd, Tag: domain.TagInsufficientData}, nil
	}

	p := densePercentile(poolMPDs, mpd)
	if p < 1 {
		p = 1
	}
	if p > 100 {
		p = 100
	}
	tag := mapTag(p)
	observability.ObserveVelocityTag(string(tag), string(checkpoint))
	return ClassificationResult{
		MetricValue:   mVal,
		VelocityValue: &mpd,
		Tag:           tag,
		Percentile:    strconv.Itoa(p) + "%",
	}, nil
}

// Classify runs the full checkpoint classification, including the d7
// late-bloomer rule: when the post was observed at d1 and
// its d1 tag was not hot but the d7 tag is hot, the emitted tag carries the
// ☘️ prefix. A post never observed at d1 (snapshot.D1.IsZero()) never gets
// the prefix; there is no baseline to compare against.
func (c *Classifier) Classify(ctx domain.Context, subscriberID int64, handle, mediaType string, checkpoint domain.Checkpoint, snapshot domain.PostSnapshot) (ClassificationResult, error) {
	triple := snapshot.Triple(checkpoint)
	result, err := c.classifyOne(ctx, subscriberID, handle, mediaType, checkpoint, triple)
	if err != nil {
		return ClassificationResult{}, err
	}
	if checkpoint != domain.CheckpointD7 || snapshot.D1.IsZero() {
		return result, nil
	}
	d1Result, err := c.classifyOne(ctx, subscriberID, handle, mediaType, domain.CheckpointD1, snapshot.D1)
	if err != nil {
		return ClassificationResult{}, err
	}
	if !d1Result.Tag.IsHot() && result.Tag.IsHot() {
		result.LateBloomer = true
	}
	return result, nil
}
