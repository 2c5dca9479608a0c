// Package domain defines core entities, ports, and domain-specific errors
// for the post-performance ingestion and analytics pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamStatus  = errors.New("upstream non-success status")
	ErrProtocol        = errors.New("scraper protocol error")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrInternal        = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// FeedMode enumerates the two feed modes.
type FeedMode string

const (
	FeedModeMarket FeedMode = "market"
	FeedModeAnchor FeedMode = "anchor"
)

// FeederStatus enumerates feeder lifecycle states.
type FeederStatus string

const (
	FeederActive   FeederStatus = "active"
	FeederInactive FeederStatus = "inactive"
)

// Checkpoint identifies one of the four observation stages.
type Checkpoint string

const (
	CheckpointD1  Checkpoint = "d1"
	CheckpointD3  Checkpoint = "d3"
	CheckpointD7  Checkpoint = "d7"
	CheckpointD21 Checkpoint = "d21"
)

// Days returns the metric-per-day divisor for the checkpoint.
func (c Checkpoint) Days() int {
	switch c {
	case CheckpointD1:
		return 1
	case CheckpointD3:
		return 3
	case CheckpointD7:
		return 7
	case CheckpointD21:
		return 21
	default:
		return 1
	}
}

// VelocityTag is the closed set of emoji tag identities.
type VelocityTag string

const (
	TagRocket            VelocityTag = "🚀"
	TagFire              VelocityTag = "🔥"
	TagCheck             VelocityTag = "✅"
	TagSleep             VelocityTag = "😴"
	TagWatch             VelocityTag = "👀"
	TagInsufficientData  VelocityTag = "insufficient_data"
	lateBloomerPrefix                = "☘️"
)

// IsHot reports whether the tag counts as "hot" (🔥 or 🚀).
func (t VelocityTag) IsHot() bool {
	return t == TagFire || t == TagRocket
}

// String renders the tag, applying the late-bloomer prefix when requested.
func (t VelocityTag) String(lateBloomer bool) string {
	if lateBloomer {
		return lateBloomerPrefix + string(t)
	}
	return string(t)
}

// JobStatus captures the lifecycle state of a queue job (handle or post).
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobRetry   JobStatus = "retry"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	JobSkipped JobStatus = "skipped"
)

// RunType distinguishes daily vs weekly scheduling sweeps.
type RunType string

const (
	RunTypeDaily  RunType = "daily"
	RunTypeWeekly RunType = "weekly"
)

// Subscriber is an external account scope, owning exactly one active Feed.
type Subscriber struct {
	ID             int64
	Name           string
	SpreadsheetID  string
	Active         bool
	CreatedAt      time.Time
}

// Feed is a collection of Feeders under one subscriber.
type Feed struct {
	ID           int64
	SubscriberID int64
	Mode         FeedMode
	CreatedAt    time.Time
}

// Feeder is one tracked handle within a feed.
type Feeder struct {
	ID        int64
	FeedID    int64
	Handle    string
	Role      string // "anchor" or "" for non-anchor
	Status    FeederStatus
	CreatedAt time.Time
}

// PostCore is the canonical post record, keyed by (subscriber_id, handle, post_url).
type PostCore struct {
	SubscriberID int64
	Handle       string
	PostURL      string
	FeederID     *int64
	MediaType    string
	PostedAt     time.Time
	Caption      string
	Tags         []string
	Mentions     []string
	MediaURLs    []string
	DurationSec  *float64
}

// CheckpointTriple holds the raw scrape values captured at one checkpoint.
type CheckpointTriple struct {
	At       time.Time
	Views    *int64
	Likes    *int64
	Comments *int64
}

// IsZero reports whether the triple has never been written.
func (t CheckpointTriple) IsZero() bool {
	return t.Views == nil && t.Likes == nil && t.Comments == nil
}

// PostSnapshot is the per-post container of the four checkpoint triples.
type PostSnapshot struct {
	SubscriberID int64
	Handle       string
	PostURL      string
	MediaType    string // first-write-wins
	D1           CheckpointTriple
	D3           CheckpointTriple
	D7           CheckpointTriple
	D21          CheckpointTriple
}

// Triple returns the stored triple for the given checkpoint.
func (s PostSnapshot) Triple(c Checkpoint) CheckpointTriple {
	switch c {
	case CheckpointD1:
		return s.D1
	case CheckpointD3:
		return s.D3
	case CheckpointD7:
		return s.D7
	case CheckpointD21:
		return s.D21
	default:
		return CheckpointTriple{}
	}
}

// CheckpointMetric is the per-(post, checkpoint) derived metric row.
type CheckpointMetric struct {
	FeedID             int64
	FeederID           *int64
	SubscriberID       int64
	Handle             string
	PostURL            string
	MediaType          string
	Checkpoint         Checkpoint
	CheckpointAt       time.Time
	MetricValue        *float64
	VelocityValue      *float64
	VelocityTag        VelocityTag
	LateBloomer        bool
	VelocityPercentile string // e.g. "11%", "" when empty
	StageLabel         string
}

// PostSignal is the current user-visible classification, last-write-wins.
type PostSignal struct {
	SubscriberID       int64
	Handle             string
	PostURL            string
	VelocityTag        VelocityTag
	LateBloomer        bool
	VelocityStage      string
	VelocityPercentile string
	UpdatedAt          time.Time
}

// QueueKind distinguishes the two homogeneous queues.
type QueueKind string

const (
	QueueHandle QueueKind = "handle"
	QueuePost   QueueKind = "post"
)

// QueueJob is a row from either the handle-queue or the post-queue.
type QueueJob struct {
	ID             int64
	Kind           QueueKind
	SubscriberID   int64
	SpreadsheetID  string // set for handle jobs
	Handle         string
	PostURL        string // empty for handle jobs
	Checkpoint     Checkpoint // zero value for handle jobs
	RunType        RunType    // set for handle jobs
	RequiresD7Hot  bool
	Status         JobStatus
	Attempt        int
	NextRunAt      time.Time
	LastError      string
	CreatedAt      time.Time
}

// ApifyHealth is the singleton circuit-breaker state for the scraping provider.
type ApifyHealth struct {
	ConsecutiveFailures int
	PauseUntil          *time.Time
	LastError           string
}

// FeederPairMetric holds a non-anchor feeder's relation to the anchor over a window.
type FeederPairMetric struct {
	FeedID        int64
	FeederID      int64
	WindowDays    int
	VelocityDelta float64
	PerfDelta     float64
	RelationScore float64
	SampleSize    int
	ComputedAt    time.Time
}

// SignalAggregate holds adoption/velocity/saturation stats per (feed, signal_type, signal_key, window_key).
type SignalAggregate struct {
	FeedID          int64
	SignalType      string
	SignalKey       string
	WindowKey       string
	AdoptionRate    float64
	VelocityDelta   float64
	SaturationScore float64
	Confidence      float64
	SampleSize      int
	UpdatedAt       time.Time
}

// AlertCandidate is a generated alert-candidate event.
type AlertCandidate struct {
	ID                string
	FeedID            int64
	FeederID          *int64
	UITab             string
	AlertCategory     string
	AlertColor        string
	AlertUrgency      string
	AlertFamily       string
	AlertType         string
	PriorityScore     float64
	ImpactScore       float64
	ConfidenceScore   float64
	FreshnessScore    float64
	NoveltyScore      float64
	ActionabilityScore float64
	Title             string
	Body              string
	Payload           map[string]any
	Status            string
	DedupeKey         string
	CreatedAt         time.Time
}

// AlertEngineState holds per-feed scan watermarks.
type AlertEngineState struct {
	FeedID            int64
	LastHotScanAt     *time.Time
	LastPatternScanAt *time.Time
}

// RunLog is a per-CLI-invocation audit row.
type RunLog struct {
	ID         string
	RunType    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Detail     string
}

// PostEmbedding stores a vector for a post signal type.
type PostEmbedding struct {
	SubscriberID int64
	FeederID     *int64
	Handle       string
	PostURL      string
	Model        string
	SignalType   string
	Text         string
	Embedding    []float32
	UpdatedAt    time.Time
}

// ScrapedPost is the normalizer's fixed output shape: downstream
// code never inspects the scraper's raw, dynamically-shaped record again.
type ScrapedPost struct {
	Handle      string
	PostURL     string
	MediaType   string
	PostedAt    time.Time
	Caption     string
	Views       *int64
	Likes       *int64
	Comments    *int64
	DurationSec *float64
	Tags        []string
	Mentions    []string
	MediaURLs   []string
}
