package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVelocityTagIsHot(t *testing.T) {
	assert.True(t, TagFire.IsHot())
	assert.True(t, TagRocket.IsHot())
	assert.False(t, TagCheck.IsHot())
	assert.False(t, TagSleep.IsHot())
	assert.False(t, TagWatch.IsHot())
}

func TestVelocityTagStringLateBloomer(t *testing.T) {
	assert.Equal(t, "🚀", TagRocket.String(false))
	assert.Equal(t, "☘️🚀", TagRocket.String(true))
}

func TestCheckpointDays(t *testing.T) {
	assert.Equal(t, 1, CheckpointD1.Days())
	assert.Equal(t, 3, CheckpointD3.Days())
	assert.Equal(t, 7, CheckpointD7.Days())
	assert.Equal(t, 21, CheckpointD21.Days())
}

func TestCheckpointTripleIsZero(t *testing.T) {
	assert.True(t, CheckpointTriple{}.IsZero())
	views := int64(10)
	assert.False(t, CheckpointTriple{Views: &views}.IsZero())
}

func TestPostSnapshotTriple(t *testing.T) {
	views := int64(5)
	s := PostSnapshot{D7: CheckpointTriple{Views: &views}}
	assert.Equal(t, views, *s.Triple(CheckpointD7).Views)
	assert.True(t, s.Triple(CheckpointD1).IsZero())
}

func TestRetryPolicyNextRunAt(t *testing.T) {
	p := RetryPolicy{Slots: []time.Duration{15 * time.Minute, 30 * time.Minute}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, ok := p.NextRunAt(now, 0)
	assert.True(t, ok)
	assert.Equal(t, now.Add(15*time.Minute), next)

	next, ok = p.NextRunAt(now, 1)
	assert.True(t, ok)
	assert.Equal(t, now.Add(30*time.Minute), next)

	_, ok = p.NextRunAt(now, 2)
	assert.False(t, ok)
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{Slots: []time.Duration{time.Minute, time.Minute}}
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(1))
	assert.True(t, p.Exhausted(2))
}
