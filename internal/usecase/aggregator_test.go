package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
)

func TestBuildAggregate_MediaTypeConfidenceDivisorIsFifteen(t *testing.T) {
	now := time.Now()
	summary := postgres.WindowSummary{TotalRows: 30, BaseVelocity: 10}
	g := postgres.GroupedMetric{SignalKey: "Video", SampleSize: 15, AvgVelocity: 8}

	agg := buildAggregate(1, "media_type", g, summary, now)

	assert.Equal(t, 0.5, agg.AdoptionRate)
	assert.Equal(t, -2.0, agg.VelocityDelta)
	assert.Equal(t, 1.0, agg.Confidence, "15 samples / divisor 15 must saturate confidence to 1.0")
	assert.InDelta(t, 0.5, agg.SaturationScore, 1e-9, "velocity_delta<=0 -> full saturation factor")
}

func TestBuildAggregate_VelocityTagConfidenceDivisorIsTwelve(t *testing.T) {
	now := time.Now()
	summary := postgres.WindowSummary{TotalRows: 24, BaseVelocity: 10}
	g := postgres.GroupedMetric{SignalKey: "🔥", SampleSize: 6, AvgVelocity: 20}

	agg := buildAggregate(1, "velocity_tag", g, summary, now)

	assert.InDelta(t, 0.5, agg.Confidence, 1e-9, "6 samples / divisor 12 -> 0.5, not the media_type divisor of 15")
	assert.Equal(t, 10.0, agg.VelocityDelta)
	assert.InDelta(t, 0.5*0.25, agg.SaturationScore, 1e-9, "velocity_delta>0 -> half-weighted saturation factor")
}

func TestBuildAggregate_ZeroTotalRowsAvoidsDivideByZero(t *testing.T) {
	now := time.Now()
	summary := postgres.WindowSummary{TotalRows: 0, BaseVelocity: 0}
	g := postgres.GroupedMetric{SignalKey: "Image", SampleSize: 3, AvgVelocity: 1}

	agg := buildAggregate(1, "media_type", g, summary, now)

	assert.Equal(t, 0.0, agg.AdoptionRate)
	assert.Equal(t, 0.0, agg.SaturationScore)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.2))
	assert.Equal(t, 1.0, clamp01(1.3))
	assert.Equal(t, 0.4, clamp01(0.4))
}
