package frequentist

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/splitlab/pkg/constants"
)

func TestZScore(t *testing.T) {
	tests := []struct {
		level    float64
		expected float64
	}{
		{90, 1.645},
		{95, 1.96},
		{99, 2.576},
		{0.99, 2.576},
		{80, 1.96},
		{0, 1.96},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ZScore(tt.level), "level %v", tt.level)
	}
}

func TestNormalCDF(t *testing.T) {
	assert.InDelta(t, 0.5, NormalCDF(0), 1e-6)
	assert.InDelta(t, 0.975, NormalCDF(1.96), 1e-4)
	assert.InDelta(t, 0.025, NormalCDF(-1.96), 1e-4)
	assert.InDelta(t, 1.0, NormalCDF(8)+NormalCDF(-8), 1e-9)
}

func TestConfidenceInterval(t *testing.T) {
	ci := ConfidenceInterval(50, 1000, 95)
	assert.InDelta(t, 3.649, ci.Lower, 0.001)
	assert.InDelta(t, 6.351, ci.Upper, 0.001)

	t.Run("empty sample", func(t *testing.T) {
		ci := ConfidenceInterval(0, 0, 95)
		assert.Zero(t, ci.Lower)
		assert.Zero(t, ci.Upper)
	})

	t.Run("clamped to percentage range", func(t *testing.T) {
		ci := ConfidenceInterval(1, 10, 99)
		assert.Equal(t, 0.0, ci.Lower)
		assert.Greater(t, ci.Upper, 10.0)

		ci = ConfidenceInterval(10, 10, 95)
		assert.Equal(t, 100.0, ci.Upper)
		assert.Equal(t, 100.0, ci.Lower)
	})

	t.Run("wider at higher confidence", func(t *testing.T) {
		narrow := ConfidenceInterval(120, 1000, 90)
		wide := ConfidenceInterval(120, 1000, 99)
		assert.Less(t, wide.Lower, narrow.Lower)
		assert.Greater(t, wide.Upper, narrow.Upper)
	})
}

func TestMeanInterval(t *testing.T) {
	ci := MeanInterval([]float64{10, 12, 14, 16, 18}, 95)
	assert.Less(t, ci.Lower, 14.0)
	assert.Greater(t, ci.Upper, 14.0)
	assert.InDelta(t, 14.0, (ci.Lower+ci.Upper)/2, 1e-9)

	single := MeanInterval([]float64{3.5}, 95)
	assert.Equal(t, 3.5, single.Lower)
	assert.Equal(t, 3.5, single.Upper)

	assert.Zero(t, MeanInterval(nil, 95).Upper)
}

func TestZTestSignificantLift(t *testing.T) {
	analyzer := NewAnalyzer(0)

	result := analyzer.ZTest(Sample{Conversions: 80, Sessions: 1000}, Sample{Conversions: 50, Sessions: 1000}, 95)
	require.NotNil(t, result)

	assert.True(t, result.IsSignificant)
	assert.Less(t, result.PValue, 0.05)
	assert.InDelta(t, 0.0065, result.PValue, 0.0005)
	assert.InDelta(t, 2.721, result.ZScore, 0.001)
	assert.InDelta(t, 0.1225, result.EffectSize, 0.0005)
	assert.InDelta(t, 0.782, result.Power, 0.005)
	assert.Equal(t, int64(2049), result.RecommendedSampleSize)
	assert.Equal(t, 95.0, result.ConfidenceLevel)
}

func TestZTestIdenticalArms(t *testing.T) {
	analyzer := NewAnalyzer(0)

	result := analyzer.ZTest(Sample{Conversions: 1, Sessions: 10}, Sample{Conversions: 1, Sessions: 10}, 95)
	assert.False(t, result.IsSignificant)
	assert.InDelta(t, 1.0, result.PValue, 1e-6)
	assert.Zero(t, result.EffectSize)
	assert.Equal(t, constants.DefaultRecommendedSampleSize, result.RecommendedSampleSize)
}

func TestZTestSymmetric(t *testing.T) {
	analyzer := NewAnalyzer(0)

	a := Sample{Conversions: 130, Sessions: 2000}
	b := Sample{Conversions: 95, Sessions: 1800}

	ab := analyzer.ZTest(a, b, 95)
	ba := analyzer.ZTest(b, a, 95)
	assert.InDelta(t, ab.PValue, ba.PValue, 1e-12)
	assert.InDelta(t, ab.ZScore, ba.ZScore, 1e-12)
	assert.InDelta(t, ab.EffectSize, -ba.EffectSize, 1e-12)
	assert.Equal(t, ab.IsSignificant, ba.IsSignificant)
}

func TestZTestDegenerate(t *testing.T) {
	analyzer := NewAnalyzer(0)

	tests := []struct {
		name      string
		treatment Sample
		control   Sample
	}{
		{"empty treatment", Sample{}, Sample{Conversions: 5, Sessions: 100}},
		{"empty control", Sample{Conversions: 5, Sessions: 100}, Sample{}},
		{"no conversions", Sample{Sessions: 100}, Sample{Sessions: 100}},
		{"all converted", Sample{Conversions: 100, Sessions: 100}, Sample{Conversions: 50, Sessions: 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := analyzer.ZTest(tt.treatment, tt.control, 95)
			assert.Equal(t, 1.0, result.PValue)
			assert.False(t, result.IsSignificant)
			assert.Zero(t, result.Power)
			assert.Zero(t, result.EffectSize)
			assert.False(t, math.IsNaN(result.ZScore))
		})
	}
}

func TestRequiredSampleSize(t *testing.T) {
	assert.Equal(t, constants.DefaultRecommendedSampleSize, RequiredSampleSize(0, 95, 80))

	small := RequiredSampleSize(0.05, 95, 80)
	large := RequiredSampleSize(0.5, 95, 80)
	assert.Greater(t, small, large)
	assert.Equal(t, RequiredSampleSize(0.2, 95, 80), RequiredSampleSize(-0.2, 95, 80))
}

func TestPowerIncreasesWithSampleSize(t *testing.T) {
	assert.Zero(t, Power(0, 1000))
	assert.Zero(t, Power(0.2, 0))
	assert.Less(t, Power(0.2, 100), Power(0.2, 1000))
	assert.Equal(t, Power(0.2, 500), Power(-0.2, 500))
}

func TestPowerIgnoresConfidenceLevel(t *testing.T) {
	analyzer := NewAnalyzer(0)
	treatment := Sample{Conversions: 80, Sessions: 1000}
	control := Sample{Conversions: 50, Sessions: 1000}

	h := CohensH(treatment.Rate(), control.Rate())
	want := NormalCDF(h*math.Sqrt(1000.0/2) - 1.96)

	for _, level := range []float64{90, 95, 99} {
		result := analyzer.ZTest(treatment, control, level)
		require.NotNil(t, result)
		assert.InDelta(t, want, result.Power, 1e-9, "level %v", level)
		assert.InDelta(t, 0.782, result.Power, 0.005, "level %v", level)
	}
}

func TestAlpha(t *testing.T) {
	assert.InDelta(t, 0.05, Alpha(95), 1e-12)
	assert.InDelta(t, 0.01, Alpha(0.99), 1e-12)
}

func TestDaysToSignificance(t *testing.T) {
	// 400 sessions/day, 2 arms of 1000 with 800 already seen
	days := DaysToSignificance(1000, 2, 800, 48*time.Hour)
	require.NotNil(t, days)
	assert.Equal(t, 3.0, *days)

	done := DaysToSignificance(100, 2, 800, 24*time.Hour)
	require.NotNil(t, done)
	assert.Zero(t, *done)

	assert.Nil(t, DaysToSignificance(1000, 2, 0, time.Hour))
	assert.Nil(t, DaysToSignificance(1000, 2, 10, 0))
}
