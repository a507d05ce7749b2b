package assignment

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/splitlab/pkg/models"
)

func testExperiment(splits ...float64) *models.Experiment {
	exp := &models.Experiment{ID: "exp-checkout", TrafficAllocation: 100}
	for i, s := range splits {
		exp.Variants = append(exp.Variants, &models.Variant{
			ID:           fmt.Sprintf("v%d", i),
			Name:         fmt.Sprintf("Variant %d", i),
			TrafficSplit: s,
			IsControl:    i == 0,
		})
	}
	return exp
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 5000; i++ {
		b := Bucket(fmt.Sprintf("subject-%d", i), "exp-1")
		require.GreaterOrEqual(t, b, 0.0)
		require.Less(t, b, 100.0)
		// two decimal places
		assert.InDelta(t, b*100, float64(int64(b*100+0.5)), 1e-6)
	}
}

func TestBucketDeterministic(t *testing.T) {
	first := Bucket("user-42", "exp-pricing")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Bucket("user-42", "exp-pricing"))
	}
	assert.NotEqual(t, Bucket("user-42", "exp-pricing"), Bucket("user-42", "exp-onboarding"))
}

func TestBucketKnownValue(t *testing.T) {
	// "a:b" hashes to (97*31+58)*31+98 = 95113
	assert.Equal(t, 51.13, Bucket("a", "b"))
}

func TestAssignDeterministic(t *testing.T) {
	engine := NewEngine(logrus.New())
	exp := testExperiment(50, 50)

	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("subject-%d", i)
		first := engine.Assign(subject, exp)
		require.NotNil(t, first)
		for j := 0; j < 5; j++ {
			assert.Equal(t, first.ID, engine.Assign(subject, exp).ID)
		}
		// A fresh engine gives the same answer.
		assert.Equal(t, first.ID, NewEngine(nil).Assign(subject, exp).ID)
	}
}

func TestAssignCoverage(t *testing.T) {
	engine := NewEngine(logrus.New())
	exp := testExperiment(20, 30, 50)

	const n = 20000
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		v := engine.Assign(fmt.Sprintf("visitor-%d", i), exp)
		counts[v.ID]++
	}

	for _, v := range exp.Variants {
		share := float64(counts[v.ID]) / n * 100
		assert.InDelta(t, v.TrafficSplit, share, 3.0, "variant %s got %.2f%%", v.ID, share)
	}
}

func TestAssignFallsBackToControl(t *testing.T) {
	engine := NewEngine(logrus.New())

	// Splits summing below 100 leave buckets uncovered.
	exp := testExperiment(0.01, 0.01)
	exp.Variants[0].IsControl = false
	exp.Variants[1].IsControl = true

	v := engine.Assign("a", exp)
	require.NotNil(t, v)
	assert.Equal(t, "v1", v.ID)

	exp.Variants[1].IsControl = false
	v = engine.Assign("a", exp)
	require.NotNil(t, v)
	assert.Equal(t, "v0", v.ID)
}

func TestAssignNoVariants(t *testing.T) {
	engine := NewEngine(nil)
	assert.Nil(t, engine.Assign("a", &models.Experiment{ID: "x"}))
	assert.Nil(t, engine.Assign("a", nil))
}

func TestNormalizeSplits(t *testing.T) {
	t.Run("rescales 40/40/10", func(t *testing.T) {
		exp := testExperiment(40, 40, 10)
		changed := NormalizeSplits(exp.Variants)
		assert.True(t, changed)

		sum := 0.0
		for _, v := range exp.Variants {
			sum += v.TrafficSplit
		}
		assert.Equal(t, 100.0, sum)
		assert.InDelta(t, 44.444, exp.Variants[0].TrafficSplit, 0.001)
		assert.InDelta(t, 11.111, exp.Variants[2].TrafficSplit, 0.001)
	})

	t.Run("leaves exact splits alone", func(t *testing.T) {
		exp := testExperiment(25, 75)
		assert.False(t, NormalizeSplits(exp.Variants))
		assert.Equal(t, 25.0, exp.Variants[0].TrafficSplit)
	})

	t.Run("zero sum is untouched", func(t *testing.T) {
		exp := testExperiment(0, 0)
		assert.False(t, NormalizeSplits(exp.Variants))
	})
}

func TestIsEligible(t *testing.T) {
	assert.True(t, IsEligible("anyone", "exp", 100))
	assert.False(t, IsEligible("anyone", "exp", 0))

	const n = 10000
	in := 0
	for i := 0; i < n; i++ {
		if IsEligible(fmt.Sprintf("s-%d", i), "exp-alloc", 30) {
			in++
		}
	}
	assert.InDelta(t, 30.0, float64(in)/n*100, 3.0)
}
