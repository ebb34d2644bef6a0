package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/valuation-api/internal/model"
)

var now = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func engine() *Engine {
	return New(DefaultConfig()).WithClock(func() time.Time { return now })
}

func comp(price float64, cond model.Condition) model.Comp {
	return model.Comp{Price: price, Sqft: 1500, Condition: cond, QualityScore: 80, IsReal: true}
}

func weightOf(t *testing.T, v model.ReconciledValuation, id string) float64 {
	t.Helper()
	for _, s := range v.Sources {
		if s.SourceProviderID == id {
			return s.Weight
		}
	}
	t.Fatalf("source %s missing", id)
	return 0
}

func TestRemodeledAndUnremodeledBands(t *testing.T) {
	comps := []model.Comp{
		comp(520000, model.ConditionRemodeled), comp(530000, model.ConditionRemodeled), comp(510000, model.ConditionRemodeled),
		comp(400000, model.ConditionUnremodeled), comp(410000, model.ConditionUnremodeled), comp(390000, model.ConditionUnremodeled),
	}
	v, err := engine().Reconcile(Input{Comps: comps})
	require.NoError(t, err)
	assert.Greater(t, v.ARV, 410000.0)
	assert.Less(t, v.ARV, 510000.0)
	// remodeled comps carry 1.5x weight
	assert.Equal(t, 472000.0, v.ARV)
	assert.Contains(t, v.Methodology, "$472,000.00")
	assert.Contains(t, v.Methodology, "6 comp(s), 3 remodeled")
	assert.NotContains(t, v.Methodology, "premium")
}

func TestWeightsRedistributeWhenSourceMissing(t *testing.T) {
	e := engine()
	comps := []model.Comp{comp(500000, model.ConditionUnknown)}
	attom := model.Estimate{SourceProviderID: "attom", Value: 510000, Weight: 1}
	rentcast := model.Estimate{SourceProviderID: "rentcast", Value: 490000, Weight: 1}

	full, err := e.Reconcile(Input{Comps: comps, Estimates: []model.Estimate{attom, rentcast}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, weightOf(t, full, SourceComps), 1e-9)
	assert.InDelta(t, 0.25, weightOf(t, full, "attom"), 1e-9)

	partial, err := e.Reconcile(Input{Comps: comps, Estimates: []model.Estimate{attom}})
	require.NoError(t, err)
	assert.Greater(t, weightOf(t, partial, "attom"), weightOf(t, full, "attom"))
	assert.InDelta(t, 0.6667, weightOf(t, partial, SourceComps), 1e-4)
	assert.InDelta(t, 0.3333, weightOf(t, partial, "attom"), 1e-4)

	var sum float64
	for _, s := range partial.Sources {
		sum += s.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
}

func TestConfidenceStrictlyDecreasingWithDispersion(t *testing.T) {
	e := engine()
	sets := [][2]float64{{500000, 500000}, {499900, 500100}, {499800, 500200}, {480000, 520000}, {400000, 600000}}
	prev := 101.0
	for _, s := range sets {
		v, err := e.Reconcile(Input{
			Comps: []model.Comp{comp(500000, model.ConditionUnknown)},
			Estimates: []model.Estimate{
				{SourceProviderID: "attom", Value: s[0]},
				{SourceProviderID: "rentcast", Value: s[1]},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 500000.0, v.ARV)
		assert.Less(t, v.ConfidenceScore, prev)
		assert.GreaterOrEqual(t, v.ConfidenceScore, 50.0)
		prev = v.ConfidenceScore
	}
}

func TestConfidenceRoundedOnlyInMethodology(t *testing.T) {
	v, err := engine().Reconcile(Input{Estimates: []model.Estimate{
		{SourceProviderID: "attom", Value: 499900},
		{SourceProviderID: "rentcast", Value: 500100},
	}})
	require.NoError(t, err)
	assert.Less(t, v.ConfidenceScore, 100.0)
	assert.Greater(t, v.ConfidenceScore, 99.95)
	assert.Contains(t, v.Methodology, "Confidence 100/100.")
}

func TestConfidenceCurve(t *testing.T) {
	e := engine()
	assert.Equal(t, 100.0, e.Confidence(0))
	assert.Greater(t, e.Confidence(0.049), 98.0)
	prev := e.Confidence(0)
	for cv := 0.01; cv < 3; cv += 0.01 {
		c := e.Confidence(cv)
		assert.Less(t, c, prev, "cv=%.2f", cv)
		assert.Greater(t, c, 50.0)
		prev = c
	}
	assert.InDelta(t, 50.0, e.Confidence(10), 0.01)
}

func TestInsufficientData(t *testing.T) {
	_, err := engine().Reconcile(Input{})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = engine().Reconcile(Input{
		Comps:     []model.Comp{{Price: 0, Sqft: 1200}},
		Estimates: []model.Estimate{{SourceProviderID: "attom", Value: -1}},
	})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRemodelPremiumWhenOnlyUnremodeled(t *testing.T) {
	comps := []model.Comp{comp(400000, model.ConditionUnremodeled), comp(400000, model.ConditionUnknown)}
	cv, ok := engine().Comps(comps, 0)
	require.True(t, ok)
	assert.True(t, cv.PremiumApplied)
	assert.InDelta(t, 430000, cv.Value, 1e-6)

	v, err := engine().Reconcile(Input{Comps: comps})
	require.NoError(t, err)
	assert.Contains(t, v.Methodology, "15% remodel premium applied")
}

func TestPricePerSqftAdjustment(t *testing.T) {
	c := comp(400000, model.ConditionRemodeled)
	c.Sqft = 1600
	cv, ok := engine().Comps([]model.Comp{c}, 2000)
	require.True(t, ok)
	assert.InDelta(t, 500000, cv.Value, 1e-6)
	assert.True(t, cv.PerSqft)
}

func TestNearAndRecentCompsDominate(t *testing.T) {
	near := comp(400000, model.ConditionUnknown)
	near.DistanceMiles = 0.1
	near.SaleDate = now.AddDate(0, -1, 0)
	far := comp(600000, model.ConditionUnknown)
	far.DistanceMiles = 3
	far.SaleDate = now.AddDate(-1, 0, 0)

	cv, ok := engine().Comps([]model.Comp{near, far}, 0)
	require.True(t, ok)
	assert.Less(t, cv.Value, 450000.0)
}

func TestSingleSourceConfidence(t *testing.T) {
	e := engine()
	tight, err := e.Reconcile(Input{Comps: []model.Comp{comp(495000, model.ConditionUnknown), comp(505000, model.ConditionUnknown)}})
	require.NoError(t, err)
	wide, err := e.Reconcile(Input{Comps: []model.Comp{comp(400000, model.ConditionUnknown), comp(600000, model.ConditionUnknown)}})
	require.NoError(t, err)
	assert.Greater(t, tight.ConfidenceScore, wide.ConfidenceScore)

	lone, err := e.Reconcile(Input{Estimates: []model.Estimate{{SourceProviderID: "attom", Value: 500000}}})
	require.NoError(t, err)
	assert.Equal(t, 500000.0, lone.ARV)
	assert.InDelta(t, e.Confidence(DefaultConfig().SingleEstimateCV), lone.ConfidenceScore, 0.05)
}

func TestUnlistedSourceUsesDefaultWeight(t *testing.T) {
	v, err := engine().Reconcile(Input{
		Comps:     []model.Comp{comp(500000, model.ConditionUnknown)},
		Estimates: []model.Estimate{{SourceProviderID: "llm-comps", Value: 700000, Weight: 0.2}},
	})
	require.NoError(t, err)
	// 0.10 * 0.2 against comps 0.50
	assert.InDelta(t, 0.02/0.52, weightOf(t, v, "llm-comps"), 1e-4)
	assert.Less(t, v.ARV, 510000.0)
}

func TestARVRoundedToWholeDollars(t *testing.T) {
	v, err := engine().Reconcile(Input{Estimates: []model.Estimate{
		{SourceProviderID: "attom", Value: 500000.40},
		{SourceProviderID: "rentcast", Value: 500001.00},
	}})
	require.NoError(t, err)
	assert.Equal(t, 500001.0, v.ARV)
}
