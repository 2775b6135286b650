package scoring_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/scoring"
)

func testConfig() *scoring.Config {
	return &scoring.Config{
		Version: "test-v1",
		DefaultWeights: map[string]float64{
			scoring.MetricComplaints: 0.3,
			scoring.MetricRecalls:    0.5,
			scoring.MetricPolicy:     0.2,
		},
		VerticalOverrides: map[string]map[string]float64{
			"appliances": {
				scoring.MetricRecalls:    0.7,
				scoring.MetricComplaints: 0.3,
			},
		},
		MetricNormalization: map[string]scoring.Normalization{
			scoring.MetricComplaints: {Type: "inverse", Min: 0, Max: 10, Scale: "linear"},
			scoring.MetricRecalls:    {Type: "inverse", Min: 0, Max: 5, Scale: "linear"},
			scoring.MetricPolicy:     {Type: "direct", Min: 0, Max: 100, Scale: "linear"},
		},
		GradeThresholds: []scoring.GradeThreshold{
			{Grade: "A", Min: 85},
			{Grade: "B", Min: 70},
			{Grade: "C", Min: 55},
			{Grade: "D", Min: 40},
			{Grade: "F", Min: 0},
		},
		MissingDataDefaults: scoring.MissingDataDefaults{
			MinimumEvidence:         5,
			DefaultPolicyConfidence: 0.5,
			NoEvidenceRaw: map[string]float64{
				scoring.MetricRecalls: 0,
				scoring.MetricPolicy:  50,
			},
		},
	}
}

func complaintEvents(severities ...float64) []models.CanonicalEvent {
	events := make([]models.CanonicalEvent, 0, len(severities))
	for i, s := range severities {
		events = append(events, models.CanonicalEvent{
			ID:       fmt.Sprintf("complaint-%d", i),
			Source:   "complaintdesk",
			Type:     models.EventComplaint,
			Severity: s,
			ParsedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return events
}

func newTestEngine(t *testing.T) *scoring.Engine {
	t.Helper()
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	return scoring.NewEngine(cfg, clockwork.NewFakeClock())
}

func TestComputeWeightedMeanOverConfiguredBuckets(t *testing.T) {
	engine := newTestEngine(t)

	in := scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku-1", Name: "Widget"},
		Events: complaintEvents(0.9, 0.2, 0.5),
	}
	score := engine.Compute(in)

	require.Len(t, score.Breakdown, 3)

	byMetric := map[string]models.BucketScore{}
	for _, b := range score.Breakdown {
		byMetric[b.Metric] = b
	}

	require.InDelta(t, 1.6, byMetric[scoring.MetricComplaints].Raw, 1e-9)
	require.Equal(t, []string{"complaint-0", "complaint-1", "complaint-2"},
		byMetric[scoring.MetricComplaints].EvidenceIDs)

	// Buckets with no evidence fall back to configured raw defaults.
	require.Equal(t, 0.0, byMetric[scoring.MetricRecalls].Raw)
	require.Equal(t, 50.0, byMetric[scoring.MetricPolicy].Raw)

	var weightedSum, weightSum float64
	for _, b := range score.Breakdown {
		require.Equal(t, b.Normalized*b.Weight, b.Weighted)
		weightedSum += b.Weighted
		weightSum += b.Weight
	}
	require.InDelta(t, weightedSum/weightSum, score.Score, 1e-9)
	require.Equal(t, engine.Compute(in).Grade, score.Grade)
}

func TestComputeIsDeterministic(t *testing.T) {
	engine := newTestEngine(t)

	in := scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku-1"},
		Events: complaintEvents(0.4, 0.7),
	}

	first := engine.Compute(in)
	second := engine.Compute(in)

	require.Equal(t, first.Score, second.Score)
	require.Equal(t, first.Grade, second.Grade)
	require.Equal(t, first.Confidence, second.Confidence)
	require.Equal(t, first.Breakdown, second.Breakdown)
}

func TestComputeZeroEvidence(t *testing.T) {
	engine := newTestEngine(t)

	score := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindCompany, ID: "acme"},
	})

	require.NotZero(t, score.Score)
	require.Equal(t, scoring.MinConfidence, score.Confidence)
	require.Len(t, score.Breakdown, 3)
}

func TestComputeUnresolvableWeightsDegradesToNeutral(t *testing.T) {
	cfg := testConfig()
	cfg.VerticalOverrides["empty"] = map[string]float64{scoring.MetricRecalls: 0}
	engine := scoring.NewEngine(cfg, clockwork.NewFakeClock())

	score := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "x", Category: "empty"},
		Events: complaintEvents(0.9),
	})

	require.Equal(t, 50.0, score.Score)
	require.Equal(t, scoring.MinConfidence, score.Confidence)
}

func TestConfidenceMonotonicAndSaturating(t *testing.T) {
	engine := newTestEngine(t)

	prev := 0.0
	for n := 1; n <= 10; n++ {
		severities := make([]float64, n)
		for i := range severities {
			severities[i] = 0.5
		}
		score := engine.Compute(scoring.Input{
			Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku"},
			Events: complaintEvents(severities...),
		})
		require.GreaterOrEqual(t, score.Confidence, prev)
		require.LessOrEqual(t, score.Confidence, 1.0)
		prev = score.Confidence
	}
	require.Equal(t, 1.0, prev)
}

func TestGradeMonotonic(t *testing.T) {
	cfg := testConfig()

	prev := cfg.Grade(0)
	order := map[string]int{"F": 0, "D": 1, "C": 2, "B": 3, "A": 4}
	for s := 0.0; s <= 100; s += 0.5 {
		g := cfg.Grade(s)
		require.GreaterOrEqual(t, order[g], order[prev], "grade regressed at score %v", s)
		prev = g
	}
	require.Equal(t, "A", prev)
}

func TestVerticalOverrideSelectsWeights(t *testing.T) {
	engine := newTestEngine(t)

	score := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "fridge", Category: "appliances"},
		Events: complaintEvents(0.5),
	})

	require.Len(t, score.Breakdown, 2)
	for _, b := range score.Breakdown {
		require.NotEqual(t, scoring.MetricPolicy, b.Metric)
	}
}

func TestPolicyFactsDampenedByConfidence(t *testing.T) {
	engine := newTestEngine(t)

	full := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "p"},
		Policy: &models.PolicyFacts{WarrantyMonths: 36, RefundDays: 30, Confidence: 1},
	})
	half := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "p"},
		Policy: &models.PolicyFacts{WarrantyMonths: 36, RefundDays: 30, Confidence: 0.5},
	})

	fullPolicy := bucketRaw(t, full, scoring.MetricPolicy)
	halfPolicy := bucketRaw(t, half, scoring.MetricPolicy)

	require.Greater(t, fullPolicy, 50.0)
	require.Greater(t, halfPolicy, 50.0)
	require.Less(t, halfPolicy, fullPolicy)
	require.InDelta(t, 50+(fullPolicy-50)/2, halfPolicy, 1e-9)
}

func TestPolicyFactsAveragedIntoConfidence(t *testing.T) {
	engine := newTestEngine(t)

	withPolicy := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "p"},
		Events: complaintEvents(0.5, 0.5, 0.5, 0.5),
		Policy: &models.PolicyFacts{WarrantyMonths: 12, Confidence: 0.4},
	})

	// Four mapped events plus one policy contribution hit the minimum of five,
	// so the evidence side is 1.0 and the mean with 0.4 lands at 0.7.
	require.InDelta(t, 0.7, withPolicy.Confidence, 1e-9)
}

func TestPolicyEventStatedZeroConfidenceKept(t *testing.T) {
	engine := newTestEngine(t)
	entity := models.EntityRef{Kind: models.KindProduct, ID: "p"}

	policyEvent := func(details string) models.CanonicalEvent {
		return models.CanonicalEvent{
			ID: "pol-1", Source: "manufacturer", Type: models.EventPolicy,
			Entity: entity, Details: json.RawMessage(details),
			ParsedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		}
	}

	// An explicit zero means the parser recognized nothing: the policy raw
	// stays neutral and the stated zero flows into the confidence mean.
	zero := engine.Compute(scoring.Input{
		Entity: entity,
		Events: append(complaintEvents(0.5, 0.5, 0.5, 0.5),
			policyEvent(`{"warrantyMonths":0,"confidence":0}`)),
	})
	require.InDelta(t, 50.0, bucketRaw(t, zero, scoring.MetricPolicy), 1e-9)
	require.InDelta(t, 0.5, zero.Confidence, 1e-9)

	// A payload that never states a confidence gets the configured default.
	unstated := engine.Compute(scoring.Input{
		Entity: entity,
		Events: append(complaintEvents(0.5, 0.5, 0.5, 0.5),
			policyEvent(`{"warrantyMonths":36,"refundDays":30}`)),
	})
	require.Greater(t, bucketRaw(t, unstated, scoring.MetricPolicy), 50.0)
	require.InDelta(t, 0.75, unstated.Confidence, 1e-9)
}

func TestDiagnosticsShrinkage(t *testing.T) {
	engine := newTestEngine(t)

	d := engine.Diagnose(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku"},
		Events: complaintEvents(0.9),
	})

	require.Len(t, d.UsedSignals, 1)
	require.Equal(t, scoring.MetricComplaints, d.UsedSignals[0].Metric)
	require.Len(t, d.MissingSignals, 2)

	// used=0.3, missing=0.7 -> 0.3/(0.3+0.5+0.7)
	require.InDelta(t, 0.3/1.5, d.Confidence, 1e-9)

	full := engine.Diagnose(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku"},
		Events: append(complaintEvents(0.9), models.CanonicalEvent{
			ID: "r1", Type: models.EventRecall, Severity: 0.8,
		}),
		Policy: &models.PolicyFacts{WarrantyMonths: 12, Confidence: 0.9},
	})
	require.Greater(t, full.Confidence, d.Confidence)
	require.Less(t, full.Confidence, 1.0)
	require.Empty(t, full.MissingSignals)
}

func TestUnmappedEventTypesExcluded(t *testing.T) {
	engine := newTestEngine(t)

	withUnknown := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku"},
		Events: append(complaintEvents(0.5), models.CanonicalEvent{
			ID: "odd", Type: models.EventType("press_release"), Severity: 0.9,
		}),
	})
	baseline := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku"},
		Events: complaintEvents(0.5),
	})

	require.Equal(t, baseline.Score, withUnknown.Score)
	require.Equal(t, baseline.Confidence, withUnknown.Confidence)
}

func TestPricingEventsRouteToPriceBucket(t *testing.T) {
	cfg := &scoring.Config{
		Version:        "test-v1",
		DefaultWeights: map[string]float64{scoring.MetricPrice: 1},
		MetricNormalization: map[string]scoring.Normalization{
			scoring.MetricPrice: {Type: "direct", Min: 0, Max: 1, Scale: "linear"},
		},
		GradeThresholds: []scoring.GradeThreshold{
			{Grade: "A", Min: 85}, {Grade: "F", Min: 0},
		},
		MissingDataDefaults: scoring.MissingDataDefaults{MinimumEvidence: 1},
	}
	require.NoError(t, cfg.Validate())
	engine := scoring.NewEngine(cfg, clockwork.NewFakeClock())

	score := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku"},
		Events: []models.CanonicalEvent{
			{ID: "pr-1", Source: "pricewatch", Type: models.EventPricing, Severity: 0.8},
		},
	})

	require.InDelta(t, 0.8, bucketRaw(t, score, scoring.MetricPrice), 1e-9)
	require.InDelta(t, 80.0, score.Score, 1e-9)
	require.Equal(t, []string{"pr-1"}, score.Breakdown[0].EvidenceIDs)
}

func TestNormalizationClampsAndInverts(t *testing.T) {
	engine := newTestEngine(t)

	// Severity sum far above the configured max pins the inverse metric at 0.
	severities := make([]float64, 30)
	for i := range severities {
		severities[i] = 1
	}
	score := engine.Compute(scoring.Input{
		Entity: models.EntityRef{Kind: models.KindProduct, ID: "sku"},
		Events: complaintEvents(severities...),
	})

	require.Equal(t, 0.0, bucketNormalized(t, score, scoring.MetricComplaints))
}

func bucketRaw(t *testing.T, s models.Score, metric string) float64 {
	t.Helper()
	for _, b := range s.Breakdown {
		if b.Metric == metric {
			return b.Raw
		}
	}
	t.Fatalf("bucket %s not in breakdown", metric)
	return 0
}

func bucketNormalized(t *testing.T, s models.Score, metric string) float64 {
	t.Helper()
	for _, b := range s.Breakdown {
		if b.Metric == metric {
			return b.Normalized
		}
	}
	t.Fatalf("bucket %s not in breakdown", metric)
	return 0
}
