package scoring

import (
	"encoding/json"
	"math"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/policy"
)

// bucketFor routes an event type to its metric bucket. Types outside this map
// are excluded from scoring but kept as evidence.
var bucketFor = map[models.EventType]string{
	models.EventRecall:    MetricRecalls,
	models.EventComplaint: MetricComplaints,
	models.EventPolicy:    MetricPolicy,
	models.EventReview:    MetricReviews,
	models.EventNews:      MetricReputation,
	models.EventCourt:     MetricReputation,
	models.EventDataset:   MetricPlatform,
	models.EventPricing:   MetricPrice,
}

// MinConfidence is the floor reported for degraded or evidence-free scores.
const MinConfidence = 0.05

const neutralScore = 50

// Input is everything a single scoring run consumes.
type Input struct {
	Entity models.EntityRef
	Events []models.CanonicalEvent
	Policy *models.PolicyFacts
}

// Engine computes trust scores. It is a pure function of its input and config;
// the injected clock only stamps CreatedAt.
type Engine struct {
	cfg   *Config
	clock clockwork.Clock
}

// NewEngine builds an engine around a validated config.
func NewEngine(cfg *Config, clock clockwork.Clock) *Engine {
	return &Engine{cfg: cfg, clock: clock}
}

type bucketAccum struct {
	raw         float64
	count       int
	evidenceIDs []string
}

// Compute scores an entity from its event set and optional policy facts. It
// never fails: sparse buckets fall back to configured defaults and an
// unresolvable weight vector degrades to a neutral score with minimum
// confidence.
func (e *Engine) Compute(in Input) models.Score {
	weights := e.cfg.ResolveWeights(in.Entity.Category)
	facts, policyEvidence := e.resolvePolicy(in)
	accum := e.accumulate(in.Events, facts, policyEvidence)

	score := models.Score{
		ID:            uuid.NewString(),
		Entity:        in.Entity,
		ConfigVersion: e.cfg.Version,
		CreatedAt:     e.clock.Now().UTC(),
	}

	if len(weights) == 0 {
		score.Score = neutralScore
		score.Grade = e.cfg.Grade(neutralScore)
		score.Confidence = MinConfidence
		return score
	}

	var weightedSum, weightSum float64
	evidenceCount := 0

	for _, metric := range sortedMetrics(weights) {
		w := weights[metric]
		acc := accum[metric]

		raw := acc.raw
		if acc.count == 0 {
			raw = e.cfg.NoEvidenceRaw(metric)
		}
		evidenceCount += acc.count

		normalized := e.normalize(metric, raw)
		weighted := normalized * w
		weightedSum += weighted
		weightSum += w

		score.Breakdown = append(score.Breakdown, models.BucketScore{
			Metric:      metric,
			Raw:         raw,
			Normalized:  normalized,
			Weight:      w,
			Weighted:    weighted,
			EvidenceIDs: acc.evidenceIDs,
		})
	}

	if weightSum == 0 {
		score.Score = neutralScore
		score.Grade = e.cfg.Grade(neutralScore)
		score.Confidence = MinConfidence
		return score
	}

	score.Score = weightedSum / weightSum
	score.Grade = e.cfg.Grade(score.Score)
	score.Confidence = e.confidence(evidenceCount, facts)
	return score
}

// Diagnose computes the shrinkage confidence view. It is independent of the
// mean-based confidence reported by Compute and must stay that way.
func (e *Engine) Diagnose(in Input) models.Diagnostics {
	weights := e.cfg.ResolveWeights(in.Entity.Category)
	facts, policyEvidence := e.resolvePolicy(in)
	accum := e.accumulate(in.Events, facts, policyEvidence)

	var d models.Diagnostics
	var usedWeight, missingWeight float64

	for _, metric := range sortedMetrics(weights) {
		w := weights[metric]
		sw := models.SignalWeight{Metric: metric, Weight: w}
		if accum[metric].count > 0 {
			usedWeight += w
			d.UsedSignals = append(d.UsedSignals, sw)
		} else {
			missingWeight += w
			d.MissingSignals = append(d.MissingSignals, sw)
		}
	}

	alpha := shrinkagePrior + missingWeight
	d.Confidence = usedWeight / (usedWeight + alpha)
	return d
}

// shrinkagePrior keeps alpha positive so a fully evidenced score still
// reports confidence below 1.
const shrinkagePrior = 0.5

func (e *Engine) accumulate(events []models.CanonicalEvent, facts *models.PolicyFacts, policyEvidence string) map[string]bucketAccum {
	accum := make(map[string]bucketAccum, len(bucketFor))

	for _, ev := range events {
		metric, ok := bucketFor[ev.Type]
		if !ok {
			continue
		}
		// Policy evidence flows in through parsed facts, not severity sums.
		if metric == MetricPolicy {
			continue
		}

		acc := accum[metric]
		if metric == MetricReviews {
			// Good reviews lower the raw risk value.
			acc.raw += 1 - ev.Severity
		} else {
			acc.raw += ev.Severity
		}
		acc.count++
		acc.evidenceIDs = append(acc.evidenceIDs, ev.ID)
		accum[metric] = acc
	}

	if facts != nil {
		sub := policy.Subscore(*facts)
		// Dampen toward neutral in proportion to parser confidence.
		raw := neutralScore + (sub-neutralScore)*facts.Confidence
		acc := accum[MetricPolicy]
		acc.raw = raw
		acc.count++
		if policyEvidence != "" {
			acc.evidenceIDs = append(acc.evidenceIDs, policyEvidence)
		}
		accum[MetricPolicy] = acc
	}

	return accum
}

// resolvePolicy prefers explicitly supplied facts, then the newest policy
// event's structured payload. The second return is the contributing event id.
func (e *Engine) resolvePolicy(in Input) (*models.PolicyFacts, string) {
	if in.Policy != nil {
		return in.Policy, ""
	}

	var newest *models.CanonicalEvent
	for i := range in.Events {
		ev := &in.Events[i]
		if ev.Type != models.EventPolicy || len(ev.Details) == 0 {
			continue
		}
		if newest == nil || ev.ParsedAt.After(newest.ParsedAt) {
			newest = ev
		}
	}
	if newest == nil {
		return nil, ""
	}

	var facts models.PolicyFacts
	if err := json.Unmarshal(newest.Details, &facts); err != nil {
		return nil, ""
	}
	// Only a payload that never states a confidence gets the configured
	// default. An explicit zero means the parser recognized nothing and the
	// policy signal must stay dampened to neutral, not inflated.
	var stated struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(newest.Details, &stated); err == nil && stated.Confidence == nil {
		facts.Confidence = e.cfg.MissingDataDefaults.DefaultPolicyConfidence
	}
	return &facts, newest.ID
}

func (e *Engine) normalize(metric string, raw float64) float64 {
	n, ok := e.cfg.MetricNormalization[metric]
	if !ok {
		// Missing range degrades to neutral rather than failing the run.
		return neutralScore
	}

	span := n.Max - n.Min
	pos := raw - n.Min

	var fraction float64
	if n.Scale == "log" {
		if pos < 0 {
			pos = 0
		}
		fraction = math.Log1p(pos) / math.Log1p(span)
	} else {
		fraction = pos / span
	}

	v := fraction * 100
	if n.Type == "inverse" {
		v = 100 - v
	}

	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (e *Engine) confidence(evidenceCount int, facts *models.PolicyFacts) float64 {
	conf := float64(evidenceCount) / float64(e.cfg.MissingDataDefaults.MinimumEvidence)
	if conf > 1 {
		conf = 1
	}
	if facts != nil {
		conf = (conf + facts.Confidence) / 2
	}
	if conf < MinConfidence {
		conf = MinConfidence
	}
	return conf
}
