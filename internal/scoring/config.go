package scoring

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Metric bucket names used across the engine, config, and breakdowns.
const (
	MetricRecalls    = "recalls"
	MetricComplaints = "complaints"
	MetricPolicy     = "policy"
	MetricReviews    = "reviews"
	MetricReputation = "reputation"
	MetricPrice      = "price_transparency"
	MetricPlatform   = "platform_trust"
)

// Normalization maps a bucket's raw value into [0,100].
type Normalization struct {
	Type  string  `json:"type"`  // direct | inverse
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Scale string  `json:"scale"` // linear | log
}

// GradeThreshold assigns a letter to every score at or above Min.
type GradeThreshold struct {
	Grade string  `json:"grade"`
	Min   float64 `json:"min"`
}

// MissingDataDefaults governs sparse-input behavior.
type MissingDataDefaults struct {
	MinimumEvidence         int                `json:"minimumEvidence"`
	DefaultPolicyConfidence float64            `json:"defaultPolicyConfidence"`
	NoEvidenceRaw           map[string]float64 `json:"noEvidenceRaw"`
}

// Config is the versioned scoring document. It is loaded once at process start
// and treated as immutable afterwards.
type Config struct {
	Version             string                        `json:"version"`
	DefaultWeights      map[string]float64            `json:"defaultWeights"`
	VerticalOverrides   map[string]map[string]float64 `json:"verticalOverrides"`
	MetricNormalization map[string]Normalization      `json:"metricNormalization"`
	SeverityMapping     map[string]float64            `json:"severityMapping"`
	GradeThresholds     []GradeThreshold              `json:"gradeThresholds"`
	MissingDataDefaults MissingDataDefaults           `json:"missingDataDefaults"`
}

// LoadConfig reads and validates a scoring config file. Any failure here is
// fatal to the caller; there is no partial fallback.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scoring config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse scoring config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the structural invariants the engine relies on.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(c.DefaultWeights) == 0 {
		return fmt.Errorf("defaultWeights must not be empty")
	}
	for metric, w := range c.DefaultWeights {
		if w < 0 {
			return fmt.Errorf("defaultWeights[%s] cannot be negative", metric)
		}
	}
	for vertical, weights := range c.VerticalOverrides {
		if len(weights) == 0 {
			return fmt.Errorf("verticalOverrides[%s] must not be empty", vertical)
		}
		for metric, w := range weights {
			if w < 0 {
				return fmt.Errorf("verticalOverrides[%s][%s] cannot be negative", vertical, metric)
			}
		}
	}
	for metric, n := range c.MetricNormalization {
		if n.Type != "direct" && n.Type != "inverse" {
			return fmt.Errorf("metricNormalization[%s].type must be direct or inverse", metric)
		}
		if n.Scale != "linear" && n.Scale != "log" {
			return fmt.Errorf("metricNormalization[%s].scale must be linear or log", metric)
		}
		if n.Max <= n.Min {
			return fmt.Errorf("metricNormalization[%s] requires max > min", metric)
		}
	}
	if len(c.GradeThresholds) == 0 {
		return fmt.Errorf("gradeThresholds must not be empty")
	}
	for i := 1; i < len(c.GradeThresholds); i++ {
		if c.GradeThresholds[i].Min >= c.GradeThresholds[i-1].Min {
			return fmt.Errorf("gradeThresholds must be strictly descending by min")
		}
	}
	if c.MissingDataDefaults.MinimumEvidence <= 0 {
		return fmt.Errorf("missingDataDefaults.minimumEvidence must be positive")
	}
	if pc := c.MissingDataDefaults.DefaultPolicyConfidence; pc < 0 || pc > 1 {
		return fmt.Errorf("missingDataDefaults.defaultPolicyConfidence must be within [0,1]")
	}
	for metric, sev := range c.SeverityMapping {
		if sev < 0 || sev > 1 {
			return fmt.Errorf("severityMapping[%s] must be within [0,1]", metric)
		}
	}
	return nil
}

// ResolveWeights returns the weight vector for a category, falling back to the
// defaults when no vertical override exists.
func (c *Config) ResolveWeights(category string) map[string]float64 {
	if weights, ok := c.VerticalOverrides[category]; ok {
		return weights
	}
	return c.DefaultWeights
}

// Grade maps a score to its letter via the descending threshold table. Scores
// below every threshold take the last (worst) grade.
func (c *Config) Grade(score float64) string {
	for _, t := range c.GradeThresholds {
		if score >= t.Min {
			return t.Grade
		}
	}
	return c.GradeThresholds[len(c.GradeThresholds)-1].Grade
}

// NoEvidenceRaw returns the configured raw default for a bucket with no events.
func (c *Config) NoEvidenceRaw(metric string) float64 {
	if v, ok := c.MissingDataDefaults.NoEvidenceRaw[metric]; ok {
		return v
	}
	return 0
}

func sortedMetrics(weights map[string]float64) []string {
	metrics := make([]string, 0, len(weights))
	for m := range weights {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	return metrics
}
