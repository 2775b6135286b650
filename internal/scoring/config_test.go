package scoring_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairlens/trustscope/backend/internal/scoring"
)

const sampleConfig = `{
  "version": "2026-01",
  "defaultWeights": {"recalls": 0.5, "complaints": 0.3, "policy": 0.2},
  "verticalOverrides": {"electronics": {"recalls": 0.4, "complaints": 0.4, "reviews": 0.2}},
  "metricNormalization": {
    "recalls": {"type": "inverse", "min": 0, "max": 5, "scale": "linear"},
    "complaints": {"type": "inverse", "min": 0, "max": 20, "scale": "log"},
    "policy": {"type": "direct", "min": 0, "max": 100, "scale": "linear"}
  },
  "severityMapping": {"lawsuit": 0.7, "fraud": 0.9, "injury": 0.85},
  "gradeThresholds": [
    {"grade": "A", "min": 85},
    {"grade": "B", "min": 70},
    {"grade": "C", "min": 55},
    {"grade": "D", "min": 40},
    {"grade": "F", "min": 0}
  ],
  "missingDataDefaults": {
    "minimumEvidence": 5,
    "defaultPolicyConfidence": 0.5,
    "noEvidenceRaw": {"policy": 50}
  }
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scoring.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := scoring.LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "2026-01", cfg.Version)
	require.Equal(t, 0.5, cfg.DefaultWeights[scoring.MetricRecalls])
	require.Equal(t, "log", cfg.MetricNormalization[scoring.MetricComplaints].Scale)
	require.Equal(t, 0.9, cfg.SeverityMapping["fraud"])
	require.Equal(t, 5, cfg.MissingDataDefaults.MinimumEvidence)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := scoring.LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadConfigRejectsMalformedJSON(t *testing.T) {
	_, err := scoring.LoadConfig(writeConfig(t, "{not json"))
	require.Error(t, err)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	cases := map[string]func(*scoring.Config){
		"empty version":         func(c *scoring.Config) { c.Version = "" },
		"no weights":            func(c *scoring.Config) { c.DefaultWeights = nil },
		"negative weight":       func(c *scoring.Config) { c.DefaultWeights[scoring.MetricRecalls] = -1 },
		"bad norm type":         func(c *scoring.Config) { n := c.MetricNormalization[scoring.MetricRecalls]; n.Type = "sideways"; c.MetricNormalization[scoring.MetricRecalls] = n },
		"inverted range":        func(c *scoring.Config) { n := c.MetricNormalization[scoring.MetricRecalls]; n.Max = n.Min; c.MetricNormalization[scoring.MetricRecalls] = n },
		"no grades":             func(c *scoring.Config) { c.GradeThresholds = nil },
		"non-descending grades": func(c *scoring.Config) { c.GradeThresholds[1].Min = 90 },
		"zero min evidence":     func(c *scoring.Config) { c.MissingDataDefaults.MinimumEvidence = 0 },
		"severity out of range": func(c *scoring.Config) { c.SeverityMapping = map[string]float64{"x": 1.5} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestGradeBoundaries(t *testing.T) {
	cfg := testConfig()

	require.Equal(t, "A", cfg.Grade(85))
	require.Equal(t, "B", cfg.Grade(84.99))
	require.Equal(t, "F", cfg.Grade(0))
	require.Equal(t, "F", cfg.Grade(-3))
}
