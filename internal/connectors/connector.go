// Package connectors fetches and normalizes public-record trust signals.
// Every provider implements the same contract and owns its private rate
// limiter, retry policy, and raw-archival side effect.
package connectors

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/fairlens/trustscope/backend/internal/archive"
	"github.com/fairlens/trustscope/backend/internal/models"
)

// Options narrow a connector search.
type Options struct {
	Limit   int
	Filters map[string]string
}

// Connector is the per-provider contract shared by all sources.
type Connector interface {
	Name() string
	SearchByText(ctx context.Context, query string, opts Options) ([]models.CanonicalEvent, error)
	FetchEventsForEntity(ctx context.Context, entity models.EntityRef, opts Options) ([]models.CanonicalEvent, error)
}

// Deps carries the shared collaborators injected into every provider.
type Deps struct {
	HTTP    Doer
	Clock   clockwork.Clock
	Log     *slog.Logger
	Archive *archive.Writer
	// KeywordSeverities supplements provider tables with the scoring config's
	// severity keyword mapping.
	KeywordSeverities map[string]float64
}

// descriptionLimit bounds redacted free text surfaced on events.
const descriptionLimit = 500

// riskKeywords augment an entity name when building provider queries.
var riskKeywords = map[models.EntityKind][]string{
	models.KindProduct: {"recall", "safety", "defect"},
	models.KindCompany: {"lawsuit", "complaint", "fraud"},
}

// entityQuery builds the provider search text for an entity: its name plus
// the domain-risk vocabulary for its kind.
func entityQuery(entity models.EntityRef) string {
	terms := append([]string{entity.Name}, riskKeywords[entity.Kind]...)
	return strings.Join(terms, " ")
}

// finalize applies the contract's post-processing to a normalized batch:
// severity-descending order and truncation to min(opts.Limit, hardCap).
func finalize(events []models.CanonicalEvent, opts Options, hardCap int) []models.CanonicalEvent {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Severity > events[j].Severity
	})

	limit := opts.Limit
	if limit <= 0 || limit > hardCap {
		limit = hardCap
	}
	if len(events) > limit {
		events = events[:limit]
	}
	return events
}

// attach stamps the owning entity onto a fetched batch.
func attach(events []models.CanonicalEvent, entity models.EntityRef) []models.CanonicalEvent {
	for i := range events {
		events[i].Entity = entity
	}
	return events
}

// clampSeverity enforces the [0,1] boundary contract on computed severities.
func clampSeverity(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// keywordSeverity scans text against a keyword table and returns the highest
// matching severity, or fallback when nothing matches.
func keywordSeverity(text string, table map[string]float64, fallback float64) float64 {
	lower := strings.ToLower(text)
	best := -1.0
	for keyword, severity := range table {
		if strings.Contains(lower, keyword) && severity > best {
			best = severity
		}
	}
	if best < 0 {
		return fallback
	}
	return clampSeverity(best)
}
