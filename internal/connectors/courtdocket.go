package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/processing"
)

const (
	courtDocketName    = "courtdocket"
	courtDocketHardCap = 100
	courtDocketBudget  = 60 // per hour
	courtDocketNeutral = 0.45
)

// caseSeverity scores a filing by the nature-of-suit text. The scoring
// config's severityMapping supplements this table at construction time.
var caseSeverity = map[string]float64{
	"fraud":             0.9,
	"class action":      0.85,
	"product liability": 0.8,
	"personal injury":   0.8,
	"consumer credit":   0.6,
	"employment":        0.55,
	"contract":          0.5,
}

// CourtDocket searches public court filings.
type CourtDocket struct {
	client  *client
	baseURL string
	table   map[string]float64
}

func NewCourtDocket(baseURL string, deps Deps) *CourtDocket {
	table := make(map[string]float64, len(caseSeverity)+len(deps.KeywordSeverities))
	for k, v := range caseSeverity {
		table[k] = v
	}
	for k, v := range deps.KeywordSeverities {
		table[strings.ToLower(k)] = v
	}
	return &CourtDocket{
		client:  newClient(courtDocketName, deps, courtDocketBudget, time.Hour),
		baseURL: strings.TrimRight(baseURL, "/") + "/filings",
		table:   table,
	}
}

func (c *CourtDocket) Name() string { return courtDocketName }

type courtFiling struct {
	DocketID string `json:"docket_id"`
	CaseName string `json:"case_name"`
	Nature   string `json:"nature_of_suit"`
	Court    string `json:"court"`
	Filed    string `json:"filed"`
	URL      string `json:"url"`
}

func (c *CourtDocket) SearchByText(ctx context.Context, query string, opts Options) ([]models.CanonicalEvent, error) {
	parsed := processing.ParseQuery(query)

	params := url.Values{}
	params.Set("q", query)
	if parsed.Company != "" {
		params.Set("party", parsed.Company)
	}
	params.Set("per_page", strconv.Itoa(courtDocketHardCap))
	for k, v := range opts.Filters {
		params.Set(k, v)
	}

	raw, err := c.client.search(ctx, c.baseURL, params)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []models.CanonicalEvent{}, nil
	}

	var payload struct {
		Filings []courtFiling `json:"filings"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", courtDocketName, err)
	}
	if len(payload.Filings) == 0 {
		return []models.CanonicalEvent{}, nil
	}

	c.client.archiveBatch(parsed.Company+" "+query, raw)

	events := make([]models.CanonicalEvent, 0, len(payload.Filings))
	for _, filing := range payload.Filings {
		ts := parseProviderDate(filing.Filed)
		if ts.IsZero() {
			ts = c.client.clock.Now().UTC()
		}
		details, _ := json.Marshal(map[string]string{
			"natureOfSuit": filing.Nature,
			"court":        filing.Court,
		})
		events = append(events, models.CanonicalEvent{
			ID:          processing.BuildEventID(courtDocketName, filing.DocketID, filing.CaseName, ts),
			Source:      courtDocketName,
			Type:        models.EventCourt,
			Severity:    keywordSeverity(filing.Nature+" "+filing.CaseName, c.table, courtDocketNeutral),
			Title:       processing.Truncate(filing.CaseName, 200),
			Description: processing.Redact(filing.Nature, descriptionLimit),
			Details:     details,
			RawURL:      filing.URL,
			RawRef:      filing.DocketID,
			ParsedAt:    ts,
		})
	}

	return finalize(events, opts, courtDocketHardCap), nil
}

func (c *CourtDocket) FetchEventsForEntity(ctx context.Context, entity models.EntityRef, opts Options) ([]models.CanonicalEvent, error) {
	events, err := c.SearchByText(ctx, entityQuery(entity), opts)
	if err != nil {
		return nil, err
	}
	return attach(events, entity), nil
}
