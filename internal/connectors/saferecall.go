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
	safeRecallName    = "saferecall"
	safeRecallHardCap = 100
	safeRecallBudget  = 30 // per minute
	safeRecallNeutral = 0.5
)

// hazardSeverity maps the recall database's hazard classification to [0,1].
// Class I is the "serious injury or death" tier.
var hazardSeverity = map[string]float64{
	"class i":   0.95,
	"class ii":  0.7,
	"class iii": 0.4,
}

// SafeRecall queries the public product-recall database.
type SafeRecall struct {
	client  *client
	baseURL string
}

// NewSafeRecall builds the recall connector.
func NewSafeRecall(baseURL string, deps Deps) *SafeRecall {
	return &SafeRecall{
		client:  newClient(safeRecallName, deps, safeRecallBudget, time.Minute),
		baseURL: strings.TrimRight(baseURL, "/") + "/recalls",
	}
}

func (s *SafeRecall) Name() string { return safeRecallName }

type safeRecallRecord struct {
	RecallNumber string `json:"recall_number"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	HazardClass  string `json:"hazard_class"`
	URL          string `json:"url"`
	RecallDate   string `json:"recall_date"`
}

// SearchByText queries recalls matching the text, normalized and sorted by
// severity descending.
func (s *SafeRecall) SearchByText(ctx context.Context, query string, opts Options) ([]models.CanonicalEvent, error) {
	parsed := processing.ParseQuery(query)

	params := url.Values{}
	params.Set("q", query)
	if parsed.Company != "" {
		params.Set("manufacturer", parsed.Company)
	}
	if parsed.Category != "" {
		params.Set("category", parsed.Category)
	}
	params.Set("limit", strconv.Itoa(safeRecallHardCap))
	for k, v := range opts.Filters {
		params.Set(k, v)
	}

	raw, err := s.client.search(ctx, s.baseURL, params)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []models.CanonicalEvent{}, nil
	}

	var payload struct {
		Results []safeRecallRecord `json:"results"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", safeRecallName, err)
	}
	if len(payload.Results) == 0 {
		return []models.CanonicalEvent{}, nil
	}

	s.client.archiveBatch(parsed.Company+" "+query, raw)

	events := make([]models.CanonicalEvent, 0, len(payload.Results))
	for _, rec := range payload.Results {
		ts := parseProviderDate(rec.RecallDate)
		if ts.IsZero() {
			ts = s.client.clock.Now().UTC()
		}
		details, _ := json.Marshal(map[string]string{"hazardClass": rec.HazardClass})
		events = append(events, models.CanonicalEvent{
			ID:          processing.BuildEventID(safeRecallName, rec.RecallNumber, rec.Title, ts),
			Source:      safeRecallName,
			Type:        models.EventRecall,
			Severity:    s.severity(rec.HazardClass),
			Title:       processing.Truncate(rec.Title, 200),
			Description: processing.Redact(rec.Description, descriptionLimit),
			Details:     details,
			RawURL:      rec.URL,
			RawRef:      rec.RecallNumber,
			ParsedAt:    ts,
		})
	}

	return finalize(events, opts, safeRecallHardCap), nil
}

// FetchEventsForEntity augments the entity name with recall-risk vocabulary
// and delegates to SearchByText.
func (s *SafeRecall) FetchEventsForEntity(ctx context.Context, entity models.EntityRef, opts Options) ([]models.CanonicalEvent, error) {
	events, err := s.SearchByText(ctx, entityQuery(entity), opts)
	if err != nil {
		return nil, err
	}
	return attach(events, entity), nil
}

func (s *SafeRecall) severity(hazardClass string) float64 {
	if sev, ok := hazardSeverity[strings.ToLower(strings.TrimSpace(hazardClass))]; ok {
		return sev
	}
	return safeRecallNeutral
}

// parseProviderDate accepts the date shapes seen across provider APIs.
func parseProviderDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
