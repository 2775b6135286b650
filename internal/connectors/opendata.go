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
	openDataName    = "opendata"
	openDataHardCap = 100
	openDataBudget  = 120 // per hour
	openDataNeutral = 0.3
)

var advisorySeverity = map[string]float64{
	"alert":   0.9,
	"warning": 0.7,
	"watch":   0.5,
	"info":    0.2,
}

// OpenData searches government dataset and advisory catalogs.
type OpenData struct {
	client  *client
	baseURL string
}

func NewOpenData(baseURL string, deps Deps) *OpenData {
	return &OpenData{
		client:  newClient(openDataName, deps, openDataBudget, time.Hour),
		baseURL: strings.TrimRight(baseURL, "/") + "/datasets",
	}
}

func (o *OpenData) Name() string { return openDataName }

type openDataRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Notes         string `json:"notes"`
	AdvisoryLevel string `json:"advisory_level"`
	URL           string `json:"url"`
	Modified      string `json:"modified"`
}

func (o *OpenData) SearchByText(ctx context.Context, query string, opts Options) ([]models.CanonicalEvent, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("rows", strconv.Itoa(openDataHardCap))
	for k, v := range opts.Filters {
		params.Set(k, v)
	}

	raw, err := o.client.search(ctx, o.baseURL, params)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []models.CanonicalEvent{}, nil
	}

	var payload struct {
		Datasets []openDataRecord `json:"datasets"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", openDataName, err)
	}
	if len(payload.Datasets) == 0 {
		return []models.CanonicalEvent{}, nil
	}

	o.client.archiveBatch(query, raw)

	events := make([]models.CanonicalEvent, 0, len(payload.Datasets))
	for _, rec := range payload.Datasets {
		ts := parseProviderDate(rec.Modified)
		if ts.IsZero() {
			ts = o.client.clock.Now().UTC()
		}
		details, _ := json.Marshal(map[string]string{"advisoryLevel": rec.AdvisoryLevel})
		events = append(events, models.CanonicalEvent{
			ID:          processing.BuildEventID(openDataName, rec.ID, rec.Title, ts),
			Source:      openDataName,
			Type:        models.EventDataset,
			Severity:    o.severity(rec.AdvisoryLevel),
			Title:       processing.Truncate(rec.Title, 200),
			Description: processing.Redact(rec.Notes, descriptionLimit),
			Details:     details,
			RawURL:      rec.URL,
			RawRef:      rec.ID,
			ParsedAt:    ts,
		})
	}

	return finalize(events, opts, openDataHardCap), nil
}

func (o *OpenData) FetchEventsForEntity(ctx context.Context, entity models.EntityRef, opts Options) ([]models.CanonicalEvent, error) {
	events, err := o.SearchByText(ctx, entityQuery(entity), opts)
	if err != nil {
		return nil, err
	}
	return attach(events, entity), nil
}

func (o *OpenData) severity(level string) float64 {
	if sev, ok := advisorySeverity[strings.ToLower(strings.TrimSpace(level))]; ok {
		return sev
	}
	return openDataNeutral
}
