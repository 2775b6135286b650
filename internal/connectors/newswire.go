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
	newswireName    = "newswire"
	newswireHardCap = 50
	newswireBudget  = 30 // per minute
	newswireNeutral = 0.5
)

// Newswire searches news coverage with provider-computed sentiment.
type Newswire struct {
	client  *client
	baseURL string
}

func NewNewswire(baseURL, apiKey string, deps Deps) *Newswire {
	n := &Newswire{
		client:  newClient(newswireName, deps, newswireBudget, time.Minute),
		baseURL: strings.TrimRight(baseURL, "/") + "/articles",
	}
	if apiKey != "" {
		n.client.headers["X-Api-Key"] = apiKey
	}
	return n
}

func (n *Newswire) Name() string { return newswireName }

type newswireArticle struct {
	ID          string   `json:"id"`
	Headline    string   `json:"headline"`
	Summary     string   `json:"summary"`
	Sentiment   *float64 `json:"sentiment"` // [-1,1], null when unscored
	URL         string   `json:"url"`
	PublishedAt string   `json:"published_at"`
}

func (n *Newswire) SearchByText(ctx context.Context, query string, opts Options) ([]models.CanonicalEvent, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("page_size", strconv.Itoa(newswireHardCap))
	for k, v := range opts.Filters {
		params.Set(k, v)
	}

	raw, err := n.client.search(ctx, n.baseURL, params)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []models.CanonicalEvent{}, nil
	}

	var payload struct {
		Articles []newswireArticle `json:"articles"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", newswireName, err)
	}
	if len(payload.Articles) == 0 {
		return []models.CanonicalEvent{}, nil
	}

	n.client.archiveBatch(query, raw)

	events := make([]models.CanonicalEvent, 0, len(payload.Articles))
	for _, art := range payload.Articles {
		ts := parseProviderDate(art.PublishedAt)
		if ts.IsZero() {
			ts = n.client.clock.Now().UTC()
		}
		var details json.RawMessage
		if art.Sentiment != nil {
			details, _ = json.Marshal(map[string]float64{"sentiment": *art.Sentiment})
		}
		events = append(events, models.CanonicalEvent{
			ID:          processing.BuildEventID(newswireName, art.ID, art.Headline, ts),
			Source:      newswireName,
			Type:        models.EventNews,
			Severity:    sentimentSeverity(art.Sentiment),
			Title:       processing.Truncate(art.Headline, 200),
			Description: processing.Redact(processing.CleanText(art.Summary), descriptionLimit),
			Details:     details,
			RawURL:      art.URL,
			RawRef:      art.ID,
			ParsedAt:    ts,
		})
	}

	return finalize(events, opts, newswireHardCap), nil
}

func (n *Newswire) FetchEventsForEntity(ctx context.Context, entity models.EntityRef, opts Options) ([]models.CanonicalEvent, error) {
	events, err := n.SearchByText(ctx, entityQuery(entity), opts)
	if err != nil {
		return nil, err
	}
	return attach(events, entity), nil
}

// sentimentSeverity inverts provider sentiment linearly: -1 maps to 1.0,
// +1 maps to 0.0, and an unscored article takes the neutral constant.
func sentimentSeverity(sentiment *float64) float64 {
	if sentiment == nil {
		return newswireNeutral
	}
	return clampSeverity((1 - *sentiment) / 2)
}
