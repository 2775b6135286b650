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
	reviewPulseName    = "reviewpulse"
	reviewPulseHardCap = 100
	reviewPulseBudget  = 60 // per minute
	reviewPulseNeutral = 0.5
)

// Engagement thresholds that sharpen a review's weight: widely seen reviews
// move severity further from neutral.
const (
	engagementHigh      = 50
	engagementMedium    = 10
	engagementHighBoost = 0.1
	engagementMedBoost  = 0.05
)

// ReviewPulse fetches product reviews. Review severity is inverted relative
// to rating: a 1-star review is high risk, a 5-star review near zero.
type ReviewPulse struct {
	client  *client
	baseURL string
}

func NewReviewPulse(baseURL string, deps Deps) *ReviewPulse {
	return &ReviewPulse{
		client:  newClient(reviewPulseName, deps, reviewPulseBudget, time.Minute),
		baseURL: strings.TrimRight(baseURL, "/") + "/reviews",
	}
}

func (r *ReviewPulse) Name() string { return reviewPulseName }

type reviewRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Rating       *int   `json:"rating"` // 1..5, null when unrated
	HelpfulVotes int    `json:"helpful_votes"`
	PostedAt     string `json:"posted_at"`
	URL          string `json:"url"`
}

func (r *ReviewPulse) SearchByText(ctx context.Context, query string, opts Options) ([]models.CanonicalEvent, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(reviewPulseHardCap))
	for k, v := range opts.Filters {
		params.Set(k, v)
	}

	raw, err := r.client.search(ctx, r.baseURL, params)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []models.CanonicalEvent{}, nil
	}

	var payload struct {
		Reviews []reviewRecord `json:"reviews"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", reviewPulseName, err)
	}
	if len(payload.Reviews) == 0 {
		return []models.CanonicalEvent{}, nil
	}

	r.client.archiveBatch(query, raw)

	events := make([]models.CanonicalEvent, 0, len(payload.Reviews))
	for _, rec := range payload.Reviews {
		ts := parseProviderDate(rec.PostedAt)
		if ts.IsZero() {
			ts = r.client.clock.Now().UTC()
		}
		details, _ := json.Marshal(map[string]any{
			"rating":       rec.Rating,
			"helpfulVotes": rec.HelpfulVotes,
		})
		events = append(events, models.CanonicalEvent{
			ID:          processing.BuildEventID(reviewPulseName, rec.ID, rec.Title, ts),
			Source:      reviewPulseName,
			Type:        models.EventReview,
			Severity:    reviewSeverity(rec.Rating, rec.HelpfulVotes),
			Title:       processing.Truncate(rec.Title, 200),
			Description: processing.Redact(rec.Body, descriptionLimit),
			Details:     details,
			RawURL:      rec.URL,
			RawRef:      rec.ID,
			ParsedAt:    ts,
		})
	}

	return finalize(events, opts, reviewPulseHardCap), nil
}

func (r *ReviewPulse) FetchEventsForEntity(ctx context.Context, entity models.EntityRef, opts Options) ([]models.CanonicalEvent, error) {
	events, err := r.SearchByText(ctx, entityQuery(entity), opts)
	if err != nil {
		return nil, err
	}
	return attach(events, entity), nil
}

func reviewSeverity(rating *int, helpfulVotes int) float64 {
	if rating == nil {
		return reviewPulseNeutral
	}

	sev := float64(5-*rating) / 4

	// Push well-circulated reviews away from neutral in whichever direction
	// they already lean.
	var boost float64
	switch {
	case helpfulVotes >= engagementHigh:
		boost = engagementHighBoost
	case helpfulVotes >= engagementMedium:
		boost = engagementMedBoost
	}
	if sev >= reviewPulseNeutral {
		sev += boost
	} else {
		sev -= boost
	}

	return clampSeverity(sev)
}
