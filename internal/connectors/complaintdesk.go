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
	complaintDeskName    = "complaintdesk"
	complaintDeskHardCap = 250
	complaintDeskNeutral = 0.5

	// Authenticated callers get a much larger hourly budget.
	complaintDeskBudgetAuthed = 1000
	complaintDeskBudgetAnon   = 30
)

// responseSeverity maps the complaint database's company-response status to a
// base severity. An open dispute adds on top.
var responseSeverity = map[string]float64{
	"untimely response":               0.9,
	"closed without relief":           0.6,
	"closed with explanation":         0.45,
	"closed with non-monetary relief": 0.35,
	"closed with monetary relief":     0.3,
}

const disputeBoost = 0.2

// ComplaintDesk queries the consumer complaint database.
type ComplaintDesk struct {
	client  *client
	baseURL string
}

// NewComplaintDesk builds the complaint connector. An empty apiKey drops the
// connector to the unauthenticated budget.
func NewComplaintDesk(baseURL, apiKey string, deps Deps) *ComplaintDesk {
	budget := complaintDeskBudgetAnon
	if apiKey != "" {
		budget = complaintDeskBudgetAuthed
	}
	c := &ComplaintDesk{
		client:  newClient(complaintDeskName, deps, budget, time.Hour),
		baseURL: strings.TrimRight(baseURL, "/") + "/complaints",
	}
	if apiKey != "" {
		c.client.headers["Authorization"] = "Bearer " + apiKey
	}
	return c
}

func (c *ComplaintDesk) Name() string { return complaintDeskName }

type complaintRecord struct {
	ComplaintID     string `json:"complaint_id"`
	Issue           string `json:"issue"`
	Narrative       string `json:"narrative"`
	CompanyResponse string `json:"company_response"`
	Disputed        bool   `json:"disputed"`
	ZIP             string `json:"zip"`
	ReceivedDate    string `json:"received_date"`
	URL             string `json:"url"`
}

func (c *ComplaintDesk) SearchByText(ctx context.Context, query string, opts Options) ([]models.CanonicalEvent, error) {
	parsed := processing.ParseQuery(query)

	params := url.Values{}
	params.Set("search_term", strings.Join(parsed.Terms, " "))
	if parsed.Company != "" {
		params.Set("company", parsed.Company)
	}
	params.Set("size", strconv.Itoa(complaintDeskHardCap))
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
		Complaints []complaintRecord `json:"complaints"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", complaintDeskName, err)
	}
	if len(payload.Complaints) == 0 {
		return []models.CanonicalEvent{}, nil
	}

	c.client.archiveBatch(parsed.Company+" "+strings.Join(parsed.Terms, "-"), raw)

	events := make([]models.CanonicalEvent, 0, len(payload.Complaints))
	for _, rec := range payload.Complaints {
		ts := parseProviderDate(rec.ReceivedDate)
		if ts.IsZero() {
			ts = c.client.clock.Now().UTC()
		}
		details, _ := json.Marshal(map[string]any{
			"companyResponse": rec.CompanyResponse,
			"disputed":        rec.Disputed,
			"zip":             processing.MaskPostalCodes(rec.ZIP),
		})
		events = append(events, models.CanonicalEvent{
			ID:          processing.BuildEventID(complaintDeskName, rec.ComplaintID, rec.Issue, ts),
			Source:      complaintDeskName,
			Type:        models.EventComplaint,
			Severity:    c.severity(rec),
			Title:       processing.Truncate(rec.Issue, 200),
			Description: processing.Redact(rec.Narrative, descriptionLimit),
			Details:     details,
			RawURL:      rec.URL,
			RawRef:      rec.ComplaintID,
			ParsedAt:    ts,
		})
	}

	return finalize(events, opts, complaintDeskHardCap), nil
}

func (c *ComplaintDesk) FetchEventsForEntity(ctx context.Context, entity models.EntityRef, opts Options) ([]models.CanonicalEvent, error) {
	events, err := c.SearchByText(ctx, entityQuery(entity), opts)
	if err != nil {
		return nil, err
	}
	return attach(events, entity), nil
}

// severity starts from the company-response tier and adds the dispute boost,
// clamped to the canonical [0,1] range.
func (c *ComplaintDesk) severity(rec complaintRecord) float64 {
	sev, ok := responseSeverity[strings.ToLower(strings.TrimSpace(rec.CompanyResponse))]
	if !ok {
		sev = complaintDeskNeutral
	}
	if rec.Disputed {
		sev += disputeBoost
	}
	return clampSeverity(sev)
}
