package connectors

// Default provider endpoints, overridable for tests and staging mirrors.
const (
	DefaultSafeRecallURL    = "https://api.saferecall.example.gov/v2"
	DefaultComplaintDeskURL = "https://api.complaintdesk.example.gov/v1"
	DefaultNewswireURL      = "https://api.newswire.example.com/v3"
	DefaultCourtDocketURL   = "https://api.courtdocket.example.org/v1"
	DefaultOpenDataURL      = "https://catalog.data.example.gov/api"
	DefaultReviewPulseURL   = "https://api.reviewpulse.example.com/v1"
)

// Keys holds the optional provider credentials.
type Keys struct {
	Newswire      string
	ComplaintDesk string
}

// All constructs the full provider set with shared deps. Connectors may be
// invoked concurrently with each other; each serializes its own calls.
func All(keys Keys, deps Deps) []Connector {
	return []Connector{
		NewSafeRecall(DefaultSafeRecallURL, deps),
		NewComplaintDesk(DefaultComplaintDeskURL, keys.ComplaintDesk, deps),
		NewNewswire(DefaultNewswireURL, keys.Newswire, deps),
		NewCourtDocket(DefaultCourtDocketURL, deps),
		NewOpenData(DefaultOpenDataURL, deps),
		NewReviewPulse(DefaultReviewPulseURL, deps),
	}
}
