package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates the canonical signal categories emitted by connectors.
type EventType string

const (
	EventRecall    EventType = "recall"
	EventComplaint EventType = "complaint"
	EventNews      EventType = "news"
	EventCourt     EventType = "court"
	EventPolicy    EventType = "policy"
	EventReview    EventType = "review"
	EventDataset   EventType = "dataset"
	EventPricing   EventType = "pricing"
)

// CanonicalEvent is the normalized record every connector produces and the
// scoring engine consumes. Events are append-only and never mutated.
type CanonicalEvent struct {
	ID               string          `json:"id"`
	Source           string          `json:"source"`
	Type             EventType       `json:"type"`
	Severity         float64         `json:"severity"` // always within [0,1]
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Details          json.RawMessage `json:"detailsJson,omitempty"`
	RawURL           string          `json:"rawUrl,omitempty"`
	RawRef           string          `json:"rawRef,omitempty"`
	ParsedAt         time.Time       `json:"parsedAt"`
	Entity           EntityRef       `json:"entity"`
	RobotsDisallowed bool            `json:"robotsDisallowed,omitempty"`
}

// PolicyFacts is the structured payload carried in Details by policy events.
// Confidence is the parser's own estimate of how much of the text it understood.
type PolicyFacts struct {
	WarrantyMonths   int     `json:"warrantyMonths"`
	PartsCovered     bool    `json:"partsCovered"`
	LaborCovered     bool    `json:"laborCovered"`
	Transferable     bool    `json:"transferable"`
	RefundDays       int     `json:"refundDays"`
	RegistrationDays int     `json:"registrationDays"`
	Arbitration      bool    `json:"arbitration"`
	Confidence       float64 `json:"confidence"`
}
