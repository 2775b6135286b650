package models

import "time"

// BucketScore explains one metric's contribution to a Score.
type BucketScore struct {
	Metric      string   `json:"metric"`
	Raw         float64  `json:"raw"`
	Normalized  float64  `json:"normalized"`
	Weight      float64  `json:"weight"`
	Weighted    float64  `json:"weighted"`
	EvidenceIDs []string `json:"evidenceIds"`
}

// Score is an immutable scoring snapshot. Multiple snapshots per entity form a
// history; the current score is the one with the greatest CreatedAt.
type Score struct {
	ID            string        `json:"id"`
	Entity        EntityRef     `json:"entity"`
	Score         float64       `json:"score"` // 0..100
	Grade         string        `json:"grade"`
	Confidence    float64       `json:"confidence"` // 0..1
	Breakdown     []BucketScore `json:"breakdown"`
	ConfigVersion string        `json:"configVersion"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// SignalWeight names a metric bucket and the weight it carried.
type SignalWeight struct {
	Metric string  `json:"metric"`
	Weight float64 `json:"weight"`
}

// Diagnostics is the flag-gated shrinkage view of a score. Its Confidence is
// computed independently from Score.Confidence and the two must not be mixed.
type Diagnostics struct {
	Confidence     float64        `json:"confidence"`
	UsedSignals    []SignalWeight `json:"usedSignals"`
	MissingSignals []SignalWeight `json:"missingSignals"`
}

// TrustPayload is the externally served trust document fronted by the
// response cache. The field contract is fixed for API compatibility.
type TrustPayload struct {
	Entity        EntityRef     `json:"entity"`
	Score         float64       `json:"score"`
	Grade         string        `json:"grade"`
	Confidence    float64       `json:"confidence"`
	Breakdown     []BucketScore `json:"breakdown"`
	ConfigVersion string        `json:"configVersion"`
	ComputedAt    time.Time     `json:"computedAt"`
	Cached        bool          `json:"cached"`
	Diagnostics   *Diagnostics  `json:"diagnostics,omitempty"`
}
