package results

import (
	"encoding/json"
	"time"
)

// DecisionPertinent marks a selection record kept for refinement.
const DecisionPertinent = "à voir"

// SelectionRecord is one catalogue item judged during a selection batch.
type SelectionRecord struct {
	ID             string          `json:"id"`
	JobID          string          `json:"jobId"`
	ExternalItemID string          `json:"externalItemId"`
	Title          string          `json:"title"`
	URL            string          `json:"url"`
	Decision       string          `json:"decision"`
	RawPayload     json.RawMessage `json:"rawPayload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// IsPertinent reports whether the record was retained by selection.
func (r SelectionRecord) IsPertinent() bool {
	return r.Decision == DecisionPertinent
}

// RefinedRecord is the scored outcome of refinement for one item. Owned by the project.
type RefinedRecord struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"projectId"`
	JobID           string    `json:"jobId,omitempty"`
	ExternalItemID  string    `json:"externalItemId"`
	Title           string    `json:"title"`
	URL             string    `json:"url"`
	RelevanceScore  float64   `json:"relevanceScore"`
	RelevanceLevel  string    `json:"relevanceLevel"`
	Justification   string    `json:"justification"`
	Strengths       []string  `json:"strengths"`
	Weaknesses      []string  `json:"weaknesses"`
	Recommendations string    `json:"recommendations"`
	CreatedAt       time.Time `json:"createdAt"`
}
