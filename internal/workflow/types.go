package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// SharedContext is the project context sent with every batch of a job.
type SharedContext struct {
	ProjectContext string   `json:"projectContext"`
	Keywords       []string `json:"keywords"`
	KeyElements    []string `json:"key_elements"`
}

// SelectionBatch is one chunk of catalogue items for phase one.
type SelectionBatch struct {
	JobID   string
	BatchID string
	Context SharedContext
	Aides   []json.RawMessage
}

// RefinementItem is the per-aide detail sent for phase two.
type RefinementItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// RefinementBatch is one chunk of pertinent items for phase two.
type RefinementBatch struct {
	JobID     string
	BatchID   string
	ProjectID string
	Context   SharedContext
	Aides     []RefinementItem
}

type selectionPayload struct {
	JobID          string            `json:"job_id"`
	BatchID        string            `json:"batch_id"`
	KeyElements    []string          `json:"key_elements"`
	ProjectContext string            `json:"projectContext"`
	Keywords       []string          `json:"keywords"`
	Aides          []json.RawMessage `json:"aides"`
}

type refinementPayload struct {
	JobID          string           `json:"job_id"`
	BatchID        string           `json:"batch_id"`
	ProjectID      string           `json:"project_id"`
	ProjectContext string           `json:"projectContext"`
	Keywords       []string         `json:"keywords"`
	KeyElements    []string         `json:"key_elements"`
	Aides          []RefinementItem `json:"aides"`
}

// RefinementResult is the unwrapped refinement payload returned by the engine.
type RefinementResult struct {
	Status  string        `json:"status"`
	Results []RefinedItem `json:"results"`
}

// IsCompleted reports whether the engine declared the batch done.
func (r RefinementResult) IsCompleted() bool {
	s := strings.TrimSpace(r.Status)
	return strings.EqualFold(s, "completed") || strings.EqualFold(s, "success")
}

// RefinedItem is the engine's verdict for one aide.
type RefinedItem struct {
	ID         FlexString `json:"id"`
	Name       string     `json:"name"`
	URL        string     `json:"url"`
	Pertinence Pertinence `json:"pertinence"`
}

// Pertinence carries the relevance assessment.
type Pertinence struct {
	Level           string    `json:"niveau_pertinence"`
	Score           FlexFloat `json:"score_compatibilite"`
	Justification   string    `json:"justification"`
	Strengths       []string  `json:"points_positifs"`
	Weaknesses      []string  `json:"points_negatifs"`
	Recommendations FlexText  `json:"recommandations"`
}

// IsDismissed reports levels the engine uses to reject an aide.
func (p Pertinence) IsDismissed() bool {
	level := strings.ToLower(strings.TrimSpace(p.Level))
	return strings.Contains(level, "pas pertinente") || level == "faible" || level == "nulle"
}

// FlexString accepts a JSON string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// FlexFloat accepts a JSON number or a numeric string.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return errors.New("score_compatibilite is not numeric")
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// FlexText accepts a string or a list of strings, joined by newlines.
type FlexText string

func (f *FlexText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*f = FlexText(strings.Join(items, "\n"))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = FlexText(s)
	return nil
}
