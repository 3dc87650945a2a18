package queue

import (
	"encoding/json"
	"errors"
)

// EventVersion is the current JobEvent schema version.
const EventVersion = 1

var ErrInvalidEvent = errors.New("invalid job event")

// JobEvent announces a job reaching a terminal status.
type JobEvent struct {
	JobID     string `json:"jobId"`
	ProjectID string `json:"projectId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	RequestID string `json:"requestId,omitempty"`
	EmittedAt string `json:"emittedAt"`
	Version   int    `json:"version"`
}

// EncodeEvent returns the JSON representation of an event.
func EncodeEvent(evt JobEvent) ([]byte, error) {
	return json.Marshal(evt)
}

// DecodeEvent parses a JSON payload into a JobEvent.
func DecodeEvent(payload []byte) (JobEvent, error) {
	var evt JobEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return JobEvent{}, err
	}
	if evt.JobID == "" || evt.Type == "" || evt.Status == "" {
		return JobEvent{}, ErrInvalidEvent
	}
	return evt, nil
}
