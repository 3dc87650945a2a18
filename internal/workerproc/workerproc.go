package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"grantmatch-backend/internal/bootstrap"
	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/pipeline"
	"grantmatch-backend/internal/queue"
)

const (
	ActionIgnored           = "ignored"
	ActionRefinementStarted = "refinement_started"
	ActionNothingToRefine   = "nothing_to_refine"
	ActionDuplicate         = "duplicate"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a payload that is not a valid job event.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode event"
	}
	return "decode event: " + e.Err.Error()
}

// ErrProcess indicates processing failed after successful parsing. Permanent failures will not
// succeed on redelivery.
type ErrProcess struct {
	JobID     string
	RequestID string
	Permanent bool
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process event"
	}
	return "process event: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.JobEvent, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.JobEvent{}, meta, ErrEmptyBody{Meta: meta}
	}

	evt, err := queue.DecodeEvent([]byte(body))
	if err != nil {
		return queue.JobEvent{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	return evt, meta, nil
}

type parsedEventKey struct{}

// WithParsedEvent stores a decoded event in the context for reuse.
func WithParsedEvent(ctx context.Context, evt queue.JobEvent) context.Context {
	return context.WithValue(ctx, parsedEventKey{}, evt)
}

func parsedEventFromContext(ctx context.Context) (queue.JobEvent, bool) {
	if ctx == nil {
		return queue.JobEvent{}, false
	}
	evt, ok := ctx.Value(parsedEventKey{}).(queue.JobEvent)
	return evt, ok
}

// Refiner starts refinement for a finished selection job.
type Refiner interface {
	StartRefinement(ctx context.Context, selectionJobID string) (jobs.Job, error)
}

// Processor reacts to job lifecycle events.
type Processor struct {
	Refiner    Refiner
	AutoRefine bool
}

// HandleEvent starts refinement for a finished selection job when auto-refine is on.
// Every other event is acknowledged without action.
func (p Processor) HandleEvent(ctx context.Context, evt queue.JobEvent) (string, error) {
	if !p.AutoRefine || evt.Type != jobs.TypeSelection || evt.Status != jobs.StatusSelectionDone {
		return ActionIgnored, nil
	}
	if p.Refiner == nil {
		return "", errors.New("pipeline service not configured")
	}
	ctx = pipeline.WithRequestID(ctx, evt.RequestID)

	// A redelivered event finds the refinement its first delivery started.
	_, err := p.Refiner.StartRefinement(ctx, evt.JobID)
	switch {
	case err == nil:
		return ActionRefinementStarted, nil
	case errors.Is(err, pipeline.ErrNothingToRefine):
		return ActionNothingToRefine, nil
	case errors.Is(err, pipeline.ErrRefinementExists):
		return ActionDuplicate, nil
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, pipeline.ErrNotSelectionJob),
		errors.Is(err, pipeline.ErrSelectionNotDone):
		return "", ErrProcess{JobID: evt.JobID, RequestID: evt.RequestID, Permanent: true, Err: err}
	default:
		return "", ErrProcess{JobID: evt.JobID, RequestID: evt.RequestID, Err: err}
	}
}

// HandleMessage parses, validates, and processes a message payload.
func HandleMessage(ctx context.Context, app *bootstrap.App, body string) (string, error) {
	if app == nil || app.Pipeline == nil {
		return "", errors.New("pipeline service not configured")
	}

	evt, ok := parsedEventFromContext(ctx)
	if !ok {
		var err error
		evt, _, err = ParseMessage(body)
		if err != nil {
			return "", err
		}
	}

	p := Processor{
		Refiner:    app.Pipeline,
		AutoRefine: app.Config.Pipeline.AutoRefine,
	}
	return p.HandleEvent(ctx, evt)
}

// Unrecoverable reports errors that redelivery cannot fix.
func Unrecoverable(err error) bool {
	var empty ErrEmptyBody
	var decode ErrDecode
	var proc ErrProcess
	switch {
	case errors.As(err, &empty), errors.As(err, &decode):
		return true
	case errors.As(err, &proc):
		return proc.Permanent
	default:
		return false
	}
}
