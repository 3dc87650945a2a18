package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"grantmatch-backend/internal/shared/telemetry"
)

const (
	DefaultSelectionPath  = "/webhook/aideSelectionService"
	DefaultRefinementPath = "/webhook/refineFilteredAides"

	maxResponseBytes = 10 << 20
)

var (
	ErrNotConfigured     = errors.New("workflow engine not configured")
	ErrUpstreamStatus    = errors.New("workflow engine returned non-2xx status")
	ErrMalformedEnvelope = errors.New("workflow response envelope malformed")
	ErrInvalidPayload    = errors.New("workflow refinement payload invalid")
)

// Outcome is the structured result of one batch dispatch. Failures are data, never panics.
type Outcome struct {
	OK         bool
	StatusCode int
	Err        error
	Duration   time.Duration
	// Raw is the unwrapped refinement JSON exactly as the engine produced it.
	Raw        json.RawMessage
	Refinement *RefinementResult
}

// Completed reports a successful refinement whose payload declares completion.
func (o Outcome) Completed() bool {
	return o.OK && o.Refinement != nil && o.Refinement.IsCompleted()
}

// Config configures a Dispatcher.
type Config struct {
	BaseURL        string
	APIKey         string
	SelectionPath  string
	RefinementPath string
	HTTPClient     *http.Client
}

// Dispatcher sends batches to the workflow engine and waits for one synchronous response each.
type Dispatcher struct {
	baseURL        string
	apiKey         string
	selectionPath  string
	refinementPath string
	httpClient     *http.Client
	schema         *jsonschema.Schema
}

// NewDispatcher builds a Dispatcher. Missing credentials surface as ErrNotConfigured on dispatch.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	schema, err := compileRefinementSchema()
	if err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	selectionPath := cfg.SelectionPath
	if selectionPath == "" {
		selectionPath = DefaultSelectionPath
	}
	refinementPath := cfg.RefinementPath
	if refinementPath == "" {
		refinementPath = DefaultRefinementPath
	}
	return &Dispatcher{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		selectionPath:  selectionPath,
		refinementPath: refinementPath,
		httpClient:     client,
		schema:         schema,
	}, nil
}

// Configured reports whether the engine URL and credential are set.
func (d *Dispatcher) Configured() bool {
	return d.baseURL != "" && strings.TrimSpace(d.apiKey) != ""
}

// DispatchSelection posts a selection batch. Success is any 2xx response.
func (d *Dispatcher) DispatchSelection(ctx context.Context, batch SelectionBatch) (out Outcome) {
	defer recoverOutcome(&out)
	payload := selectionPayload{
		JobID:          batch.JobID,
		BatchID:        batch.BatchID,
		KeyElements:    nonNil(batch.Context.KeyElements),
		ProjectContext: batch.Context.ProjectContext,
		Keywords:       nonNil(batch.Context.Keywords),
		Aides:          batch.Aides,
	}
	if payload.Aides == nil {
		payload.Aides = []json.RawMessage{}
	}
	status, _, dur, err := d.post(ctx, d.selectionPath, payload)
	out = Outcome{StatusCode: status, Duration: dur, Err: err, OK: err == nil}
	d.logOutcome("selection", batch.JobID, batch.BatchID, out)
	return out
}

// DispatchRefinement posts a refinement batch and unwraps the engine's envelope.
func (d *Dispatcher) DispatchRefinement(ctx context.Context, batch RefinementBatch) (out Outcome) {
	defer recoverOutcome(&out)
	payload := refinementPayload{
		JobID:          batch.JobID,
		BatchID:        batch.BatchID,
		ProjectID:      batch.ProjectID,
		ProjectContext: batch.Context.ProjectContext,
		Keywords:       nonNil(batch.Context.Keywords),
		KeyElements:    nonNil(batch.Context.KeyElements),
		Aides:          batch.Aides,
	}
	if payload.Aides == nil {
		payload.Aides = []RefinementItem{}
	}
	status, body, dur, err := d.post(ctx, d.refinementPath, payload)
	out = Outcome{StatusCode: status, Duration: dur, Err: err}
	if err == nil {
		raw, result, perr := d.ParseRefinement(body)
		if perr != nil {
			out.Err = perr
		} else {
			out.OK = true
			out.Raw = raw
			out.Refinement = &result
		}
	}
	d.logOutcome("refinement", batch.JobID, batch.BatchID, out)
	return out
}

func (d *Dispatcher) post(ctx context.Context, path string, payload any) (int, []byte, time.Duration, error) {
	if !d.Configured() {
		return 0, nil, 0, ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, time.Since(start), fmt.Errorf("workflow request timeout: %w", err)
		}
		return 0, nil, time.Since(start), err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	dur := time.Since(start)
	if err != nil {
		return resp.StatusCode, nil, dur, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, dur, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}
	return resp.StatusCode, respBody, dur, nil
}

type envelope struct {
	Output *string `json:"output"`
}

// ParseRefinement unwraps a refinement response: a JSON object (or a one-element array of it)
// whose output field holds the payload as a string prefixed with a stray "=".
func (d *Dispatcher) ParseRefinement(body []byte) (json.RawMessage, RefinementResult, error) {
	inner, err := unwrapEnvelope(body)
	if err != nil {
		return nil, RefinementResult{}, err
	}

	var doc any
	if err := json.Unmarshal(inner, &doc); err != nil {
		return nil, RefinementResult{}, fmt.Errorf("%w: wrapped payload is not JSON: %v", ErrMalformedEnvelope, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return nil, RefinementResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var result RefinementResult
	if err := json.Unmarshal(inner, &result); err != nil {
		return nil, RefinementResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return append(json.RawMessage(nil), inner...), result, nil
}

func unwrapEnvelope(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEnvelope)
	}

	var env envelope
	switch trimmed[0] {
	case '[':
		var list []envelope
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: empty array", ErrMalformedEnvelope)
		}
		env = list[0]
	case '{':
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected body", ErrMalformedEnvelope)
	}
	if env.Output == nil {
		return nil, fmt.Errorf("%w: missing output", ErrMalformedEnvelope)
	}

	wrapped := strings.TrimSpace(*env.Output)
	wrapped = strings.TrimPrefix(wrapped, "=")
	wrapped = strings.TrimSpace(wrapped)
	if wrapped == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedEnvelope)
	}
	return []byte(wrapped), nil
}

func (d *Dispatcher) logOutcome(phase, jobID, batchID string, out Outcome) {
	fields := map[string]any{
		"phase":       phase,
		"job_id":      jobID,
		"batch_id":    batchID,
		"status_code": out.StatusCode,
		"duration_ms": out.Duration.Milliseconds(),
		"ok":          out.OK,
	}
	if out.Err != nil {
		fields["error"] = out.Err.Error()
		telemetry.Warn("batch.failed", fields)
		return
	}
	telemetry.Debug("batch.dispatch", fields)
}

func recoverOutcome(out *Outcome) {
	if r := recover(); r != nil {
		*out = Outcome{Err: fmt.Errorf("workflow dispatch panic: %v", r)}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
