package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"grantmatch-backend/internal/catalogue"
	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/projects"
	"grantmatch-backend/internal/queue"
	"grantmatch-backend/internal/results"
	"grantmatch-backend/internal/shared/config"
	"grantmatch-backend/internal/workflow"
)

type fakeCatalogue struct {
	mu     sync.Mutex
	aides  []catalogue.Aide
	err    error
	params []catalogue.Params
}

func (f *fakeCatalogue) Search(ctx context.Context, params catalogue.Params) ([]catalogue.Aide, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.aides, nil
}

type fakeDispatcher struct {
	mu           sync.Mutex
	selection    []workflow.SelectionBatch
	refinement   []workflow.RefinementBatch
	inFlight     int
	maxInFlight  int
	onSelection  func(ctx context.Context, b workflow.SelectionBatch) workflow.Outcome
	onRefinement func(ctx context.Context, b workflow.RefinementBatch) workflow.Outcome
}

func (f *fakeDispatcher) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
}

func (f *fakeDispatcher) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeDispatcher) DispatchSelection(ctx context.Context, b workflow.SelectionBatch) workflow.Outcome {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.selection = append(f.selection, b)
	fn := f.onSelection
	f.mu.Unlock()
	if fn == nil {
		return workflow.Outcome{OK: true, StatusCode: 200}
	}
	return fn(ctx, b)
}

func (f *fakeDispatcher) DispatchRefinement(ctx context.Context, b workflow.RefinementBatch) workflow.Outcome {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.refinement = append(f.refinement, b)
	fn := f.onRefinement
	f.mu.Unlock()
	if fn == nil {
		return completedOutcome(b, "Très pertinente")
	}
	return fn(ctx, b)
}

func (f *fakeDispatcher) selectionBatches() []workflow.SelectionBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.SelectionBatch(nil), f.selection...)
}

func (f *fakeDispatcher) refinementBatches() []workflow.RefinementBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.RefinementBatch(nil), f.refinement...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.JobEvent
}

func (f *fakePublisher) Publish(ctx context.Context, evt queue.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) all() []queue.JobEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.JobEvent(nil), f.events...)
}

type testEnv struct {
	svc      *Service
	jobs     *jobs.MemoryRepo
	results  *results.MemoryStore
	projects *projects.MemoryStore
	cat      *fakeCatalogue
	disp     *fakeDispatcher
	events   *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:     jobs.NewMemoryRepo(),
		results:  results.NewMemoryStore(),
		projects: projects.NewMemoryStore(),
		cat:      &fakeCatalogue{},
		disp:     &fakeDispatcher{},
		events:   &fakePublisher{},
	}
	env.svc = &Service{
		Jobs:       env.jobs,
		Results:    env.results,
		Projects:   env.projects,
		Catalogue:  env.cat,
		Dispatcher: env.disp,
		Events:     env.events,
		Config: config.PipelineConfig{
			SelectionBatchSize:  10,
			RefinementBatchSize: 2,
			DispatchConcurrency: 4,
			BatchTimeout:        5 * time.Second,
			FailurePolicy:       config.FailurePolicyTolerate,
		},
	}
	return env
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Wait(ctx); err != nil {
		t.Fatalf("background runs did not settle: %v", err)
	}
}

func (e *testEnv) job(t *testing.T, id string) jobs.Job {
	t.Helper()
	job, err := e.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return job
}

// seedSelectionJob stores a finished selection job with one record per decision.
func (e *testEnv) seedSelectionJob(t *testing.T, projectID string, decisions ...string) jobs.Job {
	t.Helper()
	ctx := context.Background()
	jobContext, _ := json.Marshal(StartSelectionRequest{
		ProjectID:      projectID,
		ProjectContext: "Rénovation énergétique d'une salle des fêtes",
		Keywords:       []string{"rénovation", "énergie"},
	})
	job := jobs.Job{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Type:      jobs.TypeSelection,
		Status:    jobs.StatusProcessing,
		BatchSize: 10,
		Context:   jobContext,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.jobs.SetTotals(ctx, job.ID, len(decisions), 1, 10); err != nil {
		t.Fatalf("SetTotals: %v", err)
	}
	records := make([]results.SelectionRecord, 0, len(decisions))
	for i, d := range decisions {
		records = append(records, results.SelectionRecord{
			JobID:          job.ID,
			ExternalItemID: fmt.Sprintf("%d", i+1),
			Title:          fmt.Sprintf("Aide %d", i+1),
			URL:            fmt.Sprintf("https://aides-territoires.beta.gouv.fr/aides/%d/", i+1),
			Decision:       d,
			RawPayload:     json.RawMessage(fmt.Sprintf(`{"id":%d,"description":"Description %d"}`, i+1, i+1)),
		})
	}
	if len(records) > 0 {
		if _, err := e.results.InsertSelection(ctx, records); err != nil {
			t.Fatalf("InsertSelection: %v", err)
		}
	}
	if err := e.jobs.UpdateStatus(ctx, job.ID, jobs.StatusSelectionDone, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	return e.job(t, job.ID)
}

func makeAides(active, inactive int) []catalogue.Aide {
	out := make([]catalogue.Aide, 0, active+inactive)
	for i := 0; i < active+inactive; i++ {
		id := fmt.Sprintf("%d", i+1)
		out = append(out, catalogue.Aide{
			ID:       id,
			Name:     "Aide " + id,
			URL:      "https://aides-territoires.beta.gouv.fr/aides/" + id + "/",
			IsActive: i < active,
			Raw:      json.RawMessage(`{"id":` + id + `,"name":"Aide ` + id + `"}`),
		})
	}
	return out
}

// engineWriting simulates the engine posting back a decision for every aide of a selection batch.
func engineWriting(store results.Store, decide func(aideIndex int) string) func(context.Context, workflow.SelectionBatch) workflow.Outcome {
	return func(ctx context.Context, b workflow.SelectionBatch) workflow.Outcome {
		records := make([]results.SelectionRecord, 0, len(b.Aides))
		for _, raw := range b.Aides {
			var aide struct {
				ID   int    `json:"id"`
				Name string `json:"name"`
			}
			if err := json.Unmarshal(raw, &aide); err != nil {
				return workflow.Outcome{Err: err}
			}
			records = append(records, results.SelectionRecord{
				JobID:          b.JobID,
				ExternalItemID: fmt.Sprintf("%d", aide.ID),
				Title:          aide.Name,
				Decision:       decide(aide.ID),
				RawPayload:     raw,
			})
		}
		if _, err := store.InsertSelection(ctx, records); err != nil {
			return workflow.Outcome{Err: err}
		}
		return workflow.Outcome{OK: true, StatusCode: 200}
	}
}

func completedOutcome(b workflow.RefinementBatch, level string) workflow.Outcome {
	res := &workflow.RefinementResult{Status: "completed"}
	for i, a := range b.Aides {
		res.Results = append(res.Results, workflow.RefinedItem{
			ID:   workflow.FlexString(a.ID),
			Name: a.Name,
			URL:  a.URL,
			Pertinence: workflow.Pertinence{
				Level:         level,
				Score:         workflow.FlexFloat(90 - i),
				Justification: "Correspond au projet",
				Strengths:     []string{"Montant"},
			},
		})
	}
	return workflow.Outcome{OK: true, StatusCode: 200, Refinement: res}
}
