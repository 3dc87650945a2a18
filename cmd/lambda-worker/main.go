package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"log"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"grantmatch-backend/internal/bootstrap"
	"grantmatch-backend/internal/shared/config"
	"grantmatch-backend/internal/shared/metrics"
	"grantmatch-backend/internal/shared/telemetry"
	"grantmatch-backend/internal/workerproc"
)

var (
	initOnce sync.Once
	initErr  error
	app      *bootstrap.App
)

func initApp() {
	cfg := config.Load()
	telemetry.Init(telemetry.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	built, err := bootstrap.Build(cfg)
	if err != nil {
		initErr = err
		return
	}
	app = built
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		log.Printf("bootstrap error: %v", initErr)
		failures := make([]events.SQSBatchItemFailure, 0, len(event.Records))
		for _, record := range event.Records {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
		return events.SQSEventResponse{BatchItemFailures: failures}, initErr
	}

	failures := make([]events.SQSBatchItemFailure, 0)
	for _, record := range event.Records {
		if !handleRecord(ctx, record) {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}

	// The runtime freezes between invocations, so started refinements run to completion here.
	if err := app.Pipeline.Wait(ctx); err != nil {
		telemetry.Warn("lambda_worker.jobs_unfinished", map[string]any{"error": err.Error()})
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

// handleRecord reports whether the record can be removed from the queue.
func handleRecord(ctx context.Context, record events.SQSMessage) bool {
	metrics.IncWorkerEventsReceived()
	fields := map[string]any{"sqs_message_id": record.MessageId}

	evt, meta, err := workerproc.ParseMessage(record.Body)
	if err != nil {
		fields["body_len"] = meta.BodyLen
		fields["error"] = err.Error()
		telemetry.Error("worker.event.decode_failed", fields)
		metrics.IncWorkerEventsDiscarded()
		return true
	}
	fields["job_id"] = evt.JobID
	fields["request_id"] = evt.RequestID

	action, err := workerproc.HandleMessage(workerproc.WithParsedEvent(ctx, evt), app, record.Body)
	if err != nil {
		fields["error"] = err.Error()
		if workerproc.Unrecoverable(err) {
			telemetry.Error("worker.event.discarded", fields)
			metrics.IncWorkerEventsDiscarded()
			return true
		}
		telemetry.Error("worker.event.failed", fields)
		return false
	}

	fields["action"] = action
	telemetry.Info("worker.event.handled", fields)
	return true
}

func main() {
	lambda.Start(handler)
}
