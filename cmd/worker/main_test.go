package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/queue"
	"grantmatch-backend/internal/workerproc"
)

type fakeSQS struct {
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeHandler struct {
	err  error
	seen []queue.JobEvent
}

func (f *fakeHandler) HandleEvent(ctx context.Context, evt queue.JobEvent) (string, error) {
	f.seen = append(f.seen, evt)
	if f.err != nil {
		return "", f.err
	}
	return workerproc.ActionRefinementStarted, nil
}

type fakeAcker struct {
	acked    []uint64
	nacked   []uint64
	requeued []bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeued = append(f.requeued, requeue)
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func eventBody(t *testing.T, jobID string) string {
	t.Helper()
	body, err := queue.EncodeEvent(queue.JobEvent{
		JobID:     jobID,
		ProjectID: "project-1",
		Type:      jobs.TypeSelection,
		Status:    jobs.StatusSelectionDone,
		RequestID: "req-1",
		Version:   queue.EventVersion,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(body)
}

func sqsMessage(id, body string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("r-" + id),
		Body:          aws.String(body),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	handler := &fakeHandler{}

	handleMessage(context.Background(), client, "queue", handler, sqsMessage("m1", eventBody(t, "job-1")))

	if len(client.deleted) != 1 || client.deleted[0] != "r-m1" {
		t.Fatalf("expected delete of r-m1, got %v", client.deleted)
	}
	if len(handler.seen) != 1 || handler.seen[0].JobID != "job-1" {
		t.Fatalf("expected handler to see job-1, got %+v", handler.seen)
	}
}

func TestWorkerDoesNotDeleteOnFailure(t *testing.T) {
	client := &fakeSQS{}
	handler := &fakeHandler{err: workerproc.ErrProcess{JobID: "job-2", Err: errors.New("db down")}}

	handleMessage(context.Background(), client, "queue", handler, sqsMessage("m2", eventBody(t, "job-2")))

	if len(client.deleted) != 0 {
		t.Fatalf("expected no delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnPermanentFailure(t *testing.T) {
	client := &fakeSQS{}
	handler := &fakeHandler{err: workerproc.ErrProcess{JobID: "job-3", Permanent: true, Err: jobs.ErrNotFound}}

	handleMessage(context.Background(), client, "queue", handler, sqsMessage("m3", eventBody(t, "job-3")))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnInvalidJSON(t *testing.T) {
	client := &fakeSQS{}
	handler := &fakeHandler{}

	handleMessage(context.Background(), client, "queue", handler, sqsMessage("m4", "{bad-json"))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
	if len(handler.seen) != 0 {
		t.Fatalf("handler should not run for undecodable bodies")
	}
}

func TestDeliveryAckAndNack(t *testing.T) {
	acker := &fakeAcker{}

	handleDelivery(context.Background(), &fakeHandler{}, "a1", false, eventBody(t, "job-1"), acker, 1)
	if len(acker.acked) != 1 || acker.acked[0] != 1 {
		t.Fatalf("expected ack of tag 1, got %v", acker.acked)
	}

	handleDelivery(context.Background(), &fakeHandler{}, "a2", false, "", acker, 2)
	if len(acker.nacked) != 1 || acker.requeued[0] {
		t.Fatalf("expected nack without requeue for empty body, got %v %v", acker.nacked, acker.requeued)
	}

	transient := &fakeHandler{err: errors.New("timeout")}
	handleDelivery(context.Background(), transient, "a3", false, eventBody(t, "job-3"), acker, 3)
	if len(acker.nacked) != 2 || !acker.requeued[1] {
		t.Fatalf("expected requeue on first transient failure, got %v", acker.requeued)
	}

	handleDelivery(context.Background(), transient, "a3", true, eventBody(t, "job-3"), acker, 4)
	if len(acker.nacked) != 3 || acker.requeued[2] {
		t.Fatalf("expected no requeue on redelivered failure, got %v", acker.requeued)
	}
}
