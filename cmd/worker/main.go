package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"

	"grantmatch-backend/internal/bootstrap"
	"grantmatch-backend/internal/queue"
	"grantmatch-backend/internal/shared/config"
	"grantmatch-backend/internal/shared/metrics"
	"grantmatch-backend/internal/shared/telemetry"
	"grantmatch-backend/internal/workerproc"
)

const (
	defaultSQSRegion          = "us-east-1"
	defaultVisibilitySeconds  = 300
	defaultWorkerConcurrency  = 4
	defaultShutdownTimeoutSec = 30
)

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetry
	dispositionDiscard
)

type eventHandler interface {
	HandleEvent(ctx context.Context, evt queue.JobEvent) (string, error)
}

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	concurrency := max(1, envInt("WORKER_CONCURRENCY", defaultWorkerConcurrency))
	shutdownTimeout := time.Duration(envInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	if !cfg.Pipeline.AutoRefine {
		telemetry.Warn("worker.auto_refine_disabled", map[string]any{
			"backend": cfg.Events.Backend,
		})
	}
	proc := workerproc.Processor{
		Refiner:    app.Pipeline,
		AutoRefine: cfg.Pipeline.AutoRefine,
	}

	var wg sync.WaitGroup
	switch cfg.Events.Backend {
	case config.EventsSQS:
		err = runSQS(ctx, cfg, proc, concurrency, &wg)
	case config.EventsRabbitMQ:
		err = runAMQP(ctx, cfg, proc, concurrency, &wg)
	default:
		log.Fatalf("EVENTS_BACKEND must be sqs or rabbitmq for the worker, got %q", cfg.Events.Backend)
	}
	if err != nil {
		telemetry.Error("worker.stopped", map[string]any{"error": err.Error()})
	}

	telemetry.Info("worker.shutdown", map[string]any{"timeout": shutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-shutdownCtx.Done():
		telemetry.Warn("worker.shutdown_timeout", map[string]any{"stage": "messages"})
	}
	// Refinement jobs started by events keep running in this process.
	if err := app.Pipeline.Wait(shutdownCtx); err != nil {
		telemetry.Warn("worker.shutdown_timeout", map[string]any{"stage": "jobs"})
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func runSQS(ctx context.Context, cfg config.Config, proc eventHandler, concurrency int, wg *sync.WaitGroup) error {
	queueURL := strings.TrimSpace(cfg.Events.SQSQueueURL)
	if queueURL == "" {
		return errors.New("EVENTS_SQS_QUEUE_URL is required")
	}
	region := cfg.AWSRegion
	if region == "" {
		region = defaultSQSRegion
	}
	visibilitySeconds := envInt("SQS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return err
	}
	var client sqsAPI = sqs.NewFromConfig(awsCfg)

	sem := make(chan struct{}, concurrency)
	telemetry.Info("worker.started", map[string]any{
		"backend":     config.EventsSQS,
		"queue_url":   queueURL,
		"concurrency": concurrency,
		"visibility":  visibilitySeconds,
	})

	for {
		if ctx.Err() != nil {
			return nil
		}

		resp, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   int32(visibilitySeconds),
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			telemetry.Error("worker.receive_failed", map[string]any{"error": err.Error()})
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				return nil
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				// Messages already received finish even when shutdown starts.
				handleMessage(context.WithoutCancel(ctx), client, queueURL, proc, msg)
			}()
		}
	}
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, proc eventHandler, msg sqstypes.Message) {
	fields := map[string]any{
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if process(ctx, proc, aws.ToString(msg.Body), fields) == dispositionRetry {
		return
	}

	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.event.delete_failed", fields)
		return
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields["error"] = err.Error()
		telemetry.Error("worker.event.delete_failed", fields)
	}
}

func runAMQP(ctx context.Context, cfg config.Config, proc eventHandler, concurrency int, wg *sync.WaitGroup) error {
	consumer, err := queue.DialAMQP(bootstrap.AMQPConfig(cfg))
	if err != nil {
		return err
	}
	// In-flight handlers ack on this channel, so it outlives them.
	defer func() {
		wg.Wait()
		consumer.Close()
	}()

	deliveries, err := consumer.Consume("grantmatch-worker", concurrency)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, concurrency)
	telemetry.Info("worker.started", map[string]any{
		"backend":     config.EventsRabbitMQ,
		"queue":       cfg.Events.RabbitMQQueue,
		"concurrency": concurrency,
	})

	for {
		var d amqp.Delivery
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case d, ok = <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
		}

		select {
		case <-ctx.Done():
			_ = d.Nack(false, true)
			return nil
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			handleDelivery(context.WithoutCancel(ctx), proc, d.MessageId, d.Redelivered, string(d.Body), d.Acknowledger, d.DeliveryTag)
		}()
	}
}

func handleDelivery(ctx context.Context, proc eventHandler, messageID string, redelivered bool, body string, ack amqp.Acknowledger, tag uint64) {
	fields := map[string]any{
		"amqp_message_id": messageID,
		"redelivered":     redelivered,
	}
	var err error
	switch process(ctx, proc, body, fields) {
	case dispositionAck:
		err = ack.Ack(tag, false)
	case dispositionDiscard:
		err = ack.Nack(tag, false, false)
	case dispositionRetry:
		// A redelivered failure goes to the dead-letter exchange, when one is configured.
		err = ack.Nack(tag, false, !redelivered)
	}
	if err != nil {
		fields["error"] = err.Error()
		telemetry.Error("worker.event.ack_failed", fields)
	}
}

// process runs one event body through the handler and decides what happens to the message.
func process(ctx context.Context, proc eventHandler, body string, fields map[string]any) disposition {
	metrics.IncWorkerEventsReceived()

	evt, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()
		telemetry.Error("worker.event.decode_failed", fields)
		metrics.IncWorkerEventsDiscarded()
		return dispositionDiscard
	}

	fields["job_id"] = evt.JobID
	fields["job_type"] = evt.Type
	fields["job_status"] = evt.Status
	if strings.TrimSpace(evt.RequestID) != "" {
		fields["request_id"] = evt.RequestID
	}
	telemetry.Debug("worker.event.received", fields)

	action, err := proc.HandleEvent(ctx, evt)
	if err != nil {
		fields["error"] = err.Error()
		if workerproc.Unrecoverable(err) {
			telemetry.Error("worker.event.discarded", fields)
			metrics.IncWorkerEventsDiscarded()
			return dispositionDiscard
		}
		telemetry.Error("worker.event.failed", fields)
		return dispositionRetry
	}

	fields["action"] = action
	telemetry.Info("worker.event.handled", fields)
	return dispositionAck
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
