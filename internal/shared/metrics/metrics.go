package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	jobsStarted   = newLabeledCounter()
	jobsCompleted = newLabeledCounter()
	jobsFailed    = newLabeledCounter()

	batchesSucceeded = newLabeledCounter()
	batchesFailed    = newLabeledCounter()

	eventsPublishFailed   atomic.Uint64
	workerEventsReceived  atomic.Uint64
	workerEventsDiscarded atomic.Uint64

	batchDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000})
)

// IncJobStarted counts a job entering the pipeline.
func IncJobStarted(jobType string) { jobsStarted.Inc(jobType) }

// IncJobCompleted counts a job reaching its done status.
func IncJobCompleted(jobType string) { jobsCompleted.Inc(jobType) }

// IncJobFailed counts a job marked failed.
func IncJobFailed(jobType string) { jobsFailed.Inc(jobType) }

// IncBatchSucceeded counts a batch whose dispatch succeeded.
func IncBatchSucceeded(phase string) { batchesSucceeded.Inc(phase) }

// IncBatchFailed counts a batch whose dispatch failed.
func IncBatchFailed(phase string) { batchesFailed.Inc(phase) }

// IncEventPublishFailed counts job events the broker rejected.
func IncEventPublishFailed() { eventsPublishFailed.Add(1) }

// IncWorkerEventsReceived counts job events pulled by the worker.
func IncWorkerEventsReceived() { workerEventsReceived.Add(1) }

// IncWorkerEventsDiscarded counts job events dropped as unprocessable.
func IncWorkerEventsDiscarded() { workerEventsDiscarded.Add(1) }

// ObserveBatchDurationMs records a batch round trip in milliseconds.
func ObserveBatchDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	batchDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeLabeledCounter(&buf, "pipeline_jobs_started_total", "Total jobs started", "type", jobsStarted.Snapshot())
	writeLabeledCounter(&buf, "pipeline_jobs_completed_total", "Total jobs completed", "type", jobsCompleted.Snapshot())
	writeLabeledCounter(&buf, "pipeline_jobs_failed_total", "Total jobs failed", "type", jobsFailed.Snapshot())
	writeLabeledCounter(&buf, "pipeline_batches_succeeded_total", "Total batches dispatched successfully", "phase", batchesSucceeded.Snapshot())
	writeLabeledCounter(&buf, "pipeline_batches_failed_total", "Total batches that failed", "phase", batchesFailed.Snapshot())
	writeCounter(&buf, "pipeline_events_publish_failed_total", "Total job events that could not be published", eventsPublishFailed.Load())
	writeCounter(&buf, "worker_events_received_total", "Total job events received by the worker", workerEventsReceived.Load())
	writeCounter(&buf, "worker_events_discarded_total", "Total job events discarded as unprocessable", workerEventsDiscarded.Load())
	writeHistogram(&buf, "pipeline_batch_duration_ms", "Batch dispatch duration in milliseconds", batchDuration.Snapshot())
	return buf.String()
}

type labeledCounter struct {
	mu     sync.Mutex
	values map[string]uint64
}

func newLabeledCounter() *labeledCounter {
	return &labeledCounter{values: make(map[string]uint64)}
}

func (c *labeledCounter) Inc(label string) {
	c.mu.Lock()
	c.values[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe records value in the first bucket that holds it; Render accumulates.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeLabeledCounter(buf *bytes.Buffer, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
