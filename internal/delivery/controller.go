package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/decisionwatch/relay/internal/backoff"
	"github.com/decisionwatch/relay/internal/logging"
	"github.com/decisionwatch/relay/internal/metrics"
	"github.com/decisionwatch/relay/internal/sink"
	"github.com/decisionwatch/relay/internal/tracing"
)

// SinkStats are per-sink terminal-outcome counters exposed through the
// coordinator's diagnostic hook.
type SinkStats struct {
	Delivered    uint64 `json:"delivered"`
	Retries      uint64 `json:"retries"`
	DeadLettered uint64 `json:"dead_lettered"`
}

// Controller wraps delivery attempts with bounded, jittered exponential
// retry and dead-letters tasks on exhaustion or fatal failure. Each task's
// retry sequence is independent; the controller holds no lock across
// attempts.
type Controller struct {
	maxAttempts int
	policy      backoff.Policy

	publisher Publisher // optional DLQ topic producer
	dlqTopic  string

	// sleep is swapped out in tests for determinism.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats map[string]*SinkStats

	log *logging.Logger
}

// NewController creates a retry controller. publisher may be nil, in which
// case dead letters are only logged and counted.
func NewController(maxAttempts int, policy backoff.Policy, publisher Publisher, dlqTopic string) *Controller {
	return &Controller{
		maxAttempts: maxAttempts,
		policy:      policy,
		publisher:   publisher,
		dlqTopic:    dlqTopic,
		sleep:       sleepCtx,
		stats:       make(map[string]*SinkStats),
		log:         logging.New("delivery"),
	}
}

// Execute drives task to a terminal outcome against adapter. It returns
// true when the event was delivered and false when it was dead-lettered.
// Attempts within the task are strictly ordered; ctx cancellation between
// attempts dead-letters the task (used by the shutdown grace period).
func (c *Controller) Execute(ctx context.Context, task *Task, adapter sink.Adapter) bool {
	ctx, span := tracing.StartSpan(ctx, "delivery.execute",
		attribute.String("sink", task.Sink),
		attribute.String("event_name", task.Event.Name),
		attribute.String("notification_id", task.Event.SourceNotificationID),
	)
	defer span.End()

	for {
		task.Attempt++
		tracing.AddSpanEvent(ctx, "delivery.attempt", attribute.Int("attempt", task.Attempt))

		start := time.Now()
		res := adapter.Deliver(ctx, task.Event)
		metrics.DeliveryLatency.WithLabelValues(task.Sink).Observe(time.Since(start).Seconds())

		switch res.Outcome {
		case sink.Success:
			metrics.DeliveriesTotal.WithLabelValues(task.Sink, "delivered").Inc()
			c.bump(task.Sink, func(s *SinkStats) { s.Delivered++ })
			span.SetAttributes(attribute.String("delivery.final_status", "delivered"))
			c.log.WithContext(ctx).
				WithSink(task.Sink).
				WithEventName(task.Event.Name).
				WithNotification(task.Event.SourceNotificationID).
				WithField("attempt", task.Attempt).
				Debug("delivered")
			return true

		case sink.FatalFailure:
			// No retry budget consumed: terminal on the spot.
			if res.Auth {
				c.log.WithContext(ctx).
					WithSink(task.Sink).
					WithEventName(task.Event.Name).
					WithField("http_status", res.HTTPStatus).
					Error("sink rejected credentials; check sink configuration")
			}
			c.deadLetter(ctx, task, res, fmt.Sprintf("fatal failure: %s", res.Reason))
			return false

		default: // RetryableFailure
			metrics.RetriesTotal.WithLabelValues(task.Sink, res.Reason).Inc()
			c.bump(task.Sink, func(s *SinkStats) { s.Retries++ })

			if task.Attempt >= c.maxAttempts {
				c.deadLetter(ctx, task, res, fmt.Sprintf("max attempts reached (%d), last reason: %s", task.Attempt, res.Reason))
				return false
			}

			delay := c.policy.Delay(task.Attempt - 1)
			task.NextAttemptAt = time.Now().Add(delay)
			tracing.AddSpanEvent(ctx, "delivery.retry_scheduled",
				attribute.Int("attempt", task.Attempt),
				attribute.String("delay", delay.String()),
			)
			c.log.WithContext(ctx).
				WithSink(task.Sink).
				WithEventName(task.Event.Name).
				WithFields(map[string]any{
					"attempt": task.Attempt,
					"reason":  res.Reason,
					"delay":   delay.String(),
				}).
				Info("delivery failed, retrying")

			if err := c.sleep(ctx, delay); err != nil {
				c.deadLetter(ctx, task, res, "shutdown before retry")
				return false
			}
		}
	}
}

// deadLetter emits exactly one terminal record for the task: a log entry,
// counters, and (when configured) an envelope on the DLQ topic.
func (c *Controller) deadLetter(ctx context.Context, task *Task, res sink.Result, reason string) {
	metrics.DeliveriesTotal.WithLabelValues(task.Sink, "dead_lettered").Inc()
	c.bump(task.Sink, func(s *SinkStats) { s.DeadLettered++ })
	tracing.AddSpanEvent(ctx, "delivery.dead_letter", attribute.String("reason", reason))

	c.log.WithContext(ctx).
		WithSink(task.Sink).
		WithEventName(task.Event.Name).
		WithNotification(task.Event.SourceNotificationID).
		WithFields(map[string]any{
			"attempt":     task.Attempt,
			"http_status": res.HTTPStatus,
			"reason":      reason,
		}).
		Error("delivery dead-lettered")

	if c.publisher == nil {
		return
	}
	env := NewDeadLetter(task.Event, task.Sink, task.Attempt, res.HTTPStatus, reason)
	env.TraceHeaders = tracing.InjectCarrier(ctx)
	body, err := json.Marshal(env)
	if err != nil {
		c.log.WithContext(ctx).WithError(err).Error("dead letter encode failed")
		return
	}
	if err := c.publisher.Publish(c.dlqTopic, body); err != nil {
		c.log.WithContext(ctx).WithSink(task.Sink).WithError(err).Error("dead letter publish failed")
	}
}

// Stats returns a snapshot of per-sink terminal counters.
func (c *Controller) Stats() map[string]SinkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]SinkStats, len(c.stats))
	for name, s := range c.stats {
		out[name] = *s
	}
	return out
}

func (c *Controller) bump(sinkName string, f func(*SinkStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[sinkName]
	if !ok {
		s = &SinkStats{}
		c.stats[sinkName] = s
	}
	f(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
