// Package pipeline wires the stream listener, event buffer, processor and
// delivery controller together and owns the shutdown sequence.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/decisionwatch/relay/internal/buffer"
	"github.com/decisionwatch/relay/internal/config"
	"github.com/decisionwatch/relay/internal/delivery"
	"github.com/decisionwatch/relay/internal/logging"
	"github.com/decisionwatch/relay/internal/metrics"
	"github.com/decisionwatch/relay/internal/notification"
	"github.com/decisionwatch/relay/internal/processor"
	"github.com/decisionwatch/relay/internal/sink"
	"github.com/decisionwatch/relay/internal/stream"
)

// Stats is the diagnostic snapshot exposed to the observability wrapper.
type Stats struct {
	BufferDepth   int                           `json:"buffer_depth"`
	ListenerState string                        `json:"listener_state"`
	Sinks         map[string]delivery.SinkStats `json:"sinks"`
}

// Coordinator supervises the pipeline: one goroutine owns the stream
// connection, a fixed pool of workers drains the buffer through the
// processor, and every delivery task runs as its own goroutine.
type Coordinator struct {
	cfg        config.Config
	buf        *buffer.Buffer
	listener   *stream.Listener
	proc       *processor.Processor
	controller *delivery.Controller

	deliveryCtx    context.Context
	deliveryCancel context.CancelFunc
	workers        sync.WaitGroup

	log *logging.Logger
}

// New builds the pipeline from configuration and the enabled sink adapters.
func New(cfg config.Config, adapters []sink.Adapter, controller *delivery.Controller) *Coordinator {
	buf := buffer.New(cfg.Buffer.Capacity, cfg.Buffer.Policy)
	return &Coordinator{
		cfg:        cfg,
		buf:        buf,
		listener:   stream.New(cfg.Agent, cfg.Stream, buf),
		proc:       processor.New(adapters, controller),
		controller: controller,
		log:        logging.New("pipeline"),
	}
}

// Start launches the listener and the worker pool.
func (c *Coordinator) Start(ctx context.Context) {
	// Deliveries outlive the listener context: in-flight work keeps its
	// own cancellation, triggered only when the shutdown grace expires.
	c.deliveryCtx, c.deliveryCancel = context.WithCancel(context.Background())

	c.listener.Start(ctx)

	for i := 0; i < c.cfg.Buffer.Workers; i++ {
		c.workers.Add(1)
		go c.worker()
	}

	c.log.Plain().
		WithFields(map[string]any{
			"workers":         c.cfg.Buffer.Workers,
			"buffer_capacity": c.cfg.Buffer.Capacity,
			"overflow_policy": string(c.cfg.Buffer.Policy),
		}).
		Info("pipeline started")
}

// worker dequeues notifications in FIFO order and submits them for
// delivery. It exits when the buffer is closed and drained.
func (c *Coordinator) worker() {
	defer c.workers.Done()
	for {
		raw, ok := c.buf.Dequeue()
		if !ok {
			return
		}
		c.proc.Submit(c.deliveryCtx, raw)
	}
}

// Stop shuts the pipeline down: the listener stops enqueuing, the buffer
// closes to new input, and buffered plus in-flight work gets the grace
// period to drain. Whatever remains afterwards is dead-lettered, never
// delivered.
func (c *Coordinator) Stop() {
	c.log.Plain().Info("pipeline stopping")

	c.listener.Stop()
	c.buf.Close()

	drained := make(chan struct{})
	go func() {
		c.workers.Wait()
		c.proc.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		c.log.Plain().Info("pipeline drained within grace period")
	case <-time.After(c.cfg.ShutdownGrace):
		c.log.Plain().
			WithField("grace", c.cfg.ShutdownGrace.String()).
			Warn("grace period expired, dead-lettering remaining work")
		c.deliveryCancel()
		for {
			raw, ok := c.buf.TryDequeue()
			if !ok {
				break
			}
			c.deadLetterBuffered(raw)
		}
		<-drained
	}

	c.deliveryCancel()
	c.log.Plain().Info("pipeline stopped")
}

// deadLetterBuffered records the terminal fate of a notification that was
// still buffered when the grace period expired.
func (c *Coordinator) deadLetterBuffered(raw notification.RawNotification) {
	metrics.NotificationsDroppedTotal.WithLabelValues("shutdown").Inc()
	c.log.Plain().
		WithNotification(raw.ID).
		WithField("type", string(raw.Type)).
		Error("buffered notification dead-lettered at shutdown")
}

// Depth reports the current event buffer depth.
func (c *Coordinator) Depth() int {
	return c.buf.Depth()
}

// Stats reports buffer depth and per-sink delivery counters for the
// diagnostics endpoint.
func (c *Coordinator) Stats() Stats {
	return Stats{
		BufferDepth:   c.buf.Depth(),
		ListenerState: c.listener.State().String(),
		Sinks:         c.controller.Stats(),
	}
}
