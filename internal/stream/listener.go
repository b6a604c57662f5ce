// Package stream owns the connection lifecycle to the agent's notification
// feed: connect, decode frames, enqueue notifications, reconnect with
// jittered exponential backoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/decisionwatch/relay/internal/backoff"
	"github.com/decisionwatch/relay/internal/buffer"
	"github.com/decisionwatch/relay/internal/config"
	"github.com/decisionwatch/relay/internal/logging"
	"github.com/decisionwatch/relay/internal/metrics"
	"github.com/decisionwatch/relay/internal/notification"
)

// sdkKeyHeader authenticates the relay to the agent's notification feed.
const sdkKeyHeader = "X-Optimizely-Sdk-Key"

// State is the listener's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Backoff
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Listener maintains the long-lived SSE connection and pushes decoded
// notifications into the event buffer.
type Listener struct {
	agent  config.Agent
	policy backoff.Policy
	buf    *buffer.Buffer

	// streaming client carries no global timeout: the feed connection is
	// long-lived by design. The connect phase is bounded separately.
	client       *http.Client
	healthClient *http.Client

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	log *logging.Logger
}

// New creates a listener feeding buf.
func New(agent config.Agent, streamCfg config.Stream, buf *buffer.Buffer) *Listener {
	return &Listener{
		agent: agent,
		policy: backoff.Policy{
			Base:      streamCfg.BaseDelay,
			Max:       streamCfg.MaxDelay,
			JitterPct: streamCfg.JitterPct,
		},
		buf: buf,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: agent.ConnectTimeout,
			},
		},
		healthClient: &http.Client{Timeout: agent.HealthTimeout},
		state:        Disconnected,
		done:         make(chan struct{}),
		log:          logging.New("stream-listener"),
	}
}

// Start launches the connection loop. It returns immediately.
func (l *Listener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	go l.run(ctx)
}

// Stop closes the connection and transitions to Stopped. No enqueues occur
// after Stop returns.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-l.done
}

// State reports the current connection state for diagnostics.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(Stopped)

	attempt := 0
	for ctx.Err() == nil {
		l.setState(Connecting)

		streamed, err := l.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			// Reaching Streaming resets the backoff counter.
			attempt = 0
		}

		l.setState(Backoff)
		metrics.StreamReconnectsTotal.Inc()
		delay := l.policy.Delay(attempt)
		l.log.Plain().
			WithError(err).
			WithFields(map[string]any{"attempt": attempt, "delay": delay.String()}).
			Warn("stream disconnected, reconnecting after backoff")
		attempt++
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return
		}
	}
}

// connectAndConsume performs the agent health preflight, establishes the
// stream and consumes frames until the connection drops or ctx is
// cancelled. The first return reports whether the Streaming state was
// reached.
func (l *Listener) connectAndConsume(ctx context.Context) (bool, error) {
	if err := l.checkAgentHealth(ctx); err != nil {
		return false, fmt.Errorf("agent health preflight: %w", err)
	}

	streamURL := l.agent.StreamURL()
	if l.agent.Filter != "" {
		streamURL += "?" + url.Values{"filter": {l.agent.Filter}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set(sdkKeyHeader, l.agent.SDKKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := l.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	l.setState(Streaming)
	l.log.Plain().WithField("url", l.agent.StreamURL()).Info("connected to notification feed")

	dec := newFrameDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err != nil {
			// EOF and transport errors both mean reconnect; the stream was
			// established, so the backoff counter resets.
			return true, fmt.Errorf("stream terminated: %w", err)
		}
		if frame.Data == "" {
			continue
		}
		l.handleFrame(ctx, frame)
	}
}

// handleFrame parses one frame and enqueues the notification. A malformed
// frame is logged and skipped; it never tears down the connection.
func (l *Listener) handleFrame(ctx context.Context, frame Frame) {
	raw, err := notification.Parse([]byte(frame.Data))
	if err != nil {
		var vErr *notification.ValidationError
		reason := "parse_error"
		if errors.As(err, &vErr) {
			reason = "validation_error"
		}
		metrics.NotificationsDroppedTotal.WithLabelValues(reason).Inc()
		l.log.Plain().
			WithError(err).
			WithField("event", frame.Event).
			Error("malformed frame, skipping")
		return
	}

	metrics.NotificationsReceivedTotal.WithLabelValues(string(raw.Type)).Inc()
	if err := l.buf.Enqueue(ctx, raw); err != nil {
		if errors.Is(err, buffer.ErrClosed) || ctx.Err() != nil {
			return
		}
		l.log.Plain().WithNotification(raw.ID).WithError(err).Error("enqueue failed")
	}
}

func (l *Listener) checkAgentHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.agent.HealthURL(), nil)
	if err != nil {
		return err
	}
	resp, err := l.healthClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health returned status %d", resp.StatusCode)
	}
	return nil
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
