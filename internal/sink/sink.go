// Package sink holds the delivery adapters for the downstream analytics
// platforms. Adapters perform exactly one attempt and classify the outcome;
// retry policy lives entirely in the delivery controller.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/decisionwatch/relay/internal/event"
	"github.com/decisionwatch/relay/internal/notification"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// Success: the sink accepted the event.
	Success Outcome = iota
	// RetryableFailure: transient condition, the controller may retry.
	RetryableFailure
	// FatalFailure: retrying will not help; dead-letter immediately.
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of a single delivery attempt. It is consumed
// immediately by the retry controller and never persisted.
type Result struct {
	Outcome    Outcome
	Reason     string // timeout, network, http_5xx, http_429, http_4xx, auth, inner_status
	HTTPStatus int
	// Auth marks a 401/403, logged distinctly to surface operator error.
	Auth bool
}

// Adapter translates a normalized metric event into one sink-specific
// delivery attempt.
type Adapter interface {
	// Name identifies the sink in logs, metrics and task routing.
	Name() string
	// Accepts reports whether this sink subscribes to events derived from
	// the given notification type.
	Accepts(t notification.Type) bool
	// Deliver performs one HTTP delivery attempt with a bounded timeout.
	// It never retries internally.
	Deliver(ctx context.Context, ev event.Metric) Result
}

// Classify maps an HTTP attempt outcome onto a Result. doErr is the
// transport error, if any; status is the HTTP status when a response
// arrived.
func Classify(doErr error, status int) Result {
	if doErr != nil {
		return Result{Outcome: RetryableFailure, Reason: transportReason(doErr)}
	}
	switch {
	case status >= 200 && status < 300:
		return Result{Outcome: Success, HTTPStatus: status}
	case status == 401 || status == 403:
		return Result{Outcome: FatalFailure, Reason: "auth", HTTPStatus: status, Auth: true}
	case status == 429:
		// Rate limiting is transient; retried with backoff.
		return Result{Outcome: RetryableFailure, Reason: "http_429", HTTPStatus: status}
	case status >= 500:
		return Result{Outcome: RetryableFailure, Reason: "http_5xx", HTTPStatus: status}
	case status >= 400:
		return Result{Outcome: FatalFailure, Reason: "http_4xx", HTTPStatus: status}
	}
	return Result{Outcome: RetryableFailure, Reason: "other", HTTPStatus: status}
}

func transportReason(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return "dns_error"
	}
	return "network"
}

// subscriptions converts a configured notification-type list into a lookup set.
func subscriptions(events []string) map[notification.Type]bool {
	set := make(map[notification.Type]bool, len(events))
	for _, e := range events {
		set[notification.Type(strings.TrimSpace(e))] = true
	}
	return set
}

// scalar coerces an attribute value to a type every sink accepts.
func scalar(v any) any {
	switch v.(type) {
	case string, bool, int, int64, float64:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
