package delivery

import (
	"time"

	"github.com/decisionwatch/relay/internal/event"
)

// DLQType tags dead-letter envelopes published to the DLQ topic.
const DLQType = "relay.delivery.dlq"

// Publisher publishes dead-letter envelopes to a topic. *nsq.Producer
// satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DeadLetter is the terminal record of a delivery that will never be made.
type DeadLetter struct {
	Type         string            `json:"type"`    // "relay.delivery.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 emission time
	Sink         string            `json:"sink"`
	Reason       string            `json:"reason"`
	Attempt      int               `json:"attempt"`
	HTTPStatus   int               `json:"http_status,omitempty"`
	Event        deadLetterEvent   `json:"event"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// deadLetterEvent is the event snapshot carried in the envelope.
type deadLetterEvent struct {
	Name                 string         `json:"name"`
	UserID               string         `json:"user_id"`
	Attributes           map[string]any `json:"attributes,omitempty"`
	OccurredAt           string         `json:"occurred_at"`
	SourceNotificationID string         `json:"source_notification_id"`
}

// NewDeadLetter builds the envelope for a task with a terminal failure.
func NewDeadLetter(ev event.Metric, sink string, attempt, httpStatus int, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Sink:       sink,
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		Event: deadLetterEvent{
			Name:                 ev.Name,
			UserID:               ev.UserID,
			Attributes:           ev.Attributes,
			OccurredAt:           ev.OccurredAt.UTC().Format(time.RFC3339Nano),
			SourceNotificationID: ev.SourceNotificationID,
		},
	}
}
