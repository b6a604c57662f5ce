// Package event defines the sink-agnostic metric event produced by the
// notification processor.
package event

import "time"

// Metric is the normalized, sink-agnostic representation of one analytics
// event. Adapters translate it into their platform's request body.
type Metric struct {
	// Name is the analytics event name, e.g. "experiment_decision" or the
	// track notification's event key.
	Name string
	// UserID identifies the end user the event belongs to.
	UserID string
	// Attributes are the event-level parameters. Values are scalars.
	Attributes map[string]any
	// UserAttributes are user-context attributes, forwarded as user
	// properties where the sink supports them.
	UserAttributes map[string]any
	// OccurredAt is when the source notification happened.
	OccurredAt time.Time
	// SourceNotificationID is the stable digest of the originating
	// notification, used for tracing and downstream dedup.
	SourceNotificationID string
	// TargetSinks names every sink this event must be delivered to.
	TargetSinks []string
}
