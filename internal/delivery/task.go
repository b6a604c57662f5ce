package delivery

import (
	"time"

	"github.com/decisionwatch/relay/internal/event"
)

// Task pairs one normalized metric event with one target sink. A task is
// owned exclusively by the controller invocation handling it and is
// discarded on a terminal outcome.
type Task struct {
	Event event.Metric
	Sink  string
	// Attempt counts delivery attempts made so far; monotonically
	// non-decreasing and capped by the controller's maximum.
	Attempt int
	// NextAttemptAt records when the next retry is due, for logs.
	NextAttemptAt time.Time
}

// NewTask creates a task for delivering ev to the named sink.
func NewTask(ev event.Metric, sink string) *Task {
	return &Task{Event: ev, Sink: sink}
}
