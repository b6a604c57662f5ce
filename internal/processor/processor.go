// Package processor maps raw notifications onto normalized metric events
// and fans them out to every subscribed sink through the retry controller.
package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/decisionwatch/relay/internal/delivery"
	"github.com/decisionwatch/relay/internal/event"
	"github.com/decisionwatch/relay/internal/logging"
	"github.com/decisionwatch/relay/internal/metrics"
	"github.com/decisionwatch/relay/internal/notification"
	"github.com/decisionwatch/relay/internal/sink"
)

// EventNameDecision is the normalized event name for decision notifications.
const EventNameDecision = "experiment_decision"

// Processor converts raw notifications into delivery tasks. Submissions for
// the same event to different sinks run concurrently and independently; a
// slow sink never blocks the others.
type Processor struct {
	sinks      []sink.Adapter
	controller *delivery.Controller
	inflight   sync.WaitGroup
	log        *logging.Logger
}

// New creates a processor fanning out to the given adapters.
func New(adapters []sink.Adapter, controller *delivery.Controller) *Processor {
	return &Processor{
		sinks:      adapters,
		controller: controller,
		log:        logging.New("processor"),
	}
}

// Process maps raw onto zero or more normalized metric events. Unrecognized
// or malformed payloads drop the single notification with a validation log
// entry; they never abort processing of subsequent items.
func (p *Processor) Process(raw notification.RawNotification) []event.Metric {
	targets := p.targetSinks(raw.Type)

	switch payload := raw.Payload.(type) {
	case notification.DecisionPayload:
		if len(targets) == 0 {
			return nil
		}
		attrs := map[string]any{
			"flag_key":      payload.FlagKey,
			"variation_key": payload.VariationKey,
			"enabled":       payload.Enabled,
		}
		if payload.RuleKey != "" {
			attrs["rule_key"] = payload.RuleKey
		}
		if len(payload.Reasons) > 0 {
			attrs["decision_reasons"] = strings.Join(payload.Reasons, "; ")
		}
		for k, v := range payload.Variables {
			// Prefixed so flag variables cannot shadow the decision fields.
			attrs["var_"+k] = scalarize(v)
		}
		return []event.Metric{{
			Name:                 EventNameDecision,
			UserID:               payload.UserID,
			Attributes:           attrs,
			UserAttributes:       payload.UserAttributes,
			OccurredAt:           raw.OccurredAt,
			SourceNotificationID: raw.ID,
			TargetSinks:          targets,
		}}

	case notification.TrackPayload:
		if len(targets) == 0 {
			return nil
		}
		attrs := make(map[string]any, len(payload.Tags))
		for k, v := range payload.Tags {
			attrs[k] = scalarize(v)
		}
		return []event.Metric{{
			Name:                 payload.EventKey,
			UserID:               payload.UserID,
			Attributes:           attrs,
			UserAttributes:       payload.UserAttributes,
			OccurredAt:           raw.OccurredAt,
			SourceNotificationID: raw.ID,
			TargetSinks:          targets,
		}}

	case notification.UnknownPayload:
		// Filtered at the source via the feed's filter parameter, but
		// re-checked here.
		return nil

	default:
		metrics.NotificationsDroppedTotal.WithLabelValues("validation_error").Inc()
		p.log.Plain().
			WithNotification(raw.ID).
			WithField("type", string(raw.Type)).
			Error("payload shape does not match notification type, dropping")
		return nil
	}
}

// Submit processes raw and dispatches one concurrent delivery task per
// (event, target sink) pair. It returns as soon as the tasks are launched.
func (p *Processor) Submit(ctx context.Context, raw notification.RawNotification) {
	for _, ev := range p.Process(raw) {
		for _, target := range ev.TargetSinks {
			adapter := p.adapter(target)
			if adapter == nil {
				continue
			}
			task := delivery.NewTask(ev, target)
			p.inflight.Add(1)
			go func(a sink.Adapter, t *delivery.Task) {
				defer p.inflight.Done()
				p.controller.Execute(ctx, t, a)
			}(adapter, task)
		}
	}
}

// Wait blocks until every submitted delivery reached a terminal outcome.
func (p *Processor) Wait() {
	p.inflight.Wait()
}

// targetSinks returns the names of every enabled sink subscribing to
// events of the given notification type.
func (p *Processor) targetSinks(t notification.Type) []string {
	var targets []string
	for _, s := range p.sinks {
		if s.Accepts(t) {
			targets = append(targets, s.Name())
		}
	}
	return targets
}

func (p *Processor) adapter(name string) sink.Adapter {
	for _, s := range p.sinks {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func scalarize(v any) any {
	switch v.(type) {
	case string, bool, int, int64, float64:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
