package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decisionwatch/relay/internal/backoff"
	"github.com/decisionwatch/relay/internal/delivery"
	"github.com/decisionwatch/relay/internal/event"
	"github.com/decisionwatch/relay/internal/notification"
	"github.com/decisionwatch/relay/internal/sink"
)

// recordingSink accepts the configured types and records deliveries.
type recordingSink struct {
	name    string
	accepts map[notification.Type]bool

	mu        sync.Mutex
	delivered []event.Metric
}

func (s *recordingSink) Name() string                     { return s.name }
func (s *recordingSink) Accepts(t notification.Type) bool { return s.accepts[t] }
func (s *recordingSink) Deliver(ctx context.Context, ev event.Metric) sink.Result {
	s.mu.Lock()
	s.delivered = append(s.delivered, ev)
	s.mu.Unlock()
	return sink.Result{Outcome: sink.Success, HTTPStatus: 200}
}

func (s *recordingSink) events() []event.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Metric(nil), s.delivered...)
}

func newSink(name string, types ...notification.Type) *recordingSink {
	accepts := make(map[notification.Type]bool)
	for _, t := range types {
		accepts[t] = true
	}
	return &recordingSink{name: name, accepts: accepts}
}

func testController() *delivery.Controller {
	return delivery.NewController(1, backoff.Policy{Base: time.Millisecond, Max: time.Millisecond}, nil, "")
}

func decisionNotification() notification.RawNotification {
	return notification.RawNotification{
		Type:       notification.TypeDecision,
		OccurredAt: time.UnixMilli(1700000000000),
		ID:         "dec-1",
		Payload: notification.DecisionPayload{
			UserID:         "u-1",
			UserAttributes: map[string]any{"plan": "pro"},
			FlagKey:        "checkout_v2",
			RuleKey:        "exp_1",
			VariationKey:   "treatment",
			Enabled:        true,
			Reasons:        []string{"audience matched", "traffic allocated"},
			Variables:      map[string]any{"limit": float64(5)},
		},
	}
}

func trackNotification() notification.RawNotification {
	return notification.RawNotification{
		Type:       notification.TypeTrack,
		OccurredAt: time.UnixMilli(1700000000000),
		ID:         "trk-1",
		Payload: notification.TrackPayload{
			UserID:   "u-2",
			EventKey: "purchase",
			Tags:     map[string]any{"revenue": float64(4999), "items": []any{"a"}},
		},
	}
}

func TestProcessDecision(t *testing.T) {
	ga := newSink("ga", notification.TypeDecision)
	amp := newSink("amplitude", notification.TypeDecision)
	p := New([]sink.Adapter{ga, amp}, testController())

	events := p.Process(decisionNotification())
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Name != EventNameDecision {
		t.Errorf("Name = %q, want %q", ev.Name, EventNameDecision)
	}
	if ev.UserID != "u-1" {
		t.Errorf("UserID = %q", ev.UserID)
	}
	if ev.SourceNotificationID != "dec-1" {
		t.Errorf("SourceNotificationID = %q", ev.SourceNotificationID)
	}
	if len(ev.TargetSinks) != 2 {
		t.Errorf("TargetSinks = %v, want both sinks", ev.TargetSinks)
	}
	if ev.Attributes["flag_key"] != "checkout_v2" {
		t.Errorf("flag_key = %v", ev.Attributes["flag_key"])
	}
	if ev.Attributes["variation_key"] != "treatment" {
		t.Errorf("variation_key = %v", ev.Attributes["variation_key"])
	}
	if ev.Attributes["enabled"] != true {
		t.Errorf("enabled = %v", ev.Attributes["enabled"])
	}
	if ev.Attributes["rule_key"] != "exp_1" {
		t.Errorf("rule_key = %v", ev.Attributes["rule_key"])
	}
	if ev.Attributes["decision_reasons"] != "audience matched; traffic allocated" {
		t.Errorf("decision_reasons = %v", ev.Attributes["decision_reasons"])
	}
	if ev.Attributes["var_limit"] != float64(5) {
		t.Errorf("var_limit = %v", ev.Attributes["var_limit"])
	}
}

func TestProcessTrack(t *testing.T) {
	ga := newSink("ga", notification.TypeTrack)
	p := New([]sink.Adapter{ga}, testController())

	events := p.Process(trackNotification())
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Name != "purchase" {
		t.Errorf("Name = %q, want the event key", ev.Name)
	}
	if ev.Attributes["revenue"] != float64(4999) {
		t.Errorf("revenue = %v", ev.Attributes["revenue"])
	}
	// Non-scalar tags are stringified.
	if ev.Attributes["items"] != "[a]" {
		t.Errorf("items = %v, want stringified", ev.Attributes["items"])
	}
}

func TestProcessNoSubscribers(t *testing.T) {
	ga := newSink("ga", notification.TypeTrack)
	p := New([]sink.Adapter{ga}, testController())

	if events := p.Process(decisionNotification()); events != nil {
		t.Errorf("events = %v, want nil when no sink subscribes", events)
	}
}

func TestProcessUnknownPayload(t *testing.T) {
	ga := newSink("ga", notification.TypeDecision, notification.TypeTrack)
	p := New([]sink.Adapter{ga}, testController())

	raw := notification.RawNotification{
		Type:    notification.TypeProjectConfigUpdate,
		ID:      "cfg-1",
		Payload: notification.UnknownPayload{},
	}
	if events := p.Process(raw); events != nil {
		t.Errorf("events = %v, want nil for unknown payload", events)
	}
}

func TestProcessMismatchedPayloadDropsOne(t *testing.T) {
	ga := newSink("ga", notification.TypeDecision, notification.TypeTrack)
	p := New([]sink.Adapter{ga}, testController())

	// Declared decision but nil payload: dropped, does not panic.
	raw := notification.RawNotification{Type: notification.TypeDecision, ID: "bad-1"}
	if events := p.Process(raw); events != nil {
		t.Errorf("events = %v, want nil", events)
	}

	// The next notification still processes normally.
	if events := p.Process(trackNotification()); len(events) != 1 {
		t.Errorf("subsequent notification not processed, events = %v", events)
	}
}

func TestSubmitFansOutPerSink(t *testing.T) {
	ga := newSink("ga", notification.TypeDecision)
	amp := newSink("amplitude", notification.TypeDecision)
	p := New([]sink.Adapter{ga, amp}, testController())

	p.Submit(context.Background(), decisionNotification())
	p.Wait()

	gaEvents, ampEvents := ga.events(), amp.events()
	if len(gaEvents) != 1 || len(ampEvents) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(gaEvents), len(ampEvents))
	}
	// Both sinks received the same normalized event.
	if gaEvents[0].SourceNotificationID != ampEvents[0].SourceNotificationID {
		t.Error("sinks received different events")
	}
	if gaEvents[0].Name != ampEvents[0].Name {
		t.Error("sinks received different event names")
	}
}

func TestSubmitPartialSubscription(t *testing.T) {
	ga := newSink("ga", notification.TypeDecision, notification.TypeTrack)
	amp := newSink("amplitude", notification.TypeTrack)
	p := New([]sink.Adapter{ga, amp}, testController())

	p.Submit(context.Background(), decisionNotification())
	p.Wait()

	if len(ga.events()) != 1 {
		t.Errorf("ga deliveries = %d, want 1", len(ga.events()))
	}
	if len(amp.events()) != 0 {
		t.Errorf("amplitude deliveries = %d, want 0", len(amp.events()))
	}
}
