package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decisionwatch/relay/internal/config"
	"github.com/decisionwatch/relay/internal/event"
)

func amplitudeConfig(endpoint string) config.Amplitude {
	return config.Amplitude{
		APIKey:      "test-key",
		EndpointURL: endpoint,
		Events:      []string{"decision", "track"},
	}
}

func TestAmplitudeDeliverSuccess(t *testing.T) {
	var captured amplitudePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":200,"events_ingested":1}`))
	}))
	defer srv.Close()

	a := NewAmplitude(amplitudeConfig(srv.URL), 5*time.Second)
	res := a.Deliver(context.Background(), event.Metric{
		Name:                 "purchase",
		UserID:               "u-9",
		Attributes:           map[string]any{"sku": "A-1"},
		UserAttributes:       map[string]any{"plan": "pro"},
		OccurredAt:           time.UnixMilli(1700000000000),
		SourceNotificationID: "digest-1",
	})

	if res.Outcome != Success {
		t.Fatalf("Outcome = %s, want success", res.Outcome)
	}
	if captured.APIKey != "test-key" {
		t.Errorf("api_key = %q", captured.APIKey)
	}
	if captured.ClientUploadTime == "" {
		t.Error("client_upload_time missing")
	}
	if len(captured.Events) != 1 {
		t.Fatalf("events count = %d, want 1", len(captured.Events))
	}
	ev := captured.Events[0]
	if ev.EventType != "purchase" {
		t.Errorf("event_type = %q", ev.EventType)
	}
	if ev.UserID != "u-9" {
		t.Errorf("user_id = %q", ev.UserID)
	}
	if ev.InsertID != "digest-1" {
		t.Errorf("insert_id = %q, want the source notification id", ev.InsertID)
	}
	if ev.Time != 1700000000000 {
		t.Errorf("time = %d, want 1700000000000", ev.Time)
	}
	if ev.EventProperties["sku"] != "A-1" {
		t.Errorf("event_properties[sku] = %v", ev.EventProperties["sku"])
	}
	if ev.UserProperties["plan"] != "pro" {
		t.Errorf("user_properties[plan] = %v", ev.UserProperties["plan"])
	}
}

func TestAmplitudeAnonymousUser(t *testing.T) {
	a := NewAmplitude(amplitudeConfig("http://unused"), time.Second)
	p := a.payload(event.Metric{Name: "e"})
	if p.Events[0].UserID != "anonymous" {
		t.Errorf("user_id = %q, want anonymous", p.Events[0].UserID)
	}
}

func TestAmplitudeInnerStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 transport with a failing inner code.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":400,"error":"invalid events"}`))
	}))
	defer srv.Close()

	a := NewAmplitude(amplitudeConfig(srv.URL), 5*time.Second)
	res := a.Deliver(context.Background(), event.Metric{Name: "e", UserID: "u"})
	if res.Outcome != RetryableFailure {
		t.Errorf("Outcome = %s, want retryable_failure", res.Outcome)
	}
	if res.Reason != "inner_status" {
		t.Errorf("Reason = %q, want inner_status", res.Reason)
	}
}

func TestAmplitudeDeliverFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		outcome Outcome
		auth    bool
	}{
		{name: "unauthorized", status: 401, outcome: FatalFailure, auth: true},
		{name: "server error", status: 500, outcome: RetryableFailure},
		{name: "rate limited", status: 429, outcome: RetryableFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a := NewAmplitude(amplitudeConfig(srv.URL), 5*time.Second)
			res := a.Deliver(context.Background(), event.Metric{Name: "e"})
			if res.Outcome != tt.outcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.outcome)
			}
			if res.Auth != tt.auth {
				t.Errorf("Auth = %v, want %v", res.Auth, tt.auth)
			}
		})
	}
}
