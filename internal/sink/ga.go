package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/decisionwatch/relay/internal/config"
	"github.com/decisionwatch/relay/internal/event"
	"github.com/decisionwatch/relay/internal/notification"
)

// NameGoogleAnalytics identifies the GA4 Measurement Protocol sink.
const NameGoogleAnalytics = "google_analytics"

// defaultClientID is used when an event carries no user id; the Measurement
// Protocol rejects payloads without a client_id.
const defaultClientID = "decision-relay"

// GoogleAnalytics delivers events to the GA4 Measurement Protocol endpoint.
type GoogleAnalytics struct {
	cfg    config.GoogleAnalytics
	client *http.Client
	subs   map[notification.Type]bool
	now    func() time.Time
}

// NewGoogleAnalytics creates the GA4 adapter with a bounded per-attempt timeout.
func NewGoogleAnalytics(cfg config.GoogleAnalytics, timeout time.Duration) *GoogleAnalytics {
	return &GoogleAnalytics{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		subs:   subscriptions(cfg.Events),
		now:    time.Now,
	}
}

func (g *GoogleAnalytics) Name() string { return NameGoogleAnalytics }

func (g *GoogleAnalytics) Accepts(t notification.Type) bool { return g.subs[t] }

type gaEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

type gaPayload struct {
	ClientID string    `json:"client_id"`
	UserID   string    `json:"user_id,omitempty"`
	Events   []gaEvent `json:"events"`
}

// Deliver builds the Measurement Protocol body and performs one POST.
func (g *GoogleAnalytics) Deliver(ctx context.Context, ev event.Metric) Result {
	body, err := json.Marshal(g.payload(ev))
	if err != nil {
		return Result{Outcome: FatalFailure, Reason: "encode"}
	}

	endpoint := g.cfg.EndpointURL + "?" + url.Values{
		"measurement_id": {g.cfg.MeasurementID},
		"api_secret":     {g.cfg.APISecret},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: FatalFailure, Reason: "request"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := g.client.Do(req)
	if doErr == nil {
		// MP responds 204 with an empty body on success.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return Classify(nil, resp.StatusCode)
	}
	return Classify(doErr, 0)
}

func (g *GoogleAnalytics) payload(ev event.Metric) gaPayload {
	params := make(map[string]any, len(ev.Attributes)+4)
	for k, v := range ev.Attributes {
		// GA4 treats revenue as the reserved "value" parameter.
		if k == "revenue" {
			if f, ok := toFloat(v); ok {
				params["value"] = f
				continue
			}
		}
		params[k] = scalar(v)
	}
	for k, v := range ev.UserAttributes {
		// Prefixed to avoid clashing with GA4 reserved parameters.
		params["attr_"+k] = scalar(v)
	}

	// Required for events to surface in Realtime reporting.
	if _, ok := params["session_id"]; !ok {
		params["session_id"] = strconv.FormatInt(g.now().UnixMilli(), 10)
	}
	if _, ok := params["engagement_time_msec"]; !ok {
		params["engagement_time_msec"] = 100
	}
	if !ev.OccurredAt.IsZero() {
		params["timestamp_micros"] = ev.OccurredAt.UnixMicro()
	}

	clientID := ev.UserID
	if clientID == "" {
		clientID = defaultClientID
	}
	return gaPayload{
		ClientID: clientID,
		UserID:   ev.UserID,
		Events:   []gaEvent{{Name: ev.Name, Params: params}},
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
