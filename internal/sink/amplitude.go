package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/decisionwatch/relay/internal/config"
	"github.com/decisionwatch/relay/internal/event"
	"github.com/decisionwatch/relay/internal/notification"
)

// NameAmplitude identifies the Amplitude HTTP V2 sink.
const NameAmplitude = "amplitude"

// Amplitude delivers events to the Amplitude HTTP V2 API.
type Amplitude struct {
	cfg    config.Amplitude
	client *http.Client
	subs   map[notification.Type]bool
	now    func() time.Time
}

// NewAmplitude creates the Amplitude adapter with a bounded per-attempt timeout.
func NewAmplitude(cfg config.Amplitude, timeout time.Duration) *Amplitude {
	return &Amplitude{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		subs:   subscriptions(cfg.Events),
		now:    time.Now,
	}
}

func (a *Amplitude) Name() string { return NameAmplitude }

func (a *Amplitude) Accepts(t notification.Type) bool { return a.subs[t] }

type amplitudeEvent struct {
	EventType       string         `json:"event_type"`
	UserID          string         `json:"user_id"`
	EventProperties map[string]any `json:"event_properties"`
	UserProperties  map[string]any `json:"user_properties,omitempty"`
	Time            int64          `json:"time"`
	InsertID        string         `json:"insert_id"`
}

type amplitudePayload struct {
	APIKey           string           `json:"api_key"`
	Events           []amplitudeEvent `json:"events"`
	ClientUploadTime string           `json:"client_upload_time"`
}

type amplitudeResponse struct {
	Code int `json:"code"`
}

// Deliver builds the HTTP V2 body and performs one POST. A 2xx transport
// response still fails (retryably) when the inner status code is not 200.
func (a *Amplitude) Deliver(ctx context.Context, ev event.Metric) Result {
	body, err := json.Marshal(a.payload(ev))
	if err != nil {
		return Result{Outcome: FatalFailure, Reason: "encode"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: FatalFailure, Reason: "request"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := a.client.Do(req)
	if doErr != nil {
		return Classify(doErr, 0)
	}
	defer resp.Body.Close()

	res := Classify(nil, resp.StatusCode)
	if res.Outcome != Success {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return res
	}

	// The V2 API reports per-request status inside the body as well.
	var inner amplitudeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&inner); err != nil {
		return Result{Outcome: RetryableFailure, Reason: "inner_status", HTTPStatus: resp.StatusCode}
	}
	if inner.Code != 0 && inner.Code != 200 {
		return Result{Outcome: RetryableFailure, Reason: "inner_status", HTTPStatus: resp.StatusCode}
	}
	return res
}

func (a *Amplitude) payload(ev event.Metric) amplitudePayload {
	props := make(map[string]any, len(ev.Attributes))
	for k, v := range ev.Attributes {
		props[k] = scalar(v)
	}

	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = a.now()
	}

	userID := ev.UserID
	if userID == "" {
		userID = "anonymous"
	}

	return amplitudePayload{
		APIKey: a.cfg.APIKey,
		Events: []amplitudeEvent{{
			EventType:       ev.Name,
			UserID:          userID,
			EventProperties: props,
			UserProperties:  ev.UserAttributes,
			Time:            ts.UnixMilli(),
			InsertID:        ev.SourceNotificationID,
		}},
		ClientUploadTime: a.now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}
