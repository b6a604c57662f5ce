// Package notification defines the decoded form of one feed frame and the
// parsing rules for the agent's notification JSON documents.
package notification

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Type enumerates the known notification kinds emitted by the agent.
type Type string

const (
	TypeDecision            Type = "decision"
	TypeTrack               Type = "track"
	TypeProjectConfigUpdate Type = "project-config-update"
	TypeLogEvent            Type = "log-event"
	TypeUnknown             Type = "unknown"
)

// RawNotification is the decoded payload of one feed frame. Immutable once
// constructed.
type RawNotification struct {
	Type       Type
	OccurredAt time.Time
	// ID is a deterministic digest of the identifying fields, stable across
	// redelivery of the same notification. Downstream sinks use it for dedup.
	ID      string
	Payload Payload
}

// Payload is a closed tagged variant with one case per known notification
// type plus Unknown for forward compatibility.
type Payload interface {
	isPayload()
}

// DecisionPayload carries the fields of a decision notification.
type DecisionPayload struct {
	UserID         string
	UserAttributes map[string]any
	FlagKey        string
	RuleKey        string
	VariationKey   string
	Enabled        bool
	Reasons        []string
	Variables      map[string]any
}

// TrackPayload carries the fields of a track notification.
type TrackPayload struct {
	UserID         string
	UserAttributes map[string]any
	EventKey       string
	Tags           map[string]any
}

// UnknownPayload holds the raw document for notification types the relay
// does not consume.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (DecisionPayload) isPayload() {}
func (TrackPayload) isPayload()    {}
func (UnknownPayload) isPayload()  {}

// ParseError indicates the frame data was not a valid JSON document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("notification parse: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError indicates the document was well-formed JSON but its shape
// did not match the declared notification type.
type ValidationError struct {
	Type   Type
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s notification: %s", e.Type, e.Reason)
}

// Parse decodes one frame's data line into a RawNotification. The agent
// emits both lowercase SDK-style documents ("type", "decision", "userId")
// and capitalized agent-style ones ("Type", "DecisionInfo", "UserContext");
// both are accepted.
func Parse(data []byte) (RawNotification, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return RawNotification{}, &ParseError{Err: err}
	}

	typ := detectType(doc)
	occurredAt := occurredAt(doc)

	switch typ {
	case TypeDecision:
		p, err := parseDecision(doc)
		if err != nil {
			return RawNotification{}, err
		}
		return RawNotification{
			Type:       typ,
			OccurredAt: occurredAt,
			ID:         digest(string(typ), p.UserID, p.FlagKey, p.RuleKey, p.VariationKey, strconv.FormatInt(occurredAt.UnixMilli(), 10)),
			Payload:    p,
		}, nil
	case TypeTrack:
		p, err := parseTrack(doc)
		if err != nil {
			return RawNotification{}, err
		}
		return RawNotification{
			Type:       typ,
			OccurredAt: occurredAt,
			ID:         digest(string(typ), p.UserID, p.EventKey, strconv.FormatInt(occurredAt.UnixMilli(), 10)),
			Payload:    p,
		}, nil
	default:
		return RawNotification{
			Type:       typ,
			OccurredAt: occurredAt,
			ID:         digest(string(typ), stringField(doc, "userId"), strconv.FormatInt(occurredAt.UnixMilli(), 10)),
			Payload:    UnknownPayload{Raw: json.RawMessage(data)},
		}, nil
	}
}

// detectType reads the declared type, falling back to structural detection
// the way the agent's stream requires (DecisionInfo vs ConversionEvent).
func detectType(doc map[string]any) Type {
	declared := stringField(doc, "type")
	if declared == "" {
		declared = stringField(doc, "Type")
	}
	switch declared {
	case "decision", "flag":
		return TypeDecision
	case "track":
		return TypeTrack
	case "project-config-update", "project_config_update":
		return TypeProjectConfigUpdate
	case "log-event", "log_event":
		return TypeLogEvent
	}

	if _, ok := doc["DecisionInfo"]; ok {
		return TypeDecision
	}
	if _, ok := doc["decision"]; ok {
		return TypeDecision
	}
	if _, ok := doc["ConversionEvent"]; ok {
		return TypeTrack
	}
	if _, ok := doc["eventKey"]; ok {
		return TypeTrack
	}
	return TypeUnknown
}

func parseDecision(doc map[string]any) (DecisionPayload, error) {
	info, ok := mapField(doc, "decision")
	if !ok {
		info, ok = mapField(doc, "DecisionInfo")
	}
	if !ok {
		return DecisionPayload{}, &ValidationError{Type: TypeDecision, Reason: "missing decision info"}
	}

	p := DecisionPayload{
		UserID:         userID(doc),
		UserAttributes: userAttributes(doc),
		FlagKey:        stringField(info, "flagKey"),
		RuleKey:        stringField(info, "ruleKey"),
		VariationKey:   stringField(info, "variationKey"),
	}
	if p.FlagKey == "" {
		p.FlagKey = stringField(info, "featureKey")
	}
	if p.FlagKey == "" {
		return DecisionPayload{}, &ValidationError{Type: TypeDecision, Reason: "missing flag key"}
	}
	if enabled, ok := info["enabled"].(bool); ok {
		p.Enabled = enabled
	}
	if vars, ok := mapField(info, "variables"); ok {
		p.Variables = vars
	}
	if reasons, ok := doc["reasons"].([]any); ok {
		p.Reasons = make([]string, 0, len(reasons))
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				p.Reasons = append(p.Reasons, s)
			}
		}
	}
	return p, nil
}

func parseTrack(doc map[string]any) (TrackPayload, error) {
	p := TrackPayload{
		UserID:         userID(doc),
		UserAttributes: userAttributes(doc),
		EventKey:       stringField(doc, "eventKey"),
	}
	if p.EventKey == "" {
		p.EventKey = stringField(doc, "EventKey")
	}
	if p.EventKey == "" {
		return TrackPayload{}, &ValidationError{Type: TypeTrack, Reason: "missing event key"}
	}
	if tags, ok := mapField(doc, "eventTags"); ok {
		p.Tags = tags
	}
	return p, nil
}

// userID probes the locations the agent is known to put the user id in.
func userID(doc map[string]any) string {
	if id := stringField(doc, "userId"); id != "" {
		return id
	}
	if uc, ok := mapField(doc, "userContext"); ok {
		if id := stringField(uc, "userId"); id != "" {
			return id
		}
	}
	if uc, ok := mapField(doc, "UserContext"); ok {
		if id := stringField(uc, "ID"); id != "" {
			return id
		}
	}
	if u, ok := mapField(doc, "user"); ok {
		if id := stringField(u, "id"); id != "" {
			return id
		}
	}
	return "anonymous"
}

func userAttributes(doc map[string]any) map[string]any {
	if attrs, ok := mapField(doc, "attributes"); ok {
		return attrs
	}
	for _, key := range []string{"userContext", "UserContext"} {
		if uc, ok := mapField(doc, key); ok {
			if attrs, ok := mapField(uc, "attributes"); ok {
				return attrs
			}
		}
	}
	return nil
}

// occurredAt reads the millisecond timestamp if present, else now.
func occurredAt(doc map[string]any) time.Time {
	if ts, ok := doc["timestamp"].(float64); ok && ts > 0 {
		return time.UnixMilli(int64(ts)).UTC()
	}
	return time.Now().UTC()
}

// digest produces the stable notification id used for tracing and dedup.
func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func stringField(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func mapField(doc map[string]any, key string) (map[string]any, bool) {
	v, ok := doc[key].(map[string]any)
	if !ok {
		return nil, false
	}
	return v, true
}
