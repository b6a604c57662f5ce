package notification

import (
	"errors"
	"testing"
	"time"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name string
		data string
		want DecisionPayload
	}{
		{
			name: "sdk style lowercase",
			data: `{"type":"decision","userId":"u-1","attributes":{"plan":"pro"},"decision":{"flagKey":"checkout_v2","ruleKey":"exp_1","variationKey":"treatment","enabled":true,"variables":{"limit":5}}}`,
			want: DecisionPayload{
				UserID:         "u-1",
				UserAttributes: map[string]any{"plan": "pro"},
				FlagKey:        "checkout_v2",
				RuleKey:        "exp_1",
				VariationKey:   "treatment",
				Enabled:        true,
				Variables:      map[string]any{"limit": float64(5)},
			},
		},
		{
			name: "agent style capitalized",
			data: `{"Type":"flag","UserContext":{"ID":"u-2"},"DecisionInfo":{"flagKey":"promo","variationKey":"off","enabled":false}}`,
			want: DecisionPayload{
				UserID:       "u-2",
				FlagKey:      "promo",
				VariationKey: "off",
			},
		},
		{
			name: "structural detection without declared type",
			data: `{"userId":"u-3","decision":{"featureKey":"beta","enabled":true}}`,
			want: DecisionPayload{
				UserID:  "u-3",
				FlagKey: "beta",
				Enabled: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Parse([]byte(tt.data))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if raw.Type != TypeDecision {
				t.Fatalf("Type = %s, want %s", raw.Type, TypeDecision)
			}
			p, ok := raw.Payload.(DecisionPayload)
			if !ok {
				t.Fatalf("Payload is %T, want DecisionPayload", raw.Payload)
			}
			if p.UserID != tt.want.UserID {
				t.Errorf("UserID = %q, want %q", p.UserID, tt.want.UserID)
			}
			if p.FlagKey != tt.want.FlagKey {
				t.Errorf("FlagKey = %q, want %q", p.FlagKey, tt.want.FlagKey)
			}
			if p.RuleKey != tt.want.RuleKey {
				t.Errorf("RuleKey = %q, want %q", p.RuleKey, tt.want.RuleKey)
			}
			if p.VariationKey != tt.want.VariationKey {
				t.Errorf("VariationKey = %q, want %q", p.VariationKey, tt.want.VariationKey)
			}
			if p.Enabled != tt.want.Enabled {
				t.Errorf("Enabled = %v, want %v", p.Enabled, tt.want.Enabled)
			}
			if raw.ID == "" {
				t.Error("ID is empty")
			}
		})
	}
}

func TestParseTrack(t *testing.T) {
	raw, err := Parse([]byte(`{"type":"track","userId":"u-9","eventKey":"purchase","eventTags":{"revenue":4999,"sku":"A-1"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if raw.Type != TypeTrack {
		t.Fatalf("Type = %s, want %s", raw.Type, TypeTrack)
	}
	p := raw.Payload.(TrackPayload)
	if p.EventKey != "purchase" {
		t.Errorf("EventKey = %q, want purchase", p.EventKey)
	}
	if p.UserID != "u-9" {
		t.Errorf("UserID = %q, want u-9", p.UserID)
	}
	if p.Tags["revenue"] != float64(4999) {
		t.Errorf("Tags[revenue] = %v, want 4999", p.Tags["revenue"])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		parse      bool
		validation bool
	}{
		{name: "not json", data: `{{{`, parse: true},
		{name: "json array not object", data: `[1,2]`, parse: true},
		{name: "decision missing flag key", data: `{"type":"decision","decision":{"enabled":true}}`, validation: true},
		{name: "decision missing info", data: `{"type":"decision","userId":"u"}`, validation: true},
		{name: "track missing event key", data: `{"type":"track","userId":"u"}`, validation: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			var pe *ParseError
			var ve *ValidationError
			if tt.parse && !errors.As(err, &pe) {
				t.Errorf("error %v is not a ParseError", err)
			}
			if tt.validation && !errors.As(err, &ve) {
				t.Errorf("error %v is not a ValidationError", err)
			}
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	data := `{"type":"project-config-update","revision":"42"}`
	raw, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if raw.Type != TypeProjectConfigUpdate {
		t.Errorf("Type = %s, want %s", raw.Type, TypeProjectConfigUpdate)
	}
	if _, ok := raw.Payload.(UnknownPayload); !ok {
		t.Errorf("Payload is %T, want UnknownPayload", raw.Payload)
	}

	raw, err = Parse([]byte(`{"something":"else"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if raw.Type != TypeUnknown {
		t.Errorf("Type = %s, want %s", raw.Type, TypeUnknown)
	}
}

func TestDigestStableAcrossRedelivery(t *testing.T) {
	data := `{"type":"track","userId":"u-5","eventKey":"signup","timestamp":1700000000000}`
	a, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("same notification produced different ids: %s vs %s", a.ID, b.ID)
	}
	if len(a.ID) != 32 {
		t.Errorf("id length = %d, want 32", len(a.ID))
	}

	other, err := Parse([]byte(`{"type":"track","userId":"u-6","eventKey":"signup","timestamp":1700000000000}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.ID == other.ID {
		t.Error("different notifications produced the same id")
	}
}

func TestOccurredAtFromTimestamp(t *testing.T) {
	raw, err := Parse([]byte(`{"type":"track","userId":"u","eventKey":"e","timestamp":1700000000000}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !raw.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", raw.OccurredAt, want)
	}
}
