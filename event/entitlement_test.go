package event

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func TestParseEntitlement(t *testing.T) {
	raw := []byte(`{"event_id":"6f1c3f0e-4b7e-4c55-9a51-0b0b6d1b8a11","event_type":"EntitlementGranted","occurred_at":"2024-05-01T10:00:00Z","user_id":"U1","stock_keeping_unit":"S1","source":"purchase","source_id":"P1","version":2,"trace_id":"t-1"}`)

	exp := &Entitlement{
		EventID:          "6f1c3f0e-4b7e-4c55-9a51-0b0b6d1b8a11",
		EventType:        TypeEntitlementGranted,
		OccurredAt:       "2024-05-01T10:00:00Z",
		UserID:           "U1",
		StockKeepingUnit: "S1",
		Source:           "purchase",
		SourceID:         "P1",
		Version:          2,
		TraceID:          "t-1",
	}

	got, err := ParseEntitlement(raw)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if diff := deep.Equal(exp, got); diff != nil {
		t.Error(diff)
	}
}

func TestParseEntitlement_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		unknown bool
	}{
		{"not json", []byte("\x00\x01garbage"), false},
		{"wrong shape", []byte(`{"version":"two"}`), false},
		{"unknown type", []byte(`{"event_type":"EntitlementPaused"}`), true},
		{"missing type", []byte(`{}`), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEntitlement(tt.raw)
			if err == nil {
				t.Fatal("expected an error but got nil")
			}

			if errors.Is(err, ErrUnknownType) != tt.unknown {
				t.Errorf("errors.Is(err, ErrUnknownType) = %v, want %v (err: %s)", !tt.unknown, tt.unknown, err)
			}
		})
	}
}

func TestAggregateKey(t *testing.T) {
	if got := AggregateKey("U1", "S1"); got != "U1:S1" {
		t.Errorf("received %q", got)
	}
}
