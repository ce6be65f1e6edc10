package event

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	TypeEntitlementGranted = "EntitlementGranted"
	TypeEntitlementRevoked = "EntitlementRevoked"
)

var (
	ErrUnknownType = errors.New("event: unknown event type")
)

// Entitlement is the payload staged in the outbox by the entitlement service and
// consumed by the notification service. occurred_at is an RFC 3339 timestamp.
type Entitlement struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	OccurredAt       string `json:"occurred_at"`
	UserID           string `json:"user_id"`
	StockKeepingUnit string `json:"stock_keeping_unit"`
	Source           string `json:"source"`
	SourceID         string `json:"source_id"`
	Version          int64  `json:"version"`
	TraceID          string `json:"trace_id"`
}

// ParseEntitlement decodes a payload and checks that its event type is one the
// pipeline knows how to route. Both failures are permanent for the payload.
func ParseEntitlement(raw []byte) (*Entitlement, error) {
	e := &Entitlement{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, errors.Wrap(err, "event: unable to decode entitlement payload")
	}

	if !KnownType(e.EventType) {
		return nil, errors.Wrapf(ErrUnknownType, "%q", e.EventType)
	}

	return e, nil
}

func (e Entitlement) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func KnownType(t string) bool {
	return t == TypeEntitlementGranted || t == TypeEntitlementRevoked
}

// AggregateKey identifies the entitlement an event belongs to. It is used as
// the Kafka partition key so that events for one entitlement stay ordered.
func AggregateKey(userID, sku string) string {
	return userID + ":" + sku
}
