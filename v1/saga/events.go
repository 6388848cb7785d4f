package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags an Event. The set is closed.
type EventType string

const (
	OrderCreated      EventType = "OrderCreated"
	PaymentCompleted  EventType = "PaymentCompleted"
	PaymentFailed     EventType = "PaymentFailed"
	InventoryReserved EventType = "InventoryReserved"
	InventoryFailed   EventType = "InventoryFailed"
	OrderCancelled    EventType = "OrderCancelled"
)

// Topics. Every event of one order is keyed by the order id, so it lands on
// one partition of its topic.
const (
	TopicOrders    = "orders"
	TopicPayments  = "payments"
	TopicInventory = "inventory"
)

var ErrUnknownEvent = errors.New("saga: unknown event type")

var eventTopics = map[EventType]string{
	OrderCreated:      TopicOrders,
	OrderCancelled:    TopicOrders,
	PaymentCompleted:  TopicPayments,
	PaymentFailed:     TopicPayments,
	InventoryReserved: TopicInventory,
	InventoryFailed:   TopicInventory,
}

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	_, ok := eventTopics[t]
	return ok
}

// TopicFor returns the topic events of type t are published on.
func TopicFor(t EventType) (string, error) {
	topic, ok := eventTopics[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, t)
	}
	return topic, nil
}

// Event is an immutable fact exchanged between participants.
type Event struct {
	Type           EventType       `json:"eventType"`
	ID             string          `json:"eventId"`
	Timestamp      time.Time       `json:"timestamp"`
	CorrelationKey string          `json:"correlationKey"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEvent builds an event with a fresh id for orderID.
func NewEvent(t EventType, orderID string, payload any, now time.Time) (Event, error) {
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("saga: encode %s payload: %w", t, err)
	}
	return Event{
		Type:           t,
		ID:             uuid.NewString(),
		Timestamp:      now.UTC(),
		CorrelationKey: orderID,
		Payload:        raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("saga: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serialises e for the bus.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses and validates a bus message body.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("saga: decode event: %w", err)
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	if e.ID == "" || e.CorrelationKey == "" {
		return Event{}, errors.New("saga: event without id or correlation key")
	}
	return e, nil
}

// Item is one order line. Prices are in minor currency units.
type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type OrderCreatedPayload struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
	Total   int64  `json:"total"`
}

type PaymentCompletedPayload struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Items     []Item `json:"items"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
}

type InventoryReservedPayload struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
	Items         []Item `json:"items"`
}

type InventoryFailedPayload struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}
