package saga

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound = errors.New("saga: order not found")
	ErrOrderExists   = errors.New("saga: order already exists")
	ErrInvalidOrder  = errors.New("saga: invalid order")
)

// Outgoing is the event a transition asks to publish.
type Outgoing struct {
	Type    EventType
	Payload any
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is owned by the order participant. Other participants only learn
// about it through events.
type Order struct {
	ID        string      `json:"id"`
	Status    OrderStatus `json:"status"`
	Items     []Item      `json:"items"`
	Total     int64       `json:"total"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (o Order) label() string { return string(o.Status) }

// Terminal reports whether o accepts no further transitions.
func (o Order) Terminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCancelled
}

// NewOrder validates the request and returns the pending order together with
// its OrderCreated event. A zero total is computed from the items.
func NewOrder(id string, items []Item, total int64, now time.Time) (Order, *Outgoing, error) {
	if id == "" {
		return Order{}, nil, fmt.Errorf("%w: empty id", ErrInvalidOrder)
	}
	var sum int64
	for _, it := range items {
		if it.Quantity <= 0 || it.Price < 0 {
			return Order{}, nil, fmt.Errorf("%w: bad item %q", ErrInvalidOrder, it.SKU)
		}
		sum += int64(it.Quantity) * it.Price
	}
	if total == 0 {
		total = sum
	}
	if total <= 0 {
		return Order{}, nil, fmt.Errorf("%w: total must be positive", ErrInvalidOrder)
	}
	o := Order{
		ID:        id,
		Status:    OrderStatusPending,
		Items:     append([]Item(nil), items...),
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	out := &Outgoing{Type: OrderCreated, Payload: OrderCreatedPayload{OrderID: id, Items: o.Items, Total: total}}
	return o, out, nil
}

// OrderTransition applies e to o. Unknown orders, terminal orders and event
// types the order participant does not react to leave o unchanged.
//
//	PaymentFailed     pending -> cancelled, emits OrderCancelled
//	InventoryFailed   pending -> cancelled, emits OrderCancelled (refund)
//	InventoryReserved pending -> completed
func OrderTransition(o Order, found bool, e Event, now time.Time) (Order, *Outgoing, bool, error) {
	if !found || o.Terminal() {
		return o, nil, false, nil
	}
	switch e.Type {
	case PaymentFailed:
		var p PaymentFailedPayload
		if err := e.Decode(&p); err != nil {
			return o, nil, false, err
		}
		return cancelOrder(o, "payment failed: "+p.Reason, now)
	case InventoryFailed:
		var p InventoryFailedPayload
		if err := e.Decode(&p); err != nil {
			return o, nil, false, err
		}
		return cancelOrder(o, "inventory failed: "+p.Reason, now)
	case InventoryReserved:
		o.Status = OrderStatusCompleted
		o.UpdatedAt = now
		return o, nil, true, nil
	}
	return o, nil, false, nil
}

func cancelOrder(o Order, reason string, now time.Time) (Order, *Outgoing, bool, error) {
	o.Status = OrderStatusCancelled
	o.Reason = reason
	o.UpdatedAt = now
	out := &Outgoing{Type: OrderCancelled, Payload: OrderCancelledPayload{OrderID: o.ID, Reason: reason}}
	return o, out, true, nil
}

type PaymentStatus string

const (
	PaymentCharged  PaymentStatus = "charged"
	PaymentDeclined PaymentStatus = "declined"
	PaymentRefunded PaymentStatus = "refunded"
)

// Payment is owned by the payment participant.
type Payment struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"orderId"`
	Amount    int64         `json:"amount"`
	Items     []Item        `json:"items,omitempty"`
	Status    PaymentStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (p Payment) label() string { return string(p.Status) }

// PaymentNeedsDecision reports whether PaymentTransition will consult a
// Decision for e.
func PaymentNeedsDecision(found bool, e Event) bool {
	return !found && e.Type == OrderCreated
}

// PaymentTransition applies e to the payment of an order.
//
//	OrderCreated   none -> charged, emits PaymentCompleted
//	OrderCreated   none -> declined, emits PaymentFailed
//	OrderCancelled charged -> refunded
func PaymentTransition(p Payment, found bool, e Event, d Decision, paymentID string, now time.Time) (Payment, *Outgoing, bool, error) {
	switch e.Type {
	case OrderCreated:
		if found {
			return p, nil, false, nil
		}
		var c OrderCreatedPayload
		if err := e.Decode(&c); err != nil {
			return p, nil, false, err
		}
		p = Payment{
			ID:        paymentID,
			OrderID:   c.OrderID,
			Amount:    c.Total,
			Items:     c.Items,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if d.Approved {
			p.Status = PaymentCharged
			return p, &Outgoing{Type: PaymentCompleted, Payload: PaymentCompletedPayload{
				OrderID: c.OrderID, PaymentID: paymentID, Amount: c.Total, Items: c.Items,
			}}, true, nil
		}
		p.Status = PaymentDeclined
		p.Reason = d.Reason
		return p, &Outgoing{Type: PaymentFailed, Payload: PaymentFailedPayload{
			OrderID: c.OrderID, Amount: c.Total, Reason: d.Reason,
		}}, true, nil
	case OrderCancelled:
		if !found || p.Status != PaymentCharged {
			return p, nil, false, nil
		}
		var c OrderCancelledPayload
		if err := e.Decode(&c); err != nil {
			return p, nil, false, err
		}
		p.Status = PaymentRefunded
		p.Reason = c.Reason
		p.UpdatedAt = now
		return p, nil, true, nil
	}
	return p, nil, false, nil
}

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationRejected ReservationStatus = "rejected"
)

// Reservation is owned by the inventory participant.
type Reservation struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"orderId"`
	PaymentID string            `json:"paymentId"`
	Items     []Item            `json:"items,omitempty"`
	Status    ReservationStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (r Reservation) label() string { return string(r.Status) }

// InventoryNeedsDecision reports whether InventoryTransition will consult a
// Decision for e.
func InventoryNeedsDecision(found bool, e Event) bool {
	return !found && e.Type == PaymentCompleted
}

// InventoryTransition applies e to the reservation of an order.
//
//	PaymentCompleted none -> reserved, emits InventoryReserved
//	PaymentCompleted none -> rejected, emits InventoryFailed
func InventoryTransition(r Reservation, found bool, e Event, d Decision, reservationID string, now time.Time) (Reservation, *Outgoing, bool, error) {
	if found || e.Type != PaymentCompleted {
		return r, nil, false, nil
	}
	var c PaymentCompletedPayload
	if err := e.Decode(&c); err != nil {
		return r, nil, false, err
	}
	r = Reservation{
		ID:        reservationID,
		OrderID:   c.OrderID,
		PaymentID: c.PaymentID,
		Items:     c.Items,
		CreatedAt: now,
	}
	if d.Approved {
		r.Status = ReservationReserved
		return r, &Outgoing{Type: InventoryReserved, Payload: InventoryReservedPayload{
			OrderID: c.OrderID, ReservationID: reservationID, Items: c.Items,
		}}, true, nil
	}
	r.Status = ReservationRejected
	r.Reason = d.Reason
	return r, &Outgoing{Type: InventoryFailed, Payload: InventoryFailedPayload{
		OrderID: c.OrderID, PaymentID: c.PaymentID, Reason: d.Reason,
	}}, true, nil
}
