package saga

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
)

// Participant names.
const (
	OrderService     = "order"
	PaymentService   = "payment"
	InventoryService = "inventory"
)

// Participant reacts to saga events for the orders it knows about. Each
// participant owns its state; nothing is shared between participants except
// the events on the bus.
type Participant interface {
	Name() string
	Topics() []string
	Handle(ctx context.Context, e Event) error
	// Reconcile publishes events left pending by failed publications.
	Reconcile(ctx context.Context) (int, error)
}

// Orders owns the order lifecycle. It starts the saga and reacts to the
// outcome of payment and inventory.
type Orders struct {
	m *machine[Order]
}

// NewOrders returns the order participant.
func NewOrders(store adapter.Store[Record[Order]], pub syncbus.Publisher, opts ...Option) *Orders {
	return &Orders{m: newMachine(OrderService, store, pub, opts)}
}

func (o *Orders) Name() string     { return OrderService }
func (o *Orders) Topics() []string { return []string{TopicPayments, TopicInventory} }

// Create stores a pending order and emits OrderCreated. An empty id gets a
// generated one. When the event cannot be published yet the order is still
// created and the event is delivered later by Reconcile.
func (o *Orders) Create(ctx context.Context, id string, items []Item, total int64) (Order, error) {
	if id == "" {
		id = uuid.NewString()
	}
	order, err := o.m.apply(ctx, id, func(_ context.Context, cur Order, found bool) (Order, *Outgoing, bool, error) {
		if found {
			return cur, nil, false, fmt.Errorf("%w: %s", ErrOrderExists, id)
		}
		next, out, err := NewOrder(id, items, total, o.m.now())
		if err != nil {
			return cur, nil, false, err
		}
		return next, out, true, nil
	})
	if stdErrors.Is(err, ErrPending) {
		logger.Warn(ctx, o.m.logger, "order created, OrderCreated publication deferred",
			zap.String("order_id", id), zap.Error(err))
		return order, nil
	}
	return order, err
}

// Get returns the order with id.
func (o *Orders) Get(ctx context.Context, id string) (Order, error) {
	order, found, err := o.m.get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !found {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return order, nil
}

// List returns every known order.
func (o *Orders) List(ctx context.Context) ([]Order, error) {
	return o.m.list(ctx)
}

func (o *Orders) Handle(ctx context.Context, e Event) error {
	_, err := o.m.apply(ctx, e.CorrelationKey, func(_ context.Context, cur Order, found bool) (Order, *Outgoing, bool, error) {
		return OrderTransition(cur, found, e, o.m.now())
	})
	return err
}

func (o *Orders) Reconcile(ctx context.Context) (int, error) {
	return o.m.reconcile(ctx)
}

// Payments charges orders and refunds them when they are cancelled later.
type Payments struct {
	m       *machine[Payment]
	decider Decider
}

// NewPayments returns the payment participant. A nil decider approves every
// charge.
func NewPayments(store adapter.Store[Record[Payment]], pub syncbus.Publisher, d Decider, opts ...Option) *Payments {
	if d == nil {
		d = Approve
	}
	return &Payments{m: newMachine(PaymentService, store, pub, opts), decider: d}
}

func (p *Payments) Name() string     { return PaymentService }
func (p *Payments) Topics() []string { return []string{TopicOrders} }

func (p *Payments) Handle(ctx context.Context, e Event) error {
	_, err := p.m.apply(ctx, e.CorrelationKey, func(ctx context.Context, cur Payment, found bool) (Payment, *Outgoing, bool, error) {
		var d Decision
		if PaymentNeedsDecision(found, e) {
			d = p.decider.Decide(ctx, StepPayment, e.CorrelationKey)
		}
		return PaymentTransition(cur, found, e, d, uuid.NewString(), p.m.now())
	})
	return err
}

// Get returns the payment recorded for orderID.
func (p *Payments) Get(ctx context.Context, orderID string) (Payment, bool, error) {
	return p.m.get(ctx, orderID)
}

func (p *Payments) Reconcile(ctx context.Context) (int, error) {
	return p.m.reconcile(ctx)
}

// Inventory reserves stock for paid orders.
type Inventory struct {
	m       *machine[Reservation]
	decider Decider
}

// NewInventory returns the inventory participant. A nil decider approves
// every reservation.
func NewInventory(store adapter.Store[Record[Reservation]], pub syncbus.Publisher, d Decider, opts ...Option) *Inventory {
	if d == nil {
		d = Approve
	}
	return &Inventory{m: newMachine(InventoryService, store, pub, opts), decider: d}
}

func (i *Inventory) Name() string     { return InventoryService }
func (i *Inventory) Topics() []string { return []string{TopicPayments} }

func (i *Inventory) Handle(ctx context.Context, e Event) error {
	_, err := i.m.apply(ctx, e.CorrelationKey, func(ctx context.Context, cur Reservation, found bool) (Reservation, *Outgoing, bool, error) {
		var d Decision
		if InventoryNeedsDecision(found, e) {
			d = i.decider.Decide(ctx, StepInventory, e.CorrelationKey)
		}
		return InventoryTransition(cur, found, e, d, uuid.NewString(), i.m.now())
	})
	return err
}

// Get returns the reservation recorded for orderID.
func (i *Inventory) Get(ctx context.Context, orderID string) (Reservation, bool, error) {
	return i.m.get(ctx, orderID)
}

func (i *Inventory) Reconcile(ctx context.Context) (int, error) {
	return i.m.reconcile(ctx)
}
