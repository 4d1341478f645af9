package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
)

// PlacedMessage is the confirmation returned with every placed order.
const PlacedMessage = "order placed successfully"

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	CartID          string
	DeliveryAddress string
}

// Summary confirms a placed order.
type Summary struct {
	CartID  string
	OrderID string
	Status  Status
	Message string
	Order   *Order
}

// Service owns order placement and the order lifecycle.
type Service struct {
	carts     cart.Repository
	orders    Repository
	assembler *Assembler
	tx        Transactor
	// compensate releases reservations by hand when no transaction can
	// roll them back.
	compensate bool
	publisher  Publisher
	now        func() time.Time
	newID      func() string

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *metrics
	tracer         trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithTransactor runs every mutating operation inside tx.
func WithTransactor(tx Transactor) Option {
	return func(s *Service) {
		s.tx = tx
		s.compensate = false
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMeterProvider sets the meter provider for service counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for service spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	carts cart.Repository,
	products product.Repository,
	ledger inventory.Ledger,
	orders Repository,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		carts:          carts,
		orders:         orders,
		assembler:      NewAssembler(products, ledger),
		tx:             NoTx,
		compensate:     true,
		publisher:      NopPublisher{},
		now:            time.Now,
		newID:          func() string { return uuid.NewString() },
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, o := range opts {
		o(s)
	}

	m, err := newMetrics(s.meterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	s.metrics = m
	s.tracer = newTracer(s.tracerProvider)
	return s, nil
}

// PlaceOrder converts the principal's cart into a PENDING order. Stock is
// reserved for every line, the order is stored and the cart is cleared as a
// single unit of work. On failure nothing stays reserved.
func (s *Service) PlaceOrder(ctx context.Context, p auth.Principal, req PlaceOrderRequest) (_ *Summary, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder",
		trace.WithAttributes(attribute.String("cart.id", req.CartID)),
	)
	defer func() {
		if rerr != nil {
			s.metrics.rejected.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", string(KindOf(rerr))),
			))
		}
		endSpan(span, rerr)
	}()

	if !p.CanPlaceOrders() {
		return nil, ErrUnauthorized
	}
	address := strings.TrimSpace(req.DeliveryAddress)
	if address == "" {
		return nil, ErrDeliveryAddressRequired
	}

	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		unlock, err := s.carts.Lock(ctx, req.CartID)
		if err != nil {
			return errors.Wrapf(err, "lock cart %s", req.CartID)
		}
		defer unlock()

		c, err := s.carts.GetByID(ctx, req.CartID)
		if err != nil {
			return errors.Wrapf(err, "get cart %s", req.CartID)
		}
		if c.CustomerID != p.CustomerID {
			return ErrUnauthorized
		}
		if c.Empty() {
			return ErrCartEmpty
		}

		items, err := s.assembler.Assemble(ctx, c.Lines)
		if err != nil {
			return err
		}

		o = New(s.newID(), c.CustomerID, c.ID, address, items, s.now())
		if err := s.orders.Create(ctx, o); err != nil {
			s.release(ctx, items)
			return errors.Wrap(err, "create order")
		}
		if err := s.carts.Clear(ctx, c.ID); err != nil {
			s.release(ctx, items)
			return errors.Wrapf(err, "clear cart %s", c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.placed.Add(ctx, 1)
	span.SetAttributes(attribute.String("order.id", o.ID))
	s.publish(ctx, newEvent(EventPlaced, o, "", o.CreatedAt))

	return &Summary{
		CartID:  o.CartID,
		OrderID: o.ID,
		Status:  o.Status,
		Message: PlacedMessage,
		Order:   o,
	}, nil
}

// GetOrder returns an order visible to the principal.
func (s *Service) GetOrder(ctx context.Context, p auth.Principal, orderID string) (_ *Order, rerr error) {
	ctx, span := s.startOrderSpan(ctx, "order.GetOrder", orderID)
	defer func() { endSpan(span, rerr) }()

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	if !p.CanManageOrderOf(o.CustomerID) {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// Cancel moves a PENDING order to CANCELED and restores the stock of every
// item. Orders in any other status are rejected with *NotCancelableError.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, orderID string) (_ *Order, rerr error) {
	ctx, span := s.startOrderSpan(ctx, "order.Cancel", orderID)
	defer func() { endSpan(span, rerr) }()

	var (
		o        *Order
		previous Status
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return errors.Wrapf(err, "get order %s", orderID)
		}
		if !p.CanManageOrderOf(cur.CustomerID) {
			return ErrUnauthorized
		}
		previous = cur.Status
		o, err = s.cancel(ctx, cur)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, newEvent(EventCanceled, o, previous, o.UpdatedAt))
	return o, nil
}

// ChangeStatus drives an order through the state machine. Only
// administrators may call it. A move to CANCELED restores stock like Cancel.
func (s *Service) ChangeStatus(ctx context.Context, p auth.Principal, orderID string, to Status) (_ *Order, rerr error) {
	ctx, span := s.startOrderSpan(ctx, "order.ChangeStatus", orderID)
	span.SetAttributes(attribute.String("order.status.to", string(to)))
	defer func() { endSpan(span, rerr) }()

	if !p.CanChangeOrderStatus() {
		return nil, ErrUnauthorized
	}

	var (
		o        *Order
		previous Status
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return errors.Wrapf(err, "get order %s", orderID)
		}
		previous = cur.Status
		if !CanTransition(cur.Status, to) {
			return &InvalidTransitionError{OrderID: cur.ID, From: cur.Status, To: to}
		}
		if to == StatusCanceled {
			o, err = s.cancel(ctx, cur)
			return err
		}

		if err := s.orders.UpdateStatus(ctx, cur.ID, cur.Status, to); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return s.conflict(ctx, cur.ID, func(st Status) error {
					return &InvalidTransitionError{OrderID: cur.ID, From: st, To: to}
				})
			}
			return errors.Wrapf(err, "update order %s status", cur.ID)
		}
		o, err = s.reload(ctx, cur.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.statusChanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(to)),
	))
	typ := EventStatusChanged
	if to == StatusCanceled {
		typ = EventCanceled
	}
	s.publish(ctx, newEvent(typ, o, previous, o.UpdatedAt))
	return o, nil
}

// UpdateDeliveryAddress replaces the address of a PENDING order. The status
// is left unchanged.
func (s *Service) UpdateDeliveryAddress(ctx context.Context, p auth.Principal, orderID, address string) (_ *Order, rerr error) {
	ctx, span := s.startOrderSpan(ctx, "order.UpdateDeliveryAddress", orderID)
	defer func() { endSpan(span, rerr) }()

	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrDeliveryAddressRequired
	}

	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return errors.Wrapf(err, "get order %s", orderID)
		}
		if !p.CanManageOrderOf(cur.CustomerID) {
			return ErrUnauthorized
		}
		if cur.Status != StatusPending {
			return &NotModifiableError{OrderID: cur.ID, Status: cur.Status}
		}

		if err := s.orders.UpdateDeliveryAddress(ctx, cur.ID, address); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return s.conflict(ctx, cur.ID, func(st Status) error {
					return &NotModifiableError{OrderID: cur.ID, Status: st}
				})
			}
			return errors.Wrapf(err, "update order %s address", cur.ID)
		}
		o, err = s.reload(ctx, cur.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, newEvent(EventAddressUpdated, o, o.Status, o.UpdatedAt))
	return o, nil
}

// cancel claims the order with a status compare-and-set and then restores
// its stock. Only one of two concurrent cancels can win the claim, so stock
// is never restored twice.
func (s *Service) cancel(ctx context.Context, o *Order) (*Order, error) {
	if o.Status != StatusPending {
		return nil, &NotCancelableError{OrderID: o.ID, Status: o.Status}
	}

	if err := s.orders.UpdateStatus(ctx, o.ID, StatusPending, StatusCanceled); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, s.conflict(ctx, o.ID, func(st Status) error {
				return &NotCancelableError{OrderID: o.ID, Status: st}
			})
		}
		return nil, errors.Wrapf(err, "cancel order %s", o.ID)
	}

	if err := s.assembler.Release(ctx, o.Items); err != nil {
		zctx.From(ctx).Error("Failed to restore stock of canceled order",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return nil, err
	}
	s.metrics.canceled.Add(ctx, 1)

	return s.reload(ctx, o.ID)
}

// release undoes the reservations of a placement that failed after
// assembly.
func (s *Service) release(ctx context.Context, items []Item) {
	if !s.compensate {
		return
	}
	s.metrics.compensations.Add(ctx, 1)
	if err := s.assembler.Release(ctx, items); err != nil {
		zctx.From(ctx).Error("Failed to release reserved stock",
			zap.Error(err),
			zap.Int("items", len(items)),
		)
	}
}

// conflict re-reads an order that changed under a conditional update and
// reports the business error for its current status.
func (s *Service) conflict(ctx context.Context, orderID string, report func(Status) error) error {
	cur, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return errors.Wrapf(err, "get order %s", orderID)
	}
	return report(cur.Status)
}

func (s *Service) reload(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	return o, nil
}

func (s *Service) publish(ctx context.Context, e Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		zctx.From(ctx).Warn("Failed to publish order event",
			zap.String("event", string(e.Type)),
			zap.String("order_id", e.OrderID),
			zap.Error(err),
		)
	}
}

func (s *Service) startOrderSpan(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order.id", orderID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil && KindOf(err) == KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
