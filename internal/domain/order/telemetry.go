package order

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/xenking/kart-orders/internal/domain/order"

type metrics struct {
	placed        metric.Int64Counter
	rejected      metric.Int64Counter
	canceled      metric.Int64Counter
	statusChanged metric.Int64Counter
	compensations metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m   metrics
		err error
	)
	if m.placed, err = meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders successfully placed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.placed")
	}
	if m.rejected, err = meter.Int64Counter("orders.rejected",
		metric.WithDescription("Order placements rejected, by reason"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.rejected")
	}
	if m.canceled, err = meter.Int64Counter("orders.canceled",
		metric.WithDescription("Orders canceled with stock restored"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.canceled")
	}
	if m.statusChanged, err = meter.Int64Counter("orders.status_changed",
		metric.WithDescription("Order status transitions, by target status"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.status_changed")
	}
	if m.compensations, err = meter.Int64Counter("inventory.compensations",
		metric.WithDescription("Stock reservations released after a failed placement"),
	); err != nil {
		return nil, errors.Wrap(err, "inventory.compensations")
	}
	return &m, nil
}

func newTracer(tp trace.TracerProvider) trace.Tracer {
	return tp.Tracer(instrumentationName)
}
