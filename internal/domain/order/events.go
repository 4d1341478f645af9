package order

import (
	"context"
	"time"
)

// EventType names an order lifecycle change.
type EventType string

const (
	EventPlaced         EventType = "order.placed"
	EventCanceled       EventType = "order.canceled"
	EventStatusChanged  EventType = "order.status_changed"
	EventAddressUpdated EventType = "order.address_updated"
)

// Event describes a committed change of an order.
type Event struct {
	Type       EventType
	OrderID    string
	CustomerID string
	CartID     string
	Status     Status
	// Previous is the status before the change. Empty for EventPlaced.
	Previous   Status
	Total      string
	OccurredAt time.Time
}

// Publisher delivers events to interested parties. Publication happens after
// the change is committed and its failure never undoes the change.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

func newEvent(t EventType, o *Order, previous Status, at time.Time) Event {
	return Event{
		Type:       t,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		CartID:     o.CartID,
		Status:     o.Status,
		Previous:   previous,
		Total:      o.Total.StringFixed(2),
		OccurredAt: at,
	}
}
