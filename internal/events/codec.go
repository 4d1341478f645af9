// Package events carries order lifecycle events to message brokers.
package events

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// ContentType of encoded events.
const ContentType = "application/json"

// Encode renders e as a JSON object.
func Encode(e order.Event) []byte {
	var w jx.Encoder
	w.ObjStart()
	w.FieldStart("type")
	w.Str(string(e.Type))
	w.FieldStart("order_id")
	w.Str(e.OrderID)
	w.FieldStart("customer_id")
	w.Str(e.CustomerID)
	w.FieldStart("cart_id")
	w.Str(e.CartID)
	w.FieldStart("status")
	w.Str(string(e.Status))
	if e.Previous != "" {
		w.FieldStart("previous_status")
		w.Str(string(e.Previous))
	}
	w.FieldStart("total")
	w.Str(e.Total)
	w.FieldStart("occurred_at")
	w.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	w.ObjEnd()
	return w.Bytes()
}

// Decode parses an event produced by Encode. Unknown fields are skipped.
func Decode(data []byte) (order.Event, error) {
	var e order.Event
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var (
			v   string
			err error
		)
		switch string(key) {
		case "type", "order_id", "customer_id", "cart_id", "status", "previous_status", "total", "occurred_at":
			if v, err = d.Str(); err != nil {
				return errors.Wrapf(err, "field %s", key)
			}
		default:
			return d.Skip()
		}

		switch string(key) {
		case "type":
			e.Type = order.EventType(v)
		case "order_id":
			e.OrderID = v
		case "customer_id":
			e.CustomerID = v
		case "cart_id":
			e.CartID = v
		case "status":
			e.Status = order.Status(v)
		case "previous_status":
			e.Previous = order.Status(v)
		case "total":
			e.Total = v
		case "occurred_at":
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return errors.Wrap(err, "occurred_at")
			}
			e.OccurredAt = t
		}
		return nil
	})
	if err != nil {
		return order.Event{}, errors.Wrap(err, "decode event")
	}
	return e, nil
}
