package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/order"
)

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req order.PlaceOrderRequest
	ok := decodeBody(w, r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "cartId":
			req.CartID, err = d.Str()
		case "deliveryAddress":
			req.DeliveryAddress, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if !ok {
		return
	}
	if req.CartID == "" {
		writeError(w, http.StatusBadRequest, string(order.KindInvalidArgument), "cartId is required")
		return
	}

	sum, err := h.orders.PlaceOrder(r.Context(), p, req)
	if err != nil {
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("cartId")
	e.Str(sum.CartID)
	e.FieldStart("orderId")
	e.Str(sum.OrderID)
	e.FieldStart("status")
	e.Str(string(sum.Status))
	e.FieldStart("message")
	e.Str(sum.Message)
	e.FieldStart("total")
	e.Str(sum.Order.Total.StringFixed(2))
	e.ObjEnd()

	w.Header().Set("Location", "/api/order/"+sum.OrderID)
	writeJSON(w, http.StatusCreated, &e)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	o, err := h.orders.GetOrder(r.Context(), p, r.PathValue("id"))
	h.respondOrder(w, r, o, err)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	o, err := h.orders.Cancel(r.Context(), p, r.PathValue("id"))
	h.respondOrder(w, r, o, err)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var raw string
	ok := decodeBody(w, r, func(d *jx.Decoder, key string) (err error) {
		if key == "status" {
			raw, err = d.Str()
			return err
		}
		return d.Skip()
	})
	if !ok {
		return
	}
	to, valid := order.ParseStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !valid {
		writeError(w, http.StatusBadRequest, string(order.KindInvalidArgument),
			errors.Errorf("unknown order status %q", raw).Error())
		return
	}

	o, err := h.orders.ChangeStatus(r.Context(), p, r.PathValue("id"), to)
	h.respondOrder(w, r, o, err)
}

func (h *Handler) updateDeliveryAddress(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var addr string
	ok := decodeBody(w, r, func(d *jx.Decoder, key string) (err error) {
		if key == "deliveryAddress" {
			addr, err = d.Str()
			return err
		}
		return d.Skip()
	})
	if !ok {
		return
	}

	o, err := h.orders.UpdateDeliveryAddress(r.Context(), p, r.PathValue("id"), addr)
	h.respondOrder(w, r, o, err)
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request, o *order.Order, err error) {
	if err != nil {
		fail(w, r, err)
		return
	}
	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, http.StatusOK, &e)
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("customerId")
	e.Str(o.CustomerID)
	e.FieldStart("cartId")
	e.Str(o.CartID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("deliveryAddress")
	e.Str(o.DeliveryAddress)
	e.FieldStart("total")
	e.Str(o.Total.StringFixed(2))

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unitPrice")
		e.Str(it.UnitPrice.StringFixed(2))
		e.FieldStart("subtotal")
		e.Str(it.Subtotal().StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.FieldStart("updatedAt")
	e.Str(o.UpdatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}
