// Package handler maps the order HTTP API onto the order service.
package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Handler serves the /api routes.
type Handler struct {
	orders   *order.Service
	products product.Repository
}

// NewHandler constructs a Handler.
func NewHandler(orders *order.Service, products product.Repository) *Handler {
	return &Handler{orders: orders, products: products}
}

// Register mounts the API on mux. Every route requires an authenticated
// principal, installed by sec.
func (h *Handler) Register(mux *http.ServeMux, sec *SecurityHandler) {
	route := func(pattern string, fn func(http.ResponseWriter, *http.Request, auth.Principal)) {
		mux.Handle(pattern, sec.Require(authenticated(fn)))
	}
	route("POST /api/order", h.placeOrder)
	route("GET /api/order/{id}", h.getOrder)
	route("PATCH /api/order/{id}/cancel", h.cancelOrder)
	route("PATCH /api/order/{id}/status", h.changeStatus)
	route("PATCH /api/order/{id}/delivery-address", h.updateDeliveryAddress)
	route("GET /api/product/{id}", h.getProduct)
}

func authenticated(fn func(http.ResponseWriter, *http.Request, auth.Principal)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing credentials")
			return
		}
		fn(w, r, p)
	})
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("kind")
	e.Str(kind)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, status, &e)
}

var kindStatus = map[order.Kind]int{
	order.KindNotFound:          http.StatusNotFound,
	order.KindUnauthorized:      http.StatusForbidden,
	order.KindInvalidState:      http.StatusConflict,
	order.KindInsufficientStock: http.StatusConflict,
	order.KindInvalidArgument:   http.StatusBadRequest,
}

// fail renders a service error. Internal errors are logged and hidden.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := order.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, string(order.KindInternal), "internal error")
		return
	}
	writeError(w, status, string(kind), err.Error())
}

// decodeBody reads a JSON object, handing each field to fn. Unknown fields
// are skipped.
func decodeBody(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder, key string) error) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := jx.Decode(body, 512).Obj(func(d *jx.Decoder, key string) error {
		return fn(d, key)
	})
	if err != nil {
		msg := "malformed request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		writeError(w, http.StatusBadRequest, string(order.KindInvalidArgument), msg)
		return false
	}
	return true
}
