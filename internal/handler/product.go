package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-orders/internal/domain/auth"
)

// getProduct shows the live price, stock and status of a product.
func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	p, err := h.products.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("price")
	e.Str(p.Price.StringFixed(2))
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.FieldStart("status")
	e.Str(string(p.Status))
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
