package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/seed"
	"github.com/xenking/kart-orders/internal/storage/memory"
)

var pepper = []byte("test-pepper")

const fixture = `{
  "products": [
    {"id": "P", "name": "Pen", "price": "10.00", "stock": 5},
    {"id": "Q", "name": "Quill", "price": "5.00", "stock": 3}
  ],
  "carts": [
    {"id": "cart-alice", "customer_id": "alice", "lines": [
      {"product_id": "P", "quantity": 2},
      {"product_id": "Q", "quantity": 1}
    ]},
    {"id": "cart-bob", "customer_id": "bob", "lines": [
      {"product_id": "Q", "quantity": 9}
    ]}
  ],
  "api_keys": [
    {"id": "alice", "key": "alice-key", "name": "Alice", "customer_id": "alice", "role": "CUSTOMER"},
    {"id": "bob", "key": "bob-key", "name": "Bob", "customer_id": "bob", "role": "CUSTOMER"},
    {"id": "ops", "key": "ops-key", "name": "Ops", "customer_id": "ops", "role": "ADMIN"}
  ]
}`

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	ctx := context.Background()

	doc, err := seed.Load(strings.NewReader(fixture))
	require.NoError(t, err)
	store := memory.New()
	_, err = seed.Apply(ctx, store, doc, pepper)
	require.NoError(t, err)

	svc, err := order.NewService(store.Carts, store.Products, store.Products, store.Orders)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(svc, store.Products).Register(mux, NewSecurityHandler(store.APIKeys, pepper))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv}
}

type response struct {
	Status int
	Header http.Header
	Body   map[string]any
}

func (c *apiClient) do(method, path, key, body string) response {
	c.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer func() { _ = resp.Body.Close() }()

	out := response{Status: resp.StatusCode, Header: resp.Header}
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(data) > 0 {
		require.NoError(c.t, json.Unmarshal(data, &out.Body), string(data))
	}
	return out
}

func (c *apiClient) place(key, cartID string) response {
	return c.do(http.MethodPost, "/api/order", key, `{"cartId":"`+cartID+`","deliveryAddress":"1 Main St"}`)
}

func TestAuthentication(t *testing.T) {
	api := newAPI(t)

	for _, key := range []string{"", "wrong-key"} {
		r := api.do(http.MethodGet, "/api/product/P", key, "")
		assert.Equal(t, http.StatusUnauthorized, r.Status, "key %q", key)
		assert.Equal(t, "unauthenticated", r.Body["kind"])
		assert.EqualValues(t, 401, r.Body["code"])
	}
}

func TestPlaceOrder(t *testing.T) {
	api := newAPI(t)

	r := api.place("alice-key", "cart-alice")
	require.Equal(t, http.StatusCreated, r.Status, r.Body)
	assert.Equal(t, "cart-alice", r.Body["cartId"])
	assert.Equal(t, "PENDING", r.Body["status"])
	assert.Equal(t, order.PlacedMessage, r.Body["message"])
	assert.Equal(t, "25.00", r.Body["total"])
	id, _ := r.Body["orderId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/order/"+id, r.Header.Get("Location"))

	p := api.do(http.MethodGet, "/api/product/P", "alice-key", "")
	require.Equal(t, http.StatusOK, p.Status)
	assert.EqualValues(t, 3, p.Body["stock"])
	assert.Equal(t, "10.00", p.Body["price"])
	assert.Equal(t, "AVAILABLE", p.Body["status"])

	again := api.place("alice-key", "cart-alice")
	assert.Equal(t, http.StatusConflict, again.Status)
	assert.Equal(t, "invalid_state", again.Body["kind"])
}

func TestPlaceOrder_Errors(t *testing.T) {
	api := newAPI(t)

	for _, tt := range []struct {
		name   string
		key    string
		body   string
		status int
		kind   string
	}{
		{"foreign cart", "alice-key", `{"cartId":"cart-bob","deliveryAddress":"x"}`, http.StatusForbidden, "unauthorized"},
		{"unknown cart", "alice-key", `{"cartId":"nope","deliveryAddress":"x"}`, http.StatusNotFound, "not_found"},
		{"insufficient stock", "bob-key", `{"cartId":"cart-bob","deliveryAddress":"x"}`, http.StatusConflict, "insufficient_stock"},
		{"blank address", "alice-key", `{"cartId":"cart-alice","deliveryAddress":"  "}`, http.StatusBadRequest, "invalid_argument"},
		{"missing cart id", "alice-key", `{"deliveryAddress":"x"}`, http.StatusBadRequest, "invalid_argument"},
		{"malformed", "alice-key", `{"cartId":`, http.StatusBadRequest, "invalid_argument"},
		{"wrong type", "alice-key", `{"cartId":7}`, http.StatusBadRequest, "invalid_argument"},
		{"admin cannot place", "ops-key", `{"cartId":"cart-alice","deliveryAddress":"x"}`, http.StatusForbidden, "unauthorized"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := api.do(http.MethodPost, "/api/order", tt.key, tt.body)
			assert.Equal(t, tt.status, r.Status, r.Body)
			assert.Equal(t, tt.kind, r.Body["kind"])
			assert.NotEmpty(t, r.Body["message"])
		})
	}

	p := api.do(http.MethodGet, "/api/product/Q", "bob-key", "")
	assert.EqualValues(t, 3, p.Body["stock"], "failed placements leave stock untouched")
}

func TestGetOrder(t *testing.T) {
	api := newAPI(t)
	id := api.place("alice-key", "cart-alice").Body["orderId"].(string)

	r := api.do(http.MethodGet, "/api/order/"+id, "alice-key", "")
	require.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, id, r.Body["id"])
	assert.Equal(t, "alice", r.Body["customerId"])
	assert.Equal(t, "cart-alice", r.Body["cartId"])
	assert.Equal(t, "1 Main St", r.Body["deliveryAddress"])
	assert.Equal(t, "25.00", r.Body["total"])
	assert.NotEmpty(t, r.Body["createdAt"])

	items, ok := r.Body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "P", first["productId"])
	assert.EqualValues(t, 2, first["quantity"])
	assert.Equal(t, "10.00", first["unitPrice"])
	assert.Equal(t, "20.00", first["subtotal"])

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, "/api/order/"+id, "bob-key", "").Status)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/order/"+id, "ops-key", "").Status)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/order/missing", "ops-key", "").Status)
}

func TestCancelOrder(t *testing.T) {
	api := newAPI(t)
	id := api.place("alice-key", "cart-alice").Body["orderId"].(string)

	assert.Equal(t, http.StatusForbidden, api.do(http.MethodPatch, "/api/order/"+id+"/cancel", "bob-key", "").Status)

	r := api.do(http.MethodPatch, "/api/order/"+id+"/cancel", "alice-key", "")
	require.Equal(t, http.StatusOK, r.Status, r.Body)
	assert.Equal(t, "CANCELED", r.Body["status"])

	p := api.do(http.MethodGet, "/api/product/P", "alice-key", "")
	assert.EqualValues(t, 5, p.Body["stock"])

	again := api.do(http.MethodPatch, "/api/order/"+id+"/cancel", "alice-key", "")
	assert.Equal(t, http.StatusConflict, again.Status)
	assert.Equal(t, "invalid_state", again.Body["kind"])
}

func TestChangeStatus(t *testing.T) {
	api := newAPI(t)
	id := api.place("alice-key", "cart-alice").Body["orderId"].(string)
	path := "/api/order/" + id + "/status"

	r := api.do(http.MethodPatch, path, "alice-key", `{"status":"SHIPPED"}`)
	assert.Equal(t, http.StatusForbidden, r.Status)

	r = api.do(http.MethodPatch, path, "ops-key", `{"status":"LOST"}`)
	assert.Equal(t, http.StatusBadRequest, r.Status)
	assert.Contains(t, r.Body["message"], "LOST")

	r = api.do(http.MethodPatch, path, "ops-key", `{"status":"shipped"}`)
	require.Equal(t, http.StatusOK, r.Status, r.Body)
	assert.Equal(t, "SHIPPED", r.Body["status"])

	r = api.do(http.MethodPatch, path, "ops-key", `{"status":"PENDING"}`)
	assert.Equal(t, http.StatusConflict, r.Status)
	assert.Equal(t, "invalid_state", r.Body["kind"])

	r = api.do(http.MethodPatch, path, "ops-key", `{"status":"DELIVERED"}`)
	require.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "DELIVERED", r.Body["status"])
}

func TestUpdateDeliveryAddress(t *testing.T) {
	api := newAPI(t)
	id := api.place("alice-key", "cart-alice").Body["orderId"].(string)
	path := "/api/order/" + id + "/delivery-address"

	r := api.do(http.MethodPatch, path, "alice-key", `{"deliveryAddress":"2 Side St"}`)
	require.Equal(t, http.StatusOK, r.Status, r.Body)
	assert.Equal(t, "2 Side St", r.Body["deliveryAddress"])
	assert.Equal(t, "PENDING", r.Body["status"])

	r = api.do(http.MethodPatch, path, "alice-key", `{"deliveryAddress":""}`)
	assert.Equal(t, http.StatusBadRequest, r.Status)

	require.Equal(t, http.StatusOK, api.do(http.MethodPatch, "/api/order/"+id+"/status", "ops-key", `{"status":"SHIPPED"}`).Status)

	r = api.do(http.MethodPatch, path, "alice-key", `{"deliveryAddress":"3 Late St"}`)
	assert.Equal(t, http.StatusConflict, r.Status)
	assert.Equal(t, "invalid_state", r.Body["kind"])
}

func TestGetProduct_NotFound(t *testing.T) {
	api := newAPI(t)
	r := api.do(http.MethodGet, "/api/product/nope", "alice-key", "")
	assert.Equal(t, http.StatusNotFound, r.Status)
	assert.Equal(t, "not_found", r.Body["kind"])
}

type brokenKeys struct{}

func (brokenKeys) FindByHash(context.Context, string) (*auth.APIKeyInfo, error) {
	return nil, errors.New("connection reset")
}

func TestSecurity_LookupFailure(t *testing.T) {
	sec := NewSecurityHandler(brokenKeys{}, pepper)
	called := false
	h := sec.Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, "any")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestSecurity_Authenticate(t *testing.T) {
	store := memory.New()
	store.APIKeys.Put(auth.APIKeyInfo{
		ID: "k", KeyHash: auth.HashAPIKeyHex(pepper, "secret"), CustomerID: "alice", Role: auth.RoleCustomer,
	})
	sec := NewSecurityHandler(store.APIKeys, pepper)

	p, err := sec.Authenticate(context.Background(), "secret")
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{CustomerID: "alice", Role: auth.RoleCustomer}, p)

	_, err = NewSecurityHandler(store.APIKeys, []byte("other")).Authenticate(context.Background(), "secret")
	require.ErrorIs(t, err, errUnauthenticated)
}
