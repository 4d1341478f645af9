// Package auth describes who is calling and what they may do.
//
// Authentication happens at the edge (API key lookup). The resulting
// Principal is handed to domain services as an explicit argument; services
// never read identity from ambient state.
package auth

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

// Role is the coarse permission group of a caller.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleSeller   Role = "SELLER"
	RoleAdmin    Role = "ADMIN"
)

// ErrInvalidRole is returned by ParseRole for unknown role names.
var ErrInvalidRole = errors.New("invalid role")

// ParseRole converts a case-insensitive role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleSeller, RoleAdmin:
		return r, nil
	default:
		return "", errors.Wrapf(ErrInvalidRole, "%q", s)
	}
}

// Principal is an authenticated caller.
type Principal struct {
	CustomerID string
	Role       Role
}

// IsAdmin reports whether p has the ADMIN role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanPlaceOrders reports whether p may convert carts into orders.
func (p Principal) CanPlaceOrders() bool {
	return p.Role == RoleCustomer && p.CustomerID != ""
}

// CanManageOrderOf reports whether p may read, cancel or edit an order that
// belongs to customerID.
func (p Principal) CanManageOrderOf(customerID string) bool {
	if p.IsAdmin() {
		return true
	}
	return p.CustomerID != "" && p.CustomerID == customerID
}

// CanChangeOrderStatus reports whether p may drive order fulfillment.
func (p Principal) CanChangeOrderStatus() bool {
	return p.IsAdmin()
}

type principalKey struct{}

// WithPrincipal stores p in ctx. Only the HTTP edge should call it.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
