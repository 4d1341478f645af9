package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// errUnauthenticated hides which part of the key check failed.
var errUnauthenticated = errors.New("unauthenticated")

// SecurityHandler authenticates requests by the HMAC-SHA256 of their API key.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{apikeys: apikeys, pepper: pepper}
}

// Authenticate resolves key to the principal it was issued for.
func (s *SecurityHandler) Authenticate(ctx context.Context, key string) (auth.Principal, error) {
	if key == "" {
		return auth.Principal{}, errUnauthenticated
	}
	hash := auth.HashAPIKey(s.pepper, key)

	info, err := s.apikeys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			return auth.Principal{}, errUnauthenticated
		}
		return auth.Principal{}, errors.Wrap(err, "find api key")
	}

	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
		return auth.Principal{}, errUnauthenticated
	}
	return info.Principal(), nil
}

// Require rejects requests without a valid API key and stores the principal
// in the context of the rest.
func (s *SecurityHandler) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		switch {
		case errors.Is(err, errUnauthenticated):
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing api key")
			return
		case err != nil:
			zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}

		ctx := zctx.With(auth.WithPrincipal(r.Context(), p),
			zap.String("customer_id", p.CustomerID),
			zap.String("role", string(p.Role)),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
