package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// ErrKeyNotFound is returned when no active API key matches a hash.
var ErrKeyNotFound = errors.New("api key not found")

// APIKeyInfo holds the identity bound to an API key.
type APIKeyInfo struct {
	ID         string
	KeyHash    string
	Name       string
	CustomerID string
	Role       Role
}

// Principal returns the caller identity the key grants.
func (i *APIKeyInfo) Principal() Principal {
	return Principal{CustomerID: i.CustomerID, Role: i.Role}
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashAPIKey returns the HMAC-SHA256 of key under pepper.
func HashAPIKey(pepper []byte, key string) []byte {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return mac.Sum(nil)
}

// HashAPIKeyHex is HashAPIKey encoded as lowercase hex, the stored form.
func HashAPIKeyHex(pepper []byte, key string) string {
	return hex.EncodeToString(HashAPIKey(pepper, key))
}
