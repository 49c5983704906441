// Package auth provides a minimal identity middleware: API-key lookup with a
// development-header fallback. User authentication, email confirmation, and
// session management are external collaborators to this service.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Method describes how the caller was authenticated.
const (
	MethodAPIKey = "apikey"
	MethodDev    = "dev"
)

// Identity represents the authenticated caller for the current request.
type Identity struct {
	UserID   uuid.UUID
	Subject  string // "apikey:<prefix>" or "dev:<user-id>"
	APIKeyID *uuid.UUID
	Method   string
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if unset.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Only the hash
// is ever persisted or looked up.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
