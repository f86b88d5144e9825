package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/models"
)

// UserIDHeader carries the owner when a gateway has already authenticated the caller
const UserIDHeader = "X-User-ID"

type ownerKey struct{}

// WithOwner returns a context carrying the authenticated owner
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the owner set by the identity middleware
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// Identity resolves the calling owner from an HS256 bearer token, or from
// UserIDHeader when no secret is configured.
type Identity struct {
	secret []byte
	log    *logger.Logger
}

// NewIdentity verifies bearer tokens with secret; an empty secret trusts UserIDHeader
func NewIdentity(secret string, log *logger.Logger) *Identity {
	id := &Identity{log: log}
	if secret != "" {
		id.secret = []byte(secret)
	}
	return id
}

// Middleware stores the resolved owner in the request context and answers 401 when there is none
func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := i.owner(r)
		if err != nil {
			writeError(w, i.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}

func (i *Identity) owner(r *http.Request) (string, error) {
	if i.secret == nil {
		owner := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if owner == "" {
			return "", fmt.Errorf("%w: missing %s header", models.ErrUnauthorized, UserIDHeader)
		}
		return owner, nil
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing bearer token", models.ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", models.ErrUnauthorized)
	}
	return sub, nil
}
