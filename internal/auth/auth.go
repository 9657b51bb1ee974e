// Package auth resolves the caller's tenant identity at the HTTP boundary.
// Authentication itself happens upstream; this middleware only validates the
// signed identity token it is handed and makes the claims available to
// handlers. In dev mode a plain X-Tenant-ID header is accepted instead.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved caller: the tenant partition it may write to and
// who it is for actor attribution.
type Identity struct {
	TenantID string
	Subject  string
	Role     string
}

type ctxKey struct{}

// FromContext returns the identity stored by Middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}

// WithIdentity returns ctx carrying the identity. Exposed for tests.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Middleware validates the bearer token (HS256 with the shared secret) and
// injects the identity. Requests without a resolvable identity get 401.
func Middleware(secret string, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolve(r, secret, devMode)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func resolve(r *http.Request, secret string, devMode bool) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if devMode {
			if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
				return &Identity{TenantID: tenant, Subject: "dev", Role: "admin"}, nil
			}
		}
		return nil, fmt.Errorf("missing bearer token")
	}

	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header {
		return nil, fmt.Errorf("malformed authorization header")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	id := &Identity{}
	if v, ok := claims["tenant_id"].(string); ok {
		id.TenantID = v
	}
	if v, ok := claims["sub"].(string); ok {
		id.Subject = v
	}
	if v, ok := claims["role"].(string); ok {
		id.Role = v
	}
	if id.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant_id claim")
	}
	return id, nil
}
