// Package identity authenticates portal requests from their bearer credential.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/containerd/errdefs"
)

// Roles recognised by the portal.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleManager  = "manager"
	RoleCTO      = "cto"
)

// ErrUnauthenticated is returned for a missing, expired or rejected credential.
var ErrUnauthenticated = errdefs.ErrUnauthenticated

// Principal is the authenticated caller.
type Principal struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
	Token string `json:"-"`
}

// IsStaff reports whether the principal may act on the agent desk.
func (p Principal) IsStaff() bool {
	switch p.Role {
	case RoleAgent, RoleManager, RoleCTO:
		return true
	}
	return false
}

// Authenticator resolves a bearer token to a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

type contextKey int

const principalKey contextKey = iota

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal from the request context.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the "token" query parameter for websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Unauthorized writes the 401 body the frontend uses to redirect to login.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","redirect":"/login"}` + "\n"))
}

// Middleware authenticates every request and injects the Principal.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				Unauthorized(w)
				return
			}

			p, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					Unauthorized(w)
					return
				}
				http.Error(w, `{"error":"authentication service unavailable"}`, http.StatusBadGateway)
				return
			}
			p.Token = token

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireStaff rejects principals that may not use the agent desk.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok {
			Unauthorized(w)
			return
		}
		if !p.IsStaff() {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
