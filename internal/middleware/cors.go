// Package middleware provides HTTP middleware for the support portal API.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// The portal only serves GET and POST routes. Bearer tokens travel in the
// Authorization header and request IDs in X-Request-Id.
var (
	portalMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	portalHeaders = []string{"Authorization", "Content-Type", "X-Request-Id"}
)

const preflightMaxAge = 10 * time.Minute

// CORS returns middleware applying the portal's cross-origin policy.
//
// A "*" entry admits any origin but never with credentials. Preflights from
// admitted origins get 204; preflights from other origins get 403 without
// reaching the router.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")
	methods := strings.Join(portalMethods, ", ")
	headers := strings.Join(portalHeaders, ", ")
	maxAge := strconv.Itoa(int(preflightMaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			explicit := slices.Contains(allowedOrigins, origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !explicit && !wildcard {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if explicit {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			if !slices.Contains(portalMethods, r.Header.Get("Access-Control-Request-Method")) {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Add("Vary", "Access-Control-Request-Method")
			w.Header().Add("Vary", "Access-Control-Request-Headers")
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			w.Header().Set("Access-Control-Max-Age", maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
