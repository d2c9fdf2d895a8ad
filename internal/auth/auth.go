// Package auth reads the caller identity asserted by the fronting gateway.
// Requests reaching forge are trusted to carry the gateway's headers; forge
// performs no authentication of its own.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
)

// Gateway headers.
const (
	HeaderSubject = "X-Forge-Subject"
	HeaderRoles   = "X-Forge-Roles"
)

// RoleAdmin is required for rerun, abort and purge.
const RoleAdmin = "admin"

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// Anonymous reports whether no subject was asserted.
func (i Identity) Anonymous() bool {
	return i.Subject == ""
}

type contextKey struct{}

// FromRequest parses the gateway headers. Roles are comma separated and
// compared case-insensitively.
func FromRequest(r *http.Request) Identity {
	id := Identity{Subject: strings.TrimSpace(r.Header.Get(HeaderSubject))}
	for role := range strings.SplitSeq(r.Header.Get(HeaderRoles), ",") {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	return id
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}

// Middleware stores the request identity in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), FromRequest(r))))
	})
}

// RequireRole rejects anonymous callers with 401 and callers without role
// with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id.Anonymous() {
				id = FromRequest(r)
			}
			switch {
			case id.Anonymous():
				deny(w, http.StatusUnauthorized, "missing caller identity")
			case !id.HasRole(role):
				deny(w, http.StatusForbidden, "requires role "+role)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
